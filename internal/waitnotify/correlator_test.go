package waitnotify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/memstore"
)

// recordingResumer запоминает каждый вызов ResumeNode.
type recordingResumer struct {
	mu       sync.Mutex
	calls    []resumeCall
	progress []string
	err      error
}

type resumeCall struct {
	cb        domain.Callback
	responses map[string]domain.ResponseData
}

func (r *recordingResumer) ResumeNode(_ context.Context, cb domain.Callback, responses map[string]domain.ResponseData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, resumeCall{cb: cb, responses: responses})
	return nil
}

func (r *recordingResumer) HandleProgress(_ context.Context, runtimeID string, _ domain.ProgressData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, runtimeID)
	return nil
}

func (r *recordingResumer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// fakeQueue — очередь задач в памяти.
type fakeQueue struct {
	mu    sync.Mutex
	tasks []*domain.DelegateTask
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, task *domain.DelegateTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func newTestCorrelator(t *testing.T) (*Correlator, *memstore.Store, *recordingResumer, *fakeQueue) {
	t.Helper()
	store := memstore.New()
	resumer := &recordingResumer{}
	queue := &fakeQueue{}
	c := New(Config{
		Store:   store,
		Queue:   queue,
		Resumer: resumer,
		DispatchPolicy: &domain.RetryPolicy{
			MaxAttempts:    2,
			InitialDelayMs: 1,
			MaxDelayMs:     1,
		},
	})
	return c, store, resumer, queue
}

func testCallback() domain.Callback {
	return domain.Callback{Kind: domain.CallbackNodeResume, PlanExecutionID: "pe-1", RuntimeID: "rt-1"}
}

// --- WaitForAll Tests ---

func TestWaitForAll_NoIDs(t *testing.T) {
	c, _, _, _ := newTestCorrelator(t)

	_, err := c.WaitForAll(context.Background(), testCallback(), NoTimeout)
	if !errors.Is(err, ErrNoCorrelationIDs) {
		t.Errorf("expected ErrNoCorrelationIDs, got %v", err)
	}
}

func TestWaitForAll_Dedupes(t *testing.T) {
	c, store, resumer, _ := newTestCorrelator(t)
	ctx := context.Background()

	waitID, err := c.WaitForAll(ctx, testCallback(), NoTimeout, "a", "b", "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w, err := store.GetWait(ctx, waitID)
	if err != nil {
		t.Fatalf("get wait: %v", err)
	}
	if len(w.WaitingOn) != 2 {
		t.Errorf("expected 2 ids, got %v", w.WaitingOn)
	}
	if w.ExpiresAt != nil {
		t.Error("NoTimeout wait should not expire")
	}

	_ = c.DoneWith(ctx, "a", domain.CallbackResponse{})
	if resumer.count() != 0 {
		t.Fatal("resumed before all ids arrived")
	}
	_ = c.DoneWith(ctx, "b", domain.CallbackResponse{})
	if resumer.count() != 1 {
		t.Fatalf("expected 1 resume, got %d", resumer.count())
	}
}

func TestWaitForAll_HonoursExistingResponses(t *testing.T) {
	c, _, resumer, _ := newTestCorrelator(t)
	ctx := context.Background()

	// Ответ приходит раньше регистрации ожидания
	if err := c.DoneWith(ctx, "early", domain.CallbackResponse{Data: map[string]any{"k": "v"}}); err != nil {
		t.Fatalf("done with: %v", err)
	}

	if _, err := c.WaitForAll(ctx, testCallback(), NoTimeout, "early"); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if resumer.count() != 1 {
		t.Fatalf("expected immediate resume, got %d", resumer.count())
	}
	resp, ok := resumer.calls[0].responses["early"].(domain.CallbackResponse)
	if !ok {
		t.Fatalf("expected CallbackResponse, got %T", resumer.calls[0].responses["early"])
	}
	if resp.Data["k"] != "v" {
		t.Errorf("unexpected data: %v", resp.Data)
	}
}

func TestWaitForAll_ZeroTimeoutResolvesImmediately(t *testing.T) {
	c, _, resumer, _ := newTestCorrelator(t)

	if _, err := c.WaitForAll(context.Background(), testCallback(), 0, "never"); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if resumer.count() != 1 {
		t.Fatalf("expected 1 resume, got %d", resumer.count())
	}
	errResp, ok := resumer.calls[0].responses["never"].(domain.ErrorResponse)
	if !ok {
		t.Fatalf("expected ErrorResponse, got %T", resumer.calls[0].responses["never"])
	}
	if errResp.Type != domain.FailureTimeout {
		t.Errorf("expected TIMEOUT, got %s", errResp.Type)
	}
}

// --- DoneWith Tests ---

func TestDoneWith_IdempotentResume(t *testing.T) {
	c, store, resumer, _ := newTestCorrelator(t)
	ctx := context.Background()

	waitID, _ := c.WaitForAll(ctx, testCallback(), NoTimeout, "x")

	for range 3 {
		if err := c.DoneWith(ctx, "x", domain.CallbackResponse{}); err != nil {
			t.Fatalf("done with: %v", err)
		}
	}

	if resumer.count() != 1 {
		t.Errorf("expected exactly 1 resume, got %d", resumer.count())
	}
	if _, err := store.GetWait(ctx, waitID); err == nil {
		t.Error("resolved wait should be deleted")
	}
}

func TestDoneWith_ConcurrentDeliveries(t *testing.T) {
	c, _, resumer, _ := newTestCorrelator(t)
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d"}
	if _, err := c.WaitForAll(ctx, testCallback(), NoTimeout, ids...); err != nil {
		t.Fatalf("wait: %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = c.DoneWith(ctx, id, domain.CallbackResponse{})
			}()
		}
	}
	wg.Wait()

	if resumer.count() != 1 {
		t.Errorf("expected exactly 1 resume, got %d", resumer.count())
	}
}

func TestDoneWith_ResumeFailureKeepsWait(t *testing.T) {
	c, store, resumer, _ := newTestCorrelator(t)
	ctx := context.Background()
	resumer.err = errors.New("engine down")

	waitID, _ := c.WaitForAll(ctx, testCallback(), NoTimeout, "x")
	if err := c.DoneWith(ctx, "x", domain.CallbackResponse{}); err == nil {
		t.Fatal("expected error from failed resume")
	}

	w, err := store.GetWait(ctx, waitID)
	if err != nil {
		t.Fatalf("wait should be kept: %v", err)
	}
	if w.Status != domain.WaitStatusResolved {
		t.Errorf("expected RESOLVED, got %s", w.Status)
	}

	// Движок восстановился — повторная доставка
	resumer.err = nil
	n, err := c.RedeliverResolved(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if n != 1 || resumer.count() != 1 {
		t.Errorf("expected 1 redelivery, got n=%d calls=%d", n, resumer.count())
	}
}

func TestDoneWith_WithoutWaiterIsOrphan(t *testing.T) {
	c, _, resumer, _ := newTestCorrelator(t)
	ctx := context.Background()

	if err := c.DoneWith(ctx, "lost", domain.CallbackResponse{}); err != nil {
		t.Fatalf("done with: %v", err)
	}
	if resumer.count() != 0 {
		t.Error("nothing should be resumed")
	}

	n, err := c.PurgeOrphans(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged response, got %d", n)
	}
}

// --- ExpireWaits Tests ---

func TestExpireWaits(t *testing.T) {
	c, _, resumer, _ := newTestCorrelator(t)
	ctx := context.Background()

	if _, err := c.WaitForAll(ctx, testCallback(), time.Minute, "a", "b"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	_ = c.DoneWith(ctx, "a", domain.CallbackResponse{})

	n, err := c.ExpireWaits(ctx, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("nothing should expire yet: n=%d err=%v", n, err)
	}

	n, err = c.ExpireWaits(ctx, time.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired wait, got %d", n)
	}
	if resumer.count() != 1 {
		t.Fatalf("expected resume after expiry, got %d", resumer.count())
	}

	responses := resumer.calls[0].responses
	if _, ok := responses["a"].(domain.CallbackResponse); !ok {
		t.Error("real response for a should be kept")
	}
	if r, ok := responses["b"].(domain.ErrorResponse); !ok || r.Type != domain.FailureTimeout {
		t.Errorf("expected TIMEOUT for b, got %#v", responses["b"])
	}
}

func TestSchedule(t *testing.T) {
	c, _, resumer, _ := newTestCorrelator(t)
	ctx := context.Background()

	timerID, err := c.Schedule(ctx, testCallback(), time.Second)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if timerID == "" {
		t.Fatal("expected timer id")
	}

	_, _ = c.ExpireWaits(ctx, time.Now().Add(2*time.Second))
	if resumer.count() != 1 {
		t.Errorf("timer should fire, got %d resumes", resumer.count())
	}
}

// --- Dispatch Tests ---

func TestDispatchTask(t *testing.T) {
	c, _, resumer, queue := newTestCorrelator(t)
	ctx := context.Background()

	id, err := c.DispatchTask(ctx, TaskRequest{
		Type:       "http",
		Parameters: map[string]any{"url": "http://example.com"},
		Selectors:  []string{"linux"},
	}, testCallback())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(queue.tasks) != 1 {
		t.Fatalf("expected 1 queued task, got %d", len(queue.tasks))
	}
	task := queue.tasks[0]
	if task.ID != id || task.CorrelationID != id {
		t.Errorf("task id and correlation id must match: %s %s %s", task.ID, task.CorrelationID, id)
	}
	if task.Status != domain.DelegateTaskQueued {
		t.Errorf("expected QUEUED, got %s", task.Status)
	}
	if task.Expiry.IsZero() {
		t.Error("expiry should be set")
	}

	_ = c.DoneWith(ctx, id, domain.TaskResponse{TaskID: id, Status: domain.DelegateTaskSucceeded})
	if resumer.count() != 1 {
		t.Errorf("expected resume on task response, got %d", resumer.count())
	}
}

func TestDispatchTask_QueueFailure(t *testing.T) {
	c, _, resumer, queue := newTestCorrelator(t)
	queue.err = errors.New("queue unavailable")

	if _, err := c.DispatchTask(context.Background(), TaskRequest{Type: "http"}, testCallback()); err != nil {
		t.Fatalf("dispatch failure should be delivered as response, got %v", err)
	}

	if resumer.count() != 1 {
		t.Fatalf("expected resume with failure, got %d", resumer.count())
	}
	for _, r := range resumer.calls[0].responses {
		errResp, ok := r.(domain.ErrorResponse)
		if !ok || errResp.Type != domain.FailureInfra {
			t.Errorf("expected INFRASTRUCTURE failure, got %#v", r)
		}
	}
}

func TestNewTaskID_Ordered(t *testing.T) {
	a := NewTaskID()
	time.Sleep(2 * time.Millisecond)
	b := NewTaskID()
	if a >= b {
		t.Errorf("task ids should be time ordered: %s >= %s", a, b)
	}
}

// --- Progress Tests ---

func TestProgress(t *testing.T) {
	c, _, resumer, _ := newTestCorrelator(t)
	ctx := context.Background()

	_, _ = c.WaitForAll(ctx, testCallback(), NoTimeout, "task-1")
	if err := c.Progress(ctx, "task-1", domain.ProgressData{Message: "acquired"}); err != nil {
		t.Fatalf("progress: %v", err)
	}

	if len(resumer.progress) != 1 || resumer.progress[0] != "rt-1" {
		t.Errorf("unexpected progress calls: %v", resumer.progress)
	}
	if resumer.count() != 0 {
		t.Error("progress must not resolve the wait")
	}
}
