package delegate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaiso/Pipeliner/internal/blobstore"
	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/memstore"
)

type fakeNotifier struct {
	mu        sync.Mutex
	done      map[string]domain.ResponseData
	progress  []domain.ProgressData
	failTimes int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{done: make(map[string]domain.ResponseData)}
}

func (n *fakeNotifier) DoneWith(_ context.Context, id string, resp domain.ResponseData) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failTimes > 0 {
		n.failTimes--
		return errors.New("correlator unavailable")
	}
	n.done[id] = resp
	return nil
}

func (n *fakeNotifier) Progress(_ context.Context, _ string, p domain.ProgressData) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, p)
	return nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	rounds [][]string
}

func (b *fakeBroadcaster) BroadcastTask(_ context.Context, _ *domain.DelegateTask, delegates []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rounds = append(b.rounds, delegates)
	return nil
}

type testEnv struct {
	svc         *Service
	store       *memstore.Store
	notifier    *fakeNotifier
	broadcaster *fakeBroadcaster
	blobs       *blobstore.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:       memstore.New(),
		notifier:    newFakeNotifier(),
		broadcaster: &fakeBroadcaster{},
		blobs:       blobstore.NewMemoryStore(),
	}
	env.svc = New(Config{
		Store:             env.store,
		Notifier:          env.notifier,
		Broadcaster:       env.broadcaster,
		Blobs:             env.blobs,
		InlineResultLimit: 128,
		NotifyPolicy:      &domain.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 1, MaxDelayMs: 1},
	})
	return env
}

func (e *testEnv) heartbeat(t *testing.T, id string, selectors ...string) {
	t.Helper()
	if _, err := e.svc.Heartbeat(context.Background(), domain.DelegateHeartbeat{DelegateID: id, Selectors: selectors}); err != nil {
		t.Fatalf("heartbeat %s: %v", id, err)
	}
}

func (e *testEnv) enqueue(t *testing.T, id string, selectors ...string) {
	t.Helper()
	task := &domain.DelegateTask{
		ID:            id,
		Type:          "http",
		Selectors:     selectors,
		CorrelationID: id,
		Expiry:        time.Now().Add(time.Hour),
	}
	if err := e.svc.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

// --- Enqueue Tests ---

func TestEnqueue_EligibleDelegates(t *testing.T) {
	env := newTestEnv(t)
	env.heartbeat(t, "d1", "linux")
	env.heartbeat(t, "d2", "windows")
	env.heartbeat(t, "d3", "linux", "gpu")

	env.enqueue(t, "t1", "linux")

	task, err := env.svc.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if len(task.EligibleDelegates) != 2 {
		t.Errorf("expected d1 and d3 eligible, got %v", task.EligibleDelegates)
	}
	if len(env.broadcaster.rounds) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(env.broadcaster.rounds))
	}

	pending, _ := env.svc.PendingTasks(context.Background(), "d2")
	if len(pending) != 0 {
		t.Error("d2 should not see the task")
	}
}

func TestEnqueue_BroadcastCapped(t *testing.T) {
	env := newTestEnv(t)
	for i := range 15 {
		env.heartbeat(t, fmt.Sprintf("d%02d", i))
	}

	env.enqueue(t, "t1")

	if got := len(env.broadcaster.rounds[0]); got != DefaultMaxBroadcast {
		t.Errorf("expected broadcast to %d delegates, got %d", DefaultMaxBroadcast, got)
	}
}

// --- Acquire Tests ---

func TestAcquire_ExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	for i := range 5 {
		env.heartbeat(t, fmt.Sprintf("d%d", i))
	}
	env.enqueue(t, "t1")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Acquire(context.Background(), fmt.Sprintf("d%d", i), "t1")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyAcquired):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", wins.Load())
	}
}

func TestAcquire_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.heartbeat(t, "d1")
	env.enqueue(t, "t1")
	ctx := context.Background()

	if _, err := env.svc.Acquire(ctx, "d1", "t1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := env.svc.Acquire(ctx, "d1", "t1"); err != nil {
		t.Errorf("re-acquire by owner should succeed, got %v", err)
	}
	if len(env.notifier.progress) != 1 {
		t.Errorf("expected 1 progress update, got %d", len(env.notifier.progress))
	}
}

func TestAcquire_NotEligible(t *testing.T) {
	env := newTestEnv(t)
	env.heartbeat(t, "d1", "linux")
	env.heartbeat(t, "d2")
	env.enqueue(t, "t1", "linux")

	_, err := env.svc.Acquire(context.Background(), "d2", "t1")
	if !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible, got %v", err)
	}
}

func TestAcquire_Expired(t *testing.T) {
	env := newTestEnv(t)
	env.heartbeat(t, "d1")
	task := &domain.DelegateTask{ID: "t1", Type: "http", CorrelationID: "t1", Expiry: time.Now().Add(-time.Second)}
	if err := env.svc.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, err := env.svc.Acquire(context.Background(), "d1", "t1")
	if !errors.Is(err, ErrTaskExpired) {
		t.Errorf("expected ErrTaskExpired, got %v", err)
	}
}

func TestAcquire_NotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.Acquire(context.Background(), "d1", "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

// --- PushResponse Tests ---

func TestPushResponse(t *testing.T) {
	env := newTestEnv(t)
	env.heartbeat(t, "d1")
	env.enqueue(t, "t1")
	ctx := context.Background()

	_, _ = env.svc.Acquire(ctx, "d1", "t1")
	if err := env.svc.MarkStarted(ctx, "d1", "t1"); err != nil {
		t.Fatalf("mark started: %v", err)
	}

	result := domain.TaskResult{Status: domain.DelegateTaskSucceeded, Data: map[string]any{"code": 200}}
	if err := env.svc.PushResponse(ctx, "d1", "t1", result); err != nil {
		t.Fatalf("push response: %v", err)
	}

	resp, ok := env.notifier.done["t1"].(domain.TaskResponse)
	if !ok {
		t.Fatalf("expected TaskResponse, got %T", env.notifier.done["t1"])
	}
	if resp.Status != domain.DelegateTaskSucceeded || resp.Data["code"] != 200 {
		t.Errorf("unexpected response: %+v", resp)
	}

	task, _ := env.svc.GetTask(ctx, "t1")
	if task.Status != domain.DelegateTaskSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", task.Status)
	}

	// Повторная отправка — no-op
	if err := env.svc.PushResponse(ctx, "d1", "t1", result); err != nil {
		t.Errorf("duplicate push should be ignored, got %v", err)
	}
}

func TestPushResponse_NotOwner(t *testing.T) {
	env := newTestEnv(t)
	env.heartbeat(t, "d1")
	env.heartbeat(t, "d2")
	env.enqueue(t, "t1")
	ctx := context.Background()

	_, _ = env.svc.Acquire(ctx, "d1", "t1")

	err := env.svc.PushResponse(ctx, "d2", "t1", domain.TaskResult{Status: domain.DelegateTaskSucceeded})
	if !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestPushResponse_InvalidStatus(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.PushResponse(context.Background(), "d1", "t1", domain.TaskResult{Status: domain.DelegateTaskQueued})
	if !errors.Is(err, ErrInvalidResult) {
		t.Errorf("expected ErrInvalidResult, got %v", err)
	}
}

func TestPushResponse_NotifyFailureKeepsTaskRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.heartbeat(t, "d1")
	env.enqueue(t, "t1")
	ctx := context.Background()
	_, _ = env.svc.Acquire(ctx, "d1", "t1")

	env.notifier.failTimes = 3
	result := domain.TaskResult{Status: domain.DelegateTaskFailed, Error: "boom"}
	if err := env.svc.PushResponse(ctx, "d1", "t1", result); err == nil {
		t.Fatal("expected error when correlator is unavailable")
	}

	task, _ := env.svc.GetTask(ctx, "t1")
	if task.IsFinished() {
		t.Fatalf("task should stay retryable, got %s", task.Status)
	}

	if err := env.svc.PushResponse(ctx, "d1", "t1", result); err != nil {
		t.Fatalf("retry push: %v", err)
	}
	task, _ = env.svc.GetTask(ctx, "t1")
	if task.Status != domain.DelegateTaskFailed || task.Error != "boom" {
		t.Errorf("unexpected task state: %s %q", task.Status, task.Error)
	}
}

func TestPushResponse_OffloadsLargeResult(t *testing.T) {
	env := newTestEnv(t)
	env.heartbeat(t, "d1")
	env.enqueue(t, "t1")
	ctx := context.Background()
	_, _ = env.svc.Acquire(ctx, "d1", "t1")

	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'x'
	}
	result := domain.TaskResult{Status: domain.DelegateTaskSucceeded, Data: map[string]any{"body": string(big)}}
	if err := env.svc.PushResponse(ctx, "d1", "t1", result); err != nil {
		t.Fatalf("push response: %v", err)
	}

	resp := env.notifier.done["t1"].(domain.TaskResponse)
	if resp.ResultRef != blobstore.TaskResultKey("t1") {
		t.Errorf("expected result ref, got %q", resp.ResultRef)
	}
	if resp.Data != nil {
		t.Error("offloaded response should not carry inline data")
	}
	if env.blobs.Len() != 1 {
		t.Errorf("expected 1 blob, got %d", env.blobs.Len())
	}
}

// --- Expiry / Abort Tests ---

func TestExpireStale(t *testing.T) {
	env := newTestEnv(t)
	env.heartbeat(t, "d1")
	env.enqueue(t, "t1")
	ctx := context.Background()

	n, err := env.svc.ExpireStale(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired task, got %d", n)
	}

	resp, ok := env.notifier.done["t1"].(domain.ErrorResponse)
	if !ok || resp.Type != domain.FailureExpired {
		t.Errorf("expected EXPIRED failure, got %#v", env.notifier.done["t1"])
	}

	task, _ := env.svc.GetTask(ctx, "t1")
	if task.Status != domain.DelegateTaskExpired {
		t.Errorf("expected EXPIRED, got %s", task.Status)
	}
}

func TestAbort(t *testing.T) {
	env := newTestEnv(t)
	env.heartbeat(t, "d1")
	env.enqueue(t, "t1")
	ctx := context.Background()

	if err := env.svc.Abort(ctx, "t1"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if err := env.svc.Abort(ctx, "t1"); err != nil {
		t.Errorf("second abort should be a no-op, got %v", err)
	}
	if _, err := env.svc.Acquire(ctx, "d1", "t1"); !errors.Is(err, ErrAlreadyAcquired) {
		t.Errorf("aborted task must not be acquired, got %v", err)
	}
}

// --- Rebroadcast Tests ---

func TestRebroadcast_Rotation(t *testing.T) {
	env := newTestEnv(t)
	for i := range 12 {
		env.heartbeat(t, fmt.Sprintf("d%02d", i))
	}
	env.enqueue(t, "t1")
	ctx := context.Background()

	now := time.Now().Add(10 * time.Second)
	sent, err := env.svc.Rebroadcast(ctx, now)
	if err != nil {
		t.Fatalf("rebroadcast: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 rebroadcast, got %d", sent)
	}
	second := env.broadcaster.rounds[1]
	if len(second) != 2 {
		t.Errorf("expected the 2 untried delegates, got %v", second)
	}

	// Все опрошены — новый раунд с паузой
	now = now.Add(10 * time.Second)
	sent, _ = env.svc.Rebroadcast(ctx, now)
	if sent != 0 {
		t.Errorf("round switch should not broadcast, got %d", sent)
	}
	task, _ := env.svc.GetTask(ctx, "t1")
	if task.BroadcastRound != 1 {
		t.Errorf("expected round 1, got %d", task.BroadcastRound)
	}
	if !task.NextBroadcast.Equal(now.Add(time.Minute)) {
		t.Errorf("expected next broadcast in 1m, got %v", task.NextBroadcast.Sub(now))
	}
}

func TestRebroadcast_PicksUpLateDelegate(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "t1")
	env.heartbeat(t, "late")

	if _, err := env.svc.Rebroadcast(context.Background(), time.Now().Add(10*time.Second)); err != nil {
		t.Fatalf("rebroadcast: %v", err)
	}

	pending, _ := env.svc.PendingTasks(context.Background(), "late")
	if len(pending) != 1 {
		t.Errorf("late delegate should see the task, got %d", len(pending))
	}
}

func TestRebroadcast_RefreshesEligibilityAfterMaxRounds(t *testing.T) {
	env := newTestEnv(t)
	env.svc.maxRounds = 1
	ctx := context.Background()
	start := time.Now()

	env.enqueue(t, "t1")

	// нет делегатов: раунд 1 закрыт, рассылки больше не будет
	if _, err := env.svc.Rebroadcast(ctx, start.Add(10*time.Second)); err != nil {
		t.Fatalf("rebroadcast: %v", err)
	}
	task, _ := env.svc.GetTask(ctx, "t1")
	if task.BroadcastRound != 1 {
		t.Fatalf("expected round 1, got %d", task.BroadcastRound)
	}

	env.heartbeat(t, "late")
	broadcasts := len(env.broadcaster.rounds)

	sent, err := env.svc.Rebroadcast(ctx, start.Add(75*time.Second))
	if err != nil {
		t.Fatalf("rebroadcast: %v", err)
	}
	if sent != 0 || len(env.broadcaster.rounds) != broadcasts {
		t.Errorf("exhausted task must not be broadcast, sent %d", sent)
	}

	pending, _ := env.svc.PendingTasks(ctx, "late")
	if len(pending) != 1 {
		t.Fatalf("late delegate should see the task, got %d", len(pending))
	}
	if _, err := env.svc.Acquire(ctx, "late", "t1"); err != nil {
		t.Errorf("late delegate acquire: %v", err)
	}
}

// --- Perpetual Tests ---

func TestPerpetualTasks_Reassign(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.heartbeat(t, "d1")

	pt, err := env.svc.CreatePerpetualTask(ctx, &domain.PerpetualTask{Type: "echo", IntervalSec: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pt.DelegateID != "d1" || pt.State != domain.PerpetualAssigned {
		t.Fatalf("expected assignment to d1, got %q %s", pt.DelegateID, pt.State)
	}

	if err := env.svc.PerpetualTaskHeartbeat(ctx, "d2", pt.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	env.heartbeat(t, "d2")

	// d1 молчит дольше 3 интервалов
	n, err := env.svc.ReassignPerpetualTasks(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reassignment, got %d", n)
	}

	list, _ := env.svc.PerpetualTaskList(ctx, "d2")
	if len(list) != 1 {
		t.Errorf("expected task on d2, got %d", len(list))
	}
}
