package interrupt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/memstore"
	"github.com/shaiso/Pipeliner/internal/repo"
)

// fakeControls записывает вызовы управляющих операций.
type fakeControls struct {
	mu    sync.Mutex
	calls []string
	err   error

	// onCall вызывается внутри операции (для проверки вложенных вызовов).
	onCall func()
}

func (f *fakeControls) record(format string, args ...any) error {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.err
}

func (f *fakeControls) AbortNode(_ context.Context, id string) error { return f.record("AbortNode %s", id) }
func (f *fakeControls) AbortPlan(_ context.Context, id string) error { return f.record("AbortPlan %s", id) }
func (f *fakeControls) PauseNode(_ context.Context, id string) error { return f.record("PauseNode %s", id) }
func (f *fakeControls) PausePlan(_ context.Context, id string) error { return f.record("PausePlan %s", id) }
func (f *fakeControls) UnpauseNode(_ context.Context, id string) error {
	return f.record("UnpauseNode %s", id)
}
func (f *fakeControls) ResumePlan(_ context.Context, id string) error {
	return f.record("ResumePlan %s", id)
}
func (f *fakeControls) RetryNode(_ context.Context, id string) error { return f.record("RetryNode %s", id) }
func (f *fakeControls) ExpireNode(_ context.Context, id string) error {
	return f.record("ExpireNode %s", id)
}
func (f *fakeControls) MarkNodeStatus(_ context.Context, id string, s domain.NodeStatus) error {
	return f.record("MarkNodeStatus %s %s", id, s)
}

func (f *fakeControls) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

type fakePublisher struct {
	published []string
}

func (p *fakePublisher) PublishInterruptRegistered(_ context.Context, i *domain.Interrupt) error {
	p.published = append(p.published, i.ID)
	return nil
}

type testEnv struct {
	handler   *Handler
	store     *memstore.Store
	controls  *fakeControls
	publisher *fakePublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     memstore.New(),
		controls:  &fakeControls{},
		publisher: &fakePublisher{},
	}
	env.handler = New(Config{Store: env.store, Controls: env.controls, Publisher: env.publisher})
	return env
}

func (env *testEnv) plan(t *testing.T, id string, status domain.NodeStatus) *domain.PlanExecution {
	t.Helper()
	pe := &domain.PlanExecution{ID: id, PlanID: "p", Status: status, StartTs: time.Now()}
	if status.IsTerminal() {
		end := time.Now()
		pe.EndTs = &end
	}
	if err := env.store.CreatePlanExecution(context.Background(), pe); err != nil {
		t.Fatalf("create plan execution: %v", err)
	}
	return pe
}

func (env *testEnv) node(t *testing.T, runtimeID, peID string) {
	t.Helper()
	n := &domain.NodeExecution{RuntimeID: runtimeID, PlanExecutionID: peID, Status: domain.NodeStatusAsyncWaiting}
	if err := env.store.CreateNodeExecution(context.Background(), n); err != nil {
		t.Fatalf("create node: %v", err)
	}
}

// --- Register Tests ---

func TestHandler_Register_Dispatch(t *testing.T) {
	tests := []struct {
		typ  domain.InterruptType
		node bool
		want string
	}{
		{domain.InterruptAbort, true, "AbortNode n1"},
		{domain.InterruptAbort, false, "AbortPlan pe1"},
		{domain.InterruptAbortAll, false, "AbortPlan pe1"},
		{domain.InterruptPause, true, "PauseNode n1"},
		{domain.InterruptPauseAll, false, "PausePlan pe1"},
		{domain.InterruptResume, true, "UnpauseNode n1"},
		{domain.InterruptResume, false, "ResumePlan pe1"},
		{domain.InterruptRetry, true, "RetryNode n1"},
		{domain.InterruptExpire, true, "ExpireNode n1"},
		{domain.InterruptMarkSuccess, true, "MarkNodeStatus n1 SUCCEEDED"},
		{domain.InterruptMarkFailed, true, "MarkNodeStatus n1 FAILED"},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			env := newTestEnv(t)
			env.plan(t, "pe1", domain.NodeStatusRunning)
			env.node(t, "n1", "pe1")

			in := &domain.Interrupt{Type: tt.typ, PlanExecutionID: "pe1"}
			if tt.node {
				in.NodeRuntimeID = "n1"
			}

			got, err := env.handler.Register(context.Background(), in)
			if err != nil {
				t.Fatalf("register: %v", err)
			}
			if got.Status != domain.InterruptProcessedSuccessfully {
				t.Errorf("status = %s, want PROCESSED_SUCCESSFULLY", got.Status)
			}
			if got.ProcessedAt == nil {
				t.Error("processed_at should be set")
			}
			if last := env.controls.last(); last != tt.want {
				t.Errorf("control call = %q, want %q", last, tt.want)
			}
			if len(env.publisher.published) != 1 || env.publisher.published[0] != got.ID {
				t.Errorf("published = %v", env.publisher.published)
			}
		})
	}
}

func TestHandler_Register_ControlFailure(t *testing.T) {
	env := newTestEnv(t)
	env.plan(t, "pe1", domain.NodeStatusRunning)
	env.controls.err = errors.New("node is not paused")

	got, err := env.handler.Register(context.Background(), &domain.Interrupt{Type: domain.InterruptResume, PlanExecutionID: "pe1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got.Status != domain.InterruptProcessedUnsuccessfully {
		t.Errorf("status = %s, want PROCESSED_UNSUCCESSFULLY", got.Status)
	}
	if got.Error != "node is not paused" {
		t.Errorf("error = %q", got.Error)
	}
}

func TestHandler_Register_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.plan(t, "pe1", domain.NodeStatusRunning)
	env.plan(t, "done", domain.NodeStatusSucceeded)
	env.node(t, "n1", "pe1")
	env.node(t, "other", "done")

	tests := []struct {
		name string
		in   domain.Interrupt
		want error
	}{
		{"unknown type", domain.Interrupt{Type: "SHUTDOWN", PlanExecutionID: "pe1"}, ErrInvalidInterrupt},
		{"missing plan id", domain.Interrupt{Type: domain.InterruptAbort}, ErrInvalidInterrupt},
		{"node required", domain.Interrupt{Type: domain.InterruptRetry, PlanExecutionID: "pe1"}, ErrInvalidInterrupt},
		{"unknown plan", domain.Interrupt{Type: domain.InterruptAbort, PlanExecutionID: "nope"}, repo.ErrNotFound},
		{"finished plan", domain.Interrupt{Type: domain.InterruptAbort, PlanExecutionID: "done"}, ErrPlanFinished},
		{"foreign node", domain.Interrupt{Type: domain.InterruptExpire, PlanExecutionID: "pe1", NodeRuntimeID: "other"}, ErrNodeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			_, err := env.handler.Register(context.Background(), &in)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	if len(env.controls.calls) != 0 {
		t.Errorf("no control should run, got %v", env.controls.calls)
	}
}

func TestHandler_Register_RetryOnFinishedPlan(t *testing.T) {
	env := newTestEnv(t)
	env.plan(t, "done", domain.NodeStatusFailed)
	env.node(t, "n1", "done")

	got, err := env.handler.Register(context.Background(), &domain.Interrupt{
		Type:            domain.InterruptRetry,
		PlanExecutionID: "done",
		NodeRuntimeID:   "n1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got.Status != domain.InterruptProcessedSuccessfully || env.controls.last() != "RetryNode n1" {
		t.Errorf("status = %s, last call = %q", got.Status, env.controls.last())
	}
}

// --- Handle Tests ---

func TestHandler_Handle_ExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.plan(t, "pe1", domain.NodeStatusRunning)

	i := &domain.Interrupt{ID: "i1", Type: domain.InterruptPauseAll, PlanExecutionID: "pe1", Status: domain.InterruptRegistered, CreatedAt: time.Now()}
	if err := env.store.CreateInterrupt(ctx, i); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.handler.Handle(ctx, "i1"); err != nil {
				t.Errorf("handle: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(env.controls.calls) != 1 {
		t.Errorf("control calls = %d, want 1", len(env.controls.calls))
	}
}

func TestHandler_Handle_NotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.handler.Handle(context.Background(), "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestHandler_ProcessPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.plan(t, "pe1", domain.NodeStatusRunning)

	for _, id := range []string{"i1", "i2"} {
		i := &domain.Interrupt{ID: id, Type: domain.InterruptAbortAll, PlanExecutionID: "pe1", Status: domain.InterruptRegistered, CreatedAt: time.Now()}
		if err := env.store.CreateInterrupt(ctx, i); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := env.handler.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("process pending: %v", err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}

	n, _ = env.handler.ProcessPending(ctx)
	if n != 0 {
		t.Errorf("second pass processed = %d, want 0", n)
	}
}

// --- Closure Tests ---

func TestHandler_CloseAll_SkipsProcessing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.plan(t, "pe1", domain.NodeStatusRunning)

	registered := &domain.Interrupt{ID: "waiting", Type: domain.InterruptPause, PlanExecutionID: "pe1", Status: domain.InterruptRegistered, CreatedAt: time.Now()}
	if err := env.store.CreateInterrupt(ctx, registered); err != nil {
		t.Fatalf("create: %v", err)
	}

	// ABORT_ALL закрывает план, а движок вызывает CloseAll изнутри действия
	env.controls.onCall = func() {
		if err := env.handler.CloseAll(ctx, "pe1"); err != nil {
			t.Errorf("close all: %v", err)
		}
	}

	got, err := env.handler.Register(ctx, &domain.Interrupt{Type: domain.InterruptAbortAll, PlanExecutionID: "pe1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got.Status != domain.InterruptProcessedSuccessfully {
		t.Errorf("abort interrupt status = %s, want PROCESSED_SUCCESSFULLY", got.Status)
	}

	closed, err := env.store.GetInterrupt(ctx, "waiting")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if closed.Status != domain.InterruptProcessedUnsuccessfully || closed.Error != reasonPlanFinished {
		t.Errorf("registered interrupt: status=%s error=%q", closed.Status, closed.Error)
	}
}

func TestHandler_CloseTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	done := env.plan(t, "done", domain.NodeStatusSucceeded)
	env.plan(t, "live", domain.NodeStatusRunning)

	interrupts := []*domain.Interrupt{
		{ID: "stale", Type: domain.InterruptPause, PlanExecutionID: "done", Status: domain.InterruptRegistered, CreatedAt: done.EndTs.Add(-time.Minute)},
		{ID: "stuck", Type: domain.InterruptAbort, PlanExecutionID: "done", Status: domain.InterruptProcessing, CreatedAt: done.EndTs.Add(-time.Second)},
		{ID: "late-retry", Type: domain.InterruptRetry, PlanExecutionID: "done", NodeRuntimeID: "n1", Status: domain.InterruptRegistered, CreatedAt: done.EndTs.Add(time.Minute)},
		{ID: "live", Type: domain.InterruptPause, PlanExecutionID: "live", Status: domain.InterruptRegistered, CreatedAt: time.Now()},
	}
	for _, i := range interrupts {
		if err := env.store.CreateInterrupt(ctx, i); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := env.handler.CloseTerminal(ctx)
	if err != nil {
		t.Fatalf("close terminal: %v", err)
	}
	if n != 2 {
		t.Errorf("closed = %d, want 2", n)
	}

	want := map[string]domain.InterruptStatus{
		"stale":      domain.InterruptProcessedUnsuccessfully,
		"stuck":      domain.InterruptProcessedUnsuccessfully,
		"late-retry": domain.InterruptRegistered,
		"live":       domain.InterruptRegistered,
	}
	for id, status := range want {
		i, err := env.store.GetInterrupt(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if i.Status != status {
			t.Errorf("%s status = %s, want %s", id, i.Status, status)
		}
	}
}
