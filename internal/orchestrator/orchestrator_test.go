package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Pipeliner/internal/blobstore"
	"github.com/shaiso/Pipeliner/internal/codec"
	"github.com/shaiso/Pipeliner/internal/constraint"
	"github.com/shaiso/Pipeliner/internal/delegate"
	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/facilitator"
	"github.com/shaiso/Pipeliner/internal/memstore"
	"github.com/shaiso/Pipeliner/internal/mq"
	"github.com/shaiso/Pipeliner/internal/steps"
	"github.com/shaiso/Pipeliner/internal/waitnotify"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []mq.NodeStatusChangedPayload
	ends   []mq.OrchestrationEndPayload
}

func (p *recordingPublisher) PublishNodeStatusChanged(_ context.Context, payload mq.NodeStatusChangedPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload)
	return nil
}

func (p *recordingPublisher) PublishOrchestrationEnd(_ context.Context, payload mq.OrchestrationEndPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ends = append(p.ends, payload)
	return nil
}

func (p *recordingPublisher) statuses(runtimeID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.RuntimeID == runtimeID {
			out = append(out, string(e.To))
		}
	}
	return out
}

type recordingCloser struct {
	mu     sync.Mutex
	closed []string
}

func (c *recordingCloser) CloseAll(_ context.Context, peID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, peID)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine     *Engine
	store      *memstore.Store
	correlator *waitnotify.Correlator
	delegates  *delegate.Service
	publisher  *recordingPublisher
	closer     *recordingCloser
	clock      *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     memstore.New(),
		publisher: &recordingPublisher{},
		closer:    &recordingCloser{},
		clock:     &testClock{now: time.Now()},
	}

	policy := &domain.RetryPolicy{MaxAttempts: 1, InitialDelayMs: 1, MaxDelayMs: 1}
	env.delegates = delegate.New(delegate.Config{Store: env.store, NotifyPolicy: policy})
	env.correlator = waitnotify.New(waitnotify.Config{Store: env.store, Queue: env.delegates, DispatchPolicy: policy})
	env.delegates.SetNotifier(env.correlator)

	constraints := constraint.New(constraint.Config{
		Store:        env.store,
		Lookup:       env.store,
		Notifier:     env.correlator,
		NotifyPolicy: policy,
	})

	registry := steps.DefaultRegistry(steps.Deps{Constraints: constraints})
	facilitators, err := facilitator.NewRegistry(facilitator.Config{StepDefaults: registry.StepDefaults()})
	if err != nil {
		t.Fatalf("facilitator registry: %v", err)
	}

	env.engine = New(Config{
		Store:        env.store,
		Steps:        registry,
		Facilitators: facilitators,
		Correlator:   env.correlator,
		Tasks:        env.delegates,
		Constraints:  constraints,
		Publisher:    env.publisher,
		Interrupts:   env.closer,
		Now:          env.clock.Now,
	})
	env.correlator.SetResumer(env.engine)
	return env
}

func planNode(id, stepType string, params map[string]any, edges ...domain.Edge) *domain.PlanNode {
	return &domain.PlanNode{
		ID:             id,
		Identifier:     id,
		StepType:       stepType,
		Group:          domain.GroupStep,
		StepParameters: params,
		Edges:          edges,
	}
}

func onSuccess(target string) domain.Edge {
	return domain.Edge{Target: target, Kind: domain.EdgeOnSuccess}
}

func newPlan(id, start string, nodes ...*domain.PlanNode) *domain.Plan {
	p := &domain.Plan{ID: id, StartingNodeID: start, Nodes: make(map[string]*domain.PlanNode)}
	for _, n := range nodes {
		p.Nodes[n.ID] = n
	}
	return p
}

func (env *testEnv) start(t *testing.T, plan *domain.Plan, inputs map[string]any) *domain.PlanExecution {
	t.Helper()
	ctx := context.Background()
	if _, err := env.store.GetPlan(ctx, plan.ID); err != nil {
		if err := env.engine.RegisterPlan(ctx, plan); err != nil {
			t.Fatalf("register plan: %v", err)
		}
	}
	pe, err := env.engine.StartPlanExecution(ctx, plan.ID, inputs, "acc")
	if err != nil {
		t.Fatalf("start plan execution: %v", err)
	}
	return pe
}

// attempts возвращает попытки узла в порядке повторов.
func (env *testEnv) attempts(t *testing.T, peID, identifier string) []*domain.NodeExecution {
	t.Helper()
	nodes, err := env.store.ListNodeExecutions(context.Background(), peID)
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	var out []*domain.NodeExecution
	for _, n := range nodes {
		if n.Identifier == identifier {
			out = append(out, n)
		}
	}
	slices.SortStableFunc(out, func(a, b *domain.NodeExecution) int { return a.RetryIndex - b.RetryIndex })
	return out
}

func (env *testEnv) node(t *testing.T, peID, identifier string) *domain.NodeExecution {
	t.Helper()
	all := env.attempts(t, peID, identifier)
	if len(all) == 0 {
		t.Fatalf("node %s not initiated", identifier)
	}
	return all[len(all)-1]
}

func (env *testEnv) planStatus(t *testing.T, peID string) domain.NodeStatus {
	t.Helper()
	pe, err := env.store.GetPlanExecution(context.Background(), peID)
	if err != nil {
		t.Fatalf("get plan execution: %v", err)
	}
	return pe.Status
}

func callbackID(t *testing.T, n *domain.NodeExecution) string {
	t.Helper()
	id, _ := n.Outcomes["callback_id"].(string)
	if id == "" {
		t.Fatalf("node %s has no callback id (status %s)", n.Identifier, n.Status)
	}
	return id
}

func (env *testEnv) respond(t *testing.T, n *domain.NodeExecution, resp domain.ResponseData) {
	t.Helper()
	if err := env.correlator.DoneWith(context.Background(), callbackID(t, n), resp); err != nil {
		t.Fatalf("done with: %v", err)
	}
}

func expectStatus(t *testing.T, what string, got, want domain.NodeStatus) {
	t.Helper()
	if got != want {
		t.Errorf("%s status = %s, want %s", what, got, want)
	}
}

var appFailure = domain.ErrorResponse{Type: domain.FailureApplication, Message: "boom"}

// --- Linear Chain Tests ---

func TestEngine_SyncChain(t *testing.T) {
	env := newTestEnv(t)
	plan := newPlan("sync-chain", "a",
		planNode("a", "transform", map[string]any{"mappings": map[string]any{"greeting": "hello"}}, onSuccess("b")),
		planNode("b", "transform", map[string]any{"mappings": map[string]any{"echo": "{{ .Nodes.a.Outcomes.greeting }}-world"}}),
	)

	pe := env.start(t, plan, nil)

	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusSucceeded)
	b := env.node(t, pe.ID, "b")
	if b.Outcomes["echo"] != "hello-world" {
		t.Errorf("b outcomes = %v", b.Outcomes)
	}
	if b.PreviousRuntimeID != env.node(t, pe.ID, "a").RuntimeID {
		t.Error("b should link to a as previous")
	}
	if len(env.publisher.ends) != 1 || env.publisher.ends[0].Status != domain.NodeStatusSucceeded {
		t.Errorf("orchestration end events = %+v", env.publisher.ends)
	}
	if !slices.Contains(env.closer.closed, pe.ID) {
		t.Error("interrupts should be closed when plan finishes")
	}
}

func TestEngine_TaskNodeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.delegates.Heartbeat(ctx, domain.DelegateHeartbeat{DelegateID: "d1"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	plan := newPlan("task-chain", "a",
		planNode("a", "transform", map[string]any{"mappings": map[string]any{"n": "1"}}, onSuccess("b")),
		planNode("b", "task", map[string]any{
			"task_type":  "echo",
			"parameters": map[string]any{"message": "hi"},
		}, onSuccess("c")),
		planNode("c", "transform", map[string]any{"mappings": map[string]any{"result": "{{ .Nodes.b.Outcomes.message }}"}}),
	)

	pe := env.start(t, plan, nil)

	b := env.node(t, pe.ID, "b")
	expectStatus(t, "b", b.Status, domain.NodeStatusTaskWaiting)
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusRunning)
	if b.ExecutableResponse == nil || len(b.ExecutableResponse.TaskIDs) != 1 {
		t.Fatalf("b executable response = %+v", b.ExecutableResponse)
	}
	taskID := b.ExecutableResponse.TaskIDs[0]

	pending, err := env.delegates.PendingTasks(ctx, "d1")
	if err != nil {
		t.Fatalf("pending tasks: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != taskID {
		t.Fatalf("pending tasks = %d, want task %s", len(pending), taskID)
	}

	if _, err := env.delegates.Acquire(ctx, "d1", taskID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := env.delegates.MarkStarted(ctx, "d1", taskID); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	err = env.delegates.PushResponse(ctx, "d1", taskID, domain.TaskResult{
		Status: domain.DelegateTaskSucceeded,
		Data:   map[string]any{"message": "hi"},
	})
	if err != nil {
		t.Fatalf("push response: %v", err)
	}

	b = env.node(t, pe.ID, "b")
	expectStatus(t, "b", b.Status, domain.NodeStatusSucceeded)
	if _, ok := b.Outcomes[outcomeProgress]; ok {
		t.Error("progress outcome should be dropped on completion")
	}

	want := []string{"QUEUED", "RUNNING", "TASK_WAITING", "SUCCEEDED"}
	if got := env.publisher.statuses(b.RuntimeID); !slices.Equal(got, want) {
		t.Errorf("b transitions = %v, want %v", got, want)
	}

	c := env.node(t, pe.ID, "c")
	if c.Outcomes["result"] != "hi" {
		t.Errorf("c outcomes = %v", c.Outcomes)
	}
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusSucceeded)
}

// --- Join Tests ---

func TestEngine_ParallelJoin(t *testing.T) {
	tests := []struct {
		name     string
		fail     bool
		optional bool
		want     domain.NodeStatus
	}{
		{name: "all children succeed", want: domain.NodeStatusSucceeded},
		{name: "required child fails", fail: true, want: domain.NodeStatusFailed},
		{name: "optional child fails", fail: true, optional: true, want: domain.NodeStatusSucceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			p := planNode("p", "parallel", nil)
			p.Children = []domain.ChildRef{{NodeID: "fast"}, {NodeID: "slow", Optional: tt.optional}}
			plan := newPlan("join", "p",
				p,
				planNode("fast", "transform", map[string]any{"mappings": map[string]any{"v": "1"}}),
				planNode("slow", "callback", nil),
			)

			pe := env.start(t, plan, nil)

			expectStatus(t, "p", env.node(t, pe.ID, "p").Status, domain.NodeStatusAsyncWaiting)
			expectStatus(t, "fast", env.node(t, pe.ID, "fast").Status, domain.NodeStatusSucceeded)

			slow := env.node(t, pe.ID, "slow")
			if slow.ParentRuntimeID != env.node(t, pe.ID, "p").RuntimeID {
				t.Error("child should reference its parent")
			}
			if slow.Ambiance.Depth() != 2 {
				t.Errorf("child ambiance depth = %d, want 2", slow.Ambiance.Depth())
			}

			if tt.fail {
				env.respond(t, slow, appFailure)
			} else {
				env.respond(t, slow, domain.CallbackResponse{Data: map[string]any{"ok": true}})
			}

			parent := env.node(t, pe.ID, "p")
			expectStatus(t, "p", parent.Status, tt.want)
			expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.PlanFinalStatus(tt.want))

			if _, ok := parent.Outcomes["fast"]; !ok {
				t.Errorf("parent outcomes should be keyed by branch: %v", parent.Outcomes)
			}
		})
	}
}

func TestEngine_JoinFailurePositions(t *testing.T) {
	type joinCase struct {
		name    string
		k       int
		failAt  int // -1 — все ветки успешны
		reverse bool
	}
	var cases []joinCase
	for k := 1; k <= 4; k++ {
		for failAt := -1; failAt < k; failAt++ {
			for _, reverse := range []bool{false, true} {
				cases = append(cases, joinCase{
					name:    fmt.Sprintf("k=%d/fail=%d/reverse=%t", k, failAt, reverse),
					k:       k,
					failAt:  failAt,
					reverse: reverse,
				})
			}
		}
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)

			p := planNode("p", "parallel", nil)
			nodes := []*domain.PlanNode{p}
			for i := 0; i < tc.k; i++ {
				id := fmt.Sprintf("c%d", i)
				p.Children = append(p.Children, domain.ChildRef{NodeID: id})
				nodes = append(nodes, planNode(id, "callback", nil))
			}
			pe := env.start(t, newPlan("join-k", "p", nodes...), nil)

			children := make([]*domain.NodeExecution, tc.k)
			for i := range children {
				children[i] = env.node(t, pe.ID, fmt.Sprintf("c%d", i))
				expectStatus(t, children[i].Identifier, children[i].Status, domain.NodeStatusAsyncWaiting)
			}

			order := make([]int, tc.k)
			for i := range order {
				order[i] = i
			}
			if tc.reverse {
				slices.Reverse(order)
			}

			for _, i := range order {
				if i == tc.failAt {
					env.respond(t, children[i], appFailure)
				} else {
					env.respond(t, children[i], domain.CallbackResponse{Data: map[string]any{"i": i}})
				}
			}

			want := domain.NodeStatusSucceeded
			if tc.failAt >= 0 {
				want = domain.NodeStatusFailed
			}
			expectStatus(t, "p", env.node(t, pe.ID, "p").Status, want)
			expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.PlanFinalStatus(want))
		})
	}
}

// --- Adviser Tests ---

func TestEngine_RetryAdviser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	flaky := planNode("flaky", "callback", nil)
	flaky.Advisers = []domain.AdviserSpec{{
		Type:  AdviserRetry,
		Retry: &domain.RetryPolicy{MaxAttempts: 2, InitialDelayMs: 1, MaxDelayMs: 1},
	}}
	pe := env.start(t, newPlan("retry", "flaky", flaky), nil)

	env.respond(t, env.node(t, pe.ID, "flaky"), appFailure)

	all := env.attempts(t, pe.ID, "flaky")
	if len(all) != 2 {
		t.Fatalf("attempts = %d, want 2", len(all))
	}
	expectStatus(t, "retry", all[1].Status, domain.NodeStatusQueued)

	// задержка повтора — таймер корреллятора
	if _, err := env.correlator.ExpireWaits(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("expire waits: %v", err)
	}
	second := env.node(t, pe.ID, "flaky")
	expectStatus(t, "retry", second.Status, domain.NodeStatusAsyncWaiting)

	env.respond(t, second, domain.CallbackResponse{})

	all = env.attempts(t, pe.ID, "flaky")
	first, second := all[0], all[1]
	if !first.OldRetry || first.Status != domain.NodeStatusFailed {
		t.Errorf("first attempt: old_retry=%v status=%s", first.OldRetry, first.Status)
	}
	if second.RetryIndex != 1 || !slices.Equal(second.RetryIDs, []string{first.RuntimeID}) {
		t.Errorf("second attempt: retry_index=%d retry_ids=%v", second.RetryIndex, second.RetryIDs)
	}
	expectStatus(t, "second", second.Status, domain.NodeStatusSucceeded)
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusSucceeded)
}

func TestEngine_RetryAdviser_Exhausted(t *testing.T) {
	env := newTestEnv(t)

	flaky := planNode("flaky", "callback", nil)
	flaky.Advisers = []domain.AdviserSpec{{Type: AdviserRetry, Retry: &domain.RetryPolicy{MaxAttempts: 1}}}
	pe := env.start(t, newPlan("retry-exhausted", "flaky", flaky), nil)

	env.respond(t, env.node(t, pe.ID, "flaky"), appFailure)

	if n := len(env.attempts(t, pe.ID, "flaky")); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusFailed)
}

func TestEngine_IgnoreFailure(t *testing.T) {
	env := newTestEnv(t)

	a := planNode("a", "callback", nil, onSuccess("b"))
	a.Advisers = []domain.AdviserSpec{{Type: AdviserIgnoreFailure}}
	pe := env.start(t, newPlan("ignore", "a", a, planNode("b", "transform", nil)), nil)

	env.respond(t, env.node(t, pe.ID, "a"), appFailure)

	first := env.node(t, pe.ID, "a")
	expectStatus(t, "a", first.Status, domain.NodeStatusFailed)
	if !first.FailureIgnored {
		t.Error("failure should be marked ignored")
	}
	expectStatus(t, "b", env.node(t, pe.ID, "b").Status, domain.NodeStatusSucceeded)
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusSucceeded)
}

func TestEngine_OnFailureEdge(t *testing.T) {
	env := newTestEnv(t)

	a := planNode("a", "callback", nil,
		onSuccess("next"),
		domain.Edge{Target: "cleanup", Kind: domain.EdgeOnFailure},
	)
	pe := env.start(t, newPlan("on-failure", "a", a,
		planNode("next", "transform", nil),
		planNode("cleanup", "transform", nil),
	), nil)

	env.respond(t, env.node(t, pe.ID, "a"), appFailure)

	if len(env.attempts(t, pe.ID, "next")) != 0 {
		t.Error("success branch should not run")
	}
	expectStatus(t, "cleanup", env.node(t, pe.ID, "cleanup").Status, domain.NodeStatusSucceeded)
}

func TestRoute(t *testing.T) {
	node := &domain.PlanNode{Edges: []domain.Edge{
		{Target: "ok", Kind: domain.EdgeOnSuccess},
		{Target: "bad", Kind: domain.EdgeOnFailure},
	}}
	always := &domain.PlanNode{Edges: []domain.Edge{{Target: "any", Kind: domain.EdgeAlways}}}

	tests := []struct {
		node   *domain.PlanNode
		status domain.NodeStatus
		want   string
	}{
		{node, domain.NodeStatusSucceeded, "ok"},
		{node, domain.NodeStatusSkipped, "ok"},
		{node, domain.NodeStatusFailed, "bad"},
		{node, domain.NodeStatusExpired, "bad"},
		{always, domain.NodeStatusSucceeded, "any"},
		{always, domain.NodeStatusErrored, "any"},
		{nil, domain.NodeStatusSucceeded, ""},
	}
	for _, tt := range tests {
		if got := route(tt.node, tt.status); got != tt.want {
			t.Errorf("route(%s) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

// --- Skip Tests ---

func TestEngine_SkipChain(t *testing.T) {
	tests := []struct {
		name string
		skip bool
		want domain.NodeStatus
	}{
		{name: "condition true", skip: true, want: domain.NodeStatusSkipped},
		{name: "condition false", skip: false, want: domain.NodeStatusSucceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			a := planNode("a", "transform", nil, onSuccess("b"))
			a.SkipCondition = "eq .Inputs.skip true"
			a.SkipExpressionChain = true
			pe := env.start(t, newPlan("skip", "a", a, planNode("b", "transform", nil)), map[string]any{"skip": tt.skip})

			expectStatus(t, "a", env.node(t, pe.ID, "a").Status, tt.want)
			expectStatus(t, "b", env.node(t, pe.ID, "b").Status, tt.want)
			expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusSucceeded)
		})
	}
}

// --- Configuration Error Tests ---

func TestEngine_UnknownStepTypeErrorsPlan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan := newPlan("broken", "a", planNode("a", "no-such-step", nil))
	if err := env.engine.RegisterPlan(ctx, plan); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("register error = %v, want ErrInvalidPlan", err)
	}

	// план в обход проверки
	if err := env.store.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	pe, err := env.engine.StartPlanExecution(ctx, plan.ID, nil, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	a := env.node(t, pe.ID, "a")
	expectStatus(t, "a", a.Status, domain.NodeStatusErrored)
	if a.FailureInfo == nil || a.FailureInfo.Type != domain.FailureConfiguration {
		t.Errorf("failure info = %+v", a.FailureInfo)
	}
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusErrored)
}

func TestEngine_StartUnknownPlan(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.StartPlanExecution(context.Background(), "missing", nil, "")
	if !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("error = %v, want ErrPlanNotFound", err)
	}
}

// --- Control Tests ---

func TestEngine_AbortPlan_Cascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := planNode("p", "parallel", nil)
	p.Children = []domain.ChildRef{{NodeID: "c1"}, {NodeID: "c2"}}
	pe := env.start(t, newPlan("abort", "p", p,
		planNode("c1", "callback", nil),
		planNode("c2", "callback", nil),
	), nil)

	if err := env.engine.AbortPlan(ctx, pe.ID); err != nil {
		t.Fatalf("abort plan: %v", err)
	}

	for _, id := range []string{"c1", "c2", "p"} {
		expectStatus(t, id, env.node(t, pe.ID, id).Status, domain.NodeStatusAborted)
	}
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusAborted)
	if !slices.Contains(env.closer.closed, pe.ID) {
		t.Error("interrupts should be closed")
	}

	// повторная отмена ничего не делает
	if err := env.engine.AbortPlan(ctx, pe.ID); err != nil {
		t.Errorf("second abort: %v", err)
	}
}

func TestEngine_AbortNode_DelegateTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pe := env.start(t, newPlan("abort-task", "t", planNode("t", "task", map[string]any{"task_type": "echo"})), nil)

	n := env.node(t, pe.ID, "t")
	expectStatus(t, "t", n.Status, domain.NodeStatusTaskWaiting)

	if err := env.engine.AbortNode(ctx, n.RuntimeID); err != nil {
		t.Fatalf("abort node: %v", err)
	}

	task, err := env.delegates.GetTask(ctx, n.ExecutableResponse.TaskIDs[0])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.DelegateTaskAborted {
		t.Errorf("task status = %s, want ABORTED", task.Status)
	}
	expectStatus(t, "t", env.node(t, pe.ID, "t").Status, domain.NodeStatusAborted)
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusAborted)
}

func TestEngine_PauseResume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pe := env.start(t, newPlan("pause", "a",
		planNode("a", "callback", nil, onSuccess("b")),
		planNode("b", "transform", nil),
	), nil)

	if err := env.engine.PausePlan(ctx, pe.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	env.respond(t, env.node(t, pe.ID, "a"), domain.CallbackResponse{})

	expectStatus(t, "b", env.node(t, pe.ID, "b").Status, domain.NodeStatusPaused)
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusPaused)

	if err := env.engine.ResumePlan(ctx, pe.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	expectStatus(t, "b", env.node(t, pe.ID, "b").Status, domain.NodeStatusSucceeded)
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusSucceeded)

	if err := env.engine.PausePlan(ctx, pe.ID); !errors.Is(err, ErrPlanFinished) {
		t.Errorf("pause finished plan error = %v, want ErrPlanFinished", err)
	}
}

func TestEngine_RetryNode_ReopensPlan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pe := env.start(t, newPlan("manual-retry", "a", planNode("a", "callback", nil)), nil)
	first := env.node(t, pe.ID, "a")
	env.respond(t, first, appFailure)
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusFailed)

	if err := env.engine.RetryNode(ctx, first.RuntimeID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusRunning)

	second := env.node(t, pe.ID, "a")
	if second.RuntimeID == first.RuntimeID {
		t.Fatal("retry should create a new attempt")
	}
	env.respond(t, second, domain.CallbackResponse{})
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusSucceeded)

	if err := env.engine.RetryNode(ctx, first.RuntimeID); !errors.Is(err, ErrRetryNotAllowed) {
		t.Errorf("retry of replaced attempt error = %v, want ErrRetryNotAllowed", err)
	}
}

func TestEngine_MarkNodeStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pe := env.start(t, newPlan("mark", "a", planNode("a", "callback", nil)), nil)
	a := env.node(t, pe.ID, "a")

	if err := env.engine.MarkNodeStatus(ctx, a.RuntimeID, domain.NodeStatusAborted); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("mark aborted error = %v, want ErrInvalidTransition", err)
	}
	if err := env.engine.MarkNodeStatus(ctx, a.RuntimeID, domain.NodeStatusSucceeded); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	expectStatus(t, "a", env.node(t, pe.ID, "a").Status, domain.NodeStatusSucceeded)
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusSucceeded)

	waits, err := env.store.FindWaitsByCorrelationID(ctx, callbackID(t, a))
	if err != nil {
		t.Fatalf("find waits: %v", err)
	}
	if len(waits) != 0 {
		t.Errorf("marked node left %d open waits", len(waits))
	}

	// поздний ответ отбрасывается
	env.respond(t, a, appFailure)
	expectStatus(t, "a", env.node(t, pe.ID, "a").Status, domain.NodeStatusSucceeded)
}

func TestEngine_MarkNodeStatus_TaskNode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.delegates.Heartbeat(ctx, domain.DelegateHeartbeat{DelegateID: "d1"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	pe := env.start(t, newPlan("mark-task", "b", planNode("b", "task", map[string]any{
		"task_type":  "echo",
		"parameters": map[string]any{"message": "hi"},
	})), nil)
	b := env.node(t, pe.ID, "b")
	expectStatus(t, "b", b.Status, domain.NodeStatusTaskWaiting)
	if b.ExecutableResponse == nil || len(b.ExecutableResponse.TaskIDs) != 1 {
		t.Fatalf("b executable response = %+v", b.ExecutableResponse)
	}
	taskID := b.ExecutableResponse.TaskIDs[0]

	if err := env.engine.MarkNodeStatus(ctx, b.RuntimeID, domain.NodeStatusFailed); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	expectStatus(t, "b", env.node(t, pe.ID, "b").Status, domain.NodeStatusFailed)
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusFailed)

	waits, err := env.store.FindWaitsByCorrelationID(ctx, taskID)
	if err != nil {
		t.Fatalf("find waits: %v", err)
	}
	if len(waits) != 0 {
		t.Errorf("marked task node left %d open waits", len(waits))
	}
}

func TestEngine_SweepStale_ExpiresDeadline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := planNode("a", "callback", nil)
	a.TimeoutSec = 60
	pe := env.start(t, newPlan("deadline", "a", a), nil)

	if n, err := env.engine.SweepStale(ctx); err != nil || n != 0 {
		t.Fatalf("sweep before deadline = %d, %v", n, err)
	}

	env.clock.Advance(2 * time.Minute)
	n, err := env.engine.SweepStale(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
	expectStatus(t, "a", env.node(t, pe.ID, "a").Status, domain.NodeStatusExpired)
	expectStatus(t, "plan", env.planStatus(t, pe.ID), domain.NodeStatusExpired)
}

// --- Constraint Tests ---

func TestEngine_ConstraintReleasedOnPlanEnd(t *testing.T) {
	env := newTestEnv(t)

	plan := newPlan("locked", "lock",
		planNode("lock", "resource_constraint", map[string]any{
			"resourceUnit": "db",
			"capacity":     1,
			"holdingScope": "PLAN",
		}, onSuccess("work")),
		planNode("work", "callback", nil),
	)

	first := env.start(t, plan, nil)
	second := env.start(t, plan, nil)

	expectStatus(t, "first lock", env.node(t, first.ID, "lock").Status, domain.NodeStatusSucceeded)
	expectStatus(t, "second lock", env.node(t, second.ID, "lock").Status, domain.NodeStatusAsyncWaiting)

	env.respond(t, env.node(t, first.ID, "work"), domain.CallbackResponse{})
	expectStatus(t, "first plan", env.planStatus(t, first.ID), domain.NodeStatusSucceeded)

	expectStatus(t, "second lock", env.node(t, second.ID, "lock").Status, domain.NodeStatusSucceeded)
	expectStatus(t, "second work", env.node(t, second.ID, "work").Status, domain.NodeStatusAsyncWaiting)
}

// --- Progress Tests ---

func TestEngine_HandleProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pe := env.start(t, newPlan("progress", "a", planNode("a", "callback", nil)), nil)
	a := env.node(t, pe.ID, "a")

	err := env.engine.HandleProgress(ctx, a.RuntimeID, domain.ProgressData{Message: "half way", DelegateID: "d1"})
	if err != nil {
		t.Fatalf("handle progress: %v", err)
	}

	a = env.node(t, pe.ID, "a")
	expectStatus(t, "a", a.Status, domain.NodeStatusAsyncWaiting)
	progress, ok := a.Outcomes[outcomeProgress].(map[string]any)
	if !ok || progress["message"] != "half way" {
		t.Errorf("progress outcome = %v", a.Outcomes[outcomeProgress])
	}

	if err := env.engine.HandleProgress(ctx, "unknown", domain.ProgressData{}); err != nil {
		t.Errorf("progress for unknown node: %v", err)
	}
}

// --- Blob Tests ---

func TestEngine_ResolveBlobs(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	e := New(Config{Blobs: blobs})

	data, err := codec.Marshal(codec.FormatJSON, map[string]any{"body": "large"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	key := blobstore.TaskResultKey("t1")
	if err := blobs.Put(ctx, key, data); err != nil {
		t.Fatalf("put: %v", err)
	}

	resolved, err := e.resolveBlobs(ctx, map[string]domain.ResponseData{
		"t1": domain.TaskResponse{TaskID: "t1", Status: domain.DelegateTaskSucceeded, ResultRef: key},
		"t2": domain.ErrorResponse{Type: domain.FailureExpired},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	tr, ok := resolved["t1"].(domain.TaskResponse)
	if !ok || tr.Data["body"] != "large" {
		t.Errorf("resolved t1 = %+v", resolved["t1"])
	}
	if _, ok := resolved["t2"].(domain.ErrorResponse); !ok {
		t.Error("non-task responses should pass through")
	}

	_, err = e.resolveBlobs(ctx, map[string]domain.ResponseData{
		"t3": domain.TaskResponse{TaskID: "t3", ResultRef: "missing"},
	})
	if err == nil {
		t.Error("expected error for missing blob")
	}
}
