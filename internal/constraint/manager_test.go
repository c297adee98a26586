package constraint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/memstore"
)

// grantNotifier передаёт уведомления о продвижении в каналы по consumer id.
type grantNotifier struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
	granted []string
}

func newGrantNotifier() *grantNotifier {
	return &grantNotifier{waiters: make(map[string]chan struct{})}
}

func (n *grantNotifier) channel(id string) chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.waiters[id]
	if !ok {
		ch = make(chan struct{}, 1)
		n.waiters[id] = ch
	}
	return ch
}

func (n *grantNotifier) DoneWith(_ context.Context, id string, resp domain.ResponseData) error {
	if _, ok := resp.(domain.ConstraintResponse); !ok {
		return fmt.Errorf("unexpected response %T", resp)
	}
	n.mu.Lock()
	n.granted = append(n.granted, id)
	n.mu.Unlock()
	n.channel(id) <- struct{}{}
	return nil
}

func newTestManager(t *testing.T) (*Manager, *memstore.Store, *grantNotifier) {
	t.Helper()
	store := memstore.New()
	notifier := newGrantNotifier()
	m := New(Config{Store: store, Lookup: store, Notifier: notifier})
	return m, store, notifier
}

func request(unit string, capacity int, entity string) Request {
	return Request{
		ResourceUnit:    unit,
		Capacity:        capacity,
		ReleaseEntityID: entity,
		PlanExecutionID: entity,
		ConsumerID:      "consumer-" + entity,
	}
}

// --- Acquire Tests ---

func TestAcquire_Validation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, Request{Capacity: 1, ReleaseEntityID: "e"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := m.Acquire(ctx, Request{ResourceUnit: "u", ReleaseEntityID: "e", Capacity: 1, Permits: 2}); !errors.Is(err, ErrPermitsExceedCapacity) {
		t.Errorf("expected ErrPermitsExceedCapacity, got %v", err)
	}
}

func TestAcquire_Idempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, request("db", 1, "e1"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	again, err := m.Acquire(ctx, request("db", 1, "e1"))
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if again.ID != first.ID || again.Order != first.Order {
		t.Errorf("re-acquire should return the same instance: %+v vs %+v", first, again)
	}
}

func TestAcquire_NoOvertakingBlocked(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// capacity 2: первый занимает 2 единицы, второй ждёт, третий (1 единица) не обгоняет второго
	big := request("db", 2, "big")
	big.Permits = 2
	if ci, _ := m.Acquire(ctx, big); ci.State != domain.ConsumerActive {
		t.Fatalf("expected ACTIVE, got %s", ci.State)
	}
	if ci, _ := m.Acquire(ctx, request("db", 2, "second")); ci.State != domain.ConsumerBlocked {
		t.Fatalf("expected BLOCKED, got %s", ci.State)
	}
	if ci, _ := m.Acquire(ctx, request("db", 2, "third")); ci.State != domain.ConsumerBlocked {
		t.Errorf("third must queue behind second, got %s", ci.State)
	}
}

// --- FIFO Tests ---

func TestAtMostOne_SkippedRequest(t *testing.T) {
	m, store, notifier := newTestManager(t)
	ctx := context.Background()

	// Запросы 0, 1, 3, 4; запроса 2 нет
	indexes := []int{0, 1, 3, 4}
	for _, i := range indexes {
		if _, err := m.Acquire(ctx, request("lock", 1, fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	var holders []string
	var lastOrder int64
	for _, i := range indexes {
		state, err := m.State(ctx, "lock")
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if len(state.Active) != 1 {
			t.Fatalf("expected exactly 1 ACTIVE, got %d", len(state.Active))
		}
		holder := state.Active[0]
		if holder.ReleaseEntityID != fmt.Sprintf("e%d", i) {
			t.Fatalf("expected e%d to hold the lock, got %s", i, holder.ReleaseEntityID)
		}
		if holder.Order <= lastOrder {
			t.Errorf("orders must strictly increase: %d after %d", holder.Order, lastOrder)
		}
		lastOrder = holder.Order
		holders = append(holders, holder.ReleaseEntityID)

		if err := m.Release(ctx, "lock", holder.ReleaseEntityID); err != nil {
			t.Fatalf("release: %v", err)
		}
	}

	if len(holders) != 4 {
		t.Errorf("expected 4 holders, got %v", holders)
	}
	if _, err := store.FindInstance(ctx, "lock", "e2"); err == nil {
		t.Error("request 2 must never get an instance")
	}
	if len(notifier.granted) != 3 {
		t.Errorf("expected 3 promotions, got %v", notifier.granted)
	}
}

func TestRelease_PromotesLowestOrder(t *testing.T) {
	m, _, notifier := newTestManager(t)
	ctx := context.Background()

	for i := range 4 {
		_, _ = m.Acquire(ctx, request("u", 1, fmt.Sprintf("e%d", i)))
	}

	_ = m.Release(ctx, "u", "e0")
	if len(notifier.granted) != 1 || notifier.granted[0] != "consumer-e1" {
		t.Fatalf("expected e1 promoted, got %v", notifier.granted)
	}

	// Освобождение BLOCKED не продвигает чужую очередь
	_ = m.Release(ctx, "u", "e3")
	if len(notifier.granted) != 1 {
		t.Errorf("releasing a blocked instance must not promote, got %v", notifier.granted)
	}

	_ = m.Release(ctx, "u", "e1")
	if notifier.granted[1] != "consumer-e2" {
		t.Errorf("expected e2 promoted, got %v", notifier.granted)
	}
}

func TestRelease_Unknown(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.Release(context.Background(), "u", "nobody"); err != nil {
		t.Errorf("releasing unknown entity should be a no-op, got %v", err)
	}
}

func TestConcurrent_AtMostN(t *testing.T) {
	const (
		capacity = 2
		workers  = 12
	)

	m, _, notifier := newTestManager(t)
	ctx := context.Background()

	var held, maxHeld atomic.Int32
	var wg sync.WaitGroup

	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entity := fmt.Sprintf("w%d", i)
			req := request("pool", capacity, entity)
			granted := notifier.channel(req.ConsumerID)

			ci, err := m.Acquire(ctx, req)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ci.State == domain.ConsumerBlocked {
				select {
				case <-granted:
				case <-time.After(5 * time.Second):
					t.Errorf("%s never granted", entity)
					return
				}
			}

			cur := held.Add(1)
			for {
				prev := maxHeld.Load()
				if cur <= prev || maxHeld.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			held.Add(-1)

			if err := m.Release(ctx, "pool", entity); err != nil {
				t.Errorf("release: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxHeld.Load() > capacity {
		t.Errorf("at most %d holders expected, saw %d", capacity, maxHeld.Load())
	}
}

// --- Reconcile Tests ---

func TestReconcile_TerminalOwner(t *testing.T) {
	m, store, notifier := newTestManager(t)
	ctx := context.Background()

	pe := &domain.PlanExecution{ID: "pe-dead", Status: domain.NodeStatusRunning, StartTs: time.Now()}
	if err := store.CreatePlanExecution(ctx, pe); err != nil {
		t.Fatalf("create plan execution: %v", err)
	}
	live := &domain.PlanExecution{ID: "pe-live", Status: domain.NodeStatusRunning, StartTs: time.Now()}
	_ = store.CreatePlanExecution(ctx, live)

	_, _ = m.Acquire(ctx, request("u", 1, "pe-dead"))
	_, _ = m.Acquire(ctx, request("u", 1, "pe-live"))

	// Владелец завершился, но release не вызвал
	_, _ = store.UpdatePlanExecutionStatus(ctx, "pe-dead",
		[]domain.NodeStatus{domain.NodeStatusRunning}, domain.NodeStatusFailed, nil)

	n, err := m.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reconciled instance, got %d", n)
	}
	if len(notifier.granted) != 1 || notifier.granted[0] != "consumer-pe-live" {
		t.Errorf("expected pe-live promoted, got %v", notifier.granted)
	}

	// Повторный проход ничего не меняет
	if n, _ := m.Reconcile(ctx); n != 0 {
		t.Errorf("second reconcile should be a no-op, got %d", n)
	}
}

func TestReconcile_PlanHeldNarrowScope(t *testing.T) {
	m, store, notifier := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"pe-1", "pe-2"} {
		pe := &domain.PlanExecution{ID: id, Status: domain.NodeStatusRunning, StartTs: time.Now()}
		if err := store.CreatePlanExecution(ctx, pe); err != nil {
			t.Fatalf("create plan execution: %v", err)
		}
	}

	// STAGE без уровня стадии: держит выполнение плана
	first := request("env-prod", 1, "pe-1")
	first.HoldingScope = domain.ScopeStage
	ci, err := m.Acquire(ctx, first)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ci.HoldingScope != domain.ScopePlan {
		t.Errorf("plan-held instance scope = %s, want PLAN", ci.HoldingScope)
	}

	second := request("env-prod", 1, "pe-2")
	second.HoldingScope = domain.ScopeStage
	if _, err := m.Acquire(ctx, second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	n, err := m.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 0 {
		t.Errorf("running owner must keep its permit, reconciled %d", n)
	}
	if len(notifier.granted) != 0 {
		t.Errorf("no one should be promoted, got %v", notifier.granted)
	}

	state, _ := m.State(ctx, "env-prod")
	if state.ActivePermits != 1 || len(state.Blocked) != 1 {
		t.Errorf("state = %d active permits, %d blocked", state.ActivePermits, len(state.Blocked))
	}
}

func TestOwnerTerminal_StoredNarrowScope(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	pe := &domain.PlanExecution{ID: "pe-1", Status: domain.NodeStatusRunning, StartTs: time.Now()}
	_ = store.CreatePlanExecution(ctx, pe)

	ci := &domain.ConstraintInstance{
		ID:              "c-1",
		HoldingScope:    domain.ScopeStage,
		ReleaseEntityID: "pe-1",
		PlanExecutionID: "pe-1",
	}
	terminal, err := m.ownerTerminal(ctx, ci)
	if err != nil {
		t.Fatalf("owner terminal: %v", err)
	}
	if terminal {
		t.Error("running plan execution must not be treated as finished")
	}
}

func TestReleaseEntity(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, _ = m.Acquire(ctx, request("a", 1, "node-1"))
	_, _ = m.Acquire(ctx, request("b", 1, "node-1"))

	if err := m.ReleaseEntity(ctx, "node-1"); err != nil {
		t.Fatalf("release entity: %v", err)
	}

	for _, unit := range []string{"a", "b"} {
		state, _ := m.State(ctx, unit)
		if len(state.Active) != 0 {
			t.Errorf("unit %s should be free", unit)
		}
	}
}
