package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/engine"
	"github.com/shaiso/Pipeliner/internal/facilitator"
	"github.com/shaiso/Pipeliner/internal/mq"
	"github.com/shaiso/Pipeliner/internal/repo"
	"github.com/shaiso/Pipeliner/internal/steps"
	"github.com/shaiso/Pipeliner/internal/telemetry"
)

// Значения конфигурации по умолчанию.
const (
	defaultStuckThreshold = 10 * time.Minute
	defaultSweepBatch     = 100
)

// Engine — движок выполнения планов.
//
// Engine реализует waitnotify.Resumer: корреллятор вызывает ResumeNode,
// когда ожидание узла разрешилось.
type Engine struct {
	store        Store
	steps        *steps.Registry
	facilitators *facilitator.Registry
	correlator   Correlator
	tasks        TaskAborter
	constraints  ConstraintReleaser
	publisher    EventPublisher
	blobs        BlobReader
	advisers     map[string]Adviser

	stuckThreshold time.Duration
	nodeTimeout    time.Duration
	sweepBatch     int

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	// plans — кэш построенных графов (planID → граф).
	plans map[string]*engine.Graph
	mu    sync.RWMutex

	interrupts   InterruptCloser
	interruptsMu sync.RWMutex
}

// Config — конфигурация Engine.
type Config struct {
	Store        Store
	Steps        *steps.Registry
	Facilitators *facilitator.Registry
	Correlator   Correlator

	// Опциональные зависимости.
	Tasks       TaskAborter
	Constraints ConstraintReleaser
	Publisher   EventPublisher
	Blobs       BlobReader
	Interrupts  InterruptCloser

	// Advisers — дополнительные политики (к встроенным).
	Advisers []Adviser

	// StuckThreshold — сколько RUNNING узел может не обновляться (default: 10m).
	StuckThreshold time.Duration

	// NodeTimeout — дедлайн узла, если в плане не задан (0 — без дедлайна).
	NodeTimeout time.Duration

	// SweepBatch — сколько зависших узлов обрабатывается за проход (default: 100).
	SweepBatch int

	Logger *slog.Logger
	Tracer trace.Tracer
	Now    func() time.Time
}

// New создаёт Engine.
func New(cfg Config) *Engine {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = defaultStuckThreshold
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = defaultSweepBatch
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	advisers := make(map[string]Adviser)
	for _, a := range BuiltinAdvisers() {
		advisers[a.Type()] = a
	}
	for _, a := range cfg.Advisers {
		advisers[a.Type()] = a
	}

	return &Engine{
		store:          cfg.Store,
		steps:          cfg.Steps,
		facilitators:   cfg.Facilitators,
		correlator:     cfg.Correlator,
		tasks:          cfg.Tasks,
		constraints:    cfg.Constraints,
		publisher:      cfg.Publisher,
		blobs:          cfg.Blobs,
		advisers:       advisers,
		stuckThreshold: cfg.StuckThreshold,
		nodeTimeout:    cfg.NodeTimeout,
		sweepBatch:     cfg.SweepBatch,
		logger:         cfg.Logger,
		tracer:         telemetry.DefaultTracer(cfg.Tracer, "orchestrator"),
		now:            cfg.Now,
		plans:          make(map[string]*engine.Graph),
		interrupts:     cfg.Interrupts,
	}
}

// SetInterruptCloser связывает движок с обработчиком интерраптов.
func (e *Engine) SetInterruptCloser(c InterruptCloser) {
	e.interruptsMu.Lock()
	defer e.interruptsMu.Unlock()
	e.interrupts = c
}

func (e *Engine) interruptCloser() InterruptCloser {
	e.interruptsMu.RLock()
	defer e.interruptsMu.RUnlock()
	return e.interrupts
}

// --- Plans ---

// RegisterPlan проверяет и сохраняет план.
func (e *Engine) RegisterPlan(ctx context.Context, plan *domain.Plan) error {
	if err := engine.Validate(plan); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	if err := engine.ValidateStepTypes(plan, e.steps.Has); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}

	graph, err := engine.BuildGraph(plan)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}

	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = e.now()
	}
	if err := e.store.CreatePlan(ctx, plan); err != nil {
		return fmt.Errorf("create plan: %w", err)
	}

	e.mu.Lock()
	e.plans[plan.ID] = graph
	e.mu.Unlock()

	e.logger.Info("plan registered", "plan_id", plan.ID, "nodes", graph.Size())
	return nil
}

// graph возвращает граф плана из кэша или строит его из хранилища.
func (e *Engine) graph(ctx context.Context, planID string) (*engine.Graph, error) {
	e.mu.RLock()
	g, ok := e.plans[planID]
	e.mu.RUnlock()
	if ok {
		return g, nil
	}

	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}

	g, err = engine.BuildGraph(plan)
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}

	e.mu.Lock()
	e.plans[planID] = g
	e.mu.Unlock()
	return g, nil
}

// planNode возвращает узел плана по setup id.
func (e *Engine) planNode(ctx context.Context, planID, setupID string) (*domain.PlanNode, *engine.Graph, error) {
	g, err := e.graph(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	node, ok := g.Node(setupID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, setupID)
	}
	return node, g, nil
}

// --- Plan executions ---

// StartPlanExecution создаёт выполнение плана и инициирует стартовый узел.
func (e *Engine) StartPlanExecution(ctx context.Context, planID string, inputs map[string]any, accountID string) (pe *domain.PlanExecution, err error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.StartPlanExecution",
		trace.WithAttributes(attribute.String("plan_id", planID)))
	defer func() { telemetry.EndSpan(span, err) }()

	g, err := e.graph(ctx, planID)
	if err != nil {
		return nil, err
	}

	pe = &domain.PlanExecution{
		ID:        uuid.New().String(),
		PlanID:    planID,
		AccountID: accountID,
		Status:    domain.NodeStatusRunning,
		Inputs:    inputs,
		StartTs:   e.now(),
	}
	if err := e.store.CreatePlanExecution(ctx, pe); err != nil {
		return nil, fmt.Errorf("create plan execution: %w", err)
	}

	logger := telemetry.WithPlanExecutionID(e.logger, pe.ID)
	logger.Info("plan execution started", "plan_id", planID)

	amb := domain.NewAmbiance(pe.ID, planID, accountID)
	if err := e.InitiateNode(ctx, amb, g.Start().ID, uuid.New().String(), InitiateOptions{}); err != nil {
		logger.Error("failed to initiate starting node", "error", err)
	}

	current, err := e.store.GetPlanExecution(ctx, pe.ID)
	if err != nil {
		return pe, nil
	}
	return current, nil
}

// templateContext собирает контекст выражений: inputs и outcomes завершённых узлов.
func (e *Engine) templateContext(ctx context.Context, peID string) (*engine.Context, error) {
	pe, err := e.store.GetPlanExecution(ctx, peID)
	if err != nil {
		return nil, fmt.Errorf("get plan execution: %w", err)
	}
	nodes, err := e.store.ListNodeExecutions(ctx, peID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	tc := engine.NewContext(pe.Inputs)
	tc.Execution = engine.ExecutionContext{ID: pe.ID, PlanID: pe.PlanID, AccountID: pe.AccountID}
	for _, n := range nodes {
		if !n.IsFinished() || n.OldRetry {
			continue
		}
		tc.AddNodeResult(n.Identifier, n.Outcomes, string(n.EffectiveStatus()))
	}
	return tc, nil
}

// --- Events ---

// transitioned публикует смену статуса узла.
func (e *Engine) transitioned(ctx context.Context, n *domain.NodeExecution, from domain.NodeStatus) {
	telemetry.NodeTransitions.WithLabelValues(string(n.Status)).Inc()

	if e.publisher == nil {
		return
	}
	err := e.publisher.PublishNodeStatusChanged(ctx, mq.NodeStatusChangedPayload{
		PlanExecutionID: n.PlanExecutionID,
		RuntimeID:       n.RuntimeID,
		SetupID:         n.SetupID,
		Identifier:      n.Identifier,
		From:            from,
		To:              n.Status,
	})
	if err != nil {
		e.logger.Warn("failed to publish node status event",
			"runtime_id", n.RuntimeID,
			"error", err,
		)
	}
}

// updateNode — условное обновление статуса с метриками и событием.
// Проигранная гонка возвращает repo.ErrConflict.
func (e *Engine) updateNode(ctx context.Context, n *domain.NodeExecution, from []domain.NodeStatus, to domain.NodeStatus, apply func(*domain.NodeExecution)) (*domain.NodeExecution, error) {
	updated, err := e.store.UpdateNodeStatus(ctx, n.RuntimeID, from, to, apply)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			telemetry.CASConflicts.WithLabelValues("node").Inc()
			e.logger.Debug("node update discarded",
				"runtime_id", n.RuntimeID,
				"from", from,
				"to", to,
			)
		}
		return nil, err
	}
	if n.Status != to {
		e.transitioned(ctx, updated, n.Status)
	}
	return updated, nil
}
