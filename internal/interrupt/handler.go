package interrupt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/repo"
	"github.com/shaiso/Pipeliner/internal/telemetry"
)

const defaultBatchSize = 100

// reasonPlanFinished — причина принудительного закрытия.
const reasonPlanFinished = "plan execution finished before the interrupt was processed"

// Handler регистрирует и обрабатывает интерапты.
//
// Каждый интеррапт обрабатывается ровно один раз: переход
// REGISTERED→PROCESSING выигрывает только один обработчик.
type Handler struct {
	store     Store
	controls  Controls
	publisher Publisher
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// Config — конфигурация Handler.
type Config struct {
	Store    Store
	Controls Controls

	// Publisher — опционально; без него работает только polling.
	Publisher Publisher

	// BatchSize — интераптов за один проход (default: 100).
	BatchSize int

	Logger *slog.Logger
	Now    func() time.Time
}

// New создаёт Handler.
func New(cfg Config) *Handler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Handler{
		store:     cfg.Store,
		controls:  cfg.Controls,
		publisher: cfg.Publisher,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Register сохраняет интеррапт и сразу обрабатывает его.
// Возвращает интеррапт в статусе после обработки.
func (h *Handler) Register(ctx context.Context, i *domain.Interrupt) (*domain.Interrupt, error) {
	if err := h.validate(ctx, i); err != nil {
		return nil, err
	}

	i.ID = uuid.New().String()
	i.Status = domain.InterruptRegistered
	i.CreatedAt = h.now()
	i.Error = ""
	i.ProcessedAt = nil

	if err := h.store.CreateInterrupt(ctx, i); err != nil {
		return nil, fmt.Errorf("create interrupt: %w", err)
	}

	logger := telemetry.WithPlanExecutionID(h.logger, i.PlanExecutionID)
	logger.Info("interrupt registered",
		"interrupt_id", i.ID,
		"type", i.Type,
		"runtime_id", i.NodeRuntimeID,
	)

	if h.publisher != nil {
		if err := h.publisher.PublishInterruptRegistered(ctx, i); err != nil {
			logger.Warn("failed to publish interrupt event", "interrupt_id", i.ID, "error", err)
		}
	}

	return h.Handle(ctx, i.ID)
}

func (h *Handler) validate(ctx context.Context, i *domain.Interrupt) error {
	if _, ok := domain.ParseInterruptType(string(i.Type)); !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidInterrupt, i.Type)
	}
	if i.PlanExecutionID == "" {
		return fmt.Errorf("%w: plan_execution_id is required", ErrInvalidInterrupt)
	}
	if i.Type.NeedsNode() && i.NodeRuntimeID == "" {
		return fmt.Errorf("%w: %s requires node_runtime_id", ErrInvalidInterrupt, i.Type)
	}

	pe, err := h.store.GetPlanExecution(ctx, i.PlanExecutionID)
	if err != nil {
		return err
	}
	// RETRY может переоткрыть завершённый план
	if pe.IsFinished() && i.Type != domain.InterruptRetry {
		return ErrPlanFinished
	}

	if i.NodeRuntimeID != "" {
		n, err := h.store.GetNodeExecution(ctx, i.NodeRuntimeID)
		if err != nil {
			return err
		}
		if n.PlanExecutionID != i.PlanExecutionID {
			return ErrNodeMismatch
		}
	}
	return nil
}

// Handle обрабатывает интеррапт: REGISTERED→PROCESSING→PROCESSED_*.
// Ошибка управляющего действия записывается в интеррапт, а не возвращается.
func (h *Handler) Handle(ctx context.Context, id string) (*domain.Interrupt, error) {
	i, err := h.store.UpdateInterruptStatus(ctx, id,
		[]domain.InterruptStatus{domain.InterruptRegistered}, domain.InterruptProcessing, nil)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			h.logger.Debug("interrupt already taken", "interrupt_id", id)
			return h.store.GetInterrupt(ctx, id)
		}
		return nil, err
	}

	logger := telemetry.WithPlanExecutionID(h.logger, i.PlanExecutionID).With("interrupt_id", i.ID)

	applyErr := h.apply(ctx, i)
	now := h.now()

	done, err := h.store.UpdateInterruptStatus(ctx, id,
		[]domain.InterruptStatus{domain.InterruptProcessing}, domain.InterruptProcessedSuccessfully,
		func(x *domain.Interrupt) { x.MarkProcessed(applyErr, now) })
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			logger.Debug("interrupt closed concurrently")
			return h.store.GetInterrupt(ctx, id)
		}
		return nil, fmt.Errorf("close interrupt: %w", err)
	}

	telemetry.InterruptsProcessed.WithLabelValues(string(done.Type), string(done.Status)).Inc()
	if applyErr != nil {
		logger.Warn("interrupt failed", "type", done.Type, "error", applyErr)
	} else {
		logger.Info("interrupt processed", "type", done.Type)
	}
	return done, nil
}

// apply вызывает управляющее действие движка.
func (h *Handler) apply(ctx context.Context, i *domain.Interrupt) error {
	node := i.NodeRuntimeID
	pe := i.PlanExecutionID

	switch i.Type {
	case domain.InterruptAbort:
		if node != "" {
			return h.controls.AbortNode(ctx, node)
		}
		return h.controls.AbortPlan(ctx, pe)
	case domain.InterruptAbortAll:
		return h.controls.AbortPlan(ctx, pe)
	case domain.InterruptPause:
		if node != "" {
			return h.controls.PauseNode(ctx, node)
		}
		return h.controls.PausePlan(ctx, pe)
	case domain.InterruptPauseAll:
		return h.controls.PausePlan(ctx, pe)
	case domain.InterruptResume:
		if node != "" {
			return h.controls.UnpauseNode(ctx, node)
		}
		return h.controls.ResumePlan(ctx, pe)
	case domain.InterruptRetry:
		return h.controls.RetryNode(ctx, node)
	case domain.InterruptExpire:
		return h.controls.ExpireNode(ctx, node)
	case domain.InterruptMarkSuccess:
		return h.controls.MarkNodeStatus(ctx, node, domain.NodeStatusSucceeded)
	case domain.InterruptMarkFailed:
		return h.controls.MarkNodeStatus(ctx, node, domain.NodeStatusFailed)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidInterrupt, i.Type)
	}
}

// ProcessPending обрабатывает интерапты, пропущенные событийным путём.
func (h *Handler) ProcessPending(ctx context.Context) (int, error) {
	open, err := h.store.ListOpenInterrupts(ctx, "", h.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list open interrupts: %w", err)
	}

	processed := 0
	for _, i := range open {
		if i.Status != domain.InterruptRegistered {
			continue
		}
		if _, err := h.Handle(ctx, i.ID); err != nil {
			h.logger.Error("failed to handle interrupt", "interrupt_id", i.ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// CloseAll закрывает ещё не взятые интерапты завершившегося плана.
// Интерапты в PROCESSING закрывает их обработчик.
func (h *Handler) CloseAll(ctx context.Context, planExecutionID string) error {
	open, err := h.store.ListOpenInterrupts(ctx, planExecutionID, 0)
	if err != nil {
		return fmt.Errorf("list open interrupts: %w", err)
	}

	for _, i := range open {
		if i.Status != domain.InterruptRegistered {
			continue
		}
		if err := h.close(ctx, i, []domain.InterruptStatus{domain.InterruptRegistered}); err != nil {
			return err
		}
	}
	return nil
}

// CloseTerminal закрывает интерапты, созданные до завершения своего плана.
// Ловит и зависшие в PROCESSING после падения процесса.
func (h *Handler) CloseTerminal(ctx context.Context) (int, error) {
	open, err := h.store.ListOpenInterrupts(ctx, "", h.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list open interrupts: %w", err)
	}

	plans := make(map[string]*domain.PlanExecution)
	closed := 0
	for _, i := range open {
		pe, ok := plans[i.PlanExecutionID]
		if !ok {
			pe, err = h.store.GetPlanExecution(ctx, i.PlanExecutionID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return closed, err
			}
			plans[i.PlanExecutionID] = pe
		}

		if pe != nil && (!pe.IsFinished() || pe.EndTs == nil || i.CreatedAt.After(*pe.EndTs)) {
			continue
		}

		from := []domain.InterruptStatus{domain.InterruptRegistered, domain.InterruptProcessing}
		if err := h.close(ctx, i, from); err != nil {
			return closed, err
		}
		closed++
	}

	if closed > 0 {
		h.logger.Info("interrupts of finished plans closed", "count", closed)
	}
	return closed, nil
}

func (h *Handler) close(ctx context.Context, i *domain.Interrupt, from []domain.InterruptStatus) error {
	now := h.now()
	_, err := h.store.UpdateInterruptStatus(ctx, i.ID, from, domain.InterruptProcessedUnsuccessfully,
		func(x *domain.Interrupt) { x.MarkProcessed(errors.New(reasonPlanFinished), now) })
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil
		}
		return fmt.Errorf("close interrupt %s: %w", i.ID, err)
	}

	telemetry.InterruptsProcessed.WithLabelValues(string(i.Type), string(domain.InterruptProcessedUnsuccessfully)).Inc()
	telemetry.WithPlanExecutionID(h.logger, i.PlanExecutionID).Info("interrupt force-closed",
		"interrupt_id", i.ID,
		"type", i.Type,
	)
	return nil
}

// Get возвращает интеррапт.
func (h *Handler) Get(ctx context.Context, id string) (*domain.Interrupt, error) {
	return h.store.GetInterrupt(ctx, id)
}
