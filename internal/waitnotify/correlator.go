package waitnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Pipeliner/internal/backoff"
	"github.com/shaiso/Pipeliner/internal/codec"
	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/repo"
	"github.com/shaiso/Pipeliner/internal/telemetry"
)

// NoTimeout отключает истечение ожидания.
const NoTimeout time.Duration = -1

const (
	// defaultTaskExpiry — срок задачи делегата, если не задан в запросе.
	defaultTaskExpiry = time.Hour

	// sweepBatch — сколько записей обрабатывается за один проход.
	sweepBatch = 100
)

// NewTaskID генерирует id задачи (ULID, упорядочен по времени).
func NewTaskID() string {
	return ulid.Make().String()
}

// TaskRequest — описание задачи для делегата.
type TaskRequest struct {
	// ID — заранее выделенный id (опционально, см. NewTaskID).
	ID string

	AccountID    string
	Type         string
	Parameters   map[string]any
	Format       string
	Selectors    []string
	Capabilities []string

	// Timeout — срок выполнения задачи (0 — по умолчанию).
	Timeout time.Duration
}

// Config — конфигурация корреллятора.
type Config struct {
	Store  Store
	Queue  TaskQueue
	Logger *slog.Logger
	Tracer trace.Tracer

	// Resumer можно задать позже через SetResumer.
	Resumer Resumer

	// DispatchPolicy — повторы постановки задачи в очередь.
	DispatchPolicy *domain.RetryPolicy

	// TaskExpiry — срок задачи по умолчанию.
	TaskExpiry time.Duration

	// Now — источник времени (для тестов).
	Now func() time.Time
}

// Correlator — реестр ожиданий и единая точка доставки ответов.
type Correlator struct {
	store      Store
	queue      TaskQueue
	logger     *slog.Logger
	tracer     trace.Tracer
	policy     *domain.RetryPolicy
	taskExpiry time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	resumer Resumer
}

// New создаёт Correlator.
func New(cfg Config) *Correlator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DispatchPolicy == nil {
		cfg.DispatchPolicy = backoff.DefaultPolicy
	}
	if cfg.TaskExpiry <= 0 {
		cfg.TaskExpiry = defaultTaskExpiry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Correlator{
		store:      cfg.Store,
		queue:      cfg.Queue,
		logger:     cfg.Logger,
		tracer:     telemetry.DefaultTracer(cfg.Tracer, "waitnotify"),
		policy:     cfg.DispatchPolicy,
		taskExpiry: cfg.TaskExpiry,
		now:        cfg.Now,
		resumer:    cfg.Resumer,
	}
}

// SetResumer связывает корреллятор с движком.
func (c *Correlator) SetResumer(r Resumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumer = r
}

func (c *Correlator) getResumer() (Resumer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.resumer == nil {
		return nil, ErrNoResumer
	}
	return c.resumer, nil
}

// DispatchTask ставит одну задачу в очередь и регистрирует ожидание.
func (c *Correlator) DispatchTask(ctx context.Context, req TaskRequest, cb domain.Callback) (string, error) {
	ids, err := c.DispatchTasks(ctx, cb, req)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// DispatchTasks ставит задачи в очередь под одним ожиданием.
//
// Ожидание регистрируется до постановки, поэтому быстрый ответ
// делегата не теряется. Если задачу так и не удалось поставить,
// её id разрешается синтетической ошибкой INFRASTRUCTURE.
func (c *Correlator) DispatchTasks(ctx context.Context, cb domain.Callback, reqs ...TaskRequest) (ids []string, err error) {
	ctx, span := c.tracer.Start(ctx, "waitnotify.DispatchTasks",
		trace.WithAttributes(attribute.String("runtime_id", cb.RuntimeID), attribute.Int("tasks", len(reqs))))
	defer func() { telemetry.EndSpan(span, err) }()

	if len(reqs) == 0 {
		return nil, ErrNoCorrelationIDs
	}

	now := c.now()
	tasks := make([]*domain.DelegateTask, 0, len(reqs))
	for _, req := range reqs {
		task, err := c.buildTask(req, now)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
		ids = append(ids, task.ID)
	}

	if _, err := c.WaitForAll(ctx, cb, NoTimeout, ids...); err != nil {
		return nil, err
	}

	for _, task := range tasks {
		enqueueErr := backoff.Retry(ctx, c.policy, func(ctx context.Context) error {
			return c.queue.Enqueue(ctx, task)
		})
		if enqueueErr == nil {
			continue
		}

		c.logger.Error("task dispatch failed",
			"task_id", task.ID,
			"runtime_id", cb.RuntimeID,
			"error", enqueueErr,
		)

		failure := domain.ErrorResponse{
			Type:    domain.FailureInfra,
			Message: fmt.Sprintf("%s: %v", ErrDispatchFailed, enqueueErr),
		}
		if err := c.DoneWith(ctx, task.ID, failure); err != nil {
			return ids, fmt.Errorf("report dispatch failure for %s: %w", task.ID, err)
		}
	}

	return ids, nil
}

func (c *Correlator) buildTask(req TaskRequest, now time.Time) (*domain.DelegateTask, error) {
	id := req.ID
	if id == "" {
		id = NewTaskID()
	}

	format := req.Format
	if format == "" {
		format = codec.FormatJSON
	}

	params, err := codec.Marshal(format, req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode task parameters: %w", err)
	}

	expiry := req.Timeout
	if expiry <= 0 {
		expiry = c.taskExpiry
	}

	return &domain.DelegateTask{
		ID:            id,
		AccountID:     req.AccountID,
		Type:          req.Type,
		Parameters:    params,
		Format:        format,
		Selectors:     req.Selectors,
		Capabilities:  req.Capabilities,
		Status:        domain.DelegateTaskQueued,
		CorrelationID: id,
		Expiry:        now.Add(expiry),
		CreatedAt:     now,
	}, nil
}

// Schedule регистрирует таймер: через delay адресат получит ErrorResponse(TIMEOUT).
//
// Используется для InitialWait, задержки перед повтором и шага delay.
func (c *Correlator) Schedule(ctx context.Context, cb domain.Callback, delay time.Duration) (string, error) {
	timerID := "timer-" + uuid.NewString()
	if delay < 0 {
		delay = 0
	}
	if _, err := c.WaitForAll(ctx, cb, delay, timerID); err != nil {
		return "", err
	}
	return timerID, nil
}

// WaitForAll регистрирует ожидание набора correlation id.
//
// Повторяющиеся id схлопываются. Ответы, пришедшие до регистрации,
// учитываются сразу. timeout >= 0 задаёт истечение (0 — немедленно),
// NoTimeout отключает его.
func (c *Correlator) WaitForAll(ctx context.Context, cb domain.Callback, timeout time.Duration, correlationIDs ...string) (string, error) {
	ids := dedupe(correlationIDs)
	if len(ids) == 0 {
		return "", ErrNoCorrelationIDs
	}

	now := c.now()
	w := &domain.WaitInstance{
		ID:             uuid.NewString(),
		CorrelationIDs: ids,
		WaitingOn:      append([]string(nil), ids...),
		Callback:       cb,
		Status:         domain.WaitStatusWaiting,
		CreatedAt:      now,
	}
	if timeout >= 0 {
		expiresAt := now.Add(timeout)
		w.ExpiresAt = &expiresAt
	}

	if err := c.store.CreateWait(ctx, w); err != nil {
		return "", fmt.Errorf("create wait: %w", err)
	}

	c.logger.Debug("wait registered",
		"wait_id", w.ID,
		"runtime_id", cb.RuntimeID,
		"callback", cb.Kind,
		"correlation_ids", ids,
	)

	existing, err := c.store.GetResponses(ctx, ids)
	if err != nil {
		return w.ID, fmt.Errorf("load existing responses: %w", err)
	}

	for _, r := range existing {
		updated, err := c.store.RemoveWaitingOn(ctx, w.ID, r.CorrelationID)
		if err != nil {
			return w.ID, fmt.Errorf("apply existing response %s: %w", r.CorrelationID, err)
		}
		if len(updated.WaitingOn) == 0 {
			return w.ID, c.resolve(ctx, updated)
		}
	}

	if timeout == 0 {
		return w.ID, c.expire(ctx, w.ID)
	}

	return w.ID, nil
}

// DoneWith доставляет ответ по correlation id.
//
// Ответ сохраняется под уникальным ключом. Дубликат логируется,
// повторное сокращение WaitingOn идемпотентно, а захват записи
// гарантирует единственный resume.
func (c *Correlator) DoneWith(ctx context.Context, correlationID string, resp domain.ResponseData) (err error) {
	ctx, span := c.tracer.Start(ctx, "waitnotify.DoneWith",
		trace.WithAttributes(
			attribute.String("correlation_id", correlationID),
			attribute.String("kind", string(resp.ResponseKind())),
		))
	defer func() { telemetry.EndSpan(span, err) }()

	payload, err := EncodeResponse(resp)
	if err != nil {
		return err
	}

	nr := &domain.NotifyResponse{
		CorrelationID: correlationID,
		Payload:       payload,
		Format:        responseFormat,
		IsError:       resp.ResponseKind() == domain.ResponseKindError,
		CreatedAt:     c.now(),
	}

	if err := c.store.SaveResponse(ctx, nr); err != nil {
		if !errors.Is(err, repo.ErrAlreadyExists) {
			return fmt.Errorf("save response: %w", err)
		}
		telemetry.DuplicateResponses.Inc()
		c.logger.Warn("duplicate response ignored",
			"correlation_id", correlationID,
			"kind", resp.ResponseKind(),
		)
	}

	waits, err := c.store.FindWaitsByCorrelationID(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("find waits: %w", err)
	}

	if len(waits) == 0 {
		c.logger.Debug("response stored without waiter", "correlation_id", correlationID)
		return nil
	}

	for _, w := range waits {
		updated, err := c.store.RemoveWaitingOn(ctx, w.ID, correlationID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return fmt.Errorf("shrink wait %s: %w", w.ID, err)
		}
		if len(updated.WaitingOn) > 0 {
			continue
		}
		if err := c.resolve(ctx, updated); err != nil {
			return err
		}
	}

	return nil
}

// resolve захватывает запись и возобновляет адресата.
func (c *Correlator) resolve(ctx context.Context, w *domain.WaitInstance) error {
	if err := c.store.ClaimWait(ctx, w.ID, c.now()); err != nil {
		if errors.Is(err, repo.ErrConflict) || errors.Is(err, repo.ErrNotFound) {
			telemetry.CASConflicts.WithLabelValues("wait").Inc()
			c.logger.Debug("wait already claimed", "wait_id", w.ID)
			return nil
		}
		return fmt.Errorf("claim wait %s: %w", w.ID, err)
	}

	return c.deliver(ctx, w)
}

// deliver загружает ответы и вызывает Resumer.
// При ошибке запись остаётся RESOLVED до RedeliverResolved.
func (c *Correlator) deliver(ctx context.Context, w *domain.WaitInstance) (err error) {
	ctx, span := c.tracer.Start(ctx, "waitnotify.Resolve",
		trace.WithAttributes(
			attribute.String("wait_id", w.ID),
			attribute.String("runtime_id", w.Callback.RuntimeID),
		))
	defer func() { telemetry.EndSpan(span, err) }()

	resumer, err := c.getResumer()
	if err != nil {
		return err
	}

	stored, err := c.store.GetResponses(ctx, w.CorrelationIDs)
	if err != nil {
		return fmt.Errorf("load responses: %w", err)
	}

	responses := make(map[string]domain.ResponseData, len(stored))
	for _, r := range stored {
		data, err := DecodeResponse(r.Format, r.Payload)
		if err != nil {
			return fmt.Errorf("response %s: %w", r.CorrelationID, err)
		}
		responses[r.CorrelationID] = data
	}

	if err := resumer.ResumeNode(ctx, w.Callback, responses); err != nil {
		c.logger.Error("resume failed, wait kept for redelivery",
			"wait_id", w.ID,
			"runtime_id", w.Callback.RuntimeID,
			"error", err,
		)
		return fmt.Errorf("resume %s: %w", w.Callback.RuntimeID, err)
	}

	telemetry.WaitsResolved.WithLabelValues(string(w.Callback.Kind)).Inc()

	if err := c.store.DeleteWait(ctx, w.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		c.logger.Warn("failed to delete resolved wait", "wait_id", w.ID, "error", err)
	}
	if err := c.store.DeleteResponses(ctx, w.CorrelationIDs); err != nil {
		c.logger.Warn("failed to delete responses", "wait_id", w.ID, "error", err)
	}

	return nil
}

// Progress передаёт промежуточное состояние ждущим узлам. Ожидание не разрешается.
func (c *Correlator) Progress(ctx context.Context, correlationID string, progress domain.ProgressData) error {
	resumer, err := c.getResumer()
	if err != nil {
		return err
	}

	waits, err := c.store.FindWaitsByCorrelationID(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("find waits: %w", err)
	}

	for _, w := range waits {
		if err := resumer.HandleProgress(ctx, w.Callback.RuntimeID, progress); err != nil {
			c.logger.Warn("progress update failed",
				"runtime_id", w.Callback.RuntimeID,
				"error", err,
			)
		}
	}
	return nil
}

// ExpireWaits разрешает истёкшие ожидания ErrorResponse(TIMEOUT).
func (c *Correlator) ExpireWaits(ctx context.Context, now time.Time) (int, error) {
	waits, err := c.store.ListExpiredWaits(ctx, now, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired waits: %w", err)
	}

	expired := 0
	for _, w := range waits {
		if err := c.expire(ctx, w.ID); err != nil {
			c.logger.Error("failed to expire wait", "wait_id", w.ID, "error", err)
			continue
		}
		expired++
	}

	return expired, nil
}

func (c *Correlator) expire(ctx context.Context, waitID string) error {
	w, err := c.store.GetWait(ctx, waitID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if w.Status != domain.WaitStatusWaiting {
		return nil
	}

	telemetry.WaitsExpired.Inc()
	c.logger.Debug("wait expired",
		"wait_id", w.ID,
		"runtime_id", w.Callback.RuntimeID,
		"missing", w.WaitingOn,
	)

	timeout := domain.ErrorResponse{Type: domain.FailureTimeout, Message: "wait timed out"}
	for _, id := range w.WaitingOn {
		if err := c.DoneWith(ctx, id, timeout); err != nil {
			return err
		}
	}
	return nil
}

// RedeliverResolved повторно вызывает Resumer для записей, застрявших в RESOLVED.
func (c *Correlator) RedeliverResolved(ctx context.Context, olderThan time.Duration) (int, error) {
	waits, err := c.store.ListResolvedWaits(ctx, c.now().Add(-olderThan), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list resolved waits: %w", err)
	}

	delivered := 0
	for _, w := range waits {
		c.logger.Info("redelivering resolved wait", "wait_id", w.ID, "runtime_id", w.Callback.RuntimeID)
		if err := c.deliver(ctx, w); err != nil {
			continue
		}
		delivered++
	}
	return delivered, nil
}

// PurgeOrphans удаляет ответы, которые так и не нашли ожидания.
func (c *Correlator) PurgeOrphans(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := c.store.PurgeOrphanResponses(ctx, c.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge orphan responses: %w", err)
	}
	if n > 0 {
		c.logger.Info("orphan responses purged", "count", n)
	}
	return n, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
