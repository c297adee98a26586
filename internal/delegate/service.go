package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shaiso/Pipeliner/internal/backoff"
	"github.com/shaiso/Pipeliner/internal/blobstore"
	"github.com/shaiso/Pipeliner/internal/codec"
	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/repo"
	"github.com/shaiso/Pipeliner/internal/telemetry"
)

// Значения по умолчанию.
const (
	DefaultHeartbeatTimeout  = 5 * time.Minute
	DefaultMaxBroadcast      = 10
	DefaultMaxRounds         = 3
	DefaultInlineResultLimit = 64 * 1024

	rebroadcastInterval = 5 * time.Second
	eligibilityRefresh  = time.Minute
	pendingLimit        = 50
	sweepBatch          = 100
)

// Config — конфигурация сервиса делегатов.
type Config struct {
	Store  Store
	Logger *slog.Logger

	// Notifier можно задать позже через SetNotifier.
	Notifier Notifier

	// Broadcaster — опционально; без него делегаты работают только опросом.
	Broadcaster Broadcaster

	// Blobs — опционально; без него результаты хранятся только inline.
	Blobs blobstore.Store

	// HeartbeatTimeout — делегат жив, пока heartbeat не старше этого значения.
	HeartbeatTimeout time.Duration

	// MaxBroadcast — максимум адресатов за одну рассылку.
	MaxBroadcast int

	// MaxRounds — сколько полных раундов рассылки выполняется.
	MaxRounds int

	// InlineResultLimit — порог выгрузки результата в blob-хранилище.
	InlineResultLimit int

	// NotifyPolicy — повторы уведомления корреллятора.
	NotifyPolicy *domain.RetryPolicy

	Now func() time.Time
}

// Service — очередь задач делегатов и протокол захвата.
type Service struct {
	store       Store
	logger      *slog.Logger
	broadcaster Broadcaster
	blobs       blobstore.Store

	heartbeatTimeout time.Duration
	maxBroadcast     int
	maxRounds        int
	inlineLimit      int
	notifyPolicy     *domain.RetryPolicy
	now              func() time.Time

	mu       sync.RWMutex
	notifier Notifier
}

// New создаёт Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.MaxBroadcast <= 0 {
		cfg.MaxBroadcast = DefaultMaxBroadcast
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.InlineResultLimit <= 0 {
		cfg.InlineResultLimit = DefaultInlineResultLimit
	}
	if cfg.NotifyPolicy == nil {
		cfg.NotifyPolicy = backoff.DefaultPolicy
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		store:            cfg.Store,
		logger:           cfg.Logger,
		broadcaster:      cfg.Broadcaster,
		blobs:            cfg.Blobs,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		maxBroadcast:     cfg.MaxBroadcast,
		maxRounds:        cfg.MaxRounds,
		inlineLimit:      cfg.InlineResultLimit,
		notifyPolicy:     cfg.NotifyPolicy,
		now:              cfg.Now,
		notifier:         cfg.Notifier,
	}
}

// SetNotifier связывает сервис с коррелятором.
func (s *Service) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

func (s *Service) getNotifier() (Notifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.notifier == nil {
		return nil, ErrNoNotifier
	}
	return s.notifier, nil
}

// --- Task queue ---

// Enqueue сохраняет задачу QUEUED и рассылает её подходящим делегатам.
func (s *Service) Enqueue(ctx context.Context, task *domain.DelegateTask) error {
	now := s.now()

	eligible, err := s.eligibleDelegates(ctx, task, now)
	if err != nil {
		return err
	}

	targets := eligible[:min(len(eligible), s.maxBroadcast)]

	task.Status = domain.DelegateTaskQueued
	task.EligibleDelegates = eligible
	task.AlreadyTried = slices.Clone(targets)
	task.BroadcastCount = 1
	task.NextBroadcast = now.Add(rebroadcastInterval)
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("create task: %w", err)
	}

	telemetry.TasksEnqueued.WithLabelValues(task.Type).Inc()

	logger := telemetry.WithTaskID(s.logger, task.ID)
	if len(eligible) == 0 {
		logger.Warn("no eligible delegates for task, waiting for rebroadcast",
			"type", task.Type,
			"selectors", task.Selectors,
			"capabilities", task.Capabilities,
		)
		return nil
	}

	logger.Info("task enqueued", "type", task.Type, "eligible", len(eligible))
	s.broadcast(ctx, task, targets)
	return nil
}

func (s *Service) broadcast(ctx context.Context, task *domain.DelegateTask, targets []string) {
	if s.broadcaster == nil || len(targets) == 0 {
		return
	}
	if err := s.broadcaster.BroadcastTask(ctx, task, targets); err != nil {
		s.logger.Warn("task broadcast failed, delegates will poll",
			"task_id", task.ID,
			"error", err,
		)
	}
}

// eligibleDelegates возвращает id живых делегатов, подходящих задаче.
func (s *Service) eligibleDelegates(ctx context.Context, task *domain.DelegateTask, now time.Time) ([]string, error) {
	delegates, err := s.store.ListDelegates(ctx, task.AccountID)
	if err != nil {
		return nil, fmt.Errorf("list delegates: %w", err)
	}

	var ids []string
	for _, d := range delegates {
		if d.IsAlive(now, s.heartbeatTimeout) && d.Matches(task.AccountID, task.Selectors, task.Capabilities) {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

// Acquire захватывает задачу для делегата.
//
// ErrAlreadyAcquired, ErrTaskExpired и ErrNotEligible — ожидаемые исходы.
// Повторный захват тем же делегатом возвращает задачу.
func (s *Service) Acquire(ctx context.Context, delegateID, taskID string) (*domain.DelegateTask, error) {
	now := s.now()

	task, err := s.store.UpdateTaskStatus(ctx, taskID,
		[]domain.DelegateTaskStatus{domain.DelegateTaskQueued},
		domain.DelegateTaskAcquired,
		func(t *domain.DelegateTask) error {
			if t.IsExpired(now) {
				return ErrTaskExpired
			}
			if !t.IsEligible(delegateID) {
				return ErrNotEligible
			}
			t.MarkAcquired(delegateID, now)
			return nil
		})

	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrTaskNotFound
	case errors.Is(err, repo.ErrConflict):
		current, getErr := s.store.GetTask(ctx, taskID)
		if getErr == nil && current.DelegateID == delegateID && !current.IsFinished() {
			return current, nil
		}
		telemetry.AcquireOutcomes.WithLabelValues("already_acquired").Inc()
		return nil, ErrAlreadyAcquired
	case errors.Is(err, ErrTaskExpired):
		telemetry.AcquireOutcomes.WithLabelValues("expired").Inc()
		return nil, err
	case errors.Is(err, ErrNotEligible):
		telemetry.AcquireOutcomes.WithLabelValues("not_eligible").Inc()
		return nil, err
	default:
		return nil, fmt.Errorf("acquire task: %w", err)
	}

	telemetry.AcquireOutcomes.WithLabelValues("acquired").Inc()
	s.logger.Info("task acquired", "task_id", taskID, "delegate_id", delegateID)

	s.progress(ctx, task, domain.ProgressData{
		Message:    "acquired by " + delegateID,
		DelegateID: delegateID,
		TaskStatus: domain.DelegateTaskAcquired,
	})
	return task, nil
}

// MarkStarted переводит задачу ACQUIRED → STARTED.
func (s *Service) MarkStarted(ctx context.Context, delegateID, taskID string) error {
	task, err := s.store.UpdateTaskStatus(ctx, taskID,
		[]domain.DelegateTaskStatus{domain.DelegateTaskAcquired},
		domain.DelegateTaskStarted,
		func(t *domain.DelegateTask) error {
			if t.DelegateID != delegateID {
				return ErrNotOwner
			}
			return nil
		})

	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		return ErrTaskNotFound
	case errors.Is(err, repo.ErrConflict):
		current, getErr := s.store.GetTask(ctx, taskID)
		if getErr != nil {
			return fmt.Errorf("get task: %w", getErr)
		}
		if current.DelegateID != delegateID {
			return ErrNotOwner
		}
		if current.Status == domain.DelegateTaskStarted {
			return nil
		}
		return fmt.Errorf("%w: status %s", ErrNotAcquired, current.Status)
	default:
		return err
	}

	s.progress(ctx, task, domain.ProgressData{
		Message:    "started by " + delegateID,
		DelegateID: delegateID,
		TaskStatus: domain.DelegateTaskStarted,
	})
	return nil
}

func (s *Service) progress(ctx context.Context, task *domain.DelegateTask, p domain.ProgressData) {
	notifier, err := s.getNotifier()
	if err != nil {
		return
	}
	if err := notifier.Progress(ctx, task.CorrelationID, p); err != nil {
		s.logger.Warn("progress notify failed", "task_id", task.ID, "error", err)
	}
}

// PushResponse принимает результат задачи.
//
// Корреллятор уведомляется до финального CAS: если уведомление не прошло,
// задача остаётся нефинальной и делегат может повторить отправку.
// Повторная отправка после успеха — no-op.
func (s *Service) PushResponse(ctx context.Context, delegateID, taskID string, result domain.TaskResult) error {
	if result.Status != domain.DelegateTaskSucceeded && result.Status != domain.DelegateTaskFailed {
		return fmt.Errorf("%w: status %q", ErrInvalidResult, result.Status)
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("get task: %w", err)
	}

	if task.DelegateID != delegateID {
		return ErrNotOwner
	}
	if task.IsFinished() {
		s.logger.Debug("duplicate task response ignored", "task_id", taskID, "status", task.Status)
		return nil
	}
	if task.Status == domain.DelegateTaskQueued {
		return ErrNotAcquired
	}

	notifier, err := s.getNotifier()
	if err != nil {
		return err
	}

	inline, ref, err := s.storeResult(ctx, taskID, result.Data)
	if err != nil {
		return err
	}

	resp := domain.TaskResponse{
		TaskID:     taskID,
		DelegateID: delegateID,
		Status:     result.Status,
		ResultRef:  ref,
		Error:      result.Error,
	}
	if ref == "" {
		resp.Data = result.Data
	}

	err = backoff.Retry(ctx, s.notifyPolicy, func(ctx context.Context) error {
		return notifier.DoneWith(ctx, task.CorrelationID, resp)
	})
	if err != nil {
		return fmt.Errorf("notify correlator: %w", err)
	}

	now := s.now()
	finished, err := s.store.UpdateTaskStatus(ctx, taskID,
		[]domain.DelegateTaskStatus{domain.DelegateTaskAcquired, domain.DelegateTaskStarted},
		result.Status,
		func(t *domain.DelegateTask) error {
			t.MarkFinished(result.Status, result.Error, now)
			t.Result = inline
			t.ResultRef = ref
			return nil
		})
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			s.logger.Debug("task finished concurrently", "task_id", taskID)
			return nil
		}
		return fmt.Errorf("finish task: %w", err)
	}

	telemetry.TasksFinished.WithLabelValues(string(result.Status)).Inc()
	telemetry.TaskDuration.WithLabelValues(finished.Type).Observe(finished.Duration().Seconds())

	s.logger.Info("task finished",
		"task_id", taskID,
		"delegate_id", delegateID,
		"status", result.Status,
		"offloaded", ref != "",
	)
	return nil
}

// storeResult возвращает результат для inline-хранения или ключ в blob-хранилище.
func (s *Service) storeResult(ctx context.Context, taskID string, data map[string]any) ([]byte, string, error) {
	if len(data) == 0 {
		return nil, "", nil
	}

	encoded, err := codec.Marshal(codec.FormatJSON, data)
	if err != nil {
		return nil, "", fmt.Errorf("encode result: %w", err)
	}

	if len(encoded) <= s.inlineLimit || s.blobs == nil {
		return encoded, "", nil
	}

	key := blobstore.TaskResultKey(taskID)
	if err := s.blobs.Put(ctx, key, encoded); err != nil {
		return nil, "", fmt.Errorf("offload result: %w", err)
	}
	return nil, key, nil
}

// Abort отменяет нефинальную задачу.
func (s *Service) Abort(ctx context.Context, taskID string) error {
	now := s.now()
	_, err := s.store.UpdateTaskStatus(ctx, taskID,
		[]domain.DelegateTaskStatus{domain.DelegateTaskQueued, domain.DelegateTaskAcquired, domain.DelegateTaskStarted},
		domain.DelegateTaskAborted,
		func(t *domain.DelegateTask) error {
			t.MarkFinished(domain.DelegateTaskAborted, "aborted", now)
			return nil
		})

	switch {
	case err == nil:
		telemetry.TasksFinished.WithLabelValues(string(domain.DelegateTaskAborted)).Inc()
		s.logger.Info("task aborted", "task_id", taskID)
		return nil
	case errors.Is(err, repo.ErrConflict):
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return ErrTaskNotFound
	default:
		return fmt.Errorf("abort task: %w", err)
	}
}

// ExpireStale завершает просроченные задачи и сообщает об этом ждущим узлам.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	notifier, err := s.getNotifier()
	if err != nil {
		return 0, err
	}

	tasks, err := s.store.ListExpiredTasks(ctx, now, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired tasks: %w", err)
	}

	expired := 0
	for _, task := range tasks {
		failure := domain.ErrorResponse{
			Type:    domain.FailureExpired,
			Message: fmt.Sprintf("task %s expired in status %s", task.ID, task.Status),
		}
		if err := notifier.DoneWith(ctx, task.CorrelationID, failure); err != nil {
			s.logger.Error("failed to report task expiry", "task_id", task.ID, "error", err)
			continue
		}

		_, err := s.store.UpdateTaskStatus(ctx, task.ID,
			[]domain.DelegateTaskStatus{domain.DelegateTaskQueued, domain.DelegateTaskAcquired, domain.DelegateTaskStarted},
			domain.DelegateTaskExpired,
			func(t *domain.DelegateTask) error {
				t.MarkFinished(domain.DelegateTaskExpired, failure.Message, now)
				return nil
			})
		if err != nil {
			if !errors.Is(err, repo.ErrConflict) {
				s.logger.Error("failed to expire task", "task_id", task.ID, "error", err)
			}
			continue
		}

		telemetry.TasksFinished.WithLabelValues(string(domain.DelegateTaskExpired)).Inc()
		s.logger.Warn("task expired", "task_id", task.ID, "delegate_id", task.DelegateID)
		expired++
	}
	return expired, nil
}

// Rebroadcast рассылает незахваченные задачи следующим делегатам.
//
// За раунд каждый подходящий делегат получает рассылку один раз,
// не больше MaxBroadcast адресатов за проход. Когда все опрошены,
// начинается следующий раунд с паузой round × 1 минута. После
// MaxRounds рассылок нет, но список подходящих делегатов обновляется
// раз в минуту: подключившийся позже делегат найдёт задачу опросом.
func (s *Service) Rebroadcast(ctx context.Context, now time.Time) (int, error) {
	tasks, err := s.store.ListRebroadcastTasks(ctx, now, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list tasks for rebroadcast: %w", err)
	}

	sent := 0
	for _, task := range tasks {
		prev := task.BroadcastCount

		eligible, err := s.eligibleDelegates(ctx, task, now)
		if err != nil {
			return sent, err
		}
		task.EligibleDelegates = eligible
		task.BroadcastCount = prev + 1

		if task.BroadcastRound >= s.maxRounds {
			task.NextBroadcast = now.Add(eligibilityRefresh)
			if err := s.store.UpdateTaskBroadcast(ctx, task, prev); err != nil && !errors.Is(err, repo.ErrConflict) {
				return sent, fmt.Errorf("refresh eligibility: %w", err)
			}
			continue
		}

		var untried []string
		for _, id := range eligible {
			if !slices.Contains(task.AlreadyTried, id) {
				untried = append(untried, id)
			}
		}

		var targets []string
		if len(untried) == 0 {
			task.BroadcastRound++
			task.AlreadyTried = nil
			task.NextBroadcast = now.Add(time.Duration(task.BroadcastRound) * time.Minute)
		} else {
			targets = untried[:min(len(untried), s.maxBroadcast)]
			task.AlreadyTried = append(task.AlreadyTried, targets...)
			task.NextBroadcast = now.Add(rebroadcastInterval)
		}

		if err := s.store.UpdateTaskBroadcast(ctx, task, prev); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				s.logger.Debug("task changed during rebroadcast", "task_id", task.ID)
				continue
			}
			return sent, fmt.Errorf("update broadcast state: %w", err)
		}

		if len(targets) > 0 {
			s.broadcast(ctx, task, targets)
			sent++
		}
	}
	return sent, nil
}

// PendingTasks возвращает задачи, которые делегат может захватить.
func (s *Service) PendingTasks(ctx context.Context, delegateID string) ([]*domain.DelegateTask, error) {
	return s.store.ListPendingTasks(ctx, delegateID, s.now(), pendingLimit)
}

// GetTask возвращает задачу.
func (s *Service) GetTask(ctx context.Context, taskID string) (*domain.DelegateTask, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// --- Delegates ---

// Heartbeat регистрирует делегата или обновляет его heartbeat.
func (s *Service) Heartbeat(ctx context.Context, hb domain.DelegateHeartbeat) (*domain.Delegate, error) {
	if hb.DelegateID == "" {
		return nil, ErrInvalidDelegate
	}

	now := s.now()
	d := &domain.Delegate{
		ID:            hb.DelegateID,
		AccountID:     hb.AccountID,
		Selectors:     hb.Selectors,
		Capabilities:  hb.Capabilities,
		Version:       hb.Version,
		LastHeartbeat: now,
		CreatedAt:     now,
	}

	if err := s.store.UpsertDelegate(ctx, d); err != nil {
		return nil, fmt.Errorf("upsert delegate: %w", err)
	}

	telemetry.WithDelegateID(s.logger, d.ID).Debug("delegate heartbeat", "selectors", d.Selectors)
	return d, nil
}
