package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Pipeliner/internal/backoff"
	"github.com/shaiso/Pipeliner/internal/codec"
	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/mq"
	"github.com/shaiso/Pipeliner/internal/telemetry"
)

// Значения по умолчанию.
const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultPollInterval      = 5 * time.Second
	defaultPerpetualInterval = 30 * time.Second
	defaultMaxConcurrent     = 4
	defaultPrefetch          = 5
)

// Server — протокол делегата на стороне сервера (реализация: Client).
type Server interface {
	Heartbeat(ctx context.Context, hb domain.DelegateHeartbeat) (*domain.Delegate, error)
	PendingTasks(ctx context.Context, delegateID string) ([]*domain.DelegateTask, error)
	Acquire(ctx context.Context, delegateID, taskID string) (*domain.DelegateTask, error)
	Start(ctx context.Context, delegateID, taskID string) error
	PushResponse(ctx context.Context, delegateID, taskID string, result domain.TaskResult) error
	PerpetualTasks(ctx context.Context, delegateID string) ([]*domain.PerpetualTask, error)
	PerpetualHeartbeat(ctx context.Context, delegateID, ptID string) error
}

// Agent — процесс делегата: забирает задачи у сервера и выполняет их.
//
// Запускает:
//   - heartbeat (регистрация и liveness)
//   - polling ожидающих задач (источник истины)
//   - consumer рассылки pipeliner.tasks (быстрый путь, если есть RabbitMQ)
//   - синхронизацию постоянных задач
type Agent struct {
	server Server
	hb     domain.DelegateHeartbeat

	registry *Registry
	conn     *mq.Connection

	heartbeatInterval time.Duration
	pollInterval      time.Duration
	perpetualInterval time.Duration
	pushPolicy        *domain.RetryPolicy

	logger *slog.Logger

	sem      chan struct{}
	mu       sync.Mutex
	inflight map[string]struct{}
	tasks    sync.WaitGroup

	perpetualMu sync.Mutex
	perpetual   map[string]context.CancelFunc
	perpetualWG sync.WaitGroup
}

// Config — конфигурация Agent.
type Config struct {
	Server Server

	DelegateID   string
	AccountID    string
	Selectors    []string
	Capabilities []string
	Version      string

	// Registry — nil означает NewRegistry().
	Registry *Registry

	// Conn — nil означает режим только polling.
	Conn *mq.Connection

	HeartbeatInterval time.Duration // default: 30s
	PollInterval      time.Duration // default: 5s
	PerpetualInterval time.Duration // default: 30s

	// MaxConcurrent — задач одновременно (default: 4).
	MaxConcurrent int

	// PushPolicy — повторы отправки результата (default: backoff.DefaultPolicy).
	PushPolicy *domain.RetryPolicy

	Logger *slog.Logger
}

// New создаёт Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.DelegateID == "" {
		return nil, ErrMissingDelegateID
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PerpetualInterval <= 0 {
		cfg.PerpetualInterval = defaultPerpetualInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.PushPolicy == nil {
		cfg.PushPolicy = backoff.DefaultPolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Agent{
		server: cfg.Server,
		hb: domain.DelegateHeartbeat{
			DelegateID:   cfg.DelegateID,
			AccountID:    cfg.AccountID,
			Selectors:    cfg.Selectors,
			Capabilities: cfg.Capabilities,
			Version:      cfg.Version,
		},
		registry:          cfg.Registry,
		conn:              cfg.Conn,
		heartbeatInterval: cfg.HeartbeatInterval,
		pollInterval:      cfg.PollInterval,
		perpetualInterval: cfg.PerpetualInterval,
		pushPolicy:        cfg.PushPolicy,
		logger:            telemetry.WithDelegateID(cfg.Logger, cfg.DelegateID),
		sem:               make(chan struct{}, cfg.MaxConcurrent),
		inflight:          make(map[string]struct{}),
		perpetual:         make(map[string]context.CancelFunc),
	}, nil
}

// ID возвращает id делегата.
func (a *Agent) ID() string {
	return a.hb.DelegateID
}

// Run регистрирует делегата и работает до отмены ctx.
// Перед возвратом дожидается выполняющихся задач.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.server.Heartbeat(ctx, a.hb); err != nil {
		return fmt.Errorf("register delegate: %w", err)
	}

	a.logger.Info("delegate agent started",
		"selectors", a.hb.Selectors,
		"capabilities", a.hb.Capabilities,
		"task_types", a.registry.Types(),
		"mq", a.conn != nil,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.every(ctx, a.heartbeatInterval, a.heartbeat)
		return nil
	})
	g.Go(func() error {
		a.every(ctx, a.pollInterval, a.poll)
		return nil
	})
	g.Go(func() error {
		a.every(ctx, a.perpetualInterval, a.syncPerpetual)
		return nil
	})
	if a.conn != nil {
		g.Go(func() error {
			return a.consumeBroadcasts(ctx)
		})
	}

	err := g.Wait()
	a.tasks.Wait()
	a.stopPerpetual()
	a.logger.Info("delegate agent stopped")
	return err
}

// every вызывает fn сразу и затем с интервалом, пока ctx не отменён.
func (a *Agent) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	if _, err := a.server.Heartbeat(ctx, a.hb); err != nil && ctx.Err() == nil {
		a.logger.Warn("heartbeat failed", "error", err)
	}
}

// poll забирает ожидающие задачи.
func (a *Agent) poll(ctx context.Context) {
	tasks, err := a.server.PendingTasks(ctx, a.hb.DelegateID)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("failed to list pending tasks", "error", err)
		}
		return
	}
	if len(tasks) > 0 {
		a.logger.Debug("poll found pending tasks", "count", len(tasks))
	}
	for _, t := range tasks {
		a.dispatch(ctx, t.ID)
	}
}

// consumeBroadcasts слушает очередь рассылки делегата.
// Ошибка объявления очереди не фатальна: остаётся polling.
func (a *Agent) consumeBroadcasts(ctx context.Context) error {
	queue, err := mq.DeclareDelegateQueue(ctx, a.conn, a.hb.DelegateID)
	if err != nil {
		a.logger.Warn("broadcast queue unavailable, polling only", "error", err)
		return nil
	}

	consumer := mq.NewConsumer(a.conn, a.logger, mq.ConsumerConfig{
		Queue:    string(queue),
		Handler:  a.handleBroadcast,
		Prefetch: defaultPrefetch,
	})
	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("broadcast consumer: %w", err)
	}
	return nil
}

// handleBroadcast обрабатывает рассылку task.broadcast.
func (a *Agent) handleBroadcast(ctx context.Context, msg *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.TaskBroadcastPayload](&msg.Message)
	if err != nil {
		return fmt.Errorf("%w: %v", mq.ErrReject, err)
	}
	if !payload.AddressedTo(a.hb.DelegateID) {
		return mq.ErrNotForDelegate
	}
	a.dispatch(ctx, payload.TaskID)
	return nil
}

// dispatch запускает обработку задачи, если есть свободный слот
// и задача ещё не обрабатывается. Иначе её подберёт следующий poll.
func (a *Agent) dispatch(ctx context.Context, taskID string) {
	a.mu.Lock()
	if _, ok := a.inflight[taskID]; ok {
		a.mu.Unlock()
		return
	}
	select {
	case a.sem <- struct{}{}:
	default:
		a.mu.Unlock()
		return
	}
	a.inflight[taskID] = struct{}{}
	a.mu.Unlock()

	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		defer func() {
			a.mu.Lock()
			delete(a.inflight, taskID)
			a.mu.Unlock()
			<-a.sem
		}()

		if err := a.ProcessTask(ctx, taskID); err != nil && ctx.Err() == nil {
			a.logger.Error("failed to process task", "task_id", taskID, "error", err)
		}
	}()
}

// ProcessTask захватывает, выполняет задачу и отправляет результат.
// Проигранный захват — не ошибка.
func (a *Agent) ProcessTask(ctx context.Context, taskID string) error {
	logger := telemetry.WithTaskID(a.logger, taskID)

	task, err := a.server.Acquire(ctx, a.hb.DelegateID, taskID)
	if err != nil {
		if IsExpected(err) {
			logger.Debug("task not acquired", "reason", err)
			return nil
		}
		return fmt.Errorf("acquire: %w", err)
	}

	if err := a.server.Start(ctx, a.hb.DelegateID, taskID); err != nil {
		if IsExpected(err) {
			logger.Debug("task taken away before start", "reason", err)
			return nil
		}
		// результат принимается и из ACQUIRED
		logger.Warn("failed to mark task started", "error", err)
	}

	logger.Info("task started", "type", task.Type)

	result := a.execute(ctx, task)
	if ctx.Err() != nil {
		// агент останавливается; задачу закроет истечение срока
		return ctx.Err()
	}

	telemetry.AgentTasksExecuted.WithLabelValues(task.Type, string(result.Status)).Inc()

	err = backoff.Retry(ctx, a.pushPolicy, func(ctx context.Context) error {
		err := a.server.PushResponse(ctx, a.hb.DelegateID, taskID, result)
		if isClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		telemetry.AgentPushFailures.Inc()
		return fmt.Errorf("push response: %w", err)
	}

	if result.Status == domain.DelegateTaskSucceeded {
		logger.Info("task succeeded", "type", task.Type)
	} else {
		logger.Warn("task failed", "type", task.Type, "error", result.Error)
	}
	return nil
}

// execute выполняет задачу в пределах её срока.
func (a *Agent) execute(ctx context.Context, task *domain.DelegateTask) domain.TaskResult {
	failed := func(msg string) domain.TaskResult {
		return domain.TaskResult{Status: domain.DelegateTaskFailed, Error: msg}
	}

	executor, err := a.registry.Get(task.Type)
	if err != nil {
		return failed(err.Error())
	}

	params, err := codec.DecodeMap(task.Format, task.Parameters)
	if err != nil {
		return failed(fmt.Errorf("%w: %v", ErrInvalidParameters, err).Error())
	}

	if !task.Expiry.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, task.Expiry)
		defer cancel()
	}

	res, err := executor.Execute(ctx, params)
	if err != nil {
		return failed(err.Error())
	}
	if res == nil {
		res = &Result{}
	}
	if res.Error != "" {
		return domain.TaskResult{Status: domain.DelegateTaskFailed, Data: res.Data, Error: res.Error}
	}
	return domain.TaskResult{Status: domain.DelegateTaskSucceeded, Data: res.Data}
}
