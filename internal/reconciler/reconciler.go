package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Pipeliner/internal/telemetry"
)

// Job — фоновая задача. Run возвращает число обработанных записей.
type Job struct {
	Name string

	// Spec — расписание cron: "@every 5s" или стандартные 5 полей.
	Spec string

	Run func(ctx context.Context) (int, error)
}

// Leader решает, выполняет ли экземпляр задачи.
type Leader interface {
	IsLeader(ctx context.Context) (bool, error)
}

// Reconciler выполняет Job'ы по расписанию.
type Reconciler struct {
	jobs   []Job
	leader Leader
	logger *slog.Logger
}

// Config — конфигурация Reconciler.
type Config struct {
	Jobs []Job

	// Leader — nil означает, что экземпляр всегда лидер.
	Leader Leader

	Logger *slog.Logger
}

// New создаёт Reconciler и проверяет расписания задач.
func New(cfg Config) (*Reconciler, error) {
	if len(cfg.Jobs) == 0 {
		return nil, ErrNoJobs
	}
	seen := make(map[string]bool, len(cfg.Jobs))
	for _, job := range cfg.Jobs {
		if seen[job.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
		}
		seen[job.Name] = true
		if err := ValidateSpec(job.Spec); err != nil {
			return nil, fmt.Errorf("job %s: %w", job.Name, err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		jobs:   cfg.Jobs,
		leader: cfg.Leader,
		logger: logger,
	}, nil
}

// ValidateSpec проверяет расписание задачи.
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSpec, spec, err)
	}
	return nil
}

// Run запускает расписание и блокирует до отмены ctx.
// Перед возвратом дожидается выполняющихся задач.
func (r *Reconciler) Run(ctx context.Context) error {
	cl := cronLogger{r.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	for _, job := range r.jobs {
		if _, err := c.AddFunc(job.Spec, func() { r.runJob(ctx, job) }); err != nil {
			return fmt.Errorf("schedule job %s: %w", job.Name, err)
		}
	}

	r.logger.Info("reconciler started", "jobs", len(r.jobs))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()

	r.logger.Info("reconciler stopped")
	return nil
}

// RunOnce выполняет все задачи последовательно один раз.
// Ошибки отдельных задач не прерывают остальные.
func (r *Reconciler) RunOnce(ctx context.Context) {
	for _, job := range r.jobs {
		r.runJob(ctx, job)
	}
}

func (r *Reconciler) runJob(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}

	if r.leader != nil {
		ok, err := r.leader.IsLeader(ctx)
		if err != nil {
			r.logger.Warn("leader check failed", "job", job.Name, "error", err)
			return
		}
		if !ok {
			// не лидер — пропускаем тик
			return
		}
	}

	n, err := job.Run(ctx)
	if err != nil {
		telemetry.ReconcileRuns.WithLabelValues(job.Name, "error").Inc()
		if ctx.Err() == nil {
			r.logger.Error("reconcile job failed", "job", job.Name, "error", err)
		}
		return
	}

	telemetry.ReconcileRuns.WithLabelValues(job.Name, "ok").Inc()
	if n > 0 {
		r.logger.Info("reconcile job completed", "job", job.Name, "processed", n)
	}
}

// cronLogger — cron.Logger поверх slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
