package reconciler

import (
	"context"
	"fmt"
	"time"
)

// Интервалы по умолчанию.
const (
	DefaultInterval       = 5 * time.Second
	perpetualInterval     = 30 * time.Second
	purgeInterval         = 10 * time.Minute
	redeliverAfter        = 30 * time.Second
	orphanResponsesMaxAge = time.Hour
)

// ConstraintReconciler — constraint.Manager.
type ConstraintReconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// DelegateReconciler — delegate.Service.
type DelegateReconciler interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
	Rebroadcast(ctx context.Context, now time.Time) (int, error)
	ReassignPerpetualTasks(ctx context.Context, now time.Time) (int, error)
}

// WaitReconciler — waitnotify.Correlator.
type WaitReconciler interface {
	ExpireWaits(ctx context.Context, now time.Time) (int, error)
	RedeliverResolved(ctx context.Context, olderThan time.Duration) (int, error)
	PurgeOrphans(ctx context.Context, olderThan time.Duration) (int64, error)
}

// NodeSweeper — orchestrator.Engine.
type NodeSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// InterruptReconciler — interrupt.Handler.
type InterruptReconciler interface {
	ProcessPending(ctx context.Context) (int, error)
	CloseTerminal(ctx context.Context) (int, error)
}

// Deps — сервисы, которые обслуживает Reconciler. nil-поля пропускаются.
type Deps struct {
	Constraints ConstraintReconciler
	Delegates   DelegateReconciler
	Waits       WaitReconciler
	Nodes       NodeSweeper
	Interrupts  InterruptReconciler

	// Now — источник времени (default: time.Now).
	Now func() time.Time
}

// StandardJobs собирает задачи реконсиляции для заданных сервисов.
func StandardJobs(d Deps, interval time.Duration) []Job {
	if interval <= 0 {
		interval = DefaultInterval
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	every := everySpec(interval)

	var jobs []Job
	if d.Constraints != nil {
		jobs = append(jobs, Job{Name: "constraint_reconcile", Spec: every, Run: d.Constraints.Reconcile})
	}
	if d.Delegates != nil {
		jobs = append(jobs,
			Job{Name: "task_expire", Spec: every, Run: func(ctx context.Context) (int, error) {
				return d.Delegates.ExpireStale(ctx, now())
			}},
			Job{Name: "task_rebroadcast", Spec: every, Run: func(ctx context.Context) (int, error) {
				return d.Delegates.Rebroadcast(ctx, now())
			}},
			Job{Name: "perpetual_reassign", Spec: everySpec(max(interval, perpetualInterval)), Run: func(ctx context.Context) (int, error) {
				return d.Delegates.ReassignPerpetualTasks(ctx, now())
			}},
		)
	}
	if d.Waits != nil {
		jobs = append(jobs,
			Job{Name: "wait_expire", Spec: every, Run: func(ctx context.Context) (int, error) {
				return d.Waits.ExpireWaits(ctx, now())
			}},
			Job{Name: "wait_redeliver", Spec: every, Run: func(ctx context.Context) (int, error) {
				return d.Waits.RedeliverResolved(ctx, redeliverAfter)
			}},
			Job{Name: "response_purge", Spec: everySpec(purgeInterval), Run: func(ctx context.Context) (int, error) {
				n, err := d.Waits.PurgeOrphans(ctx, orphanResponsesMaxAge)
				return int(n), err
			}},
		)
	}
	if d.Nodes != nil {
		jobs = append(jobs, Job{Name: "node_watchdog", Spec: every, Run: d.Nodes.SweepStale})
	}
	if d.Interrupts != nil {
		jobs = append(jobs,
			Job{Name: "interrupt_pending", Spec: every, Run: d.Interrupts.ProcessPending},
			Job{Name: "interrupt_close", Spec: every, Run: d.Interrupts.CloseTerminal},
		)
	}
	return jobs
}

func everySpec(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}
