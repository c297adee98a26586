package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики движка.
var (
	// NodeTransitions — переходы статусов узлов.
	NodeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeliner_node_transitions_total",
		Help: "Node execution status transitions",
	}, []string{"status"})

	// PlanExecutionsFinished — завершённые выполнения планов.
	PlanExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeliner_plan_executions_finished_total",
		Help: "Finished plan executions by final status",
	}, []string{"status"})

	// CASConflicts — проигранные гонки условных обновлений.
	CASConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeliner_cas_conflicts_total",
		Help: "Conditional updates discarded because another writer won",
	}, []string{"entity"})
)

// Метрики корреллятора.
var (
	// WaitsResolved — разрешённые ожидания.
	WaitsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeliner_waits_resolved_total",
		Help: "Resolved wait instances by callback kind",
	}, []string{"kind"})

	// WaitsExpired — ожидания, разрешённые по таймауту.
	WaitsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeliner_waits_expired_total",
		Help: "Wait instances resolved by timeout",
	})

	// DuplicateResponses — повторные ответы по одному correlation id.
	DuplicateResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeliner_duplicate_responses_total",
		Help: "Responses ignored because the correlation id already had one",
	})
)

// Метрики очереди делегатов.
var (
	// TasksEnqueued — поставленные в очередь задачи.
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeliner_delegate_tasks_enqueued_total",
		Help: "Delegate tasks enqueued by type",
	}, []string{"type"})

	// TasksFinished — завершённые задачи.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeliner_delegate_tasks_finished_total",
		Help: "Delegate tasks finished by status",
	}, []string{"status"})

	// AcquireOutcomes — результаты попыток захвата.
	AcquireOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeliner_delegate_acquire_total",
		Help: "Delegate task acquire attempts by outcome",
	}, []string{"outcome"})

	// TaskDuration — время от захвата до результата.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeliner_delegate_task_duration_seconds",
		Help:    "Delegate task duration from acquire to response",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"type"})
)

// Метрики ограничений ресурсов и интерраптов.
var (
	// ConstraintActive — ACTIVE экземпляры по ресурсу.
	ConstraintActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeliner_constraint_active",
		Help: "Active resource constraint consumers by resource unit",
	}, []string{"resource_unit"})

	// ConstraintReconciled — экземпляры, закрытые реконсиляцией.
	ConstraintReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeliner_constraint_reconciled_total",
		Help: "Active consumers finished by the reconciliation loop",
	})

	// InterruptsProcessed — обработанные интерапты.
	InterruptsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeliner_interrupts_processed_total",
		Help: "Processed interrupts by type and status",
	}, []string{"type", "status"})
)

// Метрики HTTP API. route — шаблон маршрута chi.
var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeliner_http_requests_total",
		Help: "HTTP requests by method, route and status code",
	}, []string{"method", "route", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeliner_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Метрики агента делегата.
var (
	// AgentTasksExecuted — выполненные агентом задачи.
	AgentTasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeliner_agent_tasks_executed_total",
		Help: "Tasks executed by the delegate agent by type and status",
	}, []string{"type", "status"})

	// AgentPushFailures — результаты, которые не удалось отправить серверу.
	AgentPushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeliner_agent_push_failures_total",
		Help: "Task results the agent failed to deliver after retries",
	})
)

// ReconcileRuns — запуски фоновых задач реконсиляции.
var ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pipeliner_reconcile_runs_total",
	Help: "Reconciliation job runs by job and outcome",
}, []string{"job", "outcome"})
