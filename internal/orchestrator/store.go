package orchestrator

import (
	"context"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/mq"
	"github.com/shaiso/Pipeliner/internal/waitnotify"
)

// Store — хранилище планов и выполнений.
//
// Реализации: repo (PostgreSQL), memstore.Store.
type Store interface {
	CreatePlan(ctx context.Context, p *domain.Plan) error
	GetPlan(ctx context.Context, id string) (*domain.Plan, error)

	CreatePlanExecution(ctx context.Context, pe *domain.PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error)
	UpdatePlanExecutionStatus(ctx context.Context, id string, from []domain.NodeStatus, to domain.NodeStatus, apply func(*domain.PlanExecution)) (*domain.PlanExecution, error)

	CreateNodeExecution(ctx context.Context, n *domain.NodeExecution) error
	GetNodeExecution(ctx context.Context, runtimeID string) (*domain.NodeExecution, error)
	UpdateNodeStatus(ctx context.Context, runtimeID string, from []domain.NodeStatus, to domain.NodeStatus, apply func(*domain.NodeExecution)) (*domain.NodeExecution, error)
	ListNodeExecutions(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error)
	ListStaleNodes(ctx context.Context, now, stuckBefore time.Time, limit int) ([]*domain.NodeExecution, error)
}

// Correlator — регистрация ожиданий и доставка ответов (реализация: waitnotify.Correlator).
type Correlator interface {
	DispatchTasks(ctx context.Context, cb domain.Callback, reqs ...waitnotify.TaskRequest) ([]string, error)
	WaitForAll(ctx context.Context, cb domain.Callback, timeout time.Duration, correlationIDs ...string) (string, error)
	Schedule(ctx context.Context, cb domain.Callback, delay time.Duration) (string, error)
	DoneWith(ctx context.Context, correlationID string, resp domain.ResponseData) error
}

// TaskAborter отменяет задачи делегатов (реализация: delegate.Service).
type TaskAborter interface {
	Abort(ctx context.Context, taskID string) error
}

// ConstraintReleaser освобождает ресурсы завершившейся сущности (реализация: constraint.Manager).
type ConstraintReleaser interface {
	ReleaseEntity(ctx context.Context, releaseEntityID string) error
}

// InterruptCloser закрывает открытые интерапты финального плана (реализация: interrupt.Handler).
type InterruptCloser interface {
	CloseAll(ctx context.Context, planExecutionID string) error
}

// EventPublisher публикует события наблюдателям (реализация: mq.Publisher).
type EventPublisher interface {
	PublishNodeStatusChanged(ctx context.Context, payload mq.NodeStatusChangedPayload) error
	PublishOrchestrationEnd(ctx context.Context, payload mq.OrchestrationEndPayload) error
}

// BlobReader читает вынесенные результаты задач (реализация: blobstore.Store).
type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}
