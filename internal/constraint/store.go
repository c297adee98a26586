package constraint

import (
	"context"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// Store — хранилище экземпляров ограничений.
//
// Реализации: repo.ConstraintRepo (PostgreSQL), memstore.Store.
type Store interface {
	// WithUnitLock выполняет fn под эксклюзивной блокировкой ресурса.
	// Вызовы хранилища внутри fn должны использовать переданный ctx.
	WithUnitLock(ctx context.Context, unit string, fn func(ctx context.Context) error) error

	// ListInstances — незавершённые экземпляры ресурса по возрастанию Order.
	ListInstances(ctx context.Context, unit string) ([]*domain.ConstraintInstance, error)

	// FindInstance — незавершённый экземпляр сущности на ресурсе.
	FindInstance(ctx context.Context, unit, releaseEntityID string) (*domain.ConstraintInstance, error)

	MaxOrder(ctx context.Context, unit string) (int64, error)
	CreateInstance(ctx context.Context, ci *domain.ConstraintInstance) error

	// UpdateInstanceState — условный переход состояния.
	UpdateInstanceState(ctx context.Context, id string, from []domain.ConsumerState, to domain.ConsumerState, now time.Time) error

	ListActiveInstances(ctx context.Context, limit int) ([]*domain.ConstraintInstance, error)
	ListInstancesByReleaseEntity(ctx context.Context, releaseEntityID string) ([]*domain.ConstraintInstance, error)
}

// EntityLookup проверяет статус сущности, удерживающей ресурс.
type EntityLookup interface {
	GetPlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error)
	GetNodeExecution(ctx context.Context, runtimeID string) (*domain.NodeExecution, error)
}

// Notifier будит шаг, чей экземпляр стал ACTIVE (реализация: waitnotify.Correlator).
type Notifier interface {
	DoneWith(ctx context.Context, correlationID string, resp domain.ResponseData) error
}
