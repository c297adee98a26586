package delegate

import (
	"context"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// Store — хранилище задач, делегатов и постоянных задач.
//
// Реализации: repo.DelegateRepo (PostgreSQL), memstore.Store.
type Store interface {
	CreateTask(ctx context.Context, t *domain.DelegateTask) error
	GetTask(ctx context.Context, id string) (*domain.DelegateTask, error)

	// UpdateTaskStatus — CAS по статусу; ошибка apply отменяет обновление.
	UpdateTaskStatus(ctx context.Context, id string, from []domain.DelegateTaskStatus, to domain.DelegateTaskStatus, apply func(*domain.DelegateTask) error) (*domain.DelegateTask, error)

	// UpdateTaskBroadcast — CAS по BroadcastCount для QUEUED задачи.
	UpdateTaskBroadcast(ctx context.Context, t *domain.DelegateTask, prevCount int) error

	ListPendingTasks(ctx context.Context, delegateID string, now time.Time, limit int) ([]*domain.DelegateTask, error)
	ListExpiredTasks(ctx context.Context, now time.Time, limit int) ([]*domain.DelegateTask, error)
	ListRebroadcastTasks(ctx context.Context, now time.Time, limit int) ([]*domain.DelegateTask, error)

	UpsertDelegate(ctx context.Context, d *domain.Delegate) error
	GetDelegate(ctx context.Context, id string) (*domain.Delegate, error)
	ListDelegates(ctx context.Context, accountID string) ([]*domain.Delegate, error)

	CreatePerpetualTask(ctx context.Context, p *domain.PerpetualTask) error
	GetPerpetualTask(ctx context.Context, id string) (*domain.PerpetualTask, error)
	DeletePerpetualTask(ctx context.Context, id string) error
	ListPerpetualTasks(ctx context.Context, delegateID string) ([]*domain.PerpetualTask, error)

	// UpdatePerpetualTask — CAS по текущему исполнителю.
	UpdatePerpetualTask(ctx context.Context, p *domain.PerpetualTask, expectedDelegateID string) error
}

// Notifier доставляет результаты и прогресс ждущим узлам (реализация: waitnotify.Correlator).
type Notifier interface {
	DoneWith(ctx context.Context, correlationID string, resp domain.ResponseData) error
	Progress(ctx context.Context, correlationID string, progress domain.ProgressData) error
}

// Broadcaster рассылает задачи делегатам (реализация: mq.Publisher).
type Broadcaster interface {
	BroadcastTask(ctx context.Context, task *domain.DelegateTask, delegates []string) error
}
