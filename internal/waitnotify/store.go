package waitnotify

import (
	"context"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// Store — персистентное состояние корреллятора.
//
// Реализации: repo.WaitRepo (PostgreSQL), memstore.Store.
type Store interface {
	// CreateWait сохраняет новую запись ожидания.
	CreateWait(ctx context.Context, w *domain.WaitInstance) error

	// GetWait возвращает запись по id.
	GetWait(ctx context.Context, id string) (*domain.WaitInstance, error)

	// FindWaitsByCorrelationID возвращает WAITING записи, ждущие id.
	FindWaitsByCorrelationID(ctx context.Context, correlationID string) ([]*domain.WaitInstance, error)

	// RemoveWaitingOn атомарно удаляет id из WaitingOn и возвращает запись.
	RemoveWaitingOn(ctx context.Context, waitID, correlationID string) (*domain.WaitInstance, error)

	// ClaimWait переводит запись WAITING → RESOLVED.
	// Возвращает ErrConflict хранилища, если запись уже захвачена.
	ClaimWait(ctx context.Context, waitID string, now time.Time) error

	// DeleteWait удаляет запись.
	DeleteWait(ctx context.Context, waitID string) error

	// ListExpiredWaits возвращает WAITING записи с ExpiresAt <= now.
	ListExpiredWaits(ctx context.Context, now time.Time, limit int) ([]*domain.WaitInstance, error)

	// ListResolvedWaits возвращает RESOLVED записи, захваченные раньше before.
	ListResolvedWaits(ctx context.Context, before time.Time, limit int) ([]*domain.WaitInstance, error)

	// SaveResponse сохраняет ответ. Дубликат correlation id — ErrAlreadyExists хранилища.
	SaveResponse(ctx context.Context, r *domain.NotifyResponse) error

	// GetResponses возвращает сохранённые ответы для ids.
	GetResponses(ctx context.Context, correlationIDs []string) ([]*domain.NotifyResponse, error)

	// DeleteResponses удаляет ответы, на которые больше не ссылается ни одна запись.
	DeleteResponses(ctx context.Context, correlationIDs []string) error

	// PurgeOrphanResponses удаляет ответы старше before, не привязанные ни к одной записи.
	PurgeOrphanResponses(ctx context.Context, before time.Time) (int64, error)
}

// TaskQueue — очередь задач делегатов (реализация: delegate.Service).
type TaskQueue interface {
	Enqueue(ctx context.Context, task *domain.DelegateTask) error
}

// Resumer — единая точка возобновления (реализация: orchestrator.Engine).
type Resumer interface {
	// ResumeNode вызывается ровно один раз на разрешённое ожидание
	// (повторно — только при восстановлении после сбоя).
	ResumeNode(ctx context.Context, cb domain.Callback, responses map[string]domain.ResponseData) error

	// HandleProgress обновляет liveness узла.
	HandleProgress(ctx context.Context, runtimeID string, progress domain.ProgressData) error
}
