package interrupt

import (
	"context"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// Store — хранилище интераптов и чтение выполнений.
type Store interface {
	CreateInterrupt(ctx context.Context, i *domain.Interrupt) error
	GetInterrupt(ctx context.Context, id string) (*domain.Interrupt, error)
	UpdateInterruptStatus(ctx context.Context, id string, from []domain.InterruptStatus, to domain.InterruptStatus, apply func(*domain.Interrupt)) (*domain.Interrupt, error)
	ListOpenInterrupts(ctx context.Context, planExecutionID string, limit int) ([]*domain.Interrupt, error)

	GetPlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error)
	GetNodeExecution(ctx context.Context, runtimeID string) (*domain.NodeExecution, error)
}

// Controls — управляющие операции движка.
type Controls interface {
	AbortNode(ctx context.Context, runtimeID string) error
	AbortPlan(ctx context.Context, planExecutionID string) error
	PauseNode(ctx context.Context, runtimeID string) error
	PausePlan(ctx context.Context, planExecutionID string) error
	UnpauseNode(ctx context.Context, runtimeID string) error
	ResumePlan(ctx context.Context, planExecutionID string) error
	RetryNode(ctx context.Context, runtimeID string) error
	ExpireNode(ctx context.Context, runtimeID string) error
	MarkNodeStatus(ctx context.Context, runtimeID string, status domain.NodeStatus) error
}

// Publisher — публикация события о регистрации.
type Publisher interface {
	PublishInterruptRegistered(ctx context.Context, i *domain.Interrupt) error
}
