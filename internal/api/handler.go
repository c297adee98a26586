package api

import (
	"context"
	"log/slog"

	"github.com/shaiso/Pipeliner/internal/constraint"
	"github.com/shaiso/Pipeliner/internal/delegate"
	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/interrupt"
	"github.com/shaiso/Pipeliner/internal/orchestrator"
	"github.com/shaiso/Pipeliner/internal/waitnotify"
)

// Reader — чтение планов и выполнений (реализации: repo.Store, memstore.Store).
type Reader interface {
	GetPlan(ctx context.Context, id string) (*domain.Plan, error)
	ListPlans(ctx context.Context) ([]*domain.Plan, error)
	GetPlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error)
	ListPlanExecutions(ctx context.Context, limit int) ([]*domain.PlanExecution, error)
	ListNodeExecutions(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	store       Reader
	engine      *orchestrator.Engine
	interrupts  *interrupt.Handler
	delegates   *delegate.Service
	constraints *constraint.Manager
	correlator  *waitnotify.Correlator
	logger      *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Store       Reader
	Engine      *orchestrator.Engine
	Interrupts  *interrupt.Handler
	Delegates   *delegate.Service
	Constraints *constraint.Manager
	Correlator  *waitnotify.Correlator
	Logger      *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		store:       cfg.Store,
		engine:      cfg.Engine,
		interrupts:  cfg.Interrupts,
		delegates:   cfg.Delegates,
		constraints: cfg.Constraints,
		correlator:  cfg.Correlator,
		logger:      logger,
	}
}
