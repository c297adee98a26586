package steps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Pipeliner/internal/constraint"
	"github.com/shaiso/Pipeliner/internal/domain"
)

const (
	// StepTypeResourceConstraint — занятие именованного ресурса (FIFO-семафор).
	StepTypeResourceConstraint = "resource_constraint"

	configResourceUnit = "resourceUnit"
	configCapacity     = "capacity"
	configPermits      = "permits"
	configHoldingScope = "holdingScope"
)

// ConstraintManager — операции менеджера ресурсов, нужные шагу.
type ConstraintManager interface {
	Acquire(ctx context.Context, req constraint.Request) (*domain.ConstraintInstance, error)
	Release(ctx context.Context, unit, releaseEntityID string) error
}

// ResourceConstraintStep ставит узел в очередь ресурса.
//
// ACTIVE — узел завершается сразу, BLOCKED — ждёт уведомления по
// consumer id. Ресурс держится до завершения сущности holdingScope.
//
// Параметры:
//
//	{
//	    "resourceUnit": "prod-db",
//	    "capacity": 1,
//	    "permits": 1,             // опционально
//	    "holdingScope": "PLAN"    // PLAN, PIPELINE, STAGE, STEP_GROUP
//	}
type ResourceConstraintStep struct {
	manager ConstraintManager
	logger  *slog.Logger
}

// NewResourceConstraintStep создаёт ResourceConstraintStep.
func NewResourceConstraintStep(manager ConstraintManager, logger *slog.Logger) *ResourceConstraintStep {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceConstraintStep{manager: manager, logger: logger}
}

// Type возвращает тип шага.
func (s *ResourceConstraintStep) Type() string {
	return StepTypeResourceConstraint
}

// ExecuteAsync запрашивает ресурс.
func (s *ResourceConstraintStep) ExecuteAsync(ctx context.Context, in *Input) (*AsyncResponse, error) {
	req, err := s.request(in)
	if err != nil {
		return nil, err
	}

	ci, err := s.manager.Acquire(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", req.ResourceUnit, err)
	}

	resp := &AsyncResponse{Outcomes: instanceOutcomes(ci)}
	if ci.State != domain.ConsumerActive {
		resp.CallbackIDs = []string{ci.ID}
	}
	return resp, nil
}

// HandleAsyncResponse завершает шаг, когда ресурс получен.
func (s *ResourceConstraintStep) HandleAsyncResponse(ctx context.Context, in *Input, responses map[string]domain.ResponseData) (*Result, error) {
	if r := CheckErrors(responses); r != nil {
		s.release(ctx, in)
		return r, nil
	}

	for _, resp := range responses {
		if cr, ok := resp.(domain.ConstraintResponse); ok {
			return Succeeded(map[string]any{
				"resource_unit": cr.ResourceUnit,
				"consumer_id":   cr.ConsumerID,
				"state":         string(cr.State),
			}), nil
		}
	}

	// Ресурс был получен сразу
	req, err := s.request(in)
	if err != nil {
		return nil, err
	}
	return Succeeded(map[string]any{
		"resource_unit": req.ResourceUnit,
		"state":         string(domain.ConsumerActive),
	}), nil
}

// Abort снимает узел с очереди ресурса.
func (s *ResourceConstraintStep) Abort(ctx context.Context, in *Input, _ *domain.ExecutableResponse) error {
	req, err := s.request(in)
	if err != nil {
		return err
	}
	return s.manager.Release(ctx, req.ResourceUnit, req.ReleaseEntityID)
}

func (s *ResourceConstraintStep) release(ctx context.Context, in *Input) {
	req, err := s.request(in)
	if err != nil {
		return
	}
	if err := s.manager.Release(ctx, req.ResourceUnit, req.ReleaseEntityID); err != nil {
		s.logger.Warn("release resource failed",
			"resource_unit", req.ResourceUnit,
			"release_entity_id", req.ReleaseEntityID,
			"error", err,
		)
	}
}

// request строит запрос из параметров и контекста выполнения.
func (s *ResourceConstraintStep) request(in *Input) (constraint.Request, error) {
	unit := GetConfigString(in.Parameters, configResourceUnit)
	capacity := GetConfigInt(in.Parameters, configCapacity)
	if unit == "" || capacity <= 0 {
		return constraint.Request{}, fmt.Errorf("%w: %s: resourceUnit and positive capacity required",
			ErrInvalidConfig, StepTypeResourceConstraint)
	}

	scope := domain.HoldingScope(GetConfigString(in.Parameters, configHoldingScope))
	if scope == "" {
		scope = domain.ScopePlan
	}

	entity, scope := HoldingEntity(in.Ambiance, scope)
	return constraint.Request{
		ResourceUnit:    unit,
		Capacity:        capacity,
		Permits:         GetConfigInt(in.Parameters, configPermits),
		HoldingScope:    scope,
		ReleaseEntityID: entity,
		PlanExecutionID: in.Ambiance.PlanExecutionID,
	}, nil
}

// HoldingEntity возвращает сущность, завершение которой освобождает ресурс,
// и фактический scope. Если уровня нужной группы нет, ресурс держится до
// конца плана и scope становится PLAN.
func HoldingEntity(amb domain.Ambiance, scope domain.HoldingScope) (string, domain.HoldingScope) {
	var group domain.NodeGroup
	switch scope {
	case domain.ScopePipeline:
		group = domain.GroupPipeline
	case domain.ScopeStage:
		group = domain.GroupStage
	case domain.ScopeStepGroup:
		group = domain.GroupStepGroup
	default:
		return amb.PlanExecutionID, domain.ScopePlan
	}

	if l := amb.FindLevel(group); l != nil {
		return l.RuntimeID, scope
	}
	return amb.PlanExecutionID, domain.ScopePlan
}

func instanceOutcomes(ci *domain.ConstraintInstance) map[string]any {
	return map[string]any{
		"resource_unit": ci.ResourceUnit,
		"consumer_id":   ci.ID,
		"order":         ci.Order,
		"state":         string(ci.State),
	}
}
