package steps

import (
	"github.com/shaiso/Pipeliner/internal/domain"
)

const (
	// StepTypeParallel — параллельный запуск дочерних веток (CHILDREN).
	StepTypeParallel = "parallel"

	// StepTypeStage — обёртка над одной дочерней веткой (CHILD).
	StepTypeStage = "stage"
)

// ParallelStep — шаг параллельного выполнения веток.
//
// Сам шаг ничего не выполняет: движок запускает каждую ветку из
// PlanNode.Children как отдельную цепочку узлов и ждёт уведомления
// о завершении каждой. Шаг только собирает outcomes веток.
//
// Outcomes:
//
//	{
//	    "branch_a": { ... outcomes последнего узла ветки ... },
//	    "branch_b": { ... }
//	}
type ParallelStep struct{}

// NewParallelStep создаёт новый ParallelStep.
func NewParallelStep() *ParallelStep {
	return &ParallelStep{}
}

// Type возвращает тип шага.
func (s *ParallelStep) Type() string {
	return StepTypeParallel
}

// AggregateOutcomes собирает outcomes веток по identifier.
func (s *ParallelStep) AggregateOutcomes(children []domain.StepNotify) map[string]any {
	return AggregateChildOutcomes(children)
}

// StageStep — шаг-контейнер с единственной дочерней веткой.
type StageStep struct{}

// NewStageStep создаёт новый StageStep.
func NewStageStep() *StageStep {
	return &StageStep{}
}

// Type возвращает тип шага.
func (s *StageStep) Type() string {
	return StepTypeStage
}

// AggregateOutcomes поднимает outcomes единственной ветки.
func (s *StageStep) AggregateOutcomes(children []domain.StepNotify) map[string]any {
	if len(children) == 1 && children[0].Outcomes != nil {
		return children[0].Outcomes
	}
	return AggregateChildOutcomes(children)
}

// AggregateChildOutcomes собирает outcomes веток в единый результат.
func AggregateChildOutcomes(children []domain.StepNotify) map[string]any {
	result := make(map[string]any, len(children))

	for _, child := range children {
		key := child.Identifier
		if key == "" {
			key = child.SetupID
		}
		outcomes := child.Outcomes
		if outcomes == nil {
			outcomes = make(map[string]any)
		}
		result[key] = outcomes
	}

	return result
}

// ExtractBranchOutcomes извлекает outcomes ветки из собранного результата.
func ExtractBranchOutcomes(outcomes map[string]any, identifier string) map[string]any {
	if branch, ok := outcomes[identifier]; ok {
		if branchMap, ok := branch.(map[string]any); ok {
			return branchMap
		}
	}
	return nil
}
