package facilitator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// Facilitator выбирает режим выполнения узла.
//
// Реализация не должна иметь побочных эффектов: решение зависит
// только от узла, параметров и статической конфигурации.
type Facilitator interface {
	Type() string
	Facilitate(ctx context.Context, amb domain.Ambiance, node *domain.PlanNode, params map[string]any) (domain.FacilitationDecision, error)
}

// Config — конфигурация реестра.
type Config struct {
	// Facilitators — доступные фасилитаторы. Nil — встроенные (Builtins).
	Facilitators []Facilitator

	// StepDefaults — тип шага → фасилитаторы по умолчанию в порядке приоритета.
	StepDefaults map[string][]string
}

// Registry — неизменяемый реестр фасилитаторов.
type Registry struct {
	byType       map[string]Facilitator
	stepDefaults map[string][]string
}

// NewRegistry создаёт реестр. Ссылки на неизвестные типы в StepDefaults — ошибка.
func NewRegistry(cfg Config) (*Registry, error) {
	facilitators := cfg.Facilitators
	if facilitators == nil {
		facilitators = Builtins()
	}

	r := &Registry{
		byType:       make(map[string]Facilitator, len(facilitators)),
		stepDefaults: make(map[string][]string, len(cfg.StepDefaults)),
	}

	for _, f := range facilitators {
		r.byType[f.Type()] = f
	}

	for stepType, types := range cfg.StepDefaults {
		for _, t := range types {
			if _, ok := r.byType[t]; !ok {
				return nil, fmt.Errorf("%w: %s (default for %s)", ErrUnknownFacilitator, t, stepType)
			}
		}
		r.stepDefaults[stepType] = append([]string(nil), types...)
	}

	return r, nil
}

// Facilitate возвращает решение для узла.
func (r *Registry) Facilitate(ctx context.Context, amb domain.Ambiance, node *domain.PlanNode, params map[string]any) (domain.FacilitationDecision, error) {
	candidates := r.candidates(node)
	if len(candidates) == 0 {
		return domain.FacilitationDecision{}, fmt.Errorf("%w: step type %s has no facilitators", ErrNoFacilitator, node.StepType)
	}

	reasons := make([]string, 0, len(candidates))

	for _, t := range candidates {
		f, ok := r.byType[t]
		if !ok {
			return domain.FacilitationDecision{}, fmt.Errorf("%w: %s", ErrUnknownFacilitator, t)
		}

		decision, err := f.Facilitate(ctx, amb, node, params)
		if err != nil {
			return domain.FacilitationDecision{}, fmt.Errorf("facilitator %s: %w", t, err)
		}
		if decision.IsSuccessful {
			return decision, nil
		}
		if decision.FallbackAbortReason != "" {
			reasons = append(reasons, t+": "+decision.FallbackAbortReason)
		}
	}

	return domain.FacilitationDecision{}, fmt.Errorf("%w: node %s: %s", ErrNoFacilitator, node.ID, strings.Join(reasons, "; "))
}

// candidates возвращает типы фасилитаторов в порядке приоритета без повторов.
func (r *Registry) candidates(node *domain.PlanNode) []string {
	result := make([]string, 0, 3)
	seen := make(map[string]bool)

	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			result = append(result, t)
		}
	}

	add(node.FacilitatorType)
	for _, t := range r.stepDefaults[node.StepType] {
		add(t)
	}

	return result
}

// Has проверяет, зарегистрирован ли фасилитатор.
func (r *Registry) Has(facilitatorType string) bool {
	_, ok := r.byType[facilitatorType]
	return ok
}

// Types возвращает зарегистрированные типы.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
