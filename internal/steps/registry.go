package steps

import (
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"

	"github.com/shaiso/Pipeliner/internal/facilitator"
)

// Registry сопоставляет step_type реализации и фасилитаторам, которые
// пробуются для узла без явного списка.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

type registration struct {
	step         Step
	facilitators []string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Deps — зависимости встроенных шагов.
type Deps struct {
	// Constraints — менеджер ресурсов для resource_constraint. Nil — шаг не регистрируется.
	Constraints ConstraintManager

	// HTTPClient — клиент для inline http. Nil — клиент по умолчанию.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// DefaultRegistry создаёт реестр со всеми встроенными шагами.
func DefaultRegistry(deps Deps) *Registry {
	r := NewRegistry()

	r.Register(NewHTTPStep(deps.HTTPClient), facilitator.TypeConditionalTask, facilitator.TypeSync)
	r.Register(NewTransformStep(), facilitator.TypeSync)
	r.Register(NewDelayStep(), facilitator.TypeAsync)
	r.Register(NewCallbackStep(), facilitator.TypeAsync)
	r.Register(NewTaskStep(), facilitator.TypeTask)
	r.Register(NewTaskChainStep(), facilitator.TypeAsyncChain)
	r.Register(NewParallelStep(), facilitator.TypeChildren)
	r.Register(NewStageStep(), facilitator.TypeChild)

	if deps.Constraints != nil {
		r.Register(NewResourceConstraintStep(deps.Constraints, deps.Logger), facilitator.TypeAsync)
	}

	return r
}

// Register добавляет или заменяет тип шага.
func (r *Registry) Register(step Step, facilitators ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[step.Type()] = registration{step: step, facilitators: slices.Clone(facilitators)}
}

// Get возвращает шаг по типу.
func (r *Registry) Get(stepType string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepType)
	}
	return e.step, nil
}

func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[stepType]
	return ok
}

// Types возвращает зарегистрированные типы по алфавиту.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// StepDefaults возвращает фасилитаторы по умолчанию для facilitator.Config.
func (r *Registry) StepDefaults() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.entries))
	for t, e := range r.entries {
		out[t] = slices.Clone(e.facilitators)
	}
	return out
}
