package facilitator

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// Типы встроенных фасилитаторов.
const (
	TypeSync            = "SYNC"
	TypeAsync           = "ASYNC"
	TypeTask            = "TASK"
	TypeAsyncChain      = "ASYNC_CHAIN"
	TypeChild           = "CHILD"
	TypeChildren        = "CHILDREN"
	TypeConditionalTask = "CONDITIONAL_TASK"
)

// Ключи параметров, которые читают фасилитаторы.
const (
	ParamInitialWait = "initialWait"
	ParamInline      = "inline"
)

// Builtins возвращает все встроенные фасилитаторы.
func Builtins() []Facilitator {
	return []Facilitator{
		modeFacilitator{typ: TypeSync, mode: domain.ModeSync},
		modeFacilitator{typ: TypeAsync, mode: domain.ModeAsync},
		modeFacilitator{typ: TypeTask, mode: domain.ModeTask},
		modeFacilitator{typ: TypeChild, mode: domain.ModeChild},
		modeFacilitator{typ: TypeChildren, mode: domain.ModeChildren},
		asyncChainFacilitator{},
		conditionalTaskFacilitator{},
	}
}

// modeFacilitator всегда выбирает один режим.
type modeFacilitator struct {
	typ  string
	mode domain.ExecutionMode
}

func (f modeFacilitator) Type() string { return f.typ }

func (f modeFacilitator) Facilitate(_ context.Context, _ domain.Ambiance, node *domain.PlanNode, _ map[string]any) (domain.FacilitationDecision, error) {
	if (f.mode == domain.ModeChild || f.mode == domain.ModeChildren) && len(node.Children) == 0 {
		return domain.Declined("node has no children"), nil
	}
	if f.mode == domain.ModeChild && len(node.Children) > 1 {
		return domain.Declined("CHILD expects exactly one child"), nil
	}
	return domain.FacilitationDecision{Mode: f.mode, IsSuccessful: true}, nil
}

// asyncChainFacilitator выбирает ASYNC_CHAIN с начальной задержкой из параметров.
type asyncChainFacilitator struct{}

func (asyncChainFacilitator) Type() string { return TypeAsyncChain }

func (asyncChainFacilitator) Facilitate(_ context.Context, _ domain.Ambiance, _ *domain.PlanNode, params map[string]any) (domain.FacilitationDecision, error) {
	wait, err := ParseDuration(params[ParamInitialWait])
	if err != nil {
		return domain.FacilitationDecision{}, err
	}
	return domain.FacilitationDecision{
		Mode:         domain.ModeAsyncChain,
		InitialWait:  wait,
		IsSuccessful: true,
	}, nil
}

// conditionalTaskFacilitator выбирает TASK, но отказывается при inline: true,
// чтобы победил следующий кандидат (обычно SYNC).
type conditionalTaskFacilitator struct{}

func (conditionalTaskFacilitator) Type() string { return TypeConditionalTask }

func (conditionalTaskFacilitator) Facilitate(_ context.Context, _ domain.Ambiance, _ *domain.PlanNode, params map[string]any) (domain.FacilitationDecision, error) {
	if inline, _ := params[ParamInline].(bool); inline {
		return domain.Declined("inline execution requested"), nil
	}
	return domain.FacilitationDecision{Mode: domain.ModeTask, IsSuccessful: true}, nil
}

// ParseDuration разбирает длительность из параметра.
//
// Принимает строку в формате time.ParseDuration ("30s", "1m")
// или число секунд. Nil — нулевая длительность.
func ParseDuration(v any) (time.Duration, error) {
	var d time.Duration

	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		if val == "" {
			return 0, nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidParameter, ParamInitialWait, err)
		}
		d = parsed
	case int:
		d = time.Duration(val) * time.Second
	case int64:
		d = time.Duration(val) * time.Second
	case uint64:
		d = time.Duration(val) * time.Second
	case float64:
		d = time.Duration(val * float64(time.Second))
	default:
		return 0, fmt.Errorf("%w: %s: unsupported type %T", ErrInvalidParameter, ParamInitialWait, v)
	}

	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidParameter, ParamInitialWait)
	}
	return d, nil
}
