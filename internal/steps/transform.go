package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shaiso/Pipeliner/internal/engine"
)

// StepTypeTransform — шаг, собирающий outcomes из выражений.
const StepTypeTransform = "transform"

const configMappings = "mappings"

// TransformStep вычисляет mappings и отдаёт их как outcomes.
//
// Параметры движок уже подставил; строки, в которых после этого
// остались выражения, рендерятся повторно. Строка-литерал JSON
// ("true", "42", "[1,2]") становится значением.
//
//	{"mappings": {"total": "{{ len .Nodes.fetch.Outcomes.items }}", "ready": "true"}}
type TransformStep struct{}

func NewTransformStep() *TransformStep {
	return &TransformStep{}
}

func (s *TransformStep) Type() string {
	return StepTypeTransform
}

// Execute выполняет трансформацию.
func (s *TransformStep) Execute(ctx context.Context, in *Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStepCancelled, err)
	}

	mappings := GetConfigMap(in.Parameters, configMappings)
	if len(mappings) == 0 {
		return Succeeded(nil), nil
	}

	tc := in.Template
	if tc == nil {
		tc = engine.NewContext(nil)
	}

	rendered, err := engine.RenderValue(mappings, tc)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}

	outcomes := rendered.(map[string]any)
	for key, val := range outcomes {
		if str, ok := val.(string); ok {
			outcomes[key] = literal(str)
		}
	}
	return Succeeded(outcomes), nil
}

func literal(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	if _, quoted := v.(string); quoted {
		return s
	}
	return v
}
