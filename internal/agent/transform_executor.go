package agent

import "context"

// TransformExecutor — задача типа "transform".
//
// Выражения в параметрах уже подставлены движком при отправке задачи,
// поэтому результат — сами параметры. Ключ "output", если есть,
// становится единственным результатом.
type TransformExecutor struct{}

// Execute возвращает параметры как результат.
func (e *TransformExecutor) Execute(_ context.Context, params map[string]any) (*Result, error) {
	if out, ok := params["output"].(map[string]any); ok {
		return &Result{Data: out}, nil
	}
	if params == nil {
		params = make(map[string]any)
	}
	return &Result{Data: params}, nil
}
