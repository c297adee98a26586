package steps

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// StepTypeCallback — ожидание внешнего вызова POST /callbacks/{id}.
const StepTypeCallback = "callback"

// CallbackStep ждёт ответа внешней системы.
//
// Callback id виден в executable_response узла. Данные ответа
// становятся outcomes узла.
//
// Параметры:
//
//	{
//	    "timeout": "1h"   // опционально; по истечении узел EXPIRED
//	}
type CallbackStep struct{}

// NewCallbackStep создаёт CallbackStep.
func NewCallbackStep() *CallbackStep {
	return &CallbackStep{}
}

// Type возвращает тип шага.
func (s *CallbackStep) Type() string {
	return StepTypeCallback
}

// ExecuteAsync выделяет callback id.
func (s *CallbackStep) ExecuteAsync(_ context.Context, in *Input) (*AsyncResponse, error) {
	timeout, err := GetConfigDuration(in.Parameters, configTimeout)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	return &AsyncResponse{
		CallbackIDs: []string{id},
		Timeout:     timeout,
		Outcomes:    map[string]any{"callback_id": id},
	}, nil
}

// HandleAsyncResponse переносит данные ответа в outcomes.
func (s *CallbackStep) HandleAsyncResponse(_ context.Context, _ *Input, responses map[string]domain.ResponseData) (*Result, error) {
	if r := CheckErrors(responses); r != nil {
		return r, nil
	}

	outcomes := make(map[string]any)
	for _, resp := range responses {
		if cb, ok := resp.(domain.CallbackResponse); ok {
			for k, v := range cb.Data {
				outcomes[k] = v
			}
		}
	}
	return Succeeded(outcomes), nil
}
