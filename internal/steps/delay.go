package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// StepTypeDelay — асинхронная пауза.
const StepTypeDelay = "delay"

const (
	configDuration    = "duration"
	configDurationSec = "duration_sec"
	configDurationMs  = "duration_ms"
)

// DelayStep ждёт заданное время, не занимая горутину: регистрирует
// ожидание с таймаутом, и истечение таймаута (ErrorResponse TIMEOUT)
// завершает шаг успехом.
//
// Длительность: "duration" ("90s" или число секунд), "duration_sec"
// или "duration_ms".
type DelayStep struct{}

func NewDelayStep() *DelayStep {
	return &DelayStep{}
}

func (s *DelayStep) Type() string {
	return StepTypeDelay
}

// ExecuteAsync регистрирует ожидание таймера.
func (s *DelayStep) ExecuteAsync(_ context.Context, in *Input) (*AsyncResponse, error) {
	d, err := delayDuration(in.Parameters)
	if err != nil {
		return nil, err
	}

	return &AsyncResponse{
		CallbackIDs: []string{"timer-" + uuid.NewString()},
		Timeout:     d,
		Outcomes:    map[string]any{"duration_ms": d.Milliseconds()},
	}, nil
}

// HandleAsyncResponse: TIMEOUT — штатное завершение, любая другая
// ошибка (например, отмена) — её исход.
func (s *DelayStep) HandleAsyncResponse(_ context.Context, in *Input, responses map[string]domain.ResponseData) (*Result, error) {
	for _, resp := range responses {
		if e, ok := resp.(domain.ErrorResponse); ok && e.Type != domain.FailureTimeout {
			return ErrorResult(e), nil
		}
	}

	d, _ := delayDuration(in.Parameters)
	return Succeeded(map[string]any{"duration_ms": d.Milliseconds()}), nil
}

func delayDuration(params map[string]any) (time.Duration, error) {
	d, err := GetConfigDuration(params, configDuration)
	switch {
	case err != nil:
		return 0, err
	case d > 0:
		return d, nil
	}

	if sec := GetConfigInt(params, configDurationSec); sec > 0 {
		return time.Duration(sec) * time.Second, nil
	}
	if ms := GetConfigInt(params, configDurationMs); ms > 0 {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("%w: %s: duration, duration_sec or duration_ms required", ErrInvalidConfig, StepTypeDelay)
}
