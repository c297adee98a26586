package agent

import (
	"context"
	"fmt"
	"time"
)

// DelayExecutor — задача "delay": ждёт duration ("1m30s") или
// duration_sec секунд. Без параметров ждёт секунду.
type DelayExecutor struct{}

func (e *DelayExecutor) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	wait := getSeconds(params, "duration_sec", time.Second)
	if s := getString(params, "duration", ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return &Result{Error: fmt.Sprintf("invalid duration %q", s)}, nil
		}
		wait = d
	}

	started := time.Now()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}

	return &Result{Data: map[string]any{
		"delayed_sec": wait.Seconds(),
		"started_at":  started.UTC().Format(time.RFC3339Nano),
	}}, nil
}
