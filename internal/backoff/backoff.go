// Package backoff повторяет транзиентные операции с ограниченным числом попыток.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// ErrExhausted — все попытки исчерпаны.
var ErrExhausted = errors.New("retry attempts exhausted")

// permanentError помечает ошибку, которую не нужно повторять.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent оборачивает ошибку, чтобы Retry вернул её сразу.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// DefaultPolicy — политика по умолчанию для инфраструктурных повторов.
var DefaultPolicy = &domain.RetryPolicy{
	MaxAttempts:    5,
	Backoff:        "exponential",
	InitialDelayMs: 200,
	MaxDelayMs:     5000,
}

// Retry вызывает fn, пока она не вернёт nil, Permanent-ошибку
// или не исчерпает policy.MaxAttempts.
func Retry(ctx context.Context, policy *domain.RetryPolicy, fn func(ctx context.Context) error) error {
	if policy == nil {
		policy = DefaultPolicy
	}

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts(); attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt == policy.Attempts() {
			break
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}
