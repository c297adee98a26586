package waitnotify

import "errors"

var (
	// ErrNoCorrelationIDs — ожидание без correlation id.
	ErrNoCorrelationIDs = errors.New("wait requires at least one correlation id")

	// ErrNoResumer — корреллятор не связан с движком.
	ErrNoResumer = errors.New("resumer is not configured")

	// ErrUnknownResponseKind — неизвестный тип сохранённого ответа.
	ErrUnknownResponseKind = errors.New("unknown response kind")

	// ErrDispatchFailed — задачу не удалось поставить в очередь.
	ErrDispatchFailed = errors.New("task dispatch failed")
)
