package agent

import "errors"

// Ошибки агента.
var (
	// ErrUnknownTaskType — нет executor'а для типа задачи.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrHTTPRequest — HTTP-запрос задачи завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrInvalidParameters — параметры задачи не декодируются.
	ErrInvalidParameters = errors.New("invalid task parameters")

	// ErrMissingDelegateID — агент запущен без id делегата.
	ErrMissingDelegateID = errors.New("delegate id is required")
)
