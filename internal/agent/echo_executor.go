package agent

import "context"

// EchoExecutor — задача типа "echo": возвращает message и, если задан fail,
// завершает задачу логической ошибкой. Используется для проверки связи
// с делегатом без побочных эффектов.
type EchoExecutor struct{}

// Execute возвращает message.
func (e *EchoExecutor) Execute(_ context.Context, params map[string]any) (*Result, error) {
	msg := getString(params, "message", "")
	if reason := getString(params, "fail", ""); reason != "" {
		return &Result{Data: map[string]any{"message": msg}, Error: reason}, nil
	}
	return &Result{Data: map[string]any{"message": msg}}, nil
}
