package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// ParseLevel разбирает уровень логирования: DEBUG, INFO, WARN, ERROR
// (без учёта регистра). Неизвестное значение — INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger создаёт логгер. format "text" — человекочитаемый вывод,
// всё остальное — JSON. На DEBUG в записи добавляется source.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// SetupLogger инициализирует глобальный логгер по LOG_LEVEL и LOG_FORMAT.
func SetupLogger() *slog.Logger {
	logger := NewLogger(os.Stdout, ParseLevel(os.Getenv("LOG_LEVEL")), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)
	return logger
}

// WithPlanExecutionID возвращает логгер с добавленным plan_execution_id.
func WithPlanExecutionID(logger *slog.Logger, planExecutionID string) *slog.Logger {
	return logger.With("plan_execution_id", planExecutionID)
}

// WithRuntimeID возвращает логгер с добавленным runtime_id.
func WithRuntimeID(logger *slog.Logger, runtimeID string) *slog.Logger {
	return logger.With("runtime_id", runtimeID)
}

// WithNode привязывает логгер к выполнению узла.
func WithNode(logger *slog.Logger, n *domain.NodeExecution) *slog.Logger {
	return logger.With(
		"plan_execution_id", n.PlanExecutionID,
		"runtime_id", n.RuntimeID,
		"identifier", n.Identifier,
	)
}

// WithTaskID возвращает логгер с добавленным task_id.
func WithTaskID(logger *slog.Logger, taskID string) *slog.Logger {
	return logger.With("task_id", taskID)
}

// WithDelegateID возвращает логгер с добавленным delegate_id.
func WithDelegateID(logger *slog.Logger, delegateID string) *slog.Logger {
	return logger.With("delegate_id", delegateID)
}
