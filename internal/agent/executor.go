package agent

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Executor выполняет задачу конкретного типа.
//
// params — декодированные параметры задачи. ctx ограничен сроком задачи.
type Executor interface {
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result — результат выполнения.
type Result struct {
	// Data — выходные данные; сервер сохраняет их как ответ задачи.
	Data map[string]any

	// Error — логическая ошибка выполнения (задача FAILED).
	// Инфраструктурные ошибки возвращаются через error в Execute.
	Error string
}

// Registry — реестр executor'ов по типу задачи.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry создаёт реестр с executor'ами http, delay, transform и echo.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register("http", &HTTPExecutor{})
	r.Register("delay", &DelayExecutor{})
	r.Register("transform", &TransformExecutor{})
	r.Register("echo", &EchoExecutor{})
	return r
}

// Register добавляет executor для типа задачи.
func (r *Registry) Register(taskType string, executor Executor) {
	r.executors[taskType] = executor
}

// Get возвращает executor для типа задачи.
func (r *Registry) Get(taskType string) (Executor, error) {
	executor, ok := r.executors[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return executor, nil
}

// Types возвращает зарегистрированные типы по алфавиту.
func (r *Registry) Types() []string {
	return slices.Sorted(maps.Keys(r.executors))
}

// getString извлекает строку из map с default значением.
func getString(m map[string]any, key, defaultVal string) string {
	if val, ok := m[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultVal
}

// getNumber извлекает число. Параметры из CBOR приходят как uint64/int64.
func getNumber(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// getSeconds извлекает длительность в секундах.
func getSeconds(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	if v, ok := getNumber(m, key); ok && v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return defaultVal
}
