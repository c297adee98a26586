package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/engine"
)

// Ошибки шагов.
var (
	// ErrStepNotFound — тип шага не найден в реестре.
	ErrStepNotFound = errors.New("step type not found")

	// ErrInvalidConfig — невалидные параметры шага.
	ErrInvalidConfig = errors.New("invalid step config")

	// ErrModeNotSupported — шаг не умеет выполняться в выбранном режиме.
	ErrModeNotSupported = errors.New("execution mode not supported by step")

	// ErrStepCancelled — выполнение шага отменено.
	ErrStepCancelled = errors.New("step execution cancelled")
)

// Step — базовый интерфейс типа шага.
//
// Конкретные режимы выполнения описываются отдельными интерфейсами:
// SyncStep, AsyncStep, TaskStep, ChainStep, ChildrenStep. Один тип
// может реализовывать несколько режимов (http — SYNC и TASK).
type Step interface {
	Type() string
}

// Input — входные данные шага.
type Input struct {
	// Ambiance — путь от корня плана до узла.
	Ambiance domain.Ambiance

	// Node — узел плана.
	Node *domain.PlanNode

	// RuntimeID — текущая попытка узла.
	RuntimeID string

	// Parameters — параметры после подстановки выражений.
	Parameters map[string]any

	// Template — контекст выражений (inputs и outcomes завершённых узлов).
	Template *engine.Context
}

// Result — исход шага.
type Result struct {
	Status      domain.NodeStatus
	Outcomes    map[string]any
	FailureInfo *domain.FailureInfo
}

// Succeeded возвращает успешный исход.
func Succeeded(outcomes map[string]any) *Result {
	if outcomes == nil {
		outcomes = make(map[string]any)
	}
	return &Result{Status: domain.NodeStatusSucceeded, Outcomes: outcomes}
}

// Failed возвращает неудачный исход.
func Failed(failureType domain.FailureType, message string) *Result {
	return &Result{
		Status:      domain.NodeStatusFailed,
		Outcomes:    make(map[string]any),
		FailureInfo: &domain.FailureInfo{Type: failureType, Message: message},
	}
}

// ErrorResult переводит синтетическую ошибку в исход:
// TIMEOUT и EXPIRED — EXPIRED, ABORTED — ABORTED, остальное — FAILED.
func ErrorResult(e domain.ErrorResponse) *Result {
	r := Failed(e.Type, e.Message)
	switch e.Type {
	case domain.FailureTimeout, domain.FailureExpired:
		r.Status = domain.NodeStatusExpired
	case domain.FailureAborted:
		r.Status = domain.NodeStatusAborted
	}
	return r
}

// CheckErrors возвращает исход первой синтетической ошибки среди ответов или nil.
func CheckErrors(responses map[string]domain.ResponseData) *Result {
	for _, resp := range responses {
		if e, ok := resp.(domain.ErrorResponse); ok {
			return ErrorResult(e)
		}
	}
	return nil
}

// SyncStep выполняется внутри инициации узла.
type SyncStep interface {
	Step
	Execute(ctx context.Context, in *Input) (*Result, error)
}

// AsyncResponse — что запущено асинхронным шагом.
type AsyncResponse struct {
	// CallbackIDs — correlation id, которых ждёт узел. Пусто — шаг завершён сразу.
	CallbackIDs []string

	// Timeout — срок ожидания; 0 — без срока.
	Timeout time.Duration

	// Outcomes — промежуточные результаты, видимые до завершения.
	Outcomes map[string]any
}

// AsyncStep запускает работу и ждёт ответов по callback id.
type AsyncStep interface {
	Step
	ExecuteAsync(ctx context.Context, in *Input) (*AsyncResponse, error)

	// HandleAsyncResponse вызывается, когда пришли ответы на все callback id
	// (или сразу с nil, если callback id не было).
	HandleAsyncResponse(ctx context.Context, in *Input, responses map[string]domain.ResponseData) (*Result, error)
}

// Aborter освобождает то, что шаг занял, при отмене ждущего узла.
type Aborter interface {
	Abort(ctx context.Context, in *Input, resp *domain.ExecutableResponse) error
}

// TaskSpec — задача для делегата.
type TaskSpec struct {
	Type       string
	Parameters map[string]any

	// Format — формат сериализации параметров (json, cbor). Пусто — json.
	Format string

	Timeout time.Duration
}

// TaskStep отправляет работу делегатам.
type TaskStep interface {
	Step
	ObtainTasks(ctx context.Context, in *Input) ([]TaskSpec, error)

	// HandleTaskResults получает ответы по id задач. Данные, вынесенные
	// в хранилище больших результатов, уже подставлены в TaskResponse.Data.
	HandleTaskResults(ctx context.Context, in *Input, responses map[string]domain.ResponseData) (*Result, error)
}

// ChainLink — звено асинхронной цепочки.
type ChainLink struct {
	Tasks []TaskSpec

	// End — звено последнее.
	End bool

	// Result — досрочное завершение цепочки без запуска звена.
	Result *Result
}

// ChainStep выполняется последовательностью задач, каждая следующая
// запускается по ответам предыдущей.
type ChainStep interface {
	Step

	// StartLink запускает звено index. previous — ответы предыдущего звена (nil для первого).
	StartLink(ctx context.Context, in *Input, index int, previous map[string]domain.ResponseData) (*ChainLink, error)

	// FinalizeChain получает ответы последнего звена.
	FinalizeChain(ctx context.Context, in *Input, last map[string]domain.ResponseData) (*Result, error)
}

// ChildrenStep запускает дочерние ветки узла (CHILD, CHILDREN).
//
// Статус родителя вычисляет движок по правилу join, шаг только
// собирает outcomes веток.
type ChildrenStep interface {
	Step
	AggregateOutcomes(children []domain.StepNotify) map[string]any
}

// GetConfigString извлекает строковое значение из параметров.
func GetConfigString(config map[string]any, key string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetConfigInt извлекает числовое значение из параметров.
func GetConfigInt(config map[string]any, key string) int {
	if v, ok := config[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case uint64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

// GetConfigMap извлекает map из параметров.
func GetConfigMap(config map[string]any, key string) map[string]any {
	if v, ok := config[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// GetConfigDuration извлекает длительность: строка "30s" или число секунд.
func GetConfigDuration(config map[string]any, key string) (time.Duration, error) {
	switch v := config[key].(type) {
	case nil:
		return 0, nil
	case string:
		if v == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		return d, nil
	default:
		return time.Duration(GetConfigInt(config, key)) * time.Second, nil
	}
}
