package steps

import (
	"context"
	"fmt"

	"github.com/shaiso/Pipeliner/internal/domain"
)

const (
	// StepTypeTask — произвольная задача делегата.
	StepTypeTask = "task"

	// StepTypeTaskChain — последовательность задач делегата (ASYNC_CHAIN).
	StepTypeTaskChain = "task_chain"

	configTaskType   = "task_type"
	configTaskParams = "parameters"
	configFormat     = "format"
	configTimeout    = "timeout"
	configTasks      = "tasks"
)

// DelegateTaskStep — шаг, целиком выполняемый делегатом.
//
// Параметры:
//
//	{
//	    "task_type": "echo",
//	    "parameters": {"message": "hello"},
//	    "format": "cbor",   // опционально
//	    "timeout": "10m"    // опционально
//	}
type DelegateTaskStep struct{}

// NewTaskStep создаёт DelegateTaskStep.
func NewTaskStep() *DelegateTaskStep {
	return &DelegateTaskStep{}
}

// Type возвращает тип шага.
func (s *DelegateTaskStep) Type() string {
	return StepTypeTask
}

// ObtainTasks строит одну задачу из параметров.
func (s *DelegateTaskStep) ObtainTasks(_ context.Context, in *Input) ([]TaskSpec, error) {
	spec, err := parseTaskSpec(in.Parameters)
	if err != nil {
		return nil, err
	}
	return []TaskSpec{spec}, nil
}

// HandleTaskResults переводит ответ делегата в исход.
func (s *DelegateTaskStep) HandleTaskResults(_ context.Context, _ *Input, responses map[string]domain.ResponseData) (*Result, error) {
	return taskResult(responses), nil
}

func parseTaskSpec(config map[string]any) (TaskSpec, error) {
	taskType := GetConfigString(config, configTaskType)
	if taskType == "" {
		return TaskSpec{}, fmt.Errorf("%w: task_type is required", ErrInvalidConfig)
	}

	timeout, err := GetConfigDuration(config, configTimeout)
	if err != nil {
		return TaskSpec{}, err
	}

	return TaskSpec{
		Type:       taskType,
		Parameters: GetConfigMap(config, configTaskParams),
		Format:     GetConfigString(config, configFormat),
		Timeout:    timeout,
	}, nil
}

// TaskChainStep — цепочка задач: следующая запускается после успеха предыдущей.
//
// Параметры:
//
//	{
//	    "initialWait": "30s",
//	    "tasks": [
//	        {"task_type": "http", "parameters": {...}},
//	        {"task_type": "echo", "parameters": {...}}
//	    ]
//	}
//
// Outcomes: outcomes последней задачи и "links" — число выполненных звеньев.
type TaskChainStep struct{}

// NewTaskChainStep создаёт TaskChainStep.
func NewTaskChainStep() *TaskChainStep {
	return &TaskChainStep{}
}

// Type возвращает тип шага.
func (s *TaskChainStep) Type() string {
	return StepTypeTaskChain
}

// StartLink запускает звено index, если предыдущее звено успешно.
func (s *TaskChainStep) StartLink(_ context.Context, in *Input, index int, previous map[string]domain.ResponseData) (*ChainLink, error) {
	specs, err := s.parseTasks(in.Parameters)
	if err != nil {
		return nil, err
	}

	if previous != nil {
		if r := taskResult(previous); r.Status != domain.NodeStatusSucceeded {
			return &ChainLink{Result: r}, nil
		}
	}

	if index >= len(specs) {
		return nil, fmt.Errorf("%w: chain link %d out of range", ErrInvalidConfig, index)
	}

	return &ChainLink{
		Tasks: []TaskSpec{specs[index]},
		End:   index == len(specs)-1,
	}, nil
}

// FinalizeChain разбирает ответ последнего звена.
func (s *TaskChainStep) FinalizeChain(_ context.Context, in *Input, last map[string]domain.ResponseData) (*Result, error) {
	r := taskResult(last)
	if r.Status == domain.NodeStatusSucceeded {
		specs, _ := s.parseTasks(in.Parameters)
		r.Outcomes["links"] = len(specs)
	}
	return r, nil
}

func (s *TaskChainStep) parseTasks(config map[string]any) ([]TaskSpec, error) {
	raw, ok := config[configTasks].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s: tasks list is required", ErrInvalidConfig, StepTypeTaskChain)
	}

	specs := make([]TaskSpec, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s: tasks[%d] must be an object", ErrInvalidConfig, StepTypeTaskChain, i)
		}
		spec, err := parseTaskSpec(m)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
