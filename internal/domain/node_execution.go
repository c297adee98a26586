package domain

import (
	"time"
)

// NodeExecution — одна попытка выполнения узла плана.
//
// Создаётся движком при инициации узла. Изменяется только движком
// через условное обновление статуса (status + version), поэтому
// параллельные resume одного runtimeID не теряют изменения.
// Связи parent/previous хранятся как id, а не указатели.
type NodeExecution struct {
	// RuntimeID — уникален для каждой попытки.
	RuntimeID string `json:"runtime_id"`

	// PlanExecutionID — выполнение плана, которому принадлежит узел.
	PlanExecutionID string `json:"plan_execution_id"`

	// SetupID — ссылка на PlanNode.
	SetupID string `json:"setup_id"`

	// Identifier — копия PlanNode.Identifier.
	Identifier string `json:"identifier"`

	// StepType — копия PlanNode.StepType.
	StepType string `json:"step_type"`

	// Group — копия PlanNode.Group.
	Group NodeGroup `json:"group"`

	// Status — текущий статус.
	Status NodeStatus `json:"status"`

	// Mode — режим, выбранный фасилитатором.
	Mode ExecutionMode `json:"mode,omitempty"`

	// Ambiance — путь от корня плана до узла.
	Ambiance Ambiance `json:"ambiance"`

	// ParentRuntimeID — узел-родитель (CHILD/CHILDREN).
	ParentRuntimeID string `json:"parent_runtime_id,omitempty"`

	// PreviousRuntimeID — предыдущий узел цепочки.
	PreviousRuntimeID string `json:"previous_runtime_id,omitempty"`

	// NotifyID — correlation id, по которому родитель ждёт завершения ветки.
	NotifyID string `json:"notify_id,omitempty"`

	// RetryIndex — номер повтора (0 — первая попытка).
	RetryIndex int `json:"retry_index"`

	// RetryIDs — runtime id предыдущих попыток.
	RetryIDs []string `json:"retry_ids,omitempty"`

	// OldRetry — попытка заменена новой.
	OldRetry bool `json:"old_retry,omitempty"`

	// ResolvedParameters — параметры шага после подстановки выражений.
	ResolvedParameters map[string]any `json:"resolved_parameters,omitempty"`

	// Outcomes — именованные результаты, видимые другим узлам.
	Outcomes map[string]any `json:"outcomes,omitempty"`

	// FailureInfo — описание неудачи.
	FailureInfo *FailureInfo `json:"failure_info,omitempty"`

	// FailureIgnored — неудача проигнорирована политикой IGNORE_FAILURE.
	FailureIgnored bool `json:"failure_ignored,omitempty"`

	// ExecutableResponse — что было запущено и чего ждём.
	ExecutableResponse *ExecutableResponse `json:"executable_response,omitempty"`

	// Deadline — время, после которого watchdog завершает узел по таймауту.
	Deadline *time.Time `json:"deadline,omitempty"`

	StartTs       *time.Time `json:"start_ts,omitempty"`
	EndTs         *time.Time `json:"end_ts,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`

	// Version — версия записи для условных обновлений.
	Version int64 `json:"version"`
}

// EffectiveStatus возвращает статус с учётом проигнорированной неудачи.
func (n *NodeExecution) EffectiveStatus() NodeStatus {
	if n.FailureIgnored && n.Status.IsFailure() {
		return NodeStatusSucceeded
	}
	return n.Status
}

// IsFinished возвращает true, если попытка завершена.
func (n *NodeExecution) IsFinished() bool {
	return n.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
func (n *NodeExecution) Duration() time.Duration {
	if n.StartTs == nil || n.EndTs == nil {
		return 0
	}
	return n.EndTs.Sub(*n.StartTs)
}

// FailureType — категория неудачи.
type FailureType string

const (
	FailureApplication   FailureType = "APPLICATION"
	FailureConfiguration FailureType = "CONFIGURATION"
	FailureInfra         FailureType = "INFRASTRUCTURE"
	FailureTimeout       FailureType = "TIMEOUT"
	FailureExpired       FailureType = "EXPIRED"
	FailureAborted       FailureType = "ABORTED"
)

// FailureInfo — описание неудачи узла.
type FailureInfo struct {
	Type    FailureType `json:"type"`
	Message string      `json:"message"`
}

// ExecutableResponse — tagged union по режиму выполнения.
//
// Для каждого режима заполняются только относящиеся к нему поля.
type ExecutableResponse struct {
	// Mode — дискриминатор.
	Mode ExecutionMode `json:"mode"`

	// CallbackIDs — correlation id, которых ждёт узел (ASYNC, ASYNC_CHAIN, timer).
	CallbackIDs []string `json:"callback_ids,omitempty"`

	// TaskIDs — задачи делегатов (TASK).
	TaskIDs []string `json:"task_ids,omitempty"`

	// Children — дочерние ветки (CHILD, CHILDREN).
	Children []ChildExecution `json:"children,omitempty"`

	// ChainIndex — номер звена цепочки (ASYNC_CHAIN).
	ChainIndex int `json:"chain_index,omitempty"`

	// ChainEnd — текущее звено последнее.
	ChainEnd bool `json:"chain_end,omitempty"`

	// PendingDispatch — решение ждёт истечения InitialWait.
	PendingDispatch bool `json:"pending_dispatch,omitempty"`
}

// ChildExecution — запущенная дочерняя ветка.
type ChildExecution struct {
	RuntimeID string `json:"runtime_id"`
	SetupID   string `json:"setup_id"`
	Optional  bool   `json:"optional,omitempty"`
}

// AllCorrelationIDs возвращает все id, которых ждёт узел.
func (r *ExecutableResponse) AllCorrelationIDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.CallbackIDs)+len(r.TaskIDs)+len(r.Children))
	ids = append(ids, r.CallbackIDs...)
	ids = append(ids, r.TaskIDs...)
	for _, c := range r.Children {
		ids = append(ids, c.RuntimeID)
	}
	return ids
}
