package domain

import (
	"time"
)

// PlanExecution — экземпляр выполнения плана.
//
// Статус использует подмножество NodeStatus: RUNNING, PAUSED и финальные.
// PAUSED — флаг удержания: новые узлы не запускаются, пока план не возобновлён.
type PlanExecution struct {
	// ID — уникальный идентификатор выполнения.
	ID string `json:"id"`

	// PlanID — выполняемый план.
	PlanID string `json:"plan_id"`

	// AccountID — владелец (используется для маршрутизации задач делегатам).
	AccountID string `json:"account_id,omitempty"`

	// Status — текущий статус.
	Status NodeStatus `json:"status"`

	// Inputs — входные параметры, доступные выражениям как .Inputs.
	Inputs map[string]any `json:"inputs,omitempty"`

	// StartTs — время запуска.
	StartTs time.Time `json:"start_ts"`

	// EndTs — время завершения. Nil, пока план выполняется.
	EndTs *time.Time `json:"end_ts,omitempty"`

	// Version — версия записи для условных обновлений.
	Version int64 `json:"version"`
}

// IsFinished возвращает true, если выполнение плана завершено.
func (p *PlanExecution) IsFinished() bool {
	return p.Status.IsTerminal()
}

// IsHeld возвращает true, если план на паузе.
func (p *PlanExecution) IsHeld() bool {
	return p.Status == NodeStatusPaused
}

// Duration возвращает продолжительность выполнения.
func (p *PlanExecution) Duration() time.Duration {
	if p.EndTs == nil {
		return time.Since(p.StartTs)
	}
	return p.EndTs.Sub(p.StartTs)
}

// PlanFinalStatus переводит статус завершившего план узла в статус плана.
func PlanFinalStatus(nodeStatus NodeStatus) NodeStatus {
	switch nodeStatus {
	case NodeStatusSucceeded, NodeStatusSkipped:
		return NodeStatusSucceeded
	case NodeStatusSuspended:
		return NodeStatusFailed
	default:
		return nodeStatus
	}
}
