package domain

import "time"

// ExecutionMode — режим выполнения узла, выбранный фасилитатором.
type ExecutionMode string

const (
	ModeSync       ExecutionMode = "SYNC"
	ModeAsync      ExecutionMode = "ASYNC"
	ModeTask       ExecutionMode = "TASK"
	ModeAsyncChain ExecutionMode = "ASYNC_CHAIN"
	ModeChild      ExecutionMode = "CHILD"
	ModeChildren   ExecutionMode = "CHILDREN"
)

// WaitingStatus возвращает статус ожидания для режима.
func (m ExecutionMode) WaitingStatus() NodeStatus {
	if m == ModeTask {
		return NodeStatusTaskWaiting
	}
	return NodeStatusAsyncWaiting
}

// FacilitationDecision — решение фасилитатора о режиме выполнения.
type FacilitationDecision struct {
	// Mode — режим выполнения.
	Mode ExecutionMode `json:"mode"`

	// InitialWait — задержка перед первым запуском.
	InitialWait time.Duration `json:"initial_wait,omitempty"`

	// IsSuccessful — фасилитатор смог принять решение.
	IsSuccessful bool `json:"is_successful"`

	// FallbackAbortReason — причина отказа (для логов и failure info).
	FallbackAbortReason string `json:"fallback_abort_reason,omitempty"`
}

// Declined возвращает решение-отказ.
func Declined(reason string) FacilitationDecision {
	return FacilitationDecision{IsSuccessful: false, FallbackAbortReason: reason}
}
