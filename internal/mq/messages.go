package mq

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeTaskBroadcast       MessageType = "task.broadcast"
	MessageTypeInterruptRegistered MessageType = "interrupt.registered"
	MessageTypeNodeStatusChanged   MessageType = "node.status_changed"
	MessageTypeOrchestrationEnd    MessageType = "orchestration.end"
)

// Message — JSON-конверт всех сообщений Pipeliner.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// TaskBroadcastPayload — рассылка новой задачи.
type TaskBroadcastPayload struct {
	TaskID    string `json:"task_id"`
	Type      string `json:"type"`
	AccountID string `json:"account_id,omitempty"`

	// Delegates — адресаты текущего раунда.
	Delegates []string `json:"delegates"`
}

// AddressedTo проверяет, адресована ли рассылка делегату.
func (p TaskBroadcastPayload) AddressedTo(delegateID string) bool {
	return slices.Contains(p.Delegates, delegateID)
}

// InterruptRegisteredPayload — зарегистрирован интеррапт.
type InterruptRegisteredPayload struct {
	InterruptID     string               `json:"interrupt_id"`
	PlanExecutionID string               `json:"plan_execution_id"`
	Type            domain.InterruptType `json:"type"`
}

// NodeStatusChangedPayload — переход статуса узла.
type NodeStatusChangedPayload struct {
	PlanExecutionID string            `json:"plan_execution_id"`
	RuntimeID       string            `json:"runtime_id"`
	SetupID         string            `json:"setup_id"`
	Identifier      string            `json:"identifier"`
	From            domain.NodeStatus `json:"from,omitempty"`
	To              domain.NodeStatus `json:"to"`
}

// OrchestrationEndPayload — выполнение плана завершено.
type OrchestrationEndPayload struct {
	PlanExecutionID string            `json:"plan_execution_id"`
	PlanID          string            `json:"plan_id"`
	Status          domain.NodeStatus `json:"status"`
}

// ParsePayload декодирует payload принятого сообщения в T. После
// json.Unmarshal в Message payload лежит как map[string]any.
func ParsePayload[T any](msg *Message) (T, error) {
	var out T

	raw, ok := msg.Payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(msg.Payload); err != nil {
			return out, fmt.Errorf("%s: encode payload: %w", msg.Type, err)
		}
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%s: decode payload: %w", msg.Type, err)
	}
	return out, nil
}
