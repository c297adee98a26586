package api

import (
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// Plan DTOs

// PlanSummary — план в списке.
type PlanSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	StartingNodeID string    `json:"starting_node_id"`
	Nodes          int       `json:"nodes"`
	CreatedAt      time.Time `json:"created_at"`
}

// PlanSummaryFromDomain конвертирует domain.Plan в PlanSummary.
func PlanSummaryFromDomain(p *domain.Plan) PlanSummary {
	return PlanSummary{
		ID:             p.ID,
		Name:           p.Name,
		StartingNodeID: p.StartingNodeID,
		Nodes:          len(p.Nodes),
		CreatedAt:      p.CreatedAt,
	}
}

// StartExecutionRequest — запрос на запуск плана.
type StartExecutionRequest struct {
	Inputs    map[string]any `json:"inputs,omitempty"`
	AccountID string         `json:"account_id,omitempty"`
}

// Execution DTOs

// ExecutionResponse — выполнение плана; Nodes заполняется по ?nodes=true.
type ExecutionResponse struct {
	*domain.PlanExecution
	Nodes []*domain.NodeExecution `json:"nodes,omitempty"`
}

// RegisterInterruptRequest — запрос на регистрацию интеррапта.
type RegisterInterruptRequest struct {
	Type          domain.InterruptType `json:"type"`
	NodeRuntimeID string               `json:"node_runtime_id,omitempty"`
	CreatedBy     string               `json:"created_by,omitempty"`
}

// CallbackRequest — ответ внешней системы на callback-шаг.
type CallbackRequest struct {
	Data map[string]any `json:"data,omitempty"`
}

// Perpetual task DTOs

// CreatePerpetualTaskRequest — запрос на создание постоянной задачи.
type CreatePerpetualTaskRequest struct {
	ID          string         `json:"id,omitempty"`
	AccountID   string         `json:"account_id,omitempty"`
	Type        string         `json:"type"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Format      string         `json:"format,omitempty"`
	Selectors   []string       `json:"selectors,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
}
