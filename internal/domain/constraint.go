package domain

import "time"

// HoldingScope — чьё завершение освобождает ресурс.
type HoldingScope string

const (
	ScopePlan      HoldingScope = "PLAN"
	ScopePipeline  HoldingScope = "PIPELINE"
	ScopeStage     HoldingScope = "STAGE"
	ScopeStepGroup HoldingScope = "STEP_GROUP"
)

// ConstraintInstance — билет распределённого FIFO-семафора (consumer).
//
// Order монотонно растёт в рамках ResourceUnit. Сумма Permits
// ACTIVE-экземпляров никогда не превышает Capacity.
type ConstraintInstance struct {
	// ID — consumer id; он же callback id ждущего шага.
	ID string `json:"id"`

	// ResourceUnit — имя разделяемого ресурса.
	ResourceUnit string `json:"resource_unit"`

	// Capacity — ёмкость ресурса на момент запроса.
	Capacity int `json:"capacity"`

	// Permits — сколько единиц ёмкости занимает экземпляр.
	Permits int `json:"permits"`

	// HoldingScope — уровень, завершение которого освобождает ресурс.
	HoldingScope HoldingScope `json:"holding_scope"`

	// ReleaseEntityID — runtime id узла или id выполнения плана, который освобождает ресурс.
	ReleaseEntityID string `json:"release_entity_id"`

	// PlanExecutionID — выполнение плана, которому принадлежит запрос.
	PlanExecutionID string `json:"plan_execution_id"`

	// Order — номер в очереди.
	Order int64 `json:"order"`

	// State — BLOCKED, ACTIVE или FINISHED.
	State ConsumerState `json:"state"`

	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
