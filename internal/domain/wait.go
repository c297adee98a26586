package domain

import "time"

// CallbackKind — что сделать, когда ожидание разрешится.
type CallbackKind string

const (
	// CallbackNodeResume — возобновить ждущий узел с ответами.
	CallbackNodeResume CallbackKind = "NODE_RESUME"

	// CallbackNodeStart — запустить отложенный узел (повтор с задержкой).
	CallbackNodeStart CallbackKind = "NODE_START"

	// CallbackNodeDispatch — выполнить решение фасилитатора после InitialWait.
	CallbackNodeDispatch CallbackKind = "NODE_DISPATCH"
)

// Callback — адресат возобновления.
type Callback struct {
	Kind            CallbackKind `json:"kind"`
	PlanExecutionID string       `json:"plan_execution_id"`
	RuntimeID       string       `json:"runtime_id"`
}

// WaitStatus — состояние записи корреляции.
type WaitStatus string

const (
	WaitStatusWaiting  WaitStatus = "WAITING"
	WaitStatusResolved WaitStatus = "RESOLVED"
)

// WaitInstance — запись корреляции: набор correlation id и адресат.
//
// Существует, пока ожидание не удовлетворено. WaitingOn сокращается
// по мере прихода ответов; когда он пуст, запись захватывается
// (WAITING → RESOLVED) и адресат возобновляется ровно один раз.
type WaitInstance struct {
	ID             string     `json:"id"`
	CorrelationIDs []string   `json:"correlation_ids"`
	WaitingOn      []string   `json:"waiting_on"`
	Callback       Callback   `json:"callback"`
	Status         WaitStatus `json:"status"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsExpired возвращает true, если время ожидания истекло.
func (w *WaitInstance) IsExpired(now time.Time) bool {
	return w.ExpiresAt != nil && !now.Before(*w.ExpiresAt)
}

// NotifyResponse — сохранённый ответ по correlation id (уникален).
type NotifyResponse struct {
	CorrelationID string    `json:"correlation_id"`
	Payload       []byte    `json:"payload"`
	Format        string    `json:"format"`
	IsError       bool      `json:"is_error"`
	CreatedAt     time.Time `json:"created_at"`
}
