package domain

import "time"

// Interrupt — внешний управляющий сигнал для выполнения плана.
//
// Регистрируется внешним вызывающим, обрабатывается ровно один раз.
// Незакрытые интерапты принудительно закрываются, когда выполнение
// плана достигает финального статуса.
type Interrupt struct {
	// ID — уникальный идентификатор.
	ID string `json:"id"`

	// Type — тип сигнала.
	Type InterruptType `json:"type"`

	// PlanExecutionID — целевое выполнение плана.
	PlanExecutionID string `json:"plan_execution_id"`

	// NodeRuntimeID — конкретный узел (опционально).
	NodeRuntimeID string `json:"node_runtime_id,omitempty"`

	// Status — статус обработки.
	Status InterruptStatus `json:"status"`

	// Error — причина PROCESSED_UNSUCCESSFULLY.
	Error string `json:"error,omitempty"`

	// CreatedBy — кто зарегистрировал сигнал.
	CreatedBy string `json:"created_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// MarkProcessed закрывает интеррапт.
func (i *Interrupt) MarkProcessed(err error, now time.Time) {
	i.ProcessedAt = &now
	if err != nil {
		i.Status = InterruptProcessedUnsuccessfully
		i.Error = err.Error()
		return
	}
	i.Status = InterruptProcessedSuccessfully
}
