package domain

import (
	"slices"
	"time"
)

// DelegateTask — единица удалённой работы для делегата.
//
// DelegateTask создаётся при диспетчеризации TASK-узла.
// Захватывается ровно одним делегатом (QUEUED → ACQUIRED),
// результат возвращается через PushResponse и доставляется
// корреллятору по CorrelationID.
type DelegateTask struct {
	// ID — ULID (упорядочен по времени создания). Совпадает с CorrelationID.
	ID string `json:"id"`

	// AccountID — аккаунт, чьи делегаты могут выполнить задачу.
	AccountID string `json:"account_id,omitempty"`

	// Type — тип задачи, по которому делегат выбирает executor.
	Type string `json:"type"`

	// Parameters — сериализованные параметры.
	Parameters []byte `json:"parameters,omitempty"`

	// Format — формат сериализации Parameters: "json" или "cbor".
	Format string `json:"format"`

	// Selectors — делегат должен иметь все эти селекторы.
	Selectors []string `json:"selectors,omitempty"`

	// Capabilities — делегат должен иметь все эти возможности (проверки связности).
	Capabilities []string `json:"capabilities,omitempty"`

	// EligibleDelegates — делегаты, подходящие по селекторам и возможностям.
	EligibleDelegates []string `json:"eligible_delegates,omitempty"`

	// AlreadyTried — делегаты, которым задача уже рассылалась в текущем раунде.
	AlreadyTried []string `json:"already_tried,omitempty"`

	// BroadcastRound — номер раунда рассылки.
	BroadcastRound int `json:"broadcast_round"`

	// BroadcastCount — число рассылок (для условного обновления).
	BroadcastCount int `json:"broadcast_count"`

	// NextBroadcast — время следующей рассылки.
	NextBroadcast time.Time `json:"next_broadcast"`

	// DelegateID — делегат, захвативший задачу.
	DelegateID string `json:"delegate_id,omitempty"`

	// Status — текущий статус.
	Status DelegateTaskStatus `json:"status"`

	// CorrelationID — связь с ожидающим NodeExecution.
	CorrelationID string `json:"correlation_id"`

	// Expiry — крайний срок получения результата.
	Expiry time.Time `json:"expiry"`

	// Result — результат (inline, если небольшой).
	Result []byte `json:"result,omitempty"`

	// ResultRef — ключ результата в blob-хранилище (если слишком большой для inline).
	ResultRef string `json:"result_ref,omitempty"`

	// Error — текст ошибки при неудаче.
	Error string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IsFinished возвращает true, если задача завершена.
func (t *DelegateTask) IsFinished() bool {
	return t.Status.IsTerminal()
}

// IsExpired возвращает true, если срок задачи истёк.
func (t *DelegateTask) IsExpired(now time.Time) bool {
	return !t.Expiry.IsZero() && !now.Before(t.Expiry)
}

// IsEligible проверяет, может ли делегат захватить задачу.
func (t *DelegateTask) IsEligible(delegateID string) bool {
	return slices.Contains(t.EligibleDelegates, delegateID)
}

// MarkAcquired переводит задачу в ACQUIRED.
func (t *DelegateTask) MarkAcquired(delegateID string, now time.Time) {
	t.Status = DelegateTaskAcquired
	t.DelegateID = delegateID
	t.AcquiredAt = &now
}

// MarkFinished переводит задачу в финальный статус.
func (t *DelegateTask) MarkFinished(status DelegateTaskStatus, errMsg string, now time.Time) {
	t.Status = status
	t.Error = errMsg
	t.FinishedAt = &now
}

// Duration возвращает время от захвата до завершения.
func (t *DelegateTask) Duration() time.Duration {
	if t.AcquiredAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.AcquiredAt)
}

// TaskResult — результат выполнения задачи, присланный делегатом.
type TaskResult struct {
	// Status — SUCCEEDED или FAILED.
	Status DelegateTaskStatus `json:"status"`

	// Data — выходные данные.
	Data map[string]any `json:"data,omitempty"`

	// Error — текст ошибки для FAILED.
	Error string `json:"error,omitempty"`
}
