package domain

// NodeStatus — статус выполнения узла плана (NodeExecution) и плана целиком.
//
// Жизненный цикл узла:
//
//	QUEUED → RUNNING → SUCCEEDED | FAILED | ERRORED | SKIPPED
//	               ↘ ASYNC_WAITING | TASK_WAITING → RUNNING → ...
//	QUEUED → PAUSED → QUEUED (при RESUME)
//	любой нефинальный → ABORTED | EXPIRED
type NodeStatus string

const (
	// NodeStatusQueued — узел создан, ещё не запущен.
	NodeStatusQueued NodeStatus = "QUEUED"

	// NodeStatusRunning — узел выполняется (фасилитация, синхронный шаг, обработка ответа).
	NodeStatusRunning NodeStatus = "RUNNING"

	// NodeStatusAsyncWaiting — ждёт асинхронного ответа (callback, дочерние узлы, таймер).
	NodeStatusAsyncWaiting NodeStatus = "ASYNC_WAITING"

	// NodeStatusTaskWaiting — ждёт результата задачи, отправленной делегату.
	NodeStatusTaskWaiting NodeStatus = "TASK_WAITING"

	// NodeStatusPaused — узел удержан паузой плана.
	NodeStatusPaused NodeStatus = "PAUSED"

	NodeStatusSucceeded NodeStatus = "SUCCEEDED"
	NodeStatusFailed    NodeStatus = "FAILED"

	// NodeStatusErrored — внутренняя ошибка движка или конфигурации.
	NodeStatusErrored NodeStatus = "ERRORED"

	NodeStatusAborted NodeStatus = "ABORTED"
	NodeStatusExpired NodeStatus = "EXPIRED"
	NodeStatusSkipped NodeStatus = "SKIPPED"

	// NodeStatusSuspended — узел приостановлен без возможности автоматического продолжения.
	NodeStatusSuspended NodeStatus = "SUSPENDED"
)

// IsTerminal возвращает true, если статус финальный.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusErrored,
		NodeStatusAborted, NodeStatusExpired, NodeStatusSkipped, NodeStatusSuspended:
		return true
	default:
		return false
	}
}

// IsWaiting возвращает true для статусов ожидания ответа.
func (s NodeStatus) IsWaiting() bool {
	return s == NodeStatusAsyncWaiting || s == NodeStatusTaskWaiting
}

// IsFailure возвращает true для статусов, которые считаются неудачей при join.
func (s NodeStatus) IsFailure() bool {
	switch s {
	case NodeStatusFailed, NodeStatusErrored, NodeStatusExpired:
		return true
	default:
		return false
	}
}

// IsPositive возвращает true для успешных финальных статусов.
func (s NodeStatus) IsPositive() bool {
	return s == NodeStatusSucceeded || s == NodeStatusSkipped
}

// NonFinalStatuses — все нефинальные статусы узла.
func NonFinalStatuses() []NodeStatus {
	return []NodeStatus{
		NodeStatusQueued,
		NodeStatusRunning,
		NodeStatusAsyncWaiting,
		NodeStatusTaskWaiting,
		NodeStatusPaused,
	}
}

// WaitingStatuses — статусы, из которых узел может быть возобновлён.
func WaitingStatuses() []NodeStatus {
	return []NodeStatus{NodeStatusAsyncWaiting, NodeStatusTaskWaiting}
}

// ContainsStatus проверяет, входит ли статус в список.
func ContainsStatus(list []NodeStatus, s NodeStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// DelegateTaskStatus — статус задачи делегата.
//
// Жизненный цикл:
//
//	QUEUED → ACQUIRED → STARTED → SUCCEEDED | FAILED
//	любой нефинальный → EXPIRED | ABORTED
type DelegateTaskStatus string

const (
	DelegateTaskQueued    DelegateTaskStatus = "QUEUED"
	DelegateTaskAcquired  DelegateTaskStatus = "ACQUIRED"
	DelegateTaskStarted   DelegateTaskStatus = "STARTED"
	DelegateTaskSucceeded DelegateTaskStatus = "SUCCEEDED"
	DelegateTaskFailed    DelegateTaskStatus = "FAILED"
	DelegateTaskExpired   DelegateTaskStatus = "EXPIRED"
	DelegateTaskAborted   DelegateTaskStatus = "ABORTED"
)

// IsTerminal возвращает true, если статус финальный.
func (s DelegateTaskStatus) IsTerminal() bool {
	switch s {
	case DelegateTaskSucceeded, DelegateTaskFailed, DelegateTaskExpired, DelegateTaskAborted:
		return true
	default:
		return false
	}
}

// ConsumerState — состояние экземпляра ограничения ресурса.
type ConsumerState string

const (
	// ConsumerBlocked — ждёт освобождения ёмкости.
	ConsumerBlocked ConsumerState = "BLOCKED"

	// ConsumerActive — держит ресурс.
	ConsumerActive ConsumerState = "ACTIVE"

	// ConsumerFinished — ресурс освобождён.
	ConsumerFinished ConsumerState = "FINISHED"
)

// InterruptType — тип внешнего управляющего сигнала.
type InterruptType string

const (
	InterruptAbort       InterruptType = "ABORT"
	InterruptAbortAll    InterruptType = "ABORT_ALL"
	InterruptPause       InterruptType = "PAUSE"
	InterruptPauseAll    InterruptType = "PAUSE_ALL"
	InterruptResume      InterruptType = "RESUME"
	InterruptRetry       InterruptType = "RETRY"
	InterruptExpire      InterruptType = "EXPIRE"
	InterruptMarkSuccess InterruptType = "MARK_SUCCESS"
	InterruptMarkFailed  InterruptType = "MARK_FAILED"
)

// ParseInterruptType парсит строку в InterruptType.
func ParseInterruptType(s string) (InterruptType, bool) {
	switch t := InterruptType(s); t {
	case InterruptAbort, InterruptAbortAll, InterruptPause, InterruptPauseAll,
		InterruptResume, InterruptRetry, InterruptExpire,
		InterruptMarkSuccess, InterruptMarkFailed:
		return t, true
	default:
		return "", false
	}
}

// NeedsNode возвращает true, если интеррапт обязан указывать конкретный узел.
func (t InterruptType) NeedsNode() bool {
	switch t {
	case InterruptRetry, InterruptExpire, InterruptMarkSuccess, InterruptMarkFailed:
		return true
	default:
		return false
	}
}

// InterruptStatus — статус обработки интеррапта.
//
// Жизненный цикл:
//
//	REGISTERED → PROCESSING → PROCESSED_SUCCESSFULLY
//	                        ↘ PROCESSED_UNSUCCESSFULLY
type InterruptStatus string

const (
	InterruptRegistered              InterruptStatus = "REGISTERED"
	InterruptProcessing              InterruptStatus = "PROCESSING"
	InterruptProcessedSuccessfully   InterruptStatus = "PROCESSED_SUCCESSFULLY"
	InterruptProcessedUnsuccessfully InterruptStatus = "PROCESSED_UNSUCCESSFULLY"
)

// IsTerminal возвращает true, если интеррапт закрыт.
func (s InterruptStatus) IsTerminal() bool {
	return s == InterruptProcessedSuccessfully || s == InterruptProcessedUnsuccessfully
}
