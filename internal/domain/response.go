package domain

// ResponseKind — дискриминатор ответа, по которому возобновляется узел.
type ResponseKind string

const (
	ResponseKindTask       ResponseKind = "TASK"
	ResponseKindStepNotify ResponseKind = "STEP_NOTIFY"
	ResponseKindError      ResponseKind = "ERROR"
	ResponseKindConstraint ResponseKind = "CONSTRAINT"
	ResponseKindCallback   ResponseKind = "CALLBACK"
)

// ResponseData — ответ по correlation id.
//
// Реализации: TaskResponse, StepNotify, ErrorResponse,
// ConstraintResponse, CallbackResponse.
type ResponseData interface {
	ResponseKind() ResponseKind
}

// TaskResponse — результат задачи делегата.
type TaskResponse struct {
	TaskID     string             `json:"task_id" cbor:"task_id"`
	DelegateID string             `json:"delegate_id,omitempty" cbor:"delegate_id,omitempty"`
	Status     DelegateTaskStatus `json:"status" cbor:"status"`
	Data       map[string]any     `json:"data,omitempty" cbor:"data,omitempty"`
	ResultRef  string             `json:"result_ref,omitempty" cbor:"result_ref,omitempty"`
	Error      string             `json:"error,omitempty" cbor:"error,omitempty"`
}

func (TaskResponse) ResponseKind() ResponseKind { return ResponseKindTask }

// StepNotify — уведомление родителя о завершении дочерней ветки.
type StepNotify struct {
	RuntimeID   string         `json:"runtime_id" cbor:"runtime_id"`
	SetupID     string         `json:"setup_id" cbor:"setup_id"`
	Identifier  string         `json:"identifier" cbor:"identifier"`
	Status      NodeStatus     `json:"status" cbor:"status"`
	FailureInfo *FailureInfo   `json:"failure_info,omitempty" cbor:"failure_info,omitempty"`
	Outcomes    map[string]any `json:"outcomes,omitempty" cbor:"outcomes,omitempty"`
}

func (StepNotify) ResponseKind() ResponseKind { return ResponseKindStepNotify }

// ErrorResponse — синтетическая неудача (таймаут ожидания, истечение задачи, abort).
type ErrorResponse struct {
	Type    FailureType `json:"type" cbor:"type"`
	Message string      `json:"message" cbor:"message"`
}

func (ErrorResponse) ResponseKind() ResponseKind { return ResponseKindError }

// ConstraintResponse — экземпляр ограничения ресурса стал ACTIVE.
type ConstraintResponse struct {
	ConsumerID   string        `json:"consumer_id" cbor:"consumer_id"`
	ResourceUnit string        `json:"resource_unit" cbor:"resource_unit"`
	State        ConsumerState `json:"state" cbor:"state"`
}

func (ConstraintResponse) ResponseKind() ResponseKind { return ResponseKindConstraint }

// CallbackResponse — произвольный ответ внешнего вызывающего.
type CallbackResponse struct {
	Data map[string]any `json:"data,omitempty" cbor:"data,omitempty"`
}

func (CallbackResponse) ResponseKind() ResponseKind { return ResponseKindCallback }

// ProgressData — промежуточное состояние ожидаемой работы (liveness).
type ProgressData struct {
	Message    string             `json:"message"`
	DelegateID string             `json:"delegate_id,omitempty"`
	TaskStatus DelegateTaskStatus `json:"task_status,omitempty"`
}
