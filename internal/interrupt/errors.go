package interrupt

import "errors"

var (
	// ErrInvalidInterrupt — неизвестный тип или не указан обязательный узел.
	ErrInvalidInterrupt = errors.New("invalid interrupt")

	// ErrNodeMismatch — узел не принадлежит выполнению плана.
	ErrNodeMismatch = errors.New("node does not belong to plan execution")

	// ErrPlanFinished — выполнение плана уже завершено.
	ErrPlanFinished = errors.New("plan execution already finished")
)
