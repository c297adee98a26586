package orchestrator

import "errors"

// Ошибки движка.
var (
	// ErrPlanNotFound — план не зарегистрирован.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrNodeNotFound — узла нет в плане.
	ErrNodeNotFound = errors.New("node not found in plan")

	// ErrPlanFinished — выполнение плана уже завершено.
	ErrPlanFinished = errors.New("plan execution already finished")

	// ErrInvalidTransition — управляющее действие недопустимо в текущем статусе.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRetryNotAllowed — узел нельзя перезапустить.
	ErrRetryNotAllowed = errors.New("node retry not allowed")

	// ErrInvalidPlan — план не прошёл проверку.
	ErrInvalidPlan = errors.New("invalid plan")
)
