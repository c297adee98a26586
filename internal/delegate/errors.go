package delegate

import "errors"

// Ожидаемые исходы протокола: вызывающий делегат просто переходит к следующей задаче.
var (
	// ErrTaskNotFound — задача не существует.
	ErrTaskNotFound = errors.New("delegate task not found")

	// ErrAlreadyAcquired — задачу захватил другой делегат.
	ErrAlreadyAcquired = errors.New("task already acquired")

	// ErrTaskExpired — срок задачи истёк.
	ErrTaskExpired = errors.New("task expired")

	// ErrNotEligible — делегат не подходит по селекторам или возможностям.
	ErrNotEligible = errors.New("delegate is not eligible for task")
)

var (
	// ErrNotOwner — задача захвачена другим делегатом.
	ErrNotOwner = errors.New("task is owned by another delegate")

	// ErrNotAcquired — результат для незахваченной задачи.
	ErrNotAcquired = errors.New("task is not acquired")

	// ErrInvalidResult — статус результата не SUCCEEDED и не FAILED.
	ErrInvalidResult = errors.New("invalid task result")

	// ErrInvalidDelegate — heartbeat без id делегата.
	ErrInvalidDelegate = errors.New("invalid delegate")

	// ErrPerpetualNotFound — постоянная задача не существует.
	ErrPerpetualNotFound = errors.New("perpetual task not found")

	// ErrNoNotifier — сервис не связан с коррелятором.
	ErrNoNotifier = errors.New("notifier is not configured")
)
