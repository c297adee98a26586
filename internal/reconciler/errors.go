package reconciler

import "errors"

var (
	// ErrNoJobs — Reconciler без задач.
	ErrNoJobs = errors.New("no reconcile jobs")

	// ErrInvalidSpec — некорректное расписание задачи.
	ErrInvalidSpec = errors.New("invalid job spec")

	// ErrDuplicateJob — две задачи с одним именем.
	ErrDuplicateJob = errors.New("duplicate job name")
)
