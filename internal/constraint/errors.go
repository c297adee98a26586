package constraint

import "errors"

var (
	// ErrInvalidRequest — не задан ресурс, ёмкость или освобождающая сущность.
	ErrInvalidRequest = errors.New("invalid constraint request")

	// ErrPermitsExceedCapacity — запрос никогда не сможет стать ACTIVE.
	ErrPermitsExceedCapacity = errors.New("permits exceed capacity")
)
