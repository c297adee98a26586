package facilitator

import "errors"

var (
	// ErrNoFacilitator — ни один фасилитатор не принял узел.
	ErrNoFacilitator = errors.New("no facilitator resolved")

	// ErrUnknownFacilitator — тип фасилитатора не зарегистрирован.
	ErrUnknownFacilitator = errors.New("unknown facilitator type")

	// ErrInvalidParameter — параметр фасилитации не удалось разобрать.
	ErrInvalidParameter = errors.New("invalid facilitation parameter")
)
