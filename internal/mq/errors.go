package mq

import "errors"

var (
	// ErrNoChannel — соединение ещё не установлено или переподключается.
	ErrNoChannel = errors.New("no channel available")

	// ErrNotForDelegate — рассылка адресована другим делегатам.
	ErrNotForDelegate = errors.New("broadcast is not addressed to this delegate")
)

// ErrReject — сообщение некорректно, повтор бессмысленен (уходит в DLQ).
var ErrReject = errors.New("message rejected")
