package domain

import "errors"

var (
	ErrNotConnected       = errors.New("not connected")
	ErrClosed             = errors.New("client closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)
