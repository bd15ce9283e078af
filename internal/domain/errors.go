package domain

import "errors"

// Sentinel errors for the node's error taxonomy. Components report one of
// these (possibly wrapped with context) on initialization and fatal paths;
// the hot path never returns an error and instead drops the step and bumps
// a counter.
var (
	ErrInitFailed           = errors.New("init failed")
	ErrAudioFailed          = errors.New("audio failed")
	ErrModelFailed          = errors.New("model failed")
	ErrLinkHandshakeFailed  = errors.New("link handshake failed")
	ErrLinkTransportFailed  = errors.New("link transport failed")
	ErrMemoryExhausted      = errors.New("memory exhausted")
	ErrTimeout              = errors.New("timeout")
	ErrProtocolError        = errors.New("protocol error")
	ErrConfigInvalid        = errors.New("config invalid")
	ErrNotFound             = errors.New("not found")
	ErrSessionAlreadyActive = errors.New("session already active")
)
