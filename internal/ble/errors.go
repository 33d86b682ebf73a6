package ble

import "errors"

// Discovery.
var ErrCandidateNotFound = errors.New("no matching BMS found")

// Connection.
var (
	ErrConnectFailed                  = errors.New("connect failed")
	ErrConnectionLost                 = errors.New("connection lost")
	ErrRequiredCharacteristicsMissing = errors.New("required characteristics missing")
	ErrConnectDeferred                = errors.New("connect attempt deferred")
	ErrNoCandidate                    = errors.New("no candidate peripheral")
	ErrRediscoveryNeeded              = errors.New("candidate discarded, rediscovery needed")
	ErrBusy                           = errors.New("session busy")
)

// Request.
var (
	ErrRequestAlreadyPending = errors.New("request already pending")
	ErrTimeout               = errors.New("response timeout")
	ErrNotConnected          = errors.New("not connected")
	// ErrCommandEchoMismatch is logged, never returned: the frame is still
	// accepted as the response.
	ErrCommandEchoMismatch = errors.New("command echo mismatch")
)
