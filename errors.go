package emuctl

import "errors"

// Common errors.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrNotRunning       = errors.New("emulator process not running")
	ErrAlreadyStreaming = errors.New("streaming already started")
)
