package realtime

import "errors"

var (
	ErrNotFound     = errors.New("no device found")
	ErrConnection   = errors.New("connection failed")
	ErrTimeout      = errors.New("timeout")
	ErrRejected     = errors.New("rejected by device")
	ErrProtocol     = errors.New("protocol error")
	ErrClosed       = errors.New("closed")
	ErrNotConnected = errors.New("not connected")
)
