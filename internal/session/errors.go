package session

import "errors"

var (
	ErrStaleVersion     = errors.New("stale version")
	ErrApplyFailed      = errors.New("operation apply failed")
	ErrAlreadyJoined    = errors.New("already joined")
	ErrCapacityExceeded = errors.New("author capacity exceeded")
	ErrLoadFailed       = errors.New("load failed")
	ErrPersistence      = errors.New("persistence error")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrRoomClosed       = errors.New("room closed")
	ErrRoomNotFound     = errors.New("room not found")
	ErrNotJoined        = errors.New("no open document")
	ErrBadRequest       = errors.New("bad request")
	ErrShuttingDown     = errors.New("shutting down")
)
