package proxy

import "errors"

// Error kinds for admission and session failures. Sessions terminate with
// one of these; the accept loop logs and keeps serving.
var (
	ErrInvalidFd        = errors.New("invalid fd")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidPool      = errors.New("invalid connection pool")
	ErrOutOfLoop        = errors.New("out of loop")
	ErrFailedRead       = errors.New("failed read")
	ErrFailedWrite      = errors.New("failed write")
	ErrBrokenPipe       = errors.New("broken pipe")
	ErrOutOfMemory      = errors.New("out of memory")
)
