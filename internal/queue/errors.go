package queue

import "errors"

var (
	ErrEmptyBatch        = errors.New("empty batch")
	ErrUnidentifiedLease = errors.New("unidentified lease")
	ErrHandlerTimeout    = errors.New("operation timed out")
	ErrInvalidQueueName  = errors.New("invalid queue name")
	ErrStoreClosed       = errors.New("store closed")
	ErrMessageExists     = errors.New("message already exists")
	ErrLeaseTokenExists  = errors.New("lease token already in use")
	ErrPollerRunning     = errors.New("poller already running")
)
