package mcslock

import "errors"

var (
	ErrBadWorkerCount = errors.New("worker count out of range")
	ErrBadLockBudget  = errors.New("per-worker lock budget out of range")
)
