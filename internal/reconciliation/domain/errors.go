package domain

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid_reconciliation_request")
	ErrRunFailed      = errors.New("reconciliation_run_failed")
)
