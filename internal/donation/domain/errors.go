package domain

import "errors"

var (
	ErrInvalidKind   = errors.New("invalid_kind")
	ErrInvalidMode   = errors.New("invalid_mode")
	ErrInvalidStatus = errors.New("invalid_status")
	ErrInvalidRecord = errors.New("invalid_record")
	ErrNotFound      = errors.New("record_not_found")
	ErrNotDuplicate  = errors.New("record_not_marked_duplicate")
	ErrPayerNotFound = errors.New("payer_not_found")
)
