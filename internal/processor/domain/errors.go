package domain

import "errors"

var (
	ErrNotFound          = errors.New("processor_object_not_found")
	ErrModeNotConfigured = errors.New("processor_mode_not_configured")
	ErrInvalidObject     = errors.New("processor_invalid_object")
)
