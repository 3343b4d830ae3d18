package application

import "errors"

// Validation errors returned to driving adapters.
var (
	ErrInvalidNamespace = errors.New("invalid namespace")
	ErrInvalidStatus    = errors.New("invalid allowlist status")
)
