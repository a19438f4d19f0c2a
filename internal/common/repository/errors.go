package repository

import "errors"

// Common repository errors
var (
	// ErrNotFound indicates the requested record was not found
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey indicates a unique constraint violation
	ErrDuplicateKey = errors.New("duplicate key")
)
