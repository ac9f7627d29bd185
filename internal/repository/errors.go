package repository

import "errors"

var (
	// ErrNotFound is returned when a record does not exist in the backing store.
	ErrNotFound = errors.New("record not found")
	// ErrUniqueViolation is returned when a write loses a uniqueness race on
	// email, handle or provider id.
	ErrUniqueViolation = errors.New("unique constraint violation")
)
