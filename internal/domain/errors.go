package domain

import "errors"

var (
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput marks malformed items or options. Work failing with it
	// is never retried.
	ErrInvalidInput = errors.New("invalid input")

	ErrInvalidDimensions = errors.New("invalid dimensions")
)
