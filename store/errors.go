package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("message not found")
	ErrValidation  = errors.New("invalid message")
	ErrPersistence = errors.New("persistence failure")
)

// persistence wraps a backend failure so callers can match ErrPersistence
// while keeping the underlying cause.
func persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
