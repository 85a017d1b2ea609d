// Package apperrors defines the error classes shared across the segmentation
// service.
//
// Two classes must never be merged:
//
//   - ValidationError: the caller sent something the rules forbid. It is
//     deterministic and carries one message per problem found.
//   - InfraError: the environment failed (timeout, store unreachable). It is
//     retryable and says nothing about the validity of the request.
//
// ErrNotFound and ErrConflict cover lookups and optimistic locking.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Class classifies an error for handling purposes.
type Class int

const (
	// ClassUnknown is returned for errors that carry no classification.
	ClassUnknown Class = iota
	// ClassInvalid is a client-caused, deterministic rejection.
	ClassInvalid
	// ClassTransient is an environment failure that may succeed on retry.
	ClassTransient
	// ClassNotFound means the addressed entity does not exist.
	ClassNotFound
	// ClassConflict means a concurrent writer changed the entity first.
	ClassConflict
)

func (c Class) String() string {
	switch c {
	case ClassInvalid:
		return "invalid"
	case ClassTransient:
		return "transient"
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

var (
	// ErrNotFound is returned when a segment or membership does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an update lost an optimistic-lock race.
	ErrConflict = errors.New("version conflict")
)

// ValidationError lists every problem found in a request.
type ValidationError struct {
	Messages []string
}

// NewValidation builds a ValidationError from one or more messages.
func NewValidation(messages ...string) *ValidationError {
	return &ValidationError{Messages: messages}
}

// Validationf builds a single-message ValidationError.
func Validationf(format string, args ...any) *ValidationError {
	return NewValidation(fmt.Sprintf(format, args...))
}

func (e *ValidationError) Error() string {
	switch len(e.Messages) {
	case 0:
		return "validation failed"
	case 1:
		return "validation failed: " + e.Messages[0]
	default:
		return fmt.Sprintf("validation failed with %d errors: %s", len(e.Messages), strings.Join(e.Messages, "; "))
	}
}

// InfraError wraps a failure of an external collaborator. Op names the
// operation that failed, e.g. "customers.count_matching".
type InfraError struct {
	Op  string
	Err error
}

// Infra wraps err as an InfraError. A nil err returns nil, and an error that
// is already classified as infra is returned unchanged.
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *InfraError
	if errors.As(err, &ie) {
		return err
	}
	return &InfraError{Op: op, Err: err}
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// Retryable is always true. Callers may resend the same request unchanged.
func (e *InfraError) Retryable() bool {
	return true
}

// ClassOf returns the class of err.
func ClassOf(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case IsValidation(err):
		return ClassInvalid
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Messages returns the validation messages carried by err, or nil.
func Messages(err error) []string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Messages
	}
	return nil
}

// IsTransient reports whether err is an InfraError, a context deadline or a
// network timeout. Cancellation by the caller is not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ie *InfraError
	if errors.As(err, &ie) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
