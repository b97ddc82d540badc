package appErrors

import (
	"errors"
	"fmt"
)

// ValidationError is bad caller input. Fatal, never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func NewValidation(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError is a missing campaign/recipient/step. Fatal.
type NotFoundError struct {
	Entity string
	ID     int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %d not found", e.Entity, e.ID)
}

func NewNotFound(entity string, id int) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// ContentError is an empty or corrupt template after sanitization.
// Fatal for the affected recipient only; content defects will not
// self-resolve on retry.
type ContentError struct {
	Reason string
}

func (e *ContentError) Error() string {
	return "content: " + e.Reason
}

func NewContent(format string, args ...any) error {
	return &ContentError{Reason: fmt.Sprintf(format, args...)}
}

// TransportError is a failed provider call. Retryable with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransport(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// ThreadingLookupError degrades to a non-threaded send, never fatal.
type ThreadingLookupError struct {
	Reason string
}

func (e *ThreadingLookupError) Error() string {
	return "threading lookup: " + e.Reason
}

func NewThreadingLookup(format string, args ...any) error {
	return &ThreadingLookupError{Reason: fmt.Sprintf(format, args...)}
}

// Retryable reports whether the job queue should re-deliver after err.
// Only transport and unclassified errors are worth retrying.
func Retryable(err error) bool {
	var ve *ValidationError
	var nf *NotFoundError
	var ce *ContentError
	var te *ThreadingLookupError
	if errors.As(err, &ve) || errors.As(err, &nf) || errors.As(err, &ce) || errors.As(err, &te) {
		return false
	}
	return err != nil
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsContent(err error) bool {
	var ce *ContentError
	return errors.As(err, &ce)
}
