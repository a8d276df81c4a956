// Package pnerrors classifies the failures of PollMesh requests so the event
// engine can decide between retrying, pruning entities and stopping.
package pnerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ClassTransient represents temporary errors that are retried with backoff
	ClassTransient ErrorClass = iota
	// ClassAccessDenied represents authorization failures scoped to entities
	ClassAccessDenied
	// ClassMalformed represents a response that could not be decoded
	ClassMalformed
	// ClassInvalid represents requests the server rejected as invalid
	ClassInvalid
	// ClassCancelled represents requests aborted by the caller
	ClassCancelled
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ClassTransient:
		return "transient"
	case ClassAccessDenied:
		return "access_denied"
	case ClassMalformed:
		return "malformed"
	case ClassInvalid:
		return "invalid"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class      ErrorClass
	Err        error
	Operation  transport.Operation
	StatusCode int
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.StatusCode != 0 {
		return fmt.Sprintf("%s (%s, status %d): %v", ce.Operation, ce.Class, ce.StatusCode, ce.Err)
	}
	return fmt.Sprintf("%s (%s): %v", ce.Operation, ce.Class, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// AccessDeniedError reports a 403 reply. Channels and Groups list the
// entities the server named as unauthorized; both empty means the server did
// not say, and the whole request is treated as denied.
type AccessDeniedError struct {
	Channels []string
	Groups   []string
	Message  string
}

// Error implements the error interface
func (e *AccessDeniedError) Error() string {
	var parts []string
	if len(e.Channels) > 0 {
		parts = append(parts, "channels="+strings.Join(e.Channels, ","))
	}
	if len(e.Groups) > 0 {
		parts = append(parts, "groups="+strings.Join(e.Groups, ","))
	}
	msg := "access denied"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(parts) > 0 {
		msg += " (" + strings.Join(parts, " ") + ")"
	}
	return msg
}

// Scoped reports whether the error names specific entities.
func (e *AccessDeniedError) Scoped() bool {
	return len(e.Channels) > 0 || len(e.Groups) > 0
}

// New creates a classified error
func New(class ErrorClass, op transport.Operation, statusCode int, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err, Operation: op, StatusCode: statusCode}
}

// WrapTransient wraps an error as transient
func WrapTransient(op transport.Operation, err error) error {
	return New(ClassTransient, op, 0, err)
}

// WrapMalformed wraps a decode failure
func WrapMalformed(op transport.Operation, err error) error {
	return New(ClassMalformed, op, 0, err)
}

// WrapInvalid wraps an error the server rejected as invalid
func WrapInvalid(op transport.Operation, statusCode int, err error) error {
	return New(ClassInvalid, op, statusCode, err)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}

	var denied *AccessDeniedError
	if errors.As(err, &denied) {
		return ClassAccessDenied
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}

	// Unknown errors are network-level failures; retry them
	return ClassTransient
}

// IsRetryable reports whether the engine should retry after err. Access
// denial is retryable only when it is scoped: the remaining entities go on.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassMalformed:
		return true
	case ClassAccessDenied:
		var denied *AccessDeniedError
		errors.As(err, &denied)
		return denied.Scoped()
	default:
		return false
	}
}

// AsAccessDenied extracts an AccessDeniedError from err.
func AsAccessDenied(err error) (*AccessDeniedError, bool) {
	var denied *AccessDeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}

// IsMalformed reports whether err is a decode failure.
func IsMalformed(err error) bool {
	return Classify(err) == ClassMalformed
}

// IsCancelled reports whether err comes from caller cancellation.
func IsCancelled(err error) bool {
	return Classify(err) == ClassCancelled
}
