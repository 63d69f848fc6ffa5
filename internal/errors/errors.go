// Package errors defines application-specific error types and sentinel errors.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrEventTooLarge    = errors.New("event does not fit into an empty stream")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrProducerClosed   = errors.New("producer is closed")
	ErrMalformedRequest = errors.New("malformed client request")
	ErrClientClosed     = errors.New("client connection closed")
	ErrStoreCorrupt     = errors.New("sticky store is corrupt")
	ErrConsumerClosed   = errors.New("consumer is closed")
	ErrWriterClosed     = errors.New("storage writer is closed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrServerRefused    = errors.New("server refused connection")
)

// ProcessingError represents an error while turning an upstream message into
// an event.
type ProcessingError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing error: topic=%s partition=%d offset=%d: %v",
		e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// ProtocolError represents a client that broke the wire protocol. It closes
// that one connection only.
type ProtocolError struct {
	ClientID string
	State    string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: client=%s state=%s: %v",
		e.ClientID, e.State, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// InvariantError reports an internal consistency violation. It is raised
// with panic; nothing recovers from it.
type InvariantError struct {
	Component string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s: %s", e.Component, e.Detail)
}

// Invariant panics with an InvariantError.
func Invariant(component, format string, args ...any) {
	panic(&InvariantError{Component: component, Detail: fmt.Sprintf(format, args...)})
}

// StorageError represents a storage operation failure.
type StorageError struct {
	Operation string
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: operation=%s path=%s: %v",
		e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Retryable defines an interface for errors that can indicate if they are retryable.
type Retryable interface {
	error
	IsRetryable() bool
}

// IsRetryable checks if an error is retryable.
// It first checks if the error implements the Retryable interface,
// then falls back to checking sentinel errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	return errors.Is(err, ErrConnectionLost)
}

// IsRetryable determines if a StorageError is retryable based on the operation type.
func (e *StorageError) IsRetryable() bool {
	return e.Operation == "write" || e.Operation == "upload" || e.Operation == "create"
}

// IsRetryable determines if a ProcessingError is retryable.
func (e *ProcessingError) IsRetryable() bool {
	return IsRetryable(e.Err)
}

// IsFatal reports whether err must stop the server.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var inv *InvariantError
	if errors.As(err, &inv) {
		return true
	}
	return errors.Is(err, ErrEventTooLarge) || errors.Is(err, ErrStoreCorrupt)
}
