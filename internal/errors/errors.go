package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
)

type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "CONFIGURATION" // Bad setup, rejected before the transfer
	CategoryConnection    ErrorCategory = "CONNECTION"    // One connection failed to open or broke
	CategoryProtocol      ErrorCategory = "PROTOCOL"      // Peer violated the wire protocol
	CategoryStorage       ErrorCategory = "STORAGE"       // Storage channel or space allocation failed
	CategoryContext       ErrorCategory = "CONTEXT"       // Context cancellation
	CategoryUnknown       ErrorCategory = "UNKNOWN"       // Unclassified errors
)

// TransferError represents an error that occurred while moving file data
type TransferError struct {
	Err       error         // Original error
	Category  ErrorCategory // General category
	Timestamp time.Time     // When the error occurred
	Resource  string        // Remote endpoint, file or option involved
	Details   map[string]interface{}
}

// Error implements the error interface
func (e *TransferError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("[%s] %v", e.Category, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Resource, e.Err)
}

// Unwrap provides the underlying cause for error unwrapping (compatible with errors.As)
func (e *TransferError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrInvalidConfiguration = New("invalid configuration")
	ErrInvalidArgument      = New("invalid argument")
	ErrUnknownFlags         = New("unknown descriptor flags")
	ErrDuplicateEOF         = New("duplicate EOF")
	ErrInvalidEODCount      = New("invalid EOD count")
	ErrPrematureClose       = New("stream closed before EOD")
	ErrUnknownCommand       = New("unknown command")
	ErrIncompleteFile       = New("incomplete file detected")
	ErrInterrupted          = New("transfer interrupted")
)

func newTransferError(err error, category ErrorCategory, resource string) *TransferError {
	return &TransferError{
		Err:       err,
		Category:  category,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewConfigurationError creates an error for parameters rejected at setup time
func NewConfigurationError(err error, resource string) *TransferError {
	return newTransferError(err, CategoryConfiguration, resource)
}

// NewConnectionError creates an error for a failed or broken data connection
func NewConnectionError(err error, resource string) *TransferError {
	return newTransferError(err, CategoryConnection, resource)
}

// NewProtocolError creates an error for a wire protocol violation
func NewProtocolError(err error, resource string) *TransferError {
	return newTransferError(err, CategoryProtocol, resource)
}

// NewStorageError creates an error originating from the storage channel
func NewStorageError(err error, resource string) *TransferError {
	return newTransferError(err, CategoryStorage, resource)
}

// NewContextError creates a context cancellation error
func NewContextError(err error, resource string) *TransferError {
	return newTransferError(err, CategoryContext, resource)
}

// CategoryOf returns the category of err, or CategoryUnknown if it carries none
func CategoryOf(err error) ErrorCategory {
	var transferErr *TransferError
	if As(err, &transferErr) {
		return transferErr.Category
	}
	return CategoryUnknown
}

// IsConfigurationError determines if the error was raised during setup
func IsConfigurationError(err error) bool {
	return err != nil && CategoryOf(err) == CategoryConfiguration
}

// IsConnectionError determines if the error is connection related
func IsConnectionError(err error) bool {
	return err != nil && CategoryOf(err) == CategoryConnection
}

// IsProtocolError determines if the error is a protocol violation
func IsProtocolError(err error) bool {
	return err != nil && CategoryOf(err) == CategoryProtocol
}

// IsStorageError determines if the error came from the storage channel
func IsStorageError(err error) bool {
	return err != nil && CategoryOf(err) == CategoryStorage
}

// IsFatal reports whether err must abort the whole transfer rather than a single connection.
func IsFatal(err error) bool {
	switch CategoryOf(err) {
	case CategoryStorage, CategoryContext, CategoryConfiguration:
		return true
	default:
		return false
	}
}

// WithDetails adds additional context to a TransferError
func WithDetails(err error, details map[string]interface{}) error {
	var transferErr *TransferError
	if !As(err, &transferErr) {
		return err
	}

	if transferErr.Details == nil {
		transferErr.Details = make(map[string]interface{})
	}

	for k, v := range details {
		transferErr.Details[k] = v
	}

	return transferErr
}
