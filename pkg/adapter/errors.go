package adapter

import (
	"errors"
	"fmt"
)

// Standard adapter errors
var (
	// ErrOperationNotSupported is returned when a backend cannot perform an operation
	ErrOperationNotSupported = errors.New("operation not supported by this backend")

	// ErrNotConnected is returned when an adapter is used before Connect or after Disconnect
	ErrNotConnected = errors.New("adapter is not connected")

	// ErrConnectionFailed is returned when a connection attempt fails
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidConfiguration is returned when the configuration is invalid
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrAdapterNotFound is returned when no factory is registered for a backend
	ErrAdapterNotFound = errors.New("adapter not found")

	// ErrInvalidQuery is returned when a query or filter is malformed
	ErrInvalidQuery = errors.New("invalid query")

	// ErrAuthenticationFailed is returned when credentials are rejected
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrPermissionDenied is returned when the backend refuses the operation
	ErrPermissionDenied = errors.New("permission denied")
)

// DatabaseError wraps a backend error with the operation that failed
type DatabaseError struct {
	Backend   BackendType
	Operation string
	Cause     error
	Context   map[string]interface{}
}

func (e *DatabaseError) Error() string {
	if len(e.Context) > 0 {
		return fmt.Sprintf("[%s] %s: %v (context: %v)", e.Backend, e.Operation, e.Cause, e.Context)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Backend, e.Operation, e.Cause)
}

func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// NewDatabaseError creates a new DatabaseError.
func NewDatabaseError(backend BackendType, operation string, cause error) *DatabaseError {
	return &DatabaseError{
		Backend:   backend,
		Operation: operation,
		Cause:     cause,
	}
}

// WithContext adds context to a DatabaseError.
func (e *DatabaseError) WithContext(key string, value interface{}) *DatabaseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// UnsupportedOperationError is returned when an operation is not supported.
type UnsupportedOperationError struct {
	Backend   BackendType
	Operation string
	Reason    string
}

func (e *UnsupportedOperationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s does not support %s: %s", e.Backend, e.Operation, e.Reason)
	}
	return fmt.Sprintf("%s does not support %s", e.Backend, e.Operation)
}

// Is matches ErrOperationNotSupported
func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrOperationNotSupported
}

// NewUnsupportedOperationError creates a new UnsupportedOperationError.
func NewUnsupportedOperationError(backend BackendType, operation string, reason string) *UnsupportedOperationError {
	return &UnsupportedOperationError{Backend: backend, Operation: operation, Reason: reason}
}

// ConnectionError is returned when a backend cannot be reached
type ConnectionError struct {
	Backend BackendType
	Target  string
	Cause   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s at %s: %v", e.Backend, e.Target, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is matches ErrConnectionFailed
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailed
}

// NewConnectionError creates a new ConnectionError. target is a host or URL with
// credentials removed.
func NewConnectionError(backend BackendType, target string, cause error) *ConnectionError {
	return &ConnectionError{Backend: backend, Target: target, Cause: cause}
}

// ConfigurationError is returned for unknown backends and missing connection parameters
type ConfigurationError struct {
	Backend BackendType
	Field   string
	Reason  string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	backend := string(e.Backend)
	if backend == "" {
		backend = "adapter"
	}
	if e.Field != "" {
		return fmt.Sprintf("invalid configuration for %s: field '%s': %s", backend, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration for %s: %s", backend, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// Is matches ErrInvalidConfiguration
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(backend BackendType, field string, reason string) *ConfigurationError {
	return &ConfigurationError{Backend: backend, Field: field, Reason: reason}
}

// WrapError wraps err in a DatabaseError unless it already carries adapter context
func WrapError(backend BackendType, operation string, err error) error {
	if err == nil {
		return nil
	}

	var dbErr *DatabaseError
	var connErr *ConnectionError
	var cfgErr *ConfigurationError
	var unsupported *UnsupportedOperationError
	if errors.As(err, &dbErr) || errors.As(err, &connErr) || errors.As(err, &cfgErr) || errors.As(err, &unsupported) {
		return err
	}
	if errors.Is(err, ErrNotConnected) {
		return err
	}

	return NewDatabaseError(backend, operation, err)
}

// IsUnsupported checks if an error indicates an unsupported operation.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrOperationNotSupported)
}

// IsConnectionError checks if an error is a connection error.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// IsConfigurationError checks if an error is a configuration error.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}

// IsPermissionError checks if the backend refused the caller
func IsPermissionError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrAuthenticationFailed)
}
