package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies watchdog errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeCheck      ErrorType = "check"
	ErrorTypeCleanup    ErrorType = "cleanup"
	ErrorTypeTransport  ErrorType = "transport"
	ErrorTypeProtocol   ErrorType = "protocol"
	ErrorTypeProcess    ErrorType = "process"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypePermission ErrorType = "permission"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeCancelled  ErrorType = "cancelled"
	ErrorTypeInternal   ErrorType = "internal"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DomainError of the same type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

// NewCheckError wraps a failure raised while evaluating a shutdown check.
// A check error is not the same as a check reporting "not ready".
func NewCheckError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCheck, message, cause)
}

// NewCleanupError wraps a failure raised by a cleanup during shutdown
func NewCleanupError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCleanup, message, cause)
}

func NewTransportError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTransport, message, cause)
}

func NewProtocolError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProtocol, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }
func IsCheckError(err error) bool      { return isType(err, ErrorTypeCheck) }
func IsCleanupError(err error) bool    { return isType(err, ErrorTypeCleanup) }
func IsTransportError(err error) bool  { return isType(err, ErrorTypeTransport) }
func IsProtocolError(err error) bool   { return isType(err, ErrorTypeProtocol) }
func IsProcessError(err error) bool    { return isType(err, ErrorTypeProcess) }
func IsIOError(err error) bool         { return isType(err, ErrorTypeIO) }
func IsPermissionError(err error) bool { return isType(err, ErrorTypePermission) }
func IsTimeoutError(err error) bool    { return isType(err, ErrorTypeTimeout) }
func IsCancelledError(err error) bool  { return isType(err, ErrorTypeCancelled) }
func IsInternalError(err error) bool   { return isType(err, ErrorTypeInternal) }

// ErrorCollection aggregates errors from operations that keep going after a failure,
// such as a cleanup sequence configured to continue on error.
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	switch len(e.Errors) {
	case 0:
		return "no errors"
	case 1:
		return e.Errors[0].Error()
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d errors occurred: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

// Unwrap exposes the collected errors to errors.Is and errors.As
func (e *ErrorCollection) Unwrap() []error {
	return e.Errors
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
