package remote

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the fixed taxonomy for classified transport failures.
type ErrorKind string

const (
	KindAdapterDisabled        ErrorKind = "adapter_disabled"
	KindPermissionDenied       ErrorKind = "permission_denied"
	KindDeviceNotFound         ErrorKind = "device_not_found"
	KindConnectionFailed       ErrorKind = "connection_failed"
	KindConnectionLost         ErrorKind = "connection_lost"
	KindCommandFailed          ErrorKind = "command_failed"
	KindServiceNotFound        ErrorKind = "service_not_found"
	KindCharacteristicNotFound ErrorKind = "characteristic_not_found"
	KindTimeout                ErrorKind = "timeout"
	KindUnknown                ErrorKind = "unknown"
)

// Severity grades a classified error for presentation only; it never drives
// retry decisions.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Sentinel errors transports wrap so Classify can map raw failures to kinds.
var (
	ErrAdapterDisabled        = errors.New("bluetooth adapter is powered off")
	ErrPermissionDenied       = errors.New("bluetooth permission denied")
	ErrDeviceNotFound         = errors.New("device not found")
	ErrConnectionFailed       = errors.New("connection failed")
	ErrConnectionLost         = errors.New("connection lost")
	ErrServiceNotFound        = errors.New("required service not found")
	ErrCharacteristicNotFound = errors.New("characteristic not found")
	ErrTimeout                = errors.New("operation timed out")
)

// ClassifiedError is the only error type that crosses the transport boundary
// into the state machine, queue, and recovery engine.
type ClassifiedError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Code        string    `json:"code,omitempty"`
	Severity    Severity  `json:"severity"`
	Recoverable bool      `json:"recoverable"`
	cause       error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// recoverable kinds are retried automatically; adapter_disabled and
// permission_denied need out-of-band user action, unknown defaults to
// non-recoverable.
func recoverableKind(kind ErrorKind) bool {
	switch kind {
	case KindConnectionFailed, KindConnectionLost, KindCommandFailed, KindTimeout:
		return true
	}
	return false
}

func severityOf(kind ErrorKind) Severity {
	switch kind {
	case KindAdapterDisabled, KindPermissionDenied:
		return SeverityCritical
	case KindConnectionLost, KindServiceNotFound, KindCharacteristicNotFound:
		return SeverityHigh
	case KindConnectionFailed, KindDeviceNotFound, KindTimeout:
		return SeverityMedium
	case KindCommandFailed:
		return SeverityLow
	}
	return SeverityMedium
}

func newClassified(kind ErrorKind, cause error) *ClassifiedError {
	msg := string(kind)
	if cause != nil {
		msg = cause.Error()
	}
	return &ClassifiedError{
		Kind:        kind,
		Message:     msg,
		Severity:    severityOf(kind),
		Recoverable: recoverableKind(kind),
		cause:       cause,
	}
}

// Classify wraps a raw transport failure into a ClassifiedError. Errors that
// are already classified pass through unchanged.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, ErrAdapterDisabled):
		return newClassified(KindAdapterDisabled, err)
	case errors.Is(err, ErrPermissionDenied):
		return newClassified(KindPermissionDenied, err)
	case errors.Is(err, ErrDeviceNotFound):
		return newClassified(KindDeviceNotFound, err)
	case errors.Is(err, ErrConnectionLost):
		return newClassified(KindConnectionLost, err)
	case errors.Is(err, ErrConnectionFailed):
		return newClassified(KindConnectionFailed, err)
	case errors.Is(err, ErrServiceNotFound):
		return newClassified(KindServiceNotFound, err)
	case errors.Is(err, ErrCharacteristicNotFound):
		return newClassified(KindCharacteristicNotFound, err)
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return newClassified(KindTimeout, err)
	}

	return newClassified(KindUnknown, err)
}

// ClassifyAs wraps err under an explicitly known kind, for call sites that
// know more than the raw error carries (e.g. a write failure on a live link
// is a command failure, not a generic unknown).
func ClassifyAs(kind ErrorKind, err error) *ClassifiedError {
	if err == nil {
		err = errors.New(string(kind))
	}
	return newClassified(kind, err)
}
