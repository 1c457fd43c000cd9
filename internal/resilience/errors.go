package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an I/O failure that is safe to retry: timeouts,
// connection resets, 5xx and 429 responses.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RequestError is a semantic failure of a request (4xx, malformed query).
// It is never retried.
type RequestError struct {
	Err        error
	StatusCode int
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// NewRequestError wraps an error as a non-retryable request failure.
func NewRequestError(err error, statusCode int) *RequestError {
	return &RequestError{Err: err, StatusCode: statusCode}
}

// DecodeError describes a single feature that could not be decoded.
// The feature is dropped; the page continues.
type DecodeError struct {
	FeatureID string
	Ref       string
	Err       error
}

func (e *DecodeError) Error() string {
	id := e.FeatureID
	if id == "" {
		id = "<unknown>"
	}
	return fmt.Sprintf("decode feature %s at %s: %v", id, e.Ref, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// GeometryError describes a feature whose geometry could not be validated
// or reprojected. The feature is excluded from aggregation.
type GeometryError struct {
	FeatureID string
	Err       error
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("geometry of feature %s: %v", e.FeatureID, e.Err)
}

func (e *GeometryError) Unwrap() error {
	return e.Err
}

// RunFatalError marks a condition that fails the whole run: zero successful
// pages on fetch, or a missing bronze partition on a transform-only run.
type RunFatalError struct {
	Reason string
	Err    error
}

func (e *RunFatalError) Error() string {
	if e.Err == nil {
		return "run fatal: " + e.Reason
	}
	return "run fatal: " + e.Reason + ": " + e.Err.Error()
}

func (e *RunFatalError) Unwrap() error {
	return e.Err
}

// NewRunFatalError creates a RunFatalError.
func NewRunFatalError(reason string, err error) *RunFatalError {
	return &RunFatalError{Reason: reason, Err: err}
}

// ExhaustedError is returned by Do/DoVal when every attempt failed with a
// retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient network patterns.
// RequestErrors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var re *RequestError
	if errors.As(err, &re) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsRequestError reports whether err is a non-retryable request failure.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

// IsFatal reports whether err is a RunFatalError.
func IsFatal(err error) bool {
	var fe *RunFatalError
	return errors.As(err, &fe)
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return statusCode >= 500
	}
}

// ClassifyStatus wraps err according to the HTTP status code: transient
// statuses become TransientError, other 4xx become RequestError.
func ClassifyStatus(err error, statusCode int) error {
	if IsTransientHTTPStatus(statusCode) {
		return NewTransientError(err, statusCode)
	}
	return NewRequestError(err, statusCode)
}
