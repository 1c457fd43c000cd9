package resilience

import (
	"errors"
	"time"
)

// ErrorClass labels a failure for reporting.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassRequest   ErrorClass = "request"
	ClassCancelled ErrorClass = "cancelled"
	ClassOther     ErrorClass = "other"
)

// PageFailure records a page that could not be fetched within its retry budget.
type PageFailure struct {
	Page     int        `json:"page"`
	Class    ErrorClass `json:"class"`
	Error    string     `json:"error"`
	FailedAt time.Time  `json:"failed_at"`
}

// Classify categorizes an error for the run summary.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case IsRequestError(err):
		return ClassRequest
	case isExplicitTransient(err):
		return ClassTransient
	case isCancelled(err):
		return ClassCancelled
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassOther
	}
}

// NewPageFailure builds a PageFailure from the last error seen for page.
func NewPageFailure(page int, err error) PageFailure {
	return PageFailure{
		Page:     page,
		Class:    Classify(err),
		Error:    err.Error(),
		FailedAt: time.Now().UTC(),
	}
}

func isExplicitTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
