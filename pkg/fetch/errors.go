package fetch

import (
	"errors"
	"fmt"
)

// ErrFetchFailed matches every *Error via errors.Is.
var ErrFetchFailed = errors.New("fetch failed")

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassCanceled represents a request abandoned by its originator.
	ErrorClassCanceled ErrorClass = "canceled"
)

// Error is a failed fetch with additional context.
type Error struct {
	URL        string
	Class      ErrorClass
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s error (status %d)", e.URL, e.Class, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s error: %v", e.URL, e.Class, e.Err)
}

// Is makes every *Error match ErrFetchFailed.
func (e *Error) Is(target error) bool {
	return target == ErrFetchFailed
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status to an error class, or "" for success
// and redirect statuses.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassNetwork:
		// Transport failures are transient more often than not
		return true
	default:
		return false
	}
}
