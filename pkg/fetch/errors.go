// Package fetch defines the upstream export API boundary: the Fetcher
// contract the scheduler consumes, a closed error taxonomy for retry
// decisions, and an HTTP implementation.
package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// Class is a closed classification of fetch failures. The scheduler's retry
// logic is a total switch over this type instead of status-code inspection.
type Class string

const (
	// ClassThrottled is an HTTP 429-equivalent. Retryable; always
	// escalates the gate's backoff window.
	ClassThrottled Class = "throttled"

	// ClassServer is a 5xx-equivalent transient failure, including
	// transport-level errors. Retryable with the same backoff schedule.
	ClassServer Class = "server"

	// ClassClient is a 4xx other than throttling. Never retried.
	ClassClient Class = "client"

	// ClassPermanent is a malformed or undecodable response. Never
	// retried.
	ClassPermanent Class = "permanent"
)

// Retryable reports whether an error of this class may be retried.
func (c Class) Retryable() bool {
	switch c {
	case ClassThrottled, ClassServer:
		return true
	default:
		return false
	}
}

// Error is a fetch failure carrying its classification and, for HTTP
// failures, the upstream status code.
type Error struct {
	Class   Class
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s error (status %d): %s: %v",
			e.Class, e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("fetch %s error (status %d): %s", e.Class, e.Status, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code to an error class.
// 2xx codes are not errors and map to the empty class.
func ClassifyStatus(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassThrottled
	case status >= 500:
		return ClassServer
	case status >= 400:
		return ClassClient
	default:
		return ""
	}
}

// ClassOf extracts the class from an error chain.
// Returns false for errors that did not originate from a fetch.
func ClassOf(err error) (Class, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class, true
	}
	return "", false
}
