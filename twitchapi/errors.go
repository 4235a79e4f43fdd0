package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrorClass represents whether a Helix call should be retried.
type ErrorClass int

const (
	// ErrorClassRetryable marks transient failures (network, 5xx, 429).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal marks failures a retry cannot fix (4xx, canceled).
	ErrorClassFatal
	// ErrorClassAuth marks a rejected token; the caller may refresh it once.
	ErrorClassAuth
	// ErrorClassUnknown is returned for a nil error.
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	case ErrorClassAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// isBadRequest reports whether Helix rejected the request parameters.
func isBadRequest(err error) bool {
	var he *HelixError
	return errors.As(err, &he) && he.StatusCode == http.StatusBadRequest
}

// HelixError is a non-2xx Helix response.
type HelixError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	RetryAfter time.Duration

	hasRetryAfter bool
}

func (e *HelixError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("helix %s %s: %d %s", e.Method, e.Path, e.StatusCode, msg)
}

// ClassifyError decides how a Helix call failure is handled.
//
// Auth: 401 responses.
// Fatal: other 4xx responses, context errors, a missing or unrefreshable
// user token.
// Retryable: 429, 5xx, network errors, and anything unrecognised.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNoUserToken) {
		return ErrorClassFatal
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return ErrorClassFatal
	}
	var he *HelixError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusUnauthorized:
			return ErrorClassAuth
		case he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500:
			return ErrorClassRetryable
		default:
			return ErrorClassFatal
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{"unauthorized", "invalid oauth token"} {
		if strings.Contains(lower, pattern) {
			return ErrorClassAuth
		}
	}
	for _, pattern := range []string{"missing client id", "invalid url", "unsupported protocol"} {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}
	return ErrorClassRetryable
}

// IsRetryableError reports whether err is worth another attempt.
func IsRetryableError(err error) bool { return ClassifyError(err) == ErrorClassRetryable }

// IsFatalError reports whether err should not be retried.
func IsFatalError(err error) bool { return ClassifyError(err) == ErrorClassFatal }
