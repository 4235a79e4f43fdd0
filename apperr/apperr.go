// Package apperr defines the error taxonomy shared by the store, the
// configuration loader and the synchronization engine.
//
// Configuration, NotFound and Parse errors are fatal for the call that
// produced them. RemoteLookup and RemoteSubscription errors are non-fatal:
// the engine logs them and reflects them as a stale channel.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports a missing or invalid setting, e.g. a store with no
// established path or a malformed config file.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NotFoundError reports an absent file.
type NotFoundError struct {
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// ParseError reports a malformed persisted document.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RemoteLookupError reports a failed channel lookup. Channels lists the names
// whose state could not be fetched; empty means the whole call failed.
type RemoteLookupError struct {
	Channels []string
	Err      error
}

func (e *RemoteLookupError) Error() string {
	if len(e.Channels) == 0 {
		return fmt.Sprintf("remote lookup failed: %v", e.Err)
	}
	return fmt.Sprintf("remote lookup failed for %s: %v", strings.Join(e.Channels, ","), e.Err)
}

func (e *RemoteLookupError) Unwrap() error { return e.Err }

// RemoteSubscriptionError reports a failed push subscribe or unsubscribe.
type RemoteSubscriptionError struct {
	Channel string
	Op      string
	Err     error
}

func (e *RemoteSubscriptionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Channel, e.Err)
}

func (e *RemoteSubscriptionError) Unwrap() error { return e.Err }

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsParse reports whether err is (or wraps) a ParseError.
func IsParse(err error) bool {
	var target *ParseError
	return errors.As(err, &target)
}

// IsRemoteLookup reports whether err is (or wraps) a RemoteLookupError.
func IsRemoteLookup(err error) bool {
	var target *RemoteLookupError
	return errors.As(err, &target)
}

// IsRemoteSubscription reports whether err is (or wraps) a RemoteSubscriptionError.
func IsRemoteSubscription(err error) bool {
	var target *RemoteSubscriptionError
	return errors.As(err, &target)
}
