package viewsync

import (
	"errors"
	"fmt"
)

// Common errors returned by the client. These can be used with errors.Is()
// to check for specific error conditions.
//
// Example:
//
//	value, err := client.Get(ctx, viewsync.Entity("Widget"), "w1")
//	if errors.Is(err, viewsync.ErrNotFound) {
//	    // Key is not present in the view
//	} else if errors.Is(err, viewsync.ErrTimeout) {
//	    // View produced no update before the deadline
//	}
var (
	// ErrInvalidConfig is returned when the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound is returned when a key is not present in a view
	ErrNotFound = errors.New("key not found")

	// ErrTimeout is returned when a waited operation exceeds its deadline
	ErrTimeout = errors.New("operation timed out")

	// ErrViewNotSubscribed is returned by registry helpers when the named
	// view was never subscribed, as opposed to subscribed but still quiet
	ErrViewNotSubscribed = errors.New("view not subscribed")

	// ErrClientClosed is returned when operations are attempted on a
	// disconnected client that was explicitly closed
	ErrClientClosed = errors.New("client is closed")

	// ErrNotConnected is returned when a wire send is attempted without an
	// established connection
	ErrNotConnected = errors.New("not connected")
)

// ConfigError reports an unusable configuration value. It wraps
// ErrInvalidConfig so callers can match with errors.Is.
type ConfigError struct {
	// Field is the configuration field at fault
	Field string
	// Reason describes why the value is unusable
	Reason string
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrInvalidConfig
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// ConnectionError is returned by Connect when the backoff schedule is
// exhausted before a connection could be established, or when the transport
// cannot be constructed at all.
//
// It is fatal only to the Connect call that produced it: once a session has
// been established, later ambient reconnect failures are reported through
// the Observer and the logger, never raised to a caller.
type ConnectionError struct {
	// Attempts is the number of dial attempts made before giving up
	Attempts int
	// Err is the error from the final attempt
	Err error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the underlying error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError is returned by the frame codec for an undecodable or
// malformed frame. The connection manager drops the single offending message
// and keeps the connection up.
type ProtocolError struct {
	// Reason describes what was wrong with the payload
	Reason string
	// Err is the underlying decode error, if any
	Err error
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// Unwrap returns the underlying error
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// SubscriptionError is raised synchronously at subscribe time for a view
// string that does not follow the "Entity/mode" convention.
type SubscriptionError struct {
	// View is the offending view string
	View string
	// Reason describes why the subscription was rejected
	Reason string
}

// Error implements the error interface
func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("invalid subscription %q: %s", e.View, e.Reason)
}

// ParseError reports a failure of a caller-supplied parser or of a typed
// view decode. It is isolated at the point of use and never aborts
// reconciliation.
type ParseError struct {
	// View is the view whose value failed to parse
	View string
	// Key is the entry key, when known
	Key string
	// Err is the underlying parse error
	Err error
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("parse error in %s key %q: %v", e.View, e.Key, e.Err)
	}
	return fmt.Sprintf("parse error in %s: %v", e.View, e.Err)
}

// Unwrap returns the underlying error
func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsTimeout checks if the error represents an expired wait.
// Timeouts are non-fatal; the caller may simply retry.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotFound checks if the error represents an absent key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNotSubscribed checks if the error indicates a view that was never
// subscribed, as opposed to one that is subscribed but has not yet received
// an update (which surfaces as ErrTimeout).
func IsNotSubscribed(err error) bool {
	return errors.Is(err, ErrViewNotSubscribed)
}
