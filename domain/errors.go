// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// AuthError marks an authentication failure. It is fatal: the session
// wrapper never retries it and the circuit breaker never counts it.
type AuthError struct {
	Server string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication against %s failed: %v", e.Server, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ConnectionError marks a connection-class fault: socket resets, read
// timeouts, malformed protocol streams. It must reach the session wrapper
// unobstructed so the whole session can be torn down and retried.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failure during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsConnection reports whether err is connection-class. Untagged transport
// errors surfacing from below the imap layer count as well.
func IsConnection(err error) bool {
	if err == nil {
		return false
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
