// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	// Configuration errors.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidMessageID     = errors.New("invalid message ID")
	ErrInvalidCallback      = errors.New("invalid callback")
	ErrInvalidIdentity      = errors.New("invalid callback identity")
	ErrInvalidGroup         = errors.New("invalid group")

	// Lifecycle errors.
	ErrNotReady          = errors.New("channel not ready")
	ErrClosingInProgress = errors.New("channel closing")
	ErrClosed            = errors.New("channel closed")

	// Delivery errors.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrMessageTooLarge  = errors.New("message exceeds negotiated size")
	ErrHandlerPanic     = errors.New("handler panicked")
	ErrTimeout          = errors.New("operation timed out")

	// ErrTransportFailure wraps any error reported by the transport. The
	// client is Closed once it is returned.
	ErrTransportFailure = errors.New("transport failure")
)

// MessageError reports a failure tied to one inbound message. Identity is
// empty when the failure happened before dispatch.
type MessageError struct {
	MessageID MessageID
	Identity  Identity
	Err       error
}

func (e *MessageError) Error() string {
	if e.Identity == "" {
		return fmt.Sprintf("message %d: %v", e.MessageID, e.Err)
	}
	return fmt.Sprintf("message %d, handler %s: %v", e.MessageID, e.Identity, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}
