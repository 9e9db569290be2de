// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"io"

	"github.com/google/uuid"
)

// MessageID tags every message on an MCSB channel.
type MessageID uint32

// Identity distinguishes subscribers registered on the same message ID.
// Two handlers with the same behaviour but different identities are separate
// subscribers.
type Identity string

// NewIdentity returns a unique identity.
func NewIdentity() Identity {
	return Identity(uuid.NewString())
}

// Handler consumes inbound messages.
type Handler interface {
	HandleMessage(id MessageID, p Payload) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(id MessageID, p Payload) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(id MessageID, p Payload) error {
	return f(id, p)
}

// Payload is a read-only view of an inbound message. It is only valid
// during the handler call that received it; use Bytes to keep a copy.
type Payload struct {
	b       []byte
	mutable bool
}

// Len returns the payload size in bytes.
func (p Payload) Len() int {
	return len(p.b)
}

// At returns the byte at index i.
func (p Payload) At(i int) byte {
	return p.b[i]
}

// Bytes returns a copy of the payload.
func (p Payload) Bytes() []byte {
	return bytes.Clone(p.b)
}

// String returns the payload as a string.
func (p Payload) String() string {
	return string(p.b)
}

// Equal reports whether the payload holds exactly b.
func (p Payload) Equal(b []byte) bool {
	return bytes.Equal(p.b, b)
}

// CopyTo copies the payload into dst and returns the number of bytes copied.
func (p Payload) CopyTo(dst []byte) int {
	return copy(dst, p.b)
}

// Reader returns a reader over the payload.
func (p Payload) Reader() *bytes.Reader {
	return bytes.NewReader(p.b)
}

// WriteTo implements io.WriterTo.
func (p Payload) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.b)
	return int64(n), err
}

// Mutable returns the underlying buffer when the client was built with
// MutablePayloads. Writes are seen by handlers called later for the same
// message unless the CRC policy verifies, in which case each handler gets
// its own copy.
func (p Payload) Mutable() ([]byte, bool) {
	if !p.mutable {
		return nil, false
	}
	return p.b, true
}

// Registration describes another client registering or deregistering
// message IDs. The client's own changes are reported too.
type Registration struct {
	Registered bool
	ClientID   uint32
	GroupID    uint16
	IDs        []MessageID
}
