// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the contract between an MCSB client and the
// Manager-mediated channel that carries its messages.
//
// A Transport is driven entirely by its owner. It never calls back into the
// client; everything the Manager reports is returned as an Event from Recv.
package transport

import (
	"errors"
	"time"

	"github.com/absmach/mcsb/crc"
)

// ReservedID is never a valid message ID.
const ReservedID uint32 = 0xFFFFFFFF

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Hello identifies a client to the Manager.
type Hello struct {
	ClientName string
	PID        int
}

// Message is a single data message. A zero CRC means no checksum is attached.
type Message struct {
	ID      uint32
	CRC     uint32
	Payload []byte
}

// Event is something the Manager reported. It is one of Assigned, Granted,
// Delivery, Dropped, TokenEcho, GroupAssigned or Registration.
type Event interface {
	event()
}

// Assigned is the Manager's reply to Hello.
type Assigned struct {
	ClientID   uint32
	ShmName    string
	BlockSize  uint32
	SlabSize   uint32
	PoolSlabs  uint32
	DefaultCRC crc.Policy
}

// Granted reports how many slabs the Manager allocated for each role.
type Granted struct {
	Producer uint32
	Consumer uint32
}

// Delivery carries an inbound message. Its payload is owned by the
// transport and is only valid until the next call to Recv.
type Delivery struct {
	Message Message
}

// Dropped reports messages the Manager discarded because this client's
// consumer buffers were full. The transport acknowledges the report itself.
type Dropped struct {
	Segments uint32
	Bytes    uint32
}

// TokenEcho returns a sequence token sent with SendToken. Tokens are echoed
// in order, after every message sent before them.
type TokenEcho struct {
	Token uint32
}

// GroupAssigned answers RequestGroup. Clients sharing a non-zero group ID
// never receive each other's messages.
type GroupAssigned struct {
	GroupID uint16
}

// Registration reports that a client, possibly this one, registered or
// deregistered message IDs. GroupID is the client's group at the time.
type Registration struct {
	Registered bool
	ClientID   uint32
	GroupID    uint16
	IDs        []uint32
}

func (Assigned) event()      {}
func (Granted) event()       {}
func (Delivery) event()      {}
func (Dropped) event()       {}
func (TokenEcho) event()     {}
func (GroupAssigned) event() {}
func (Registration) event()  {}

// Transport is a duplex, Manager-mediated message channel. Implementations
// are not required to be safe for concurrent use. Any error returned is
// treated by the caller as unrecoverable.
type Transport interface {
	// Open starts the handshake.
	Open(h Hello) error
	// RequestSlabs asks for producer and consumer buffer slabs.
	RequestSlabs(producer, consumer uint32) error
	// Subscribe asks the Manager to route id to this client.
	Subscribe(id uint32) error
	// Unsubscribe stops routing id to this client.
	Unsubscribe(id uint32) error
	// Send enqueues m. The payload is copied or written before Send returns.
	Send(m Message) error
	// SendToken enqueues a sequence token behind every message already sent.
	SendToken(token uint32) error
	// RequestGroup asks for the group ID named name. The Manager answers with
	// GroupAssigned.
	RequestGroup(name string) error
	// WatchRegistrations turns Registration events on or off. Turning them on
	// first reports every registration already in place.
	WatchRegistrations(on bool) error
	// Recv returns the next event, waiting at most timeout. It returns a nil
	// event when none arrived in time. A zero timeout never waits.
	Recv(timeout time.Duration) (Event, error)
	// Close releases the channel. It is safe to call more than once.
	Close() error
}
