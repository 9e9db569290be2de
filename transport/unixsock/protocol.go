// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package unixsock

import (
	"fmt"
	"io"

	"github.com/absmach/mcsb/codec"
	"github.com/vmihailenco/msgpack/v5"
)

// Op identifies a control message. Control frame bodies are a big-endian
// Op followed by a msgpack-encoded message.
type Op uint16

// Control operations.
const (
	OpHello        Op = 0x0001 // client -> manager, Hello
	OpAssign       Op = 0x0002 // manager -> client, Assign
	OpRequestSlabs Op = 0x0003 // client -> manager, Slabs
	OpGrant        Op = 0x0004 // manager -> client, Slabs
	OpSubscribe    Op = 0x0005 // client -> manager, IDs
	OpUnsubscribe  Op = 0x0006 // client -> manager, IDs
	OpToken        Op = 0x0007 // both directions, Token
	OpDropReport   Op = 0x0008 // manager -> client, Drop
	OpDropAck      Op = 0x0009 // client -> manager, Drop
	OpReject       Op = 0x000A // manager -> client, Reject
	OpGroupRequest Op = 0x000B // client -> manager, Group
	OpGroupAssign  Op = 0x000C // manager -> client, Group
	OpWatch        Op = 0x000D // client -> manager, Watch
	OpRegistration Op = 0x000E // manager -> client, Registration
)

func (op Op) String() string {
	switch op {
	case OpHello:
		return "hello"
	case OpAssign:
		return "assign"
	case OpRequestSlabs:
		return "request_slabs"
	case OpGrant:
		return "grant"
	case OpSubscribe:
		return "subscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	case OpToken:
		return "token"
	case OpDropReport:
		return "drop_report"
	case OpDropAck:
		return "drop_ack"
	case OpReject:
		return "reject"
	case OpGroupRequest:
		return "group_request"
	case OpGroupAssign:
		return "group_assign"
	case OpWatch:
		return "watch"
	case OpRegistration:
		return "registration"
	default:
		return fmt.Sprintf("op(0x%04x)", uint16(op))
	}
}

// Hello opens a session.
type Hello struct {
	PID  int    `msgpack:"pid"`
	Name string `msgpack:"name"`
}

// Assign describes the pool the Manager attached the client to.
type Assign struct {
	ClientID  uint32 `msgpack:"client_id"`
	ShmName   string `msgpack:"shm_name"`
	BlockSize uint32 `msgpack:"block_size"`
	SlabSize  uint32 `msgpack:"slab_size"`
	PoolSlabs uint32 `msgpack:"pool_slabs"`
	CRCPolicy string `msgpack:"crc_policy"`
}

// Slabs is a slab request or grant.
type Slabs struct {
	Producer uint32 `msgpack:"producer"`
	Consumer uint32 `msgpack:"consumer"`
}

// IDs lists message IDs to subscribe or unsubscribe.
type IDs struct {
	IDs []uint32 `msgpack:"ids"`
}

// Token is a sequence token.
type Token struct {
	Token uint32 `msgpack:"token"`
}

// Drop reports or acknowledges dropped data.
type Drop struct {
	Segments uint32 `msgpack:"segments"`
	Bytes    uint32 `msgpack:"bytes"`
}

// Group is a group request, by name, or its answer, by ID.
type Group struct {
	Name string `msgpack:"name,omitempty"`
	ID   uint16 `msgpack:"id,omitempty"`
}

// Watch turns registration reports on or off. Current asks for the
// registrations already in place.
type Watch struct {
	New     bool `msgpack:"new"`
	Current bool `msgpack:"current"`
}

// Registration reports a client's registration change.
type Registration struct {
	Registered bool     `msgpack:"registered"`
	ClientID   uint32   `msgpack:"client_id"`
	GroupID    uint16   `msgpack:"group_id"`
	IDs        []uint32 `msgpack:"ids"`
}

// Reject ends a session.
type Reject struct {
	Reason string `msgpack:"reason"`
}

// WriteControl writes a control frame carrying v.
func WriteControl(w io.Writer, op Op, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", op, err)
	}
	hdr := codec.ControlHeader(uint16(op))
	return codec.WriteFrame(w, codec.KindControl, hdr[:], body)
}

// WriteData writes a data frame.
func WriteData(w io.Writer, id, sum uint32, payload []byte) error {
	hdr := codec.DataHeader(id, sum)
	return codec.WriteFrame(w, codec.KindData, hdr[:], payload)
}

// DecodeControl splits a control frame body and decodes its message into v
// when v is non-nil.
func DecodeControl(body []byte, v any) (Op, error) {
	op, payload, err := codec.DecodeControl(body)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return Op(op), nil
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return Op(op), fmt.Errorf("failed to decode %s: %w", Op(op), err)
	}
	return Op(op), nil
}
