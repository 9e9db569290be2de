// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process Manager. Every connection it hands
// out implements transport.Transport, so clients in one process can exchange
// messages without a Manager daemon. It backs the CLI loopback mode and the
// client tests.
package memory

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/absmach/mcsb/crc"
	"github.com/absmach/mcsb/transport"
)

// Defaults for a Manager pool.
const (
	DefaultBlockSize = 4 << 10
	DefaultSlabSize  = 1 << 20
	DefaultPoolSlabs = 256
	DefaultShmName   = "/mcsb-memory"
)

var (
	ErrAlreadyOpen    = errors.New("connection already open")
	ErrNotOpen        = errors.New("connection not open")
	ErrNoProducerSlab = errors.New("no producer slabs granted")
	ErrTooLarge       = errors.New("message exceeds producer buffer")
	ErrInvalidGroup   = errors.New("invalid group name")
	ErrTooManyGroups  = errors.New("group IDs exhausted")
)

// Config describes the pool a Manager hands out.
type Config struct {
	ShmName    string
	BlockSize  uint32
	SlabSize   uint32
	PoolSlabs  uint32
	DefaultCRC crc.Policy
}

// DefaultConfig returns a pool large enough for the default client watermarks.
func DefaultConfig() Config {
	return Config{
		ShmName:    DefaultShmName,
		BlockSize:  DefaultBlockSize,
		SlabSize:   DefaultSlabSize,
		PoolSlabs:  DefaultPoolSlabs,
		DefaultCRC: crc.None,
	}
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID            uint32
	Name          string
	PID           int
	GroupID       uint16
	ProducerSlabs uint32
	ConsumerSlabs uint32
}

// TamperFunc may rewrite a message on its way to the client identified by to.
// The payload is shared with other recipients and must be copied before it
// is modified.
type TamperFunc func(to uint32, m *transport.Message)

// Manager routes messages between the connections it created. A message is
// not routed to connections that share the sender's non-zero group ID.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	nextID uint32
	used   uint32
	conns  map[uint32]*Conn
	subs   map[uint32]map[uint32]*Conn
	groups map[string]uint16
	tamper TamperFunc
}

// NewManager creates a Manager. Zero fields of cfg take their defaults.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.ShmName == "" {
		cfg.ShmName = def.ShmName
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = def.BlockSize
	}
	if cfg.SlabSize == 0 {
		cfg.SlabSize = def.SlabSize
	}
	if cfg.PoolSlabs == 0 {
		cfg.PoolSlabs = def.PoolSlabs
	}
	return &Manager{
		cfg:    cfg,
		conns:  make(map[uint32]*Conn),
		subs:   make(map[uint32]map[uint32]*Conn),
		groups: make(map[string]uint16),
	}
}

// Dial returns a new, unopened connection.
func (m *Manager) Dial() *Conn {
	return &Conn{
		mgr:    m,
		notify: make(chan struct{}, 1),
	}
}

// SetTamper installs fn on the delivery path. Pass nil to remove it.
func (m *Manager) SetTamper(fn TamperFunc) {
	m.mu.Lock()
	m.tamper = fn
	m.mu.Unlock()
}

// FreeSlabs returns the number of unallocated slabs in the pool.
func (m *Manager) FreeSlabs() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.PoolSlabs - m.used
}

// Clients lists open connections ordered by client ID.
func (m *Manager) Clients() []ClientInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ClientInfo, 0, len(m.conns))
	for id, c := range m.conns {
		out = append(out, ClientInfo{
			ID:            id,
			Name:          c.hello.ClientName,
			PID:           c.hello.PID,
			GroupID:       c.group,
			ProducerSlabs: c.producer,
			ConsumerSlabs: c.consumer,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribers returns the number of connections subscribed to id.
func (m *Manager) Subscribers(id uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[id])
}

func (m *Manager) open(c *Conn, h transport.Hello) {
	c.id = m.nextID
	m.nextID++
	c.hello = h
	c.opened = true
	m.conns[c.id] = c
	c.push(transport.Assigned{
		ClientID:   c.id,
		ShmName:    m.cfg.ShmName,
		BlockSize:  m.cfg.BlockSize,
		SlabSize:   m.cfg.SlabSize,
		PoolSlabs:  m.cfg.PoolSlabs,
		DefaultCRC: m.cfg.DefaultCRC,
	})
}

// grant allocates up to want slabs and returns how many were given.
func (m *Manager) grant(want uint32) uint32 {
	free := m.cfg.PoolSlabs - m.used
	if want > free {
		want = free
	}
	m.used += want
	return want
}

func (m *Manager) release(c *Conn) {
	m.used -= c.producer + c.consumer
	c.producer, c.consumer = 0, 0
}

func (m *Manager) route(from *Conn, msg transport.Message) {
	subs := m.subs[msg.ID]
	if len(subs) == 0 {
		return
	}
	// One copy per send, shared by every recipient.
	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)
	msg.Payload = payload

	ids := make([]uint32, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		to := subs[id]
		if from.group != 0 && to.group == from.group {
			continue
		}
		out := msg
		if m.tamper != nil {
			m.tamper(id, &out)
		}
		to.deliver(out, m.cfg.SlabSize)
	}
}

func (m *Manager) drop(c *Conn) {
	registered := m.idsOf(c)
	for id, subs := range m.subs {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(m.subs, id)
		}
	}
	m.release(c)
	delete(m.conns, c.id)
	m.announce(c, false, registered)
}

// joinGroup gives c the group ID for name, allocating one on first use.
func (m *Manager) joinGroup(c *Conn, name string) error {
	if name == "" {
		return ErrInvalidGroup
	}
	gid, ok := m.groups[name]
	if !ok {
		if len(m.groups) >= math.MaxUint16 {
			return ErrTooManyGroups
		}
		gid = uint16(len(m.groups) + 1)
		m.groups[name] = gid
	}
	c.group = gid
	c.push(transport.GroupAssigned{GroupID: gid})
	return nil
}

// watch turns registration reports for c on or off. Turning them on reports
// every current registration, one event per client.
func (m *Manager) watch(c *Conn, on bool) {
	c.watching = on
	if !on {
		return
	}
	for _, id := range m.connIDs() {
		peer := m.conns[id]
		if ids := m.idsOf(peer); len(ids) > 0 {
			c.push(transport.Registration{Registered: true, ClientID: peer.id, GroupID: peer.group, IDs: ids})
		}
	}
}

// announce reports a registration change by c to every watching connection.
// Recipients share ids.
func (m *Manager) announce(c *Conn, registered bool, ids []uint32) {
	if len(ids) == 0 {
		return
	}
	ev := transport.Registration{Registered: registered, ClientID: c.id, GroupID: c.group, IDs: ids}
	for _, id := range m.connIDs() {
		if to := m.conns[id]; to.watching {
			to.push(ev)
		}
	}
}

// idsOf returns the message IDs c is subscribed to, in ascending order.
func (m *Manager) idsOf(c *Conn) []uint32 {
	var ids []uint32
	for id, subs := range m.subs {
		if _, ok := subs[c.id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) connIDs() []uint32 {
	ids := make([]uint32, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
