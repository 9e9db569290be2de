// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package unixsock

import (
	"errors"
	"net"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/absmach/mcsb/codec"
)

// FakeManager is a single-client Manager used by the tests. Data frames are
// looped back to the sender when it subscribed to their ID.
type FakeManager struct {
	t        *testing.T
	Path     string
	SlabSize uint32
	Policy   string

	ln net.Listener

	mu     sync.Mutex
	conn   net.Conn
	hellos []Hello
	subs   map[uint32]bool
	acks   []Drop
	groups []string
	ready  chan struct{}
}

// NewFakeManager listens on a fresh socket path. Call Start to accept.
func NewFakeManager(t *testing.T) *FakeManager {
	t.Helper()
	return &FakeManager{
		t:        t,
		Path:     filepath.Join(t.TempDir(), "mcsb.sock"),
		SlabSize: 4096,
		Policy:   "OFF",
		subs:     make(map[uint32]bool),
		ready:    make(chan struct{}),
	}
}

// Start begins accepting one client.
func (m *FakeManager) Start() {
	m.t.Helper()
	ln, err := net.Listen("unix", m.Path)
	if err != nil {
		m.t.Fatalf("listen: %v", err)
	}
	m.ln = ln
	m.t.Cleanup(func() {
		ln.Close()
		m.mu.Lock()
		if m.conn != nil {
			m.conn.Close()
		}
		m.mu.Unlock()
	})

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		close(m.ready)
		m.serve(conn)
	}()
}

func (m *FakeManager) serve(conn net.Conn) {
	for {
		f, err := codec.ReadFrame(conn)
		if err != nil {
			return
		}
		if f.Kind == codec.KindData {
			id, _, _, err := codec.DecodeData(f.Body)
			if err != nil {
				return
			}
			m.mu.Lock()
			sub := m.subs[id]
			m.mu.Unlock()
			if sub {
				m.write(codec.KindData, f.Body)
			}
			continue
		}

		op, err := DecodeControl(f.Body, nil)
		if err != nil {
			return
		}
		switch op {
		case OpHello:
			var h Hello
			if _, err := DecodeControl(f.Body, &h); err != nil {
				return
			}
			m.mu.Lock()
			m.hellos = append(m.hellos, h)
			m.mu.Unlock()
			m.control(OpAssign, Assign{
				ClientID:  7,
				ShmName:   "/mcsb-test",
				BlockSize: 512,
				SlabSize:  m.SlabSize,
				PoolSlabs: 64,
				CRCPolicy: m.Policy,
			})
		case OpRequestSlabs:
			var s Slabs
			if _, err := DecodeControl(f.Body, &s); err != nil {
				return
			}
			m.control(OpGrant, s)
		case OpSubscribe, OpUnsubscribe:
			var ids IDs
			if _, err := DecodeControl(f.Body, &ids); err != nil {
				return
			}
			m.mu.Lock()
			for _, id := range ids.IDs {
				if op == OpSubscribe {
					m.subs[id] = true
				} else {
					delete(m.subs, id)
				}
			}
			m.mu.Unlock()
		case OpToken:
			var tok Token
			if _, err := DecodeControl(f.Body, &tok); err != nil {
				return
			}
			m.control(OpToken, tok)
		case OpGroupRequest:
			var g Group
			if _, err := DecodeControl(f.Body, &g); err != nil {
				return
			}
			m.mu.Lock()
			m.groups = append(m.groups, g.Name)
			gid := uint16(len(m.groups))
			m.mu.Unlock()
			m.control(OpGroupAssign, Group{ID: gid})
		case OpWatch:
			var w Watch
			if _, err := DecodeControl(f.Body, &w); err != nil {
				return
			}
			if !w.Current {
				continue
			}
			m.mu.Lock()
			var ids []uint32
			for id := range m.subs {
				ids = append(ids, id)
			}
			m.mu.Unlock()
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			if len(ids) > 0 {
				m.control(OpRegistration, Registration{Registered: true, ClientID: 7, IDs: ids})
			}
		case OpDropAck:
			var d Drop
			if _, err := DecodeControl(f.Body, &d); err != nil {
				return
			}
			m.mu.Lock()
			m.acks = append(m.acks, d)
			m.mu.Unlock()
		}
	}
}

func (m *FakeManager) control(op Op, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = WriteControl(m.conn, op, v)
	}
}

func (m *FakeManager) write(kind codec.Kind, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = codec.WriteFrame(m.conn, kind, body)
	}
}

// WriteRaw writes b to the client unframed.
func (m *FakeManager) WriteRaw(b []byte) error {
	<-m.ready
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.conn.Write(b)
	return err
}

// ReportDrop sends a drop report.
func (m *FakeManager) ReportDrop(segments, bytes uint32) {
	<-m.ready
	m.control(OpDropReport, Drop{Segments: segments, Bytes: bytes})
}

// RejectClient sends a reject message.
func (m *FakeManager) RejectClient(reason string) {
	<-m.ready
	m.control(OpReject, Reject{Reason: reason})
}

// Hangup closes the client connection.
func (m *FakeManager) Hangup() error {
	<-m.ready
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return errors.New("no client")
	}
	return m.conn.Close()
}

// Hellos returns the hello messages received.
func (m *FakeManager) Hellos() []Hello {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Hello(nil), m.hellos...)
}

// Acks returns the drop acknowledgements received.
func (m *FakeManager) Acks() []Drop {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Drop(nil), m.acks...)
}
