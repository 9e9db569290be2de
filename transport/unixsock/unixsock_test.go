// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package unixsock

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/mcsb/codec"
	"github.com/absmach/mcsb/crc"
	"github.com/absmach/mcsb/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, c *Conn) transport.Event {
	t.Helper()
	ev, err := c.Recv(2 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, ev, "no event within timeout")
	return ev
}

func handshake(t *testing.T, m *FakeManager) *Conn {
	t.Helper()
	c := New(Config{Path: m.Path, RedialInterval: 10 * time.Millisecond})
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Open(transport.Hello{ClientName: "tester[1]", PID: 1}))

	a, ok := recvEvent(t, c).(transport.Assigned)
	require.True(t, ok)
	assert.Equal(t, uint32(7), a.ClientID)

	require.NoError(t, c.RequestSlabs(2, 3))
	assert.Equal(t, transport.Granted{Producer: 2, Consumer: 3}, recvEvent(t, c))
	return c
}

func TestHandshakeAndLoopback(t *testing.T) {
	m := NewFakeManager(t)
	m.Policy = "VERIFY"
	m.Start()

	c := New(Config{Path: m.Path})
	defer c.Close()
	require.NoError(t, c.Open(transport.Hello{ClientName: "tester[1]", PID: 1}))

	a, ok := recvEvent(t, c).(transport.Assigned)
	require.True(t, ok)
	assert.Equal(t, "/mcsb-test", a.ShmName)
	assert.Equal(t, uint32(4096), a.SlabSize)
	assert.Equal(t, crc.VerifyOnly, a.DefaultCRC)
	require.Len(t, m.Hellos(), 1)
	assert.Equal(t, "tester[1]", m.Hellos()[0].Name)

	require.NoError(t, c.RequestSlabs(1, 1))
	recvEvent(t, c)

	require.NoError(t, c.Subscribe(5))
	payload := []byte("ping")
	sum := crc.Checksum(payload)
	require.NoError(t, c.Send(transport.Message{ID: 5, CRC: sum, Payload: payload}))
	require.NoError(t, c.SendToken(9))

	d, ok := recvEvent(t, c).(transport.Delivery)
	require.True(t, ok)
	assert.Equal(t, uint32(5), d.Message.ID)
	assert.Equal(t, sum, d.Message.CRC)
	assert.Equal(t, payload, d.Message.Payload)

	assert.Equal(t, transport.TokenEcho{Token: 9}, recvEvent(t, c))

	require.NoError(t, c.Unsubscribe(5))
	require.NoError(t, c.Send(transport.Message{ID: 5, Payload: payload}))
	require.NoError(t, c.SendToken(10))
	assert.Equal(t, transport.TokenEcho{Token: 10}, recvEvent(t, c))
}

func TestZeroBudgetRecvDoesNotWait(t *testing.T) {
	m := NewFakeManager(t)
	m.Start()
	c := handshake(t, m)

	start := time.Now()
	ev, err := c.Recv(0)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	start = time.Now()
	ev, err = c.Recv(40 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPartialFrame(t *testing.T) {
	m := NewFakeManager(t)
	m.Start()
	c := handshake(t, m)

	var frame bytes.Buffer
	require.NoError(t, WriteData(&frame, 3, 0, []byte("split payload")))
	raw := frame.Bytes()

	require.NoError(t, m.WriteRaw(raw[:4]))
	time.Sleep(20 * time.Millisecond)
	ev, err := c.Recv(0)
	require.NoError(t, err)
	assert.Nil(t, ev)

	require.NoError(t, m.WriteRaw(raw[4:]))
	d, ok := recvEvent(t, c).(transport.Delivery)
	require.True(t, ok)
	assert.Equal(t, []byte("split payload"), d.Message.Payload)
}

func TestDropReportIsAcknowledged(t *testing.T) {
	m := NewFakeManager(t)
	m.Start()
	c := handshake(t, m)

	m.ReportDrop(2, 100)
	assert.Equal(t, transport.Dropped{Segments: 2, Bytes: 100}, recvEvent(t, c))

	require.NoError(t, c.SendToken(1))
	recvEvent(t, c)
	assert.Equal(t, []Drop{{Segments: 2, Bytes: 100}}, m.Acks())
}

func TestUnknownControlIsSkipped(t *testing.T) {
	m := NewFakeManager(t)
	m.Start()
	c := handshake(t, m)

	var raw bytes.Buffer
	require.NoError(t, WriteControl(&raw, Op(0x7F), Token{Token: 1}))
	require.NoError(t, WriteControl(&raw, OpToken, Token{Token: 2}))
	require.NoError(t, m.WriteRaw(raw.Bytes()))

	assert.Equal(t, transport.TokenEcho{Token: 2}, recvEvent(t, c))
}

func TestRejectIsFatal(t *testing.T) {
	m := NewFakeManager(t)
	m.Start()
	c := handshake(t, m)

	m.RejectClient("pool exhausted")
	_, err := c.Recv(2 * time.Second)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestHangup(t *testing.T) {
	m := NewFakeManager(t)
	m.Start()
	c := handshake(t, m)

	require.NoError(t, m.Hangup())
	_, err := c.Recv(2 * time.Second)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLazyDial(t *testing.T) {
	m := NewFakeManager(t)
	c := New(Config{Path: m.Path, RedialInterval: 5 * time.Millisecond})
	defer c.Close()

	require.NoError(t, c.Open(transport.Hello{ClientName: "early", PID: 2}))
	ev, err := c.Recv(0)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.ErrorIs(t, c.Subscribe(1), ErrNotConnected)

	m.Start()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ev, err = c.Recv(50 * time.Millisecond)
		require.NoError(t, err)
		if ev != nil {
			break
		}
	}
	assert.IsType(t, transport.Assigned{}, ev)
}

func TestDialAttemptsExhausted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.sock")
	c := New(Config{Path: path, DialAttempts: 1})
	err := c.Open(transport.Hello{})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClosed(t *testing.T) {
	c := New(Config{Path: "/nonexistent/mcsb.sock"})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Recv(0)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, c.Send(transport.Message{}), transport.ErrClosed)
	assert.ErrorIs(t, c.Open(transport.Hello{}), transport.ErrClosed)
}

func TestExpandPath(t *testing.T) {
	t.Setenv("USER", "alice")
	assert.Equal(t, "/tmp/mcsb-alice.sock", ExpandPath("/tmp/mcsb-%U.sock"))
	assert.Equal(t, "/run/mcsb.sock", ExpandPath("/run/mcsb.sock"))
	assert.Equal(t, "alice", Username())
}

func TestControlRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteControl(&buf, OpGrant, Slabs{Producer: 4, Consumer: 5}))

	f, err := codec.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, codec.KindControl, f.Kind)

	var s Slabs
	op, err := DecodeControl(f.Body, &s)
	require.NoError(t, err)
	assert.Equal(t, OpGrant, op)
	assert.Equal(t, Slabs{Producer: 4, Consumer: 5}, s)
	assert.Equal(t, "grant", op.String())
}

func TestGroupAndRegistrations(t *testing.T) {
	m := NewFakeManager(t)
	m.Start()
	c := handshake(t, m)

	require.NoError(t, c.RequestGroup("workers"))
	assert.Equal(t, transport.GroupAssigned{GroupID: 1}, recvEvent(t, c))

	require.NoError(t, c.Subscribe(21))
	require.NoError(t, c.Subscribe(20))
	require.NoError(t, c.WatchRegistrations(true))
	assert.Equal(t, transport.Registration{
		Registered: true,
		ClientID:   7,
		IDs:        []uint32{20, 21},
	}, recvEvent(t, c))
}
