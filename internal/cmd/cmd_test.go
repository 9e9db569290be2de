// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/mcsb/client"
	"github.com/absmach/mcsb/config"
	"github.com/absmach/mcsb/crc"
	"github.com/absmach/mcsb/internal/capture"
	"github.com/absmach/mcsb/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, mgr *memory.Manager, args ...string) (string, error) {
	t.Helper()
	root := newRoot(mgr)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// peer is a second client on the same in-process manager, driven from its
// own goroutine.
type peer struct {
	c        *client.Client
	received map[client.MessageID]int
	bytes    map[client.MessageID]int
}

func newPeer(mgr *memory.Manager, listen ...client.MessageID) (*peer, error) {
	opts := client.NewOptions().
		SetClientName("peer").
		SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		SetTransport(mgr.Dial())
	c, err := client.New(opts)
	if err != nil {
		return nil, err
	}
	p := &peer{
		c:        c,
		received: make(map[client.MessageID]int),
		bytes:    make(map[client.MessageID]int),
	}
	for _, id := range listen {
		err := c.Register(id, client.NewIdentity(), client.HandlerFunc(func(id client.MessageID, pl client.Payload) error {
			p.received[id]++
			p.bytes[id] += pl.Len()
			return nil
		}))
		if err != nil {
			return nil, err
		}
	}
	if err := waitOpen(context.Background(), c); err != nil {
		return nil, err
	}
	return p, nil
}

// sendWhenSubscribed waits for a subscriber to id, then sends n messages of
// size bytes.
func (p *peer) sendWhenSubscribed(mgr *memory.Manager, id client.MessageID, n, size int) error {
	deadline := time.Now().Add(5 * time.Second)
	for mgr.Subscribers(uint32(id)) == 0 {
		if time.Now().After(deadline) {
			return errors.New("no subscriber")
		}
		time.Sleep(time.Millisecond)
	}
	for i := range n {
		if err := p.c.Send(id, bytes.Repeat([]byte{byte(i + 1)}, size)); err != nil {
			return err
		}
	}
	return nil
}

// await polls until id has received want messages.
func (p *peer) await(id client.MessageID, want int) error {
	deadline := time.Now().Add(5 * time.Second)
	for p.received[id] < want {
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for replies")
		}
		if err := p.c.Poll(10 * time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

func TestConfigCommand(t *testing.T) {
	out, err := execute(t, nil, "config", "--mcsb-client-name", "cli", "--mcsb-prod-bytes", "16M")
	require.NoError(t, err)
	assert.Contains(t, out, "client_name: cli\n")
	assert.Contains(t, out, "prod_bytes: 16M\n")

	path := filepath.Join(t.TempDir(), "mcsb.yaml")
	out, err = execute(t, nil, "config", "--mcsb-crc-policy", "VERIFY", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, crc.VerifyOnly, cfg.Client.CRCPolicy)

	_, err = execute(t, nil, "config", "--mcsb-verbosity", "9")
	assert.Error(t, err)
}

func TestInvalidMessageID(t *testing.T) {
	_, err := execute(t, nil, "sink", "--loopback", "abc")
	assert.ErrorContains(t, err, "invalid message ID")

	_, err = execute(t, nil, "sink", "--loopback", "--time", "10ms", "4294967295")
	assert.ErrorIs(t, err, client.ErrInvalidMessageID)
}

func TestSinkTimeLimit(t *testing.T) {
	out, err := execute(t, nil, "sink", "--loopback", "--time", "20ms", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "---\n")
	assert.Contains(t, out, "msgsRcvd: 0\n")
	assert.Contains(t, out, "segmentsDropped: 0\n")
	assert.Contains(t, out, "...\n")
}

func TestSinkCapture(t *testing.T) {
	mgr := memory.NewManager(memory.DefaultConfig())
	path := filepath.Join(t.TempDir(), "sink.cap")

	sent := make(chan error, 1)
	go func() {
		p, err := newPeer(mgr)
		if err != nil {
			sent <- err
			return
		}
		defer drain(p.c)
		sent <- p.sendWhenSubscribed(mgr, 42, 5, 100)
	}()

	out, err := execute(t, mgr, "sink", "--loopback", "--count", "5", "--time", "5s", "--capture", path, "42")
	require.NoError(t, err)
	require.NoError(t, <-sent)
	assert.Contains(t, out, "msgsRcvd: 5\n")
	assert.Contains(t, out, "bytesRcvd: 500\n")
	assert.Contains(t, out, "captured: 5\n")

	r, err := capture.Open(path)
	require.NoError(t, err)
	defer r.Close()
	for i := range 5 {
		rec, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, uint32(42), rec.ID)
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, 100), rec.Payload)
		assert.True(t, crc.Valid(rec.CRC, rec.Payload))
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSinkEchoAndAck(t *testing.T) {
	mgr := memory.NewManager(memory.DefaultConfig())

	done := make(chan *peer, 1)
	errs := make(chan error, 1)
	go func() {
		p, err := newPeer(mgr, 43, 44)
		if err != nil {
			errs <- err
			return
		}
		defer drain(p.c)
		if err := p.sendWhenSubscribed(mgr, 42, 3, 100); err != nil {
			errs <- err
			return
		}
		if err := p.await(43, 3); err != nil {
			errs <- err
			return
		}
		if err := p.await(44, 3); err != nil {
			errs <- err
			return
		}
		done <- p
	}()

	out, err := execute(t, mgr, "sink", "--loopback", "--count", "3", "--time", "5s", "-e", "43", "-a", "44", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "msgsRcvd: 3\n")

	select {
	case err := <-errs:
		require.NoError(t, err)
	case p := <-done:
		assert.Equal(t, 300, p.bytes[43])
		assert.Equal(t, 3*ackSize, p.bytes[44])
	}
}

func TestSourceCount(t *testing.T) {
	out, err := execute(t, nil, "source", "--loopback", "--count", "3", "42", "1K")
	require.NoError(t, err)
	assert.Contains(t, out, "msgsSent: 3\n")
	assert.Contains(t, out, "bytesSent: 3072\n")
	assert.Contains(t, out, "targetRate: 4e+07\n")
}

func TestSourceArguments(t *testing.T) {
	_, err := execute(t, nil, "source", "--loopback", "42", "9M")
	assert.ErrorIs(t, err, errMessageSize)

	_, err = execute(t, nil, "source", "--loopback", "42", "8X")
	assert.ErrorIs(t, err, config.ErrInvalidSize)

	_, err = execute(t, nil, "source", "--loopback", "42", "1K", "fast")
	assert.ErrorContains(t, err, "invalid rate")

	out, err := execute(t, nil, "source", "--loopback", "--count", "1", "--", "42", "1K", "-5")
	require.NoError(t, err)
	assert.Contains(t, out, "targetRate: 4e+07\n")
}

func TestSourceReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.cap")
	w, err := capture.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(42, crc.Checksum([]byte("a")), []byte("a")))
	require.NoError(t, w.Write(42, 1, []byte("corrupt")))
	require.NoError(t, w.Write(43, 0, []byte("bb")))
	require.NoError(t, w.Close())

	out, err := execute(t, nil, "source", "--loopback", "--replay", path)
	require.NoError(t, err)
	assert.Contains(t, out, "msgsSent: 2\n")
	assert.Contains(t, out, "bytesSent: 3\n")
	assert.Contains(t, out, "replayed: "+path)
	assert.NotContains(t, out, "targetRate")

	_, err = execute(t, nil, "source", "--loopback", "--replay", filepath.Join(t.TempDir(), "absent.cap"))
	assert.Error(t, err)
}

func TestPingLoopback(t *testing.T) {
	out, err := execute(t, nil, "ping", "--loopback", "--flood", "--count", "3", "--size", "64", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "msgsSent: 3\n")
	assert.Contains(t, out, "msgsRcvd: 3\n")
	assert.Contains(t, out, "pctMsgLoss: 0\n")
	assert.Contains(t, out, "bytesRcvd: 192\n")
	assert.Contains(t, out, "flightTimeStats:\n")
}

func TestPingEchoPeer(t *testing.T) {
	out, err := execute(t, nil, "ping", "--loopback", "-f", "-c", "2", "-l", "1", "-r", "43", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "msgsSent: 2\n")
	assert.Contains(t, out, "msgsRcvd: 2\n")
	assert.Contains(t, out, "preload: 1\n")

	out, err = execute(t, nil, "ping", "--loopback", "--mcsb-group", "pingers", "-f", "-c", "2", "-r", "43", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "msgsRcvd: 2\n")
}

func TestPingArguments(t *testing.T) {
	_, err := execute(t, nil, "ping", "--loopback", "--size", "4")
	assert.ErrorContains(t, err, "size must be")

	_, err = execute(t, nil, "ping", "--loopback", "--interval", "10ms")
	assert.ErrorContains(t, err, "interval must be")
}

func TestRunningStats(t *testing.T) {
	var r runningStats
	assert.Zero(t, r.stddev())
	for _, v := range []float64{2, 4, 1, 3} {
		r.add(v)
	}
	assert.Equal(t, uint64(4), r.count)
	assert.Equal(t, 1.0, r.min)
	assert.Equal(t, 4.0, r.max)
	assert.InDelta(t, 2.5, r.m1, 1e-9)
	assert.InDelta(t, 1.2909944, r.stddev(), 1e-6)
}

func TestDrainReturnsFailures(t *testing.T) {
	mgr := memory.NewManager(memory.DefaultConfig())
	p, err := newPeer(mgr)
	require.NoError(t, err)

	errHandler := errors.New("handler failed")
	require.NoError(t, p.c.Register(42, client.NewIdentity(), client.HandlerFunc(func(client.MessageID, client.Payload) error {
		return errHandler
	})))
	require.NoError(t, p.c.Send(42, []byte("x")))

	err = drain(p.c)
	assert.ErrorIs(t, err, errHandler)
	assert.Equal(t, client.StateClosed, p.c.State())
}
