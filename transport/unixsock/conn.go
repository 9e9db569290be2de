// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package unixsock speaks the MCSB control protocol to a Manager over a unix
// domain socket. Frames are those of package codec: control frames carry an
// Op and a msgpack body, data frames carry a message header and payload.
package unixsock

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/absmach/mcsb/codec"
	"github.com/absmach/mcsb/crc"
	"github.com/absmach/mcsb/transport"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Default values.
const (
	DefaultDialTimeout    = time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultRedialInterval = 500 * time.Millisecond

	readChunk = 64 << 10
)

var (
	ErrNotConnected = errors.New("not connected to manager")
	ErrRejected     = errors.New("rejected by manager")
	ErrUnreachable  = errors.New("manager unreachable")
)

var _ transport.Transport = (*Conn)(nil)

// Config configures a Conn.
type Config struct {
	Path           string        // Control socket; UserPlaceholder is expanded
	DialTimeout    time.Duration // Timeout for each connection attempt
	WriteTimeout   time.Duration // Deadline for each frame write
	RedialInterval time.Duration // Minimum spacing of connection attempts
	DialAttempts   int           // Attempts before giving up; 0 retries forever
	Logger         *slog.Logger
}

// Conn is a transport.Transport over a unix socket. The Manager may start
// after the client: connection attempts are retried from Recv until the
// socket accepts.
type Conn struct {
	cfg     Config
	path    string
	logger  *slog.Logger
	limiter *rate.Limiter

	conn     *net.UnixConn
	raw      syscall.RawConn
	hello    *transport.Hello
	attempts int
	closed   bool

	buf     []byte
	off     int
	scratch []byte
}

// New returns an unconnected Conn. Nothing is dialled until Open.
func New(cfg Config) *Conn {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.RedialInterval <= 0 {
		cfg.RedialInterval = DefaultRedialInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	path := ExpandPath(cfg.Path)
	return &Conn{
		cfg:     cfg,
		path:    path,
		logger:  logger.With("ctrl_sock", path),
		limiter: rate.NewLimiter(rate.Every(cfg.RedialInterval), 1),
		scratch: make([]byte, readChunk),
	}
}

// Path returns the expanded socket path.
func (c *Conn) Path() string {
	return c.path
}

// Open implements transport.Transport. A Manager that is not listening yet
// is not an error; Recv keeps trying.
func (c *Conn) Open(h transport.Hello) error {
	if c.closed {
		return transport.ErrClosed
	}
	c.hello = &h
	c.limiter.Allow()
	return c.dial()
}

// RequestSlabs implements transport.Transport.
func (c *Conn) RequestSlabs(producer, consumer uint32) error {
	return c.control(OpRequestSlabs, Slabs{Producer: producer, Consumer: consumer})
}

// Subscribe implements transport.Transport.
func (c *Conn) Subscribe(id uint32) error {
	return c.control(OpSubscribe, IDs{IDs: []uint32{id}})
}

// Unsubscribe implements transport.Transport.
func (c *Conn) Unsubscribe(id uint32) error {
	return c.control(OpUnsubscribe, IDs{IDs: []uint32{id}})
}

// SendToken implements transport.Transport.
func (c *Conn) SendToken(token uint32) error {
	return c.control(OpToken, Token{Token: token})
}

// RequestGroup implements transport.Transport.
func (c *Conn) RequestGroup(name string) error {
	return c.control(OpGroupRequest, Group{Name: name})
}

// WatchRegistrations implements transport.Transport.
func (c *Conn) WatchRegistrations(on bool) error {
	return c.control(OpWatch, Watch{New: on, Current: on})
}

// Send implements transport.Transport.
func (c *Conn) Send(m transport.Message) error {
	if err := c.writable(); err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return WriteData(c.conn, m.ID, m.CRC, m.Payload)
}

// Recv implements transport.Transport.
func (c *Conn) Recv(timeout time.Duration) (transport.Event, error) {
	if c.closed {
		return nil, transport.ErrClosed
	}
	deadline := time.Now().Add(timeout)
	if c.conn == nil {
		if err := c.redial(timeout); err != nil {
			return nil, err
		}
		if c.conn == nil {
			return nil, nil
		}
	}

	c.compact()
	for {
		ev, err := c.next()
		if ev != nil || err != nil {
			return ev, err
		}

		var n int
		if remaining := time.Until(deadline); timeout > 0 && remaining > 0 {
			n, err = c.readWait(remaining)
		} else {
			n, err = c.readNow()
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
	}
}

// Close implements transport.Transport.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.raw = nil
	return err
}

func (c *Conn) dial() error {
	if c.hello == nil {
		return ErrNotConnected
	}
	c.attempts++
	nc, err := net.DialTimeout("unix", c.path, c.cfg.DialTimeout)
	if err != nil {
		if c.cfg.DialAttempts > 0 && c.attempts >= c.cfg.DialAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrUnreachable, c.attempts, err)
		}
		c.logger.Debug("Manager not reachable yet", "attempt", c.attempts, "error", err)
		return nil
	}

	uc, ok := nc.(*net.UnixConn)
	if !ok {
		nc.Close()
		return fmt.Errorf("unexpected connection type %T", nc)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		uc.Close()
		return err
	}
	c.conn = uc
	c.raw = raw
	c.logger.Debug("Connected to manager", "attempt", c.attempts)

	return c.control(OpHello, Hello{PID: c.hello.PID, Name: c.hello.ClientName})
}

// redial makes one rate-limited connection attempt, waiting at most timeout
// for the limiter.
func (c *Conn) redial(timeout time.Duration) error {
	r := c.limiter.Reserve()
	if d := r.Delay(); d > 0 {
		if d > timeout {
			r.Cancel()
			time.Sleep(timeout)
			return nil
		}
		time.Sleep(d)
	}
	return c.dial()
}

func (c *Conn) control(op Op, v any) error {
	if err := c.writable(); err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return WriteControl(c.conn, op, v)
}

func (c *Conn) writable() error {
	if c.closed {
		return transport.ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	return nil
}

// next decodes the first buffered frame into an event. Frames that carry
// nothing for the client are consumed and skipped.
func (c *Conn) next() (transport.Event, error) {
	for {
		f, n, err := codec.ParseFrame(c.buf[c.off:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		c.off += n

		ev, err := c.decode(f)
		if ev != nil || err != nil {
			return ev, err
		}
	}
}

func (c *Conn) decode(f codec.Frame) (transport.Event, error) {
	if f.Kind == codec.KindData {
		id, sum, payload, err := codec.DecodeData(f.Body)
		if err != nil {
			return nil, err
		}
		return transport.Delivery{Message: transport.Message{ID: id, CRC: sum, Payload: payload}}, nil
	}

	op, _, err := codec.DecodeControl(f.Body)
	if err != nil {
		return nil, err
	}
	switch Op(op) {
	case OpAssign:
		var a Assign
		if _, err := DecodeControl(f.Body, &a); err != nil {
			return nil, err
		}
		policy, err := crc.ParsePolicy(a.CRCPolicy)
		if err != nil {
			c.logger.Warn("Manager sent unknown CRC policy", "policy", a.CRCPolicy)
			policy = crc.None
		}
		return transport.Assigned{
			ClientID:   a.ClientID,
			ShmName:    a.ShmName,
			BlockSize:  a.BlockSize,
			SlabSize:   a.SlabSize,
			PoolSlabs:  a.PoolSlabs,
			DefaultCRC: policy,
		}, nil
	case OpGrant:
		var s Slabs
		if _, err := DecodeControl(f.Body, &s); err != nil {
			return nil, err
		}
		return transport.Granted{Producer: s.Producer, Consumer: s.Consumer}, nil
	case OpToken:
		var t Token
		if _, err := DecodeControl(f.Body, &t); err != nil {
			return nil, err
		}
		return transport.TokenEcho{Token: t.Token}, nil
	case OpDropReport:
		var d Drop
		if _, err := DecodeControl(f.Body, &d); err != nil {
			return nil, err
		}
		if err := c.control(OpDropAck, d); err != nil {
			return nil, err
		}
		return transport.Dropped{Segments: d.Segments, Bytes: d.Bytes}, nil
	case OpGroupAssign:
		var g Group
		if _, err := DecodeControl(f.Body, &g); err != nil {
			return nil, err
		}
		return transport.GroupAssigned{GroupID: g.ID}, nil
	case OpRegistration:
		var r Registration
		if _, err := DecodeControl(f.Body, &r); err != nil {
			return nil, err
		}
		return transport.Registration{
			Registered: r.Registered,
			ClientID:   r.ClientID,
			GroupID:    r.GroupID,
			IDs:        r.IDs,
		}, nil
	case OpReject:
		var r Reject
		if _, err := DecodeControl(f.Body, &r); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, r.Reason)
	default:
		c.logger.Warn("Ignoring unexpected control message", "op", Op(op).String())
		return nil, nil
	}
}

// compact drops consumed bytes. Payloads handed out by the previous Recv
// may be overwritten afterwards.
func (c *Conn) compact() {
	if c.off == 0 {
		return
	}
	n := copy(c.buf, c.buf[c.off:])
	c.buf = c.buf[:n]
	c.off = 0
}

// readNow reads whatever the socket holds without waiting.
func (c *Conn) readNow() (int, error) {
	var n int
	var rerr error
	err := c.raw.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), c.scratch)
		return true
	})
	if err != nil {
		return 0, err
	}
	switch {
	case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EINTR):
		return 0, nil
	case rerr != nil:
		return 0, rerr
	case n == 0:
		return 0, fmt.Errorf("manager closed connection: %w", io.EOF)
	}
	c.buf = append(c.buf, c.scratch[:n]...)
	return n, nil
}

// readWait reads, waiting at most d for data.
func (c *Conn) readWait(d time.Duration) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(c.scratch)
	// RawConn reads fail once a deadline has passed, so always clear it.
	if derr := c.conn.SetReadDeadline(time.Time{}); derr != nil && err == nil {
		err = derr
	}
	if n > 0 {
		c.buf = append(c.buf, c.scratch[:n]...)
	}
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return n, nil
	case errors.Is(err, io.EOF):
		return n, fmt.Errorf("manager closed connection: %w", io.EOF)
	default:
		return n, err
	}
}
