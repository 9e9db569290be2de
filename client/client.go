// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements the MCSB client channel: handshake and buffer
// negotiation with the Manager, message-ID keyed subscriptions, a
// cooperative Poll loop that dispatches inbound messages, CRC policy
// enforcement and draining shutdown.
//
// A Client is owned by one goroutine. Nothing happens in the background:
// handshake progress, message arrival and handler calls all take place
// inside Poll.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/absmach/mcsb/crc"
	"github.com/absmach/mcsb/internal/bufpool"
	"github.com/absmach/mcsb/internal/logging"
	"github.com/absmach/mcsb/transport"
	"github.com/absmach/mcsb/transport/unixsock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stats counts client activity since construction.
type Stats struct {
	MessagesSent     uint64
	BytesSent        uint64
	MessagesReceived uint64
	BytesReceived    uint64
	Dispatched       uint64
	Unhandled        uint64
	ChecksumFailures uint64
	HandlerFailures  uint64
	DroppedSegments  uint64
	DroppedBytes     uint64
}

// Client is an MCSB channel endpoint. It is not safe for concurrent use.
type Client struct {
	opts   Options
	logger *slog.Logger
	tr     transport.Transport

	state   *stateManager
	neg     negotiator
	subs    *subscriptionRegistry
	metrics *metrics
	tracer  trace.Tracer

	// Set by the Manager's assignment.
	assigned  bool
	clientID  uint32
	shmName   string
	blockSize uint32
	policy    crc.Policy

	// Group requested by name; groupID is 0 until the Manager answers.
	groupName    string
	groupID      uint16
	groupPending bool

	// Sequence tokens awaiting their echo, oldest first.
	nextToken uint32
	pending   []uint32

	// Drain bookkeeping, used while Closing.
	dirty         bool
	drainToken    uint32
	drainAwait    bool
	closeDeadline time.Time

	polling bool
	stats   Stats

	handshakeSpan trace.Span
	drainSpan     trace.Span
}

// New creates a client and starts the handshake. The client is Connecting
// until Poll observes the Manager's slab grant.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	o := *opts
	if o.ClientName == "" {
		o.ClientName = DefaultClientName()
	}
	if o.ShutdownTimeout == 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}

	logger := o.Logger
	if logger == nil {
		logger = logging.New(os.Stderr, o.Verbosity, logging.FormatText)
	}
	logger = logger.With("client", o.ClientName)

	mp := o.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	tp := o.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	m, err := newMetrics(mp, o.ClientName)
	if err != nil {
		return nil, err
	}

	tr := o.Transport
	if tr == nil {
		tr = unixsock.New(unixsock.Config{Path: o.CtrlSockName, Logger: logger})
	}

	c := &Client{
		opts:    o,
		logger:  logger,
		tr:      tr,
		state:   newStateManager(),
		subs:    newSubscriptionRegistry(),
		metrics: m,
		tracer:  tp.Tracer(instrumentationName),
		policy:  o.CRCPolicy,

		groupName: o.Group,
	}
	if err := c.neg.configure(o.MinProducerBytes, o.MinConsumerBytes, o.MinProducerSlabs, o.MinConsumerSlabs); err != nil {
		return nil, err
	}

	_, c.handshakeSpan = c.tracer.Start(context.Background(), "mcsb.handshake",
		trace.WithAttributes(attribute.String("mcsb.client", o.ClientName)))

	if err := tr.Open(transport.Hello{ClientName: o.ClientName, PID: os.Getpid()}); err != nil {
		c.handshakeSpan.RecordError(err)
		c.handshakeSpan.End()
		_ = tr.Close()
		return nil, fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}

	logger.Debug("Handshake started",
		"prod_bytes", o.MinProducerBytes,
		"cons_bytes", o.MinConsumerBytes,
		"prod_slabs", o.MinProducerSlabs,
		"cons_slabs", o.MinConsumerSlabs,
		"crc_policy", o.CRCPolicy.String())

	return c, nil
}

// Register subscribes h to id under identity. Registering an identity that
// is already subscribed to id is a no-op. Registrations made while
// Connecting take effect once the channel opens.
func (c *Client) Register(id MessageID, identity Identity, h Handler) error {
	if err := c.checkID(id); err != nil {
		return err
	}
	if h == nil {
		return ErrInvalidCallback
	}
	if f, ok := h.(HandlerFunc); ok && f == nil {
		return ErrInvalidCallback
	}
	if identity == "" {
		return ErrInvalidIdentity
	}

	switch c.state.get() {
	case StateClosing:
		return ErrClosingInProgress
	case StateClosed:
		return ErrClosed
	}

	added, first := c.subs.add(id, identity, h)
	if !added {
		return nil
	}
	c.logger.Debug("Handler registered", "message_id", id, "identity", identity,
		"handlers", c.subs.count(id))

	if first && c.state.get() == StateOpen {
		if err := c.tr.Subscribe(uint32(id)); err != nil {
			return c.fail(err)
		}
	}
	return nil
}

// RequestGroupID asks the Manager to place the client in the group called
// name. A group can be requested once; while Connecting the request is sent
// when the channel opens. GroupID reports the answer once Poll receives it.
func (c *Client) RequestGroupID(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidGroup)
	}
	if c.groupName != "" {
		return fmt.Errorf("%w: already requested %q", ErrInvalidGroup, c.groupName)
	}
	switch c.state.get() {
	case StateClosing:
		return ErrClosingInProgress
	case StateClosed:
		return ErrClosed
	}

	c.groupName = name
	if c.state.get() == StateOpen {
		return c.requestGroup()
	}
	return nil
}

func (c *Client) requestGroup() error {
	if err := c.tr.RequestGroup(c.groupName); err != nil {
		return c.fail(err)
	}
	c.groupPending = true
	c.logger.Debug("Group requested", "group", c.groupName)
	return nil
}

// Deregister removes identity from id and reports whether it was registered.
func (c *Client) Deregister(id MessageID, identity Identity) bool {
	removed, last := c.subs.remove(id, identity)
	if !removed {
		return false
	}
	c.logger.Debug("Handler deregistered", "message_id", id, "identity", identity,
		"handlers", c.subs.count(id))

	if last {
		c.unsubscribe(id)
	}
	return true
}

// DeregisterAll removes identity from every message ID and returns how many
// subscriptions were removed.
func (c *Client) DeregisterAll(identity Identity) int {
	n := 0
	for _, id := range c.subs.idsFor(identity) {
		if c.Deregister(id, identity) {
			n++
		}
	}
	return n
}

func (c *Client) unsubscribe(id MessageID) {
	switch c.state.get() {
	case StateOpen, StateClosing:
	default:
		return
	}
	if err := c.tr.Unsubscribe(uint32(id)); err != nil {
		_ = c.fail(err)
	}
}

// Send sends payload as message id. Sends made while Closing are still
// delivered before the channel closes.
func (c *Client) Send(id MessageID, payload []byte) error {
	return c.SendParts(id, payload)
}

// SendParts sends the concatenation of parts as a single message.
func (c *Client) SendParts(id MessageID, parts ...[]byte) error {
	if err := c.checkID(id); err != nil {
		return err
	}
	switch c.state.get() {
	case StateConnecting:
		return ErrNotReady
	case StateClosed:
		return ErrClosed
	}

	size := 0
	for _, p := range parts {
		size += len(p)
	}
	if uint64(size) > c.neg.maxSend {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, size, c.neg.maxSend)
	}

	var payload []byte
	switch len(parts) {
	case 0:
	case 1:
		payload = parts[0]
	default:
		buf := bufpool.Gather(parts...)
		defer bufpool.Put(buf)
		payload = buf.Bytes()
	}

	msg := transport.Message{ID: uint32(id), Payload: payload}
	if c.policy.Sets() {
		msg.CRC = crc.Checksum(payload)
	}
	if err := c.tr.Send(msg); err != nil {
		return c.fail(err)
	}

	c.dirty = true
	c.stats.MessagesSent++
	c.stats.BytesSent += uint64(size)
	c.metrics.recordSend(size)
	return nil
}

// Close begins shutdown. An open channel moves to Closing and Poll drains it;
// a channel still Connecting closes at once.
func (c *Client) Close() {
	switch c.state.get() {
	case StateConnecting:
		c.logger.Debug("Closing before handshake completed")
		c.finish()
	case StateOpen:
		if !c.moveTo(StateClosing, StateOpen) {
			return
		}
		c.closeDeadline = time.Now().Add(c.opts.ShutdownTimeout)
		_, c.drainSpan = c.tracer.Start(context.Background(), "mcsb.drain",
			trace.WithAttributes(attribute.String("mcsb.client", c.opts.ClientName)))
		c.logger.Log(context.Background(), logging.LevelNotice, "Channel closing",
			"shutdown_timeout", c.opts.ShutdownTimeout)
	}
}

// State returns the channel state.
func (c *Client) State() State {
	return c.state.get()
}

// MaxSendMessageSize returns the largest message Send accepts, or 0 while
// the channel is Connecting.
func (c *Client) MaxSendMessageSize() uint64 {
	return c.neg.maxSend
}

// MaxRecvMessageSize returns the consumer buffer capacity, or 0 while the
// channel is Connecting.
func (c *Client) MaxRecvMessageSize() uint64 {
	return c.neg.maxRecv
}

// ClientID returns the ID the Manager assigned. It is only meaningful once
// SlabSize is non-zero.
func (c *Client) ClientID() uint32 {
	return c.clientID
}

// ShmName returns the shared memory segment the Manager assigned.
func (c *Client) ShmName() string {
	return c.shmName
}

// SlabSize returns the Manager's slab size, or 0 before assignment.
func (c *Client) SlabSize() uint32 {
	return c.neg.slabSize
}

// BlockSize returns the Manager's allocation block size, or 0 before
// assignment.
func (c *Client) BlockSize() uint32 {
	return c.blockSize
}

// NumProducerSlabs returns the granted producer slabs.
func (c *Client) NumProducerSlabs() uint32 {
	return c.neg.producerSlabs
}

// NumConsumerSlabs returns the granted consumer slabs.
func (c *Client) NumConsumerSlabs() uint32 {
	return c.neg.consumerSlabs
}

// CRCPolicy returns the policy in force. Default is resolved once the
// Manager reports its own policy.
func (c *Client) CRCPolicy() crc.Policy {
	return c.policy
}

// GroupID returns the group ID the Manager assigned, or 0 when no group was
// requested or the answer has not arrived.
func (c *Client) GroupID() uint16 {
	return c.groupID
}

// Stats returns a copy of the activity counters.
func (c *Client) Stats() Stats {
	return c.stats
}

// PendingSequenceTokens returns how many sequence tokens await their echo.
func (c *Client) PendingSequenceTokens() int {
	return len(c.pending)
}

func (c *Client) checkID(id MessageID) error {
	if uint32(id) == transport.ReservedID {
		return fmt.Errorf("%w: %d is reserved", ErrInvalidMessageID, id)
	}
	if limit := c.opts.MessageIDLimit; limit != 0 && uint32(id) >= limit {
		return fmt.Errorf("%w: %d is outside [0, %d)", ErrInvalidMessageID, id, limit)
	}
	return nil
}

// moveTo transitions into to from any of from, and reports the change.
func (c *Client) moveTo(to State, from ...State) bool {
	prev, ok := c.state.transitionFrom(to, from...)
	if !ok {
		return false
	}
	c.logger.Debug("State changed", "from", prev.String(), "to", to.String())
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(prev, to)
	}
	return true
}

// finish closes the channel from whatever state it is in.
func (c *Client) finish() {
	if !c.moveTo(StateClosed, StateConnecting, StateOpen, StateClosing) {
		return
	}
	if err := c.tr.Close(); err != nil {
		c.logger.Warn("Failed to close transport", "error", err)
	}
	if c.handshakeSpan != nil {
		c.handshakeSpan.SetStatus(codes.Error, "closed before open")
		c.handshakeSpan.End()
		c.handshakeSpan = nil
	}
	if c.drainSpan != nil {
		c.drainSpan.End()
		c.drainSpan = nil
	}
	c.pending = nil
	c.logger.Log(context.Background(), logging.LevelNotice, "Channel closed",
		"sent", c.stats.MessagesSent,
		"received", c.stats.MessagesReceived,
		"dropped", c.stats.DroppedSegments)
}

// fail handles an unrecoverable transport error.
func (c *Client) fail(err error) error {
	c.logger.Error("Transport failure", "error", err)
	if c.handshakeSpan != nil {
		c.handshakeSpan.RecordError(err)
	}
	c.finish()
	return fmt.Errorf("%w: %w", ErrTransportFailure, err)
}

func (c *Client) sendToken() (uint32, error) {
	c.nextToken++
	if c.nextToken == 0 {
		c.nextToken = 1
	}
	token := c.nextToken
	if err := c.tr.SendToken(token); err != nil {
		return 0, c.fail(err)
	}
	c.pending = append(c.pending, token)
	return token, nil
}
