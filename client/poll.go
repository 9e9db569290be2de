// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/mcsb/crc"
	"github.com/absmach/mcsb/internal/logging"
	"github.com/absmach/mcsb/transport"
)

// DefaultRunInterval is the Poll budget Run uses when none is given.
const DefaultRunInterval = 100 * time.Millisecond

// zeroBudgetBatch caps the events a zero-budget Poll handles.
const zeroBudgetBatch = 256

// Poll advances the channel for at most budget. It waits for the first event,
// then processes what is immediately available, and keeps waiting within
// the budget while the handshake, a group request or a flush is outstanding.
// Poll returns once the budget is spent even when more events are queued. A
// zero budget never waits and handles at most a fixed batch of events.
//
// Per-message failures, such as checksum mismatches and handler errors, are
// returned joined; each is a *MessageError. A transport failure closes the
// channel and is returned wrapped in ErrTransportFailure. Poll on a closed
// channel, or from inside a handler, returns nil immediately.
func (c *Client) Poll(budget time.Duration) error {
	if c.state.isClosed() || c.polling {
		return nil
	}
	c.polling = true
	start := time.Now()
	defer func() {
		c.polling = false
		c.metrics.recordPoll(time.Since(start))
	}()

	deadline := start.Add(budget)
	processed := 0
	var errs []error
	for {
		if c.state.get() == StateClosing {
			if err := c.advanceDrain(); err != nil {
				return errors.Join(append(errs, err)...)
			}
			if c.state.isClosed() {
				return errors.Join(errs...)
			}
		}

		var wait time.Duration
		if remaining := time.Until(deadline); remaining > 0 && (processed == 0 || c.awaiting()) {
			wait = remaining
		}

		ev, err := c.tr.Recv(wait)
		if err != nil {
			return errors.Join(append(errs, c.fail(err))...)
		}
		if ev == nil {
			if c.state.get() == StateClosing && c.dirty {
				continue
			}
			if c.state.get() == StateClosing && !c.drainAwait {
				c.logger.Debug("Drain complete")
				c.finish()
				return errors.Join(errs...)
			}
			if wait == 0 || time.Until(deadline) <= 0 {
				return errors.Join(errs...)
			}
			continue
		}

		processed++
		errs = append(errs, c.handle(ev)...)
		if c.state.isClosed() {
			return errors.Join(errs...)
		}
		if budget <= 0 {
			if processed >= zeroBudgetBatch {
				return errors.Join(errs...)
			}
		} else if !time.Now().Before(deadline) {
			return errors.Join(errs...)
		}
	}
}

// Flush sends a sequence token and polls until the Manager echoes it, which
// means every message sent before Flush has been processed. It returns
// ErrTimeout when budget runs out first.
func (c *Client) Flush(budget time.Duration) error {
	switch c.state.get() {
	case StateConnecting:
		return ErrNotReady
	case StateClosed:
		return ErrClosed
	}

	token, err := c.sendToken()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(budget)
	var errs []error
	for {
		if err := c.Poll(time.Until(deadline)); err != nil {
			errs = append(errs, err)
			if errors.Is(err, ErrTransportFailure) {
				return errors.Join(errs...)
			}
		}
		if !c.tokenPending(token) {
			return errors.Join(errs...)
		}
		if c.state.isClosed() {
			return errors.Join(append(errs, ErrClosed)...)
		}
		if time.Until(deadline) <= 0 {
			return errors.Join(append(errs, ErrTimeout)...)
		}
	}
}

// Run polls until ctx is done or the channel closes. Failures are passed to
// Options.OnError, or logged when it is nil. A transport failure ends Run.
func (c *Client) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRunInterval
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.state.isClosed() {
			return nil
		}
		err := c.Poll(interval)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrTransportFailure) {
			return err
		}
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		} else {
			c.logger.Warn("Poll reported failures", "error", err)
		}
	}
}

// awaiting reports whether Poll should keep waiting for Manager replies.
func (c *Client) awaiting() bool {
	return c.state.get() == StateConnecting || c.groupPending || len(c.pending) > 0
}

// advanceDrain sends a drain token behind the latest send and enforces the
// shutdown timeout.
func (c *Client) advanceDrain() error {
	if time.Now().After(c.closeDeadline) {
		c.logger.Warn("Shutdown timeout elapsed before drain completed",
			"pending_tokens", len(c.pending))
		c.finish()
		return nil
	}
	if !c.dirty && (c.drainToken != 0 || c.drainAwait) {
		return nil
	}
	token, err := c.sendToken()
	if err != nil {
		return err
	}
	c.dirty = false
	c.drainToken = token
	c.drainAwait = true
	return nil
}

func (c *Client) handle(ev transport.Event) []error {
	switch e := ev.(type) {
	case transport.Assigned:
		if err := c.onAssigned(e); err != nil {
			return []error{err}
		}
	case transport.Granted:
		if err := c.onGranted(e); err != nil {
			return []error{err}
		}
	case transport.Delivery:
		return c.deliver(e.Message)
	case transport.Dropped:
		c.onDropped(e)
	case transport.TokenEcho:
		c.onToken(e.Token)
	case transport.GroupAssigned:
		c.onGroupAssigned(e)
	case transport.Registration:
		c.onRegistration(e)
	default:
		c.logger.Warn("Ignoring unknown transport event", "event", fmt.Sprintf("%T", ev))
	}
	return nil
}

func (c *Client) onAssigned(a transport.Assigned) error {
	if c.assigned {
		c.logger.Warn("Ignoring repeated assignment", "client_id", a.ClientID)
		return nil
	}
	c.assigned = true
	c.clientID = a.ClientID
	c.shmName = a.ShmName
	c.blockSize = a.BlockSize
	c.policy = c.opts.CRCPolicy.Resolve(a.DefaultCRC)

	producer, consumer, err := c.neg.plan(a.SlabSize)
	if err != nil {
		return c.deny(err)
	}
	if producer+consumer > a.PoolSlabs {
		c.logger.Warn("Slab request exceeds manager pool",
			"requested", producer+consumer, "pool", a.PoolSlabs)
	}

	c.logger.Info("Manager assigned client",
		"client_id", a.ClientID,
		"shm", a.ShmName,
		"slab_size", a.SlabSize,
		"crc_policy", c.policy.String(),
		"prod_slabs", producer,
		"cons_slabs", consumer)

	if err := c.tr.RequestSlabs(producer, consumer); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Client) onGranted(g transport.Granted) error {
	if c.state.get() != StateConnecting {
		c.logger.Debug("Ignoring slab grant outside handshake", "state", c.state.get().String())
		return nil
	}
	if err := c.neg.confirm(g.Producer, g.Consumer); err != nil {
		return c.deny(err)
	}
	if !c.moveTo(StateOpen, StateConnecting) {
		return nil
	}
	if c.handshakeSpan != nil {
		c.handshakeSpan.End()
		c.handshakeSpan = nil
	}

	for _, id := range c.subs.ids() {
		if err := c.tr.Subscribe(uint32(id)); err != nil {
			return c.fail(err)
		}
	}
	if c.opts.OnRegistration != nil {
		if err := c.tr.WatchRegistrations(true); err != nil {
			return c.fail(err)
		}
	}
	if c.groupName != "" {
		if err := c.requestGroup(); err != nil {
			return err
		}
	}

	c.logger.Log(context.Background(), logging.LevelNotice, "Channel open",
		"client_id", c.clientID,
		"max_send", c.neg.maxSend,
		"max_recv", c.neg.maxRecv,
		"subscriptions", len(c.subs.ids()))
	return nil
}

// deny closes a channel whose negotiation cannot succeed.
func (c *Client) deny(err error) error {
	c.logger.Error("Buffer negotiation failed", "error", err)
	if c.handshakeSpan != nil {
		c.handshakeSpan.RecordError(err)
	}
	c.finish()
	return err
}

func (c *Client) deliver(m transport.Message) []error {
	if c.state.get() == StateConnecting {
		c.logger.Debug("Ignoring message before channel open", "message_id", m.ID)
		return nil
	}

	id := MessageID(m.ID)
	size := len(m.Payload)
	c.stats.MessagesReceived++
	c.stats.BytesReceived += uint64(size)
	c.metrics.recordReceive(size)

	if c.policy.Verifies() && !crc.Valid(m.CRC, m.Payload) {
		c.stats.ChecksumFailures++
		c.metrics.recordChecksumFailure()
		err := fmt.Errorf("%w: got 0x%08x, header 0x%08x", ErrChecksumMismatch, crc.Checksum(m.Payload), m.CRC)
		c.logger.Warn("Dropping message with bad checksum", "message_id", id, "size", size)
		return []error{&MessageError{MessageID: id, Err: err}}
	}

	subs := c.subs.snapshot(id)
	if len(subs) == 0 {
		c.stats.Unhandled++
		c.logger.Warn("No handler registered for message", "message_id", id)
		return nil
	}

	private := c.opts.MutablePayloads && c.policy.Verifies()
	var errs []error
	for _, s := range subs {
		p := Payload{b: m.Payload, mutable: c.opts.MutablePayloads}
		if private {
			p.b = bytes.Clone(m.Payload)
		}
		c.stats.Dispatched++
		if err := c.invoke(s, id, p); err != nil {
			c.stats.HandlerFailures++
			c.metrics.recordHandlerFailure()
			c.logger.Warn("Handler failed", "message_id", id, "identity", s.identity, "error", err)
			errs = append(errs, &MessageError{MessageID: id, Identity: s.identity, Err: err})
		}
	}
	return errs
}

func (c *Client) invoke(s subscription, id MessageID, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return s.handler.HandleMessage(id, p)
}

func (c *Client) onDropped(d transport.Dropped) {
	c.stats.DroppedSegments += uint64(d.Segments)
	c.stats.DroppedBytes += uint64(d.Bytes)
	c.metrics.recordDrop(d.Segments, d.Bytes)
	c.logger.Warn("Manager dropped messages", "segments", d.Segments, "bytes", d.Bytes)
	if c.opts.OnDropReport != nil {
		c.opts.OnDropReport(d.Segments, d.Bytes)
	}
}

func (c *Client) onGroupAssigned(g transport.GroupAssigned) {
	c.groupPending = false
	c.groupID = g.GroupID
	c.logger.Info("Manager assigned group", "group", c.groupName, "group_id", g.GroupID)
}

func (c *Client) onRegistration(r transport.Registration) {
	if c.opts.OnRegistration == nil {
		return
	}
	ids := make([]MessageID, len(r.IDs))
	for i, id := range r.IDs {
		ids[i] = MessageID(id)
	}
	c.opts.OnRegistration(Registration{
		Registered: r.Registered,
		ClientID:   r.ClientID,
		GroupID:    r.GroupID,
		IDs:        ids,
	})
}

// onToken retires token and every older token.
func (c *Client) onToken(token uint32) {
	for i, t := range c.pending {
		if t == token {
			c.pending = c.pending[i+1:]
			break
		}
	}
	if c.drainAwait && token == c.drainToken {
		c.drainAwait = false
	}
}

func (c *Client) tokenPending(token uint32) bool {
	for _, t := range c.pending {
		if t == token {
			return true
		}
	}
	return false
}
