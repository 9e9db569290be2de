// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"fmt"
	"time"

	"github.com/absmach/mcsb/transport"
)

var _ transport.Transport = (*Conn)(nil)

// Conn is one client's connection to a Manager.
type Conn struct {
	mgr    *Manager
	id     uint32
	hello  transport.Hello
	opened bool
	closed bool
	err    error

	producer uint32
	consumer uint32
	group    uint16
	watching bool

	queue  []transport.Event
	queued uint64
	notify chan struct{}
}

// ID returns the client ID assigned on Open.
func (c *Conn) ID() uint32 {
	return c.id
}

// Sever makes every later operation on c fail with err, as if the Manager
// had gone away.
func (c *Conn) Sever(err error) {
	c.mgr.mu.Lock()
	c.err = err
	c.mgr.mu.Unlock()
	c.wake()
}

// Open implements transport.Transport.
func (c *Conn) Open(h transport.Hello) error {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if c.opened {
		return ErrAlreadyOpen
	}
	c.mgr.open(c, h)
	return nil
}

// RequestSlabs implements transport.Transport. A request the pool cannot
// satisfy is granted partially.
func (c *Conn) RequestSlabs(producer, consumer uint32) error {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}
	c.mgr.release(c)
	c.producer = c.mgr.grant(producer)
	c.consumer = c.mgr.grant(consumer)
	c.push(transport.Granted{Producer: c.producer, Consumer: c.consumer})
	return nil
}

// Subscribe implements transport.Transport.
func (c *Conn) Subscribe(id uint32) error {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}
	subs, ok := c.mgr.subs[id]
	if !ok {
		subs = make(map[uint32]*Conn)
		c.mgr.subs[id] = subs
	}
	if _, ok := subs[c.id]; ok {
		return nil
	}
	subs[c.id] = c
	c.mgr.announce(c, true, []uint32{id})
	return nil
}

// Unsubscribe implements transport.Transport.
func (c *Conn) Unsubscribe(id uint32) error {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}
	subs, ok := c.mgr.subs[id]
	if !ok {
		return nil
	}
	if _, ok := subs[c.id]; !ok {
		return nil
	}
	delete(subs, c.id)
	if len(subs) == 0 {
		delete(c.mgr.subs, id)
	}
	c.mgr.announce(c, false, []uint32{id})
	return nil
}

// Send implements transport.Transport.
func (c *Conn) Send(m transport.Message) error {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}
	if c.producer == 0 {
		return ErrNoProducerSlab
	}
	if limit := uint64(c.producer) * uint64(c.mgr.cfg.SlabSize); uint64(len(m.Payload)) > limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(m.Payload), limit)
	}
	c.mgr.route(c, m)
	return nil
}

// SendToken implements transport.Transport.
func (c *Conn) SendToken(token uint32) error {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}
	c.push(transport.TokenEcho{Token: token})
	return nil
}

// RequestGroup implements transport.Transport.
func (c *Conn) RequestGroup(name string) error {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}
	return c.mgr.joinGroup(c, name)
}

// WatchRegistrations implements transport.Transport.
func (c *Conn) WatchRegistrations(on bool) error {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}
	c.mgr.watch(c, on)
	return nil
}

// Recv implements transport.Transport.
func (c *Conn) Recv(timeout time.Duration) (transport.Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		ev, err := c.pop()
		if ev != nil || err != nil {
			return ev, err
		}
		remaining := time.Until(deadline)
		if timeout <= 0 || remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-c.notify:
			timer.Stop()
		case <-timer.C:
			return c.pop()
		}
	}
}

// Close implements transport.Transport.
func (c *Conn) Close() error {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.opened {
		c.mgr.drop(c)
	}
	c.queue = nil
	c.queued = 0
	return nil
}

func (c *Conn) pop() (transport.Event, error) {
	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()

	if err := c.usable(); err != nil {
		return nil, err
	}
	if len(c.queue) == 0 {
		return nil, nil
	}
	ev := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	if d, ok := ev.(transport.Delivery); ok {
		c.queued -= uint64(len(d.Message.Payload))
	}
	return ev, nil
}

// deliver enqueues m, or records a drop when the consumer buffers cannot
// hold it. Callers hold the manager lock.
func (c *Conn) deliver(m transport.Message, slabSize uint32) {
	size := uint64(len(m.Payload))
	capacity := uint64(c.consumer) * uint64(slabSize)
	if c.queued+size > capacity {
		if n := len(c.queue); n > 0 {
			if d, ok := c.queue[n-1].(transport.Dropped); ok {
				d.Segments++
				d.Bytes += uint32(size)
				c.queue[n-1] = d
				return
			}
		}
		c.push(transport.Dropped{Segments: 1, Bytes: uint32(size)})
		return
	}
	c.queued += size
	c.push(transport.Delivery{Message: m})
}

func (c *Conn) push(ev transport.Event) {
	c.queue = append(c.queue, ev)
	c.wake()
}

func (c *Conn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Conn) usable() error {
	if c.err != nil {
		return c.err
	}
	if c.closed {
		return transport.ErrClosed
	}
	return nil
}

func (c *Conn) ready() error {
	if err := c.usable(); err != nil {
		return err
	}
	if !c.opened {
		return ErrNotOpen
	}
	return nil
}
