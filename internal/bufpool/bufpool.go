// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the scratch buffers used to assemble frames and
// gathered payloads.
package bufpool

import (
	"bytes"
	"sync"
)

// maxPooledCap bounds what is returned to the pool so one large message
// does not pin its buffer for the life of the process.
const maxPooledCap = 1 << 20

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Gather returns a pooled buffer holding the concatenation of parts.
func Gather(parts ...[]byte) *bytes.Buffer {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	b := Get()
	b.Grow(n)
	for _, p := range parts {
		b.Write(p)
	}
	return b
}

// Put returns b to the pool. Callers must not touch b afterwards.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
