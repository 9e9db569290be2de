// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	b := Get()
	b.WriteString("slab")
	Put(b)

	b2 := Get()
	assert.Equal(t, 0, b2.Len())
	Put(b2)
}

func TestGather(t *testing.T) {
	b := Gather([]byte("head"), nil, []byte("-"), []byte("tail"))
	defer Put(b)

	assert.Equal(t, "head-tail", b.String())
}

func TestPutDiscardsOversizedBuffer(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	Put(b)
	Put(nil)
}

func TestConcurrentGather(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Gather([]byte("concurrent"), []byte(" frame"))
			assert.Equal(t, "concurrent frame", b.String())
			Put(b)
		}()
	}
	wg.Wait()
}
