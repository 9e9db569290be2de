// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "fmt"

// negotiator holds the buffer watermarks and the limits the Manager granted.
type negotiator struct {
	minProducerBytes int64
	minConsumerBytes int64
	minProducerSlabs int
	minConsumerSlabs int

	slabSize      uint32
	wantProducer  uint32
	wantConsumer  uint32
	producerSlabs uint32
	consumerSlabs uint32

	// Zero until confirm succeeds, then fixed.
	maxSend uint64
	maxRecv uint64
}

func (n *negotiator) configure(producerBytes, consumerBytes int64, producerSlabs, consumerSlabs int) error {
	switch {
	case producerBytes < 0:
		return fmt.Errorf("%w: negative producer bytes %d", ErrInvalidConfiguration, producerBytes)
	case consumerBytes < 0:
		return fmt.Errorf("%w: negative consumer bytes %d", ErrInvalidConfiguration, consumerBytes)
	case producerSlabs < 0:
		return fmt.Errorf("%w: negative producer slabs %d", ErrInvalidConfiguration, producerSlabs)
	case consumerSlabs < 0:
		return fmt.Errorf("%w: negative consumer slabs %d", ErrInvalidConfiguration, consumerSlabs)
	}
	n.minProducerBytes = producerBytes
	n.minConsumerBytes = consumerBytes
	n.minProducerSlabs = producerSlabs
	n.minConsumerSlabs = consumerSlabs
	return nil
}

// plan computes the slab request for a pool of the given slab size.
func (n *negotiator) plan(slabSize uint32) (producer, consumer uint32, err error) {
	if slabSize == 0 {
		return 0, 0, fmt.Errorf("%w: manager reported a zero slab size", ErrInvalidConfiguration)
	}
	n.slabSize = slabSize
	n.wantProducer = slabsFor(n.minProducerBytes, n.minProducerSlabs, slabSize)
	n.wantConsumer = slabsFor(n.minConsumerBytes, n.minConsumerSlabs, slabSize)
	return n.wantProducer, n.wantConsumer, nil
}

// confirm accepts a grant. A grant below the plan is a denial.
func (n *negotiator) confirm(producer, consumer uint32) error {
	if n.ready() {
		return nil
	}
	if n.slabSize == 0 {
		return fmt.Errorf("%w: slab grant before pool assignment", ErrInvalidConfiguration)
	}
	if producer < n.wantProducer || consumer < n.wantConsumer {
		return fmt.Errorf("%w: manager granted %d/%d producer/consumer slabs, need %d/%d",
			ErrInvalidConfiguration, producer, consumer, n.wantProducer, n.wantConsumer)
	}
	n.producerSlabs = producer
	n.consumerSlabs = consumer
	n.maxSend = uint64(producer) * uint64(n.slabSize)
	n.maxRecv = uint64(consumer) * uint64(n.slabSize)
	return nil
}

func (n *negotiator) ready() bool {
	return n.maxSend != 0
}

func slabsFor(bytes int64, minSlabs int, slabSize uint32) uint32 {
	size := int64(slabSize)
	slabs := (bytes + size - 1) / size
	if slabs < int64(minSlabs) {
		slabs = int64(minSlabs)
	}
	if slabs < 1 {
		slabs = 1
	}
	if slabs > int64(^uint32(0)) {
		slabs = int64(^uint32(0))
	}
	return uint32(slabs)
}
