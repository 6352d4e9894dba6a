// Package bounded implements the fixed-capacity, ordered queue that sits
// between the fan-out producer and one session consumer.
//
// A Channel has exactly one producer and one consumer. When the queue is full
// the configured Policy decides, deterministically, what happens to the
// incoming value: the oldest queued value is evicted, the incoming value is
// discarded, or the producer is told the channel is full.
package bounded

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrChannelFull = errors.New("bounded: channel full")
	ErrClosed      = errors.New("bounded: channel closed")
)

type Policy int

const (
	DropOldest Policy = iota
	DropNewest
	RejectProducer
)

func ParsePolicy(value string) (Policy, error) {
	switch value {
	case "drop-oldest":
		return DropOldest, nil
	case "drop-newest":
		return DropNewest, nil
	case "reject-producer":
		return RejectProducer, nil
	}

	return 0, fmt.Errorf("overflow policy %q is invalid", value)
}

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case RejectProducer:
		return "reject-producer"
	}

	return fmt.Sprintf("Policy(%d)", int(p))
}

// Result describes what a successful Push did to the queue.
type Result int

const (
	Enqueued Result = iota
	// Evicted means the value was enqueued after the head was dropped.
	Evicted
	// Dropped means the incoming value was discarded.
	Dropped
)

type Channel[T any] struct {
	mux     sync.Mutex
	items   []T
	head    int
	size    int
	policy  Policy
	closed  bool
	dropped uint64

	ready chan struct{}
	done  chan struct{}
}

// New returns a channel holding at most capacity values. It panics when
// capacity is not positive.
func New[T any](capacity int, policy Policy) *Channel[T] {
	if capacity < 1 {
		panic(fmt.Sprintf("bounded: capacity must be positive, got %d", capacity))
	}

	return &Channel[T]{
		items:  make([]T, capacity),
		policy: policy,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *Channel[T]) Push(value T) (Result, error) {
	c.mux.Lock()

	if c.closed {
		c.mux.Unlock()
		return Dropped, ErrClosed
	}

	result := Enqueued

	if c.size == len(c.items) {
		switch c.policy {
		case DropOldest:
			var zero T
			c.items[c.head] = zero
			c.head = (c.head + 1) % len(c.items)
			c.size--
			c.dropped++
			result = Evicted
		case DropNewest:
			c.dropped++
			c.mux.Unlock()
			return Dropped, nil
		default:
			c.dropped++
			c.mux.Unlock()
			return Dropped, ErrChannelFull
		}
	}

	c.items[(c.head+c.size)%len(c.items)] = value
	c.size++
	c.mux.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}

	return result, nil
}

// Pop blocks until a value is available. It fails with ErrClosed once the
// channel is closed, even if values were still queued, and with the context
// error when ctx ends first.
func (c *Channel[T]) Pop(ctx context.Context) (T, error) {
	var zero T

	for {
		c.mux.Lock()

		if c.closed {
			c.mux.Unlock()
			return zero, ErrClosed
		}

		if c.size > 0 {
			value := c.items[c.head]
			c.items[c.head] = zero
			c.head = (c.head + 1) % len(c.items)
			c.size--
			c.mux.Unlock()

			return value, nil
		}

		c.mux.Unlock()

		select {
		case <-c.ready:
		case <-c.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (c *Channel[T]) Close() {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	for i := range c.items {
		var zero T
		c.items[i] = zero
	}
	c.size = 0
	close(c.done)
}

// Done is closed when the channel is closed.
func (c *Channel[T]) Done() <-chan struct{} {
	return c.done
}

func (c *Channel[T]) Closed() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.closed
}

func (c *Channel[T]) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.size
}

func (c *Channel[T]) Cap() int {
	return len(c.items)
}

func (c *Channel[T]) Policy() Policy {
	return c.policy
}

// Dropped returns how many values were evicted, discarded or rejected.
func (c *Channel[T]) Dropped() uint64 {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.dropped
}

// Snapshot copies the queued values in delivery order.
func (c *Channel[T]) Snapshot() []T {
	c.mux.Lock()
	defer c.mux.Unlock()

	values := make([]T, c.size)
	for i := 0; i < c.size; i++ {
		values[i] = c.items[(c.head+i)%len(c.items)]
	}

	return values
}
