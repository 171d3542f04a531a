// Package featbuf implements the single-producer multi-consumer feature
// stream referenced by the acoustic model contract: the caller thread
// appends feature vectors with per-utterance framing, and each acoustic
// model instance (original or clone) consumes them through its own
// Consumer cursor at its own pace.
//
// Frames are retained for the whole utterance so a late-joining or slow
// consumer never misses one; the backing array is released in bulk when
// the next utterance starts.
package featbuf

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceled is returned by any blocking call once the buffer has been
// shut down.
var ErrCanceled = errors.New("featbuf: canceled")

// State is the buffer's utterance-level lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateFinal
	StateCanceled
)

// Buffer is the shared feature stream. All methods are safe for
// concurrent use; Append must be called from a single producer.
type Buffer struct {
	mu sync.Mutex

	uttID  string
	state  State
	frames [][]float32

	dataCh  chan struct{}
	startCh chan struct{}
}

// New creates an idle Buffer.
func New() *Buffer {
	return &Buffer{
		state:   StateIdle,
		dataCh:  make(chan struct{}),
		startCh: make(chan struct{}),
	}
}

// broadcast wakes every current waiter on *ch and installs a fresh
// channel for the next wait cycle. Must be called with mu held.
func broadcast(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

// UttID returns the utterance id published by the most recent StartUtt.
func (b *Buffer) UttID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uttID
}

// State returns the buffer's current lifecycle state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StartUtt begins a new utterance, dropping the previous utterance's
// frames and waking any consumer blocked in Consumer.StartUtt.
func (b *Buffer) StartUtt(uttID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uttID = uttID
	b.frames = b.frames[:0]
	b.state = StateActive
	broadcast(&b.startCh)
	broadcast(&b.dataCh)
}

// Append publishes one feature vector. The buffer takes ownership of
// frame; the producer must not mutate it afterwards. Returns ErrCanceled
// after Shutdown.
func (b *Buffer) Append(frame []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateCanceled {
		return ErrCanceled
	}
	b.frames = append(b.frames, frame)
	broadcast(&b.dataCh)
	return nil
}

// EndUtt marks the current utterance complete. Consumers drain the
// remaining frames and then see end-of-utterance.
func (b *Buffer) EndUtt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateActive {
		b.state = StateFinal
	}
	broadcast(&b.dataCh)
}

// Shutdown cancels the buffer, waking every consumer blocked in StartUtt
// or Next with ErrCanceled.
func (b *Buffer) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateCanceled
	broadcast(&b.startCh)
	broadcast(&b.dataCh)
}

// NumFrames returns the number of frames appended in the current
// utterance so far.
func (b *Buffer) NumFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Consumer is one reader's cursor into the stream. Each acoustic model
// instance owns its own Consumer; cursors advance independently.
type Consumer struct {
	buf *Buffer
	pos int
}

// NewConsumer returns a cursor positioned at the start of the current
// utterance.
func (b *Buffer) NewConsumer() *Consumer {
	return &Consumer{buf: b}
}

// StartUtt blocks until the producer has started an utterance, then
// resets the cursor to its first frame. Returns ErrCanceled if the
// buffer is shut down first.
func (c *Consumer) StartUtt(ctx context.Context) (string, error) {
	for {
		c.buf.mu.Lock()
		state := c.buf.state
		uttID := c.buf.uttID
		ch := c.buf.startCh
		c.buf.mu.Unlock()

		switch state {
		case StateCanceled:
			return "", ErrCanceled
		case StateActive, StateFinal:
			c.pos = 0
			return uttID, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Next blocks until the frame at the cursor is available and returns it,
// advancing the cursor. ok is false once the utterance has ended and all
// frames are consumed.
func (c *Consumer) Next(ctx context.Context) (frame []float32, ok bool, err error) {
	for {
		c.buf.mu.Lock()
		state := c.buf.state
		var f []float32
		have := c.pos < len(c.buf.frames)
		if have {
			f = c.buf.frames[c.pos]
		}
		ch := c.buf.dataCh
		c.buf.mu.Unlock()

		if state == StateCanceled {
			return nil, false, ErrCanceled
		}
		if have {
			c.pos++
			return f, true, nil
		}
		if state == StateFinal {
			return nil, false, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Pos returns the index of the frame the next call to Next will return.
func (c *Consumer) Pos() int { return c.pos }

// EOU reports whether the utterance has ended and this consumer has
// drained every frame.
func (c *Consumer) EOU() bool {
	c.buf.mu.Lock()
	defer c.buf.mu.Unlock()
	return c.buf.state == StateFinal && c.pos >= len(c.buf.frames)
}
