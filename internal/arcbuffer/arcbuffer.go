// Package arcbuffer implements the bounded, frame-ordered arc queue that
// connects adjacent search passes: a single producer sweeps retired word
// exits into it in source-frame order, and one or more consumers drain it
// as new frames become available.
package arcbuffer

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/msphinx/multisphinx/pkg/stype"
)

// ErrCanceled is returned by any blocking call once the buffer has been
// shut down.
var ErrCanceled = errors.New("arcbuffer: canceled")

// State is the buffer's utterance-level lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateFinal
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateFinal:
		return "final"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Arc is one word hypothesis handed from one pass to the next.
type Arc struct {
	WID       stype.WordID
	SrcFrame  stype.FrameIdx
	DestFrame stype.FrameIdx

	// BestScore and LScr are populated only when the buffer was created
	// with scored=true.
	BestScore stype.Score
	LScr      stype.Score

	// RCIdx/RCSize locate this arc's right-context delta run in the
	// buffer's rc array; RCBitset marks which of those right contexts
	// were actually scored.
	RCIdx    int32
	RCSize   int32
	RCBitset uint32
}

// Buffer is a single producer / multi-consumer arc queue.
type Buffer struct {
	mu sync.Mutex

	uttID string
	state State

	scored bool
	rc     []stype.RCDelta
	rcBase int32

	arcs       []Arc
	arcsOrigin int32 // logical index of arcs[0]
	pending    []Arc

	activeSF stype.FrameIdx
	nextSF   stype.FrameIdx

	dataCh  chan struct{}
	startCh chan struct{}

	consumerCount int
	releaseCh     chan struct{}
}

// New creates an idle Buffer expecting consumerCount consumers to
// acknowledge end-of-utterance. scored controls whether Arc.BestScore,
// Arc.LScr and the right-context delta store are populated.
func New(consumerCount int, scored bool) *Buffer {
	return &Buffer{
		state:         StateIdle,
		scored:        scored,
		dataCh:        make(chan struct{}),
		startCh:       make(chan struct{}),
		consumerCount: consumerCount,
		releaseCh:     make(chan struct{}, consumerCount),
	}
}

// broadcast wakes every current waiter on *ch and installs a fresh
// channel for the next wait cycle. Must be called with mu held.
func broadcast(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

// UttID returns the utterance id published by the most recent
// ProducerStartUtt.
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

// EOU reports whether the buffer has reached FINAL for the current
// utterance.
func (b *Buffer) EOU() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateFinal
}

// Scored reports whether this buffer carries scores and right-context
// deltas. A producer sweeping into an unscored buffer can skip
// converting deltas entirely.
func (b *Buffer) Scored() bool { return b.scored }

// ProducerStartUtt resets the buffer for a new utterance and wakes any
// consumer blocked in ConsumerStartUtt.
func (b *Buffer) ProducerStartUtt(uttID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.uttID = uttID
	b.arcs = b.arcs[:0]
	b.pending = b.pending[:0]
	b.arcsOrigin = 0
	b.rc = b.rc[:0]
	b.rcBase = 0
	b.activeSF = 0
	b.nextSF = 0
	b.state = StateActive
	broadcast(&b.startCh)
	broadcast(&b.dataCh)
}

// ProducerSweep appends newArcs, advances the producer's frontier to at
// least upThroughSF, and commits: arcs are merged into src-frame order,
// active_sf advances to next_sf, and the data-available event is
// signaled. Each arc's RCIdx is an offset into rcDeltas; the sweep
// rebases it onto the buffer's logical rc index space as the deltas are
// appended. Returns ErrCanceled if the buffer was shut down.
func (b *Buffer) ProducerSweep(newArcs []Arc, rcDeltas []stype.RCDelta, upThroughSF stype.FrameIdx) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateCanceled {
		return ErrCanceled
	}
	rcBase := b.rcBase + int32(len(b.rc))
	if len(rcDeltas) > 0 {
		b.rc = append(b.rc, rcDeltas...)
	}
	start := len(b.pending)
	b.pending = append(b.pending, newArcs...)
	for i := start; i < len(b.pending); i++ {
		if b.pending[i].RCSize > 0 {
			b.pending[i].RCIdx += rcBase
		}
	}
	if upThroughSF > b.nextSF {
		b.nextSF = upThroughSF
	}
	b.commitLocked()
	return nil
}

func (b *Buffer) commitLocked() {
	if len(b.pending) > 0 {
		b.arcs = append(b.arcs, b.pending...)
		sort.SliceStable(b.arcs, func(i, j int) bool {
			return b.arcs[i].SrcFrame < b.arcs[j].SrcFrame
		})
		b.pending = b.pending[:0]
	}
	b.activeSF = b.nextSF
	broadcast(&b.dataCh)
}

// ProducerEndUtt performs a final sweep, marks the buffer FINAL, and
// blocks until every registered consumer has called ConsumerEndUtt (or
// ctx is done).
func (b *Buffer) ProducerEndUtt(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateCanceled {
		b.state = StateFinal
	}
	b.commitLocked()
	canceled := b.state == StateCanceled
	b.mu.Unlock()
	if canceled {
		return ErrCanceled
	}

	for i := 0; i < b.consumerCount; i++ {
		select {
		case <-b.releaseCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ProducerShutdown cancels the buffer, waking any consumer blocked on
// ConsumerStartUtt or ConsumerWait.
func (b *Buffer) ProducerShutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateCanceled
	broadcast(&b.startCh)
	broadcast(&b.dataCh)
}

// ConsumerStartUtt blocks until ProducerStartUtt has been called for the
// current utterance, or returns ErrCanceled if the buffer is shut down
// first.
func (b *Buffer) ConsumerStartUtt(ctx context.Context) error {
	for {
		b.mu.Lock()
		state := b.state
		ch := b.startCh
		b.mu.Unlock()

		switch state {
		case StateCanceled:
			return ErrCanceled
		case StateActive, StateFinal:
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ConsumerWait blocks until arcs have been committed past afterSF or the
// buffer reaches FINAL, then returns the frame through which arcs are
// now available (active_sf).
func (b *Buffer) ConsumerWait(ctx context.Context, afterSF stype.FrameIdx) (stype.FrameIdx, error) {
	for {
		b.mu.Lock()
		state := b.state
		activeSF := b.activeSF
		ch := b.dataCh
		b.mu.Unlock()

		if state == StateCanceled {
			return 0, ErrCanceled
		}
		if state == StateFinal || activeSF > afterSF {
			return activeSF, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (b *Buffer) firstIdxAtOrAfter(sf stype.FrameIdx) int {
	return sort.Search(len(b.arcs), func(i int) bool { return b.arcs[i].SrcFrame >= sf })
}

// ConsumerRelease drops arcs with src_frame < firstSF, advancing the
// arcs array's logical origin. Right-context deltas are left in place:
// after the commit permutation they are no longer in arc order, so they
// cannot be released in lockstep with arcs. They are dropped in bulk at
// the next ProducerStartUtt instead.
func (b *Buffer) ConsumerRelease(firstSF stype.FrameIdx) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.firstIdxAtOrAfter(firstSF)
	if idx == 0 {
		return
	}
	b.arcs = append([]Arc(nil), b.arcs[idx:]...)
	b.arcsOrigin += int32(idx)
}

// ConsumerEndUtt acknowledges end-of-utterance; the producer's
// ProducerEndUtt unblocks once every registered consumer has called
// this. It never blocks: a signal that the release channel has no room
// for (as with a buffer created for zero consumers) is dropped.
func (b *Buffer) ConsumerEndUtt() {
	select {
	case b.releaseCh <- struct{}{}:
	default:
	}
}

// RCDelta returns the right-context delta at slice position pos within
// arc's RCIdx/RCSize run.
func (b *Buffer) RCDelta(arc Arc, pos int) (stype.RCDelta, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos < 0 || pos >= int(arc.RCSize) {
		return 0, false
	}
	off := arc.RCIdx - b.rcBase + int32(pos)
	if off < 0 || int(off) >= len(b.rc) {
		return 0, false
	}
	return b.rc[off], true
}

// Iter calls fn for every arc with src_frame >= sf, in src-frame order,
// stopping early if fn returns false. fn is called with the buffer lock
// held, so it must not call back into the Buffer.
func (b *Buffer) Iter(sf stype.FrameIdx, fn func(Arc) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := b.firstIdxAtOrAfter(sf); i < len(b.arcs); i++ {
		if !fn(b.arcs[i]) {
			return
		}
	}
}
