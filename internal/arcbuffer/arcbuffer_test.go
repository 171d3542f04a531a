package arcbuffer_test

import (
	"context"
	"testing"
	"time"

	"github.com/msphinx/multisphinx/internal/arcbuffer"
	"github.com/msphinx/multisphinx/pkg/stype"
)

func TestProducerConsumerStartUtt(t *testing.T) {
	b := arcbuffer.New(1, false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.ConsumerStartUtt(ctx) }()

	b.ProducerStartUtt("utt-1")

	if err := <-done; err != nil {
		t.Fatalf("ConsumerStartUtt: %v", err)
	}
	if b.UttID() != "utt-1" {
		t.Fatalf("UttID() = %q, want utt-1", b.UttID())
	}
}

func TestConsumerStartUttCanceled(t *testing.T) {
	b := arcbuffer.New(1, false)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- b.ConsumerStartUtt(ctx) }()
	b.ProducerShutdown()

	if err := <-done; err != arcbuffer.ErrCanceled {
		t.Fatalf("ConsumerStartUtt error = %v, want ErrCanceled", err)
	}
}

func TestSweepOrdersArcsBySrcFrame(t *testing.T) {
	b := arcbuffer.New(1, false)
	b.ProducerStartUtt("u")

	err := b.ProducerSweep([]arcbuffer.Arc{
		{WID: 3, SrcFrame: 5, DestFrame: 8},
		{WID: 1, SrcFrame: 2, DestFrame: 4},
		{WID: 2, SrcFrame: 2, DestFrame: 6},
	}, nil, 6)
	if err != nil {
		t.Fatalf("ProducerSweep: %v", err)
	}

	var order []stype.FrameIdx
	b.Iter(0, func(a arcbuffer.Arc) bool {
		order = append(order, a.SrcFrame)
		return true
	})
	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Fatalf("arcs not sorted by src_frame: %v", order)
		}
	}
	if len(order) != 3 {
		t.Fatalf("got %d arcs, want 3", len(order))
	}
}

func TestConsumerWaitUnblocksOnCommit(t *testing.T) {
	b := arcbuffer.New(1, false)
	b.ProducerStartUtt("u")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result := make(chan stype.FrameIdx, 1)
	errs := make(chan error, 1)
	go func() {
		sf, err := b.ConsumerWait(ctx, 0)
		result <- sf
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := b.ProducerSweep([]arcbuffer.Arc{{WID: 1, SrcFrame: 0, DestFrame: 1}}, nil, 1); err != nil {
		t.Fatalf("ProducerSweep: %v", err)
	}

	if err := <-errs; err != nil {
		t.Fatalf("ConsumerWait error: %v", err)
	}
	if sf := <-result; sf != 1 {
		t.Fatalf("ConsumerWait returned %d, want 1", sf)
	}
}

func TestConsumerWaitUnblocksOnFinal(t *testing.T) {
	b := arcbuffer.New(1, false)
	b.ProducerStartUtt("u")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	waitDone := make(chan error, 1)
	go func() {
		_, err := b.ConsumerWait(ctx, 0)
		waitDone <- err
	}()

	endDone := make(chan error, 1)
	go func() { endDone <- b.ProducerEndUtt(ctx) }()

	if err := <-waitDone; err != nil {
		t.Fatalf("ConsumerWait: %v", err)
	}
	if !b.EOU() {
		t.Fatalf("EOU() = false after ProducerEndUtt's sweep")
	}

	b.ConsumerEndUtt()
	if err := <-endDone; err != nil {
		t.Fatalf("ProducerEndUtt: %v", err)
	}
}

func TestConsumerReleaseDropsOldArcs(t *testing.T) {
	b := arcbuffer.New(1, false)
	b.ProducerStartUtt("u")
	b.ProducerSweep([]arcbuffer.Arc{
		{WID: 1, SrcFrame: 0, DestFrame: 1},
		{WID: 2, SrcFrame: 3, DestFrame: 5},
	}, nil, 4)

	b.ConsumerRelease(3)

	var remaining int
	b.Iter(0, func(arcbuffer.Arc) bool { remaining++; return true })
	if remaining != 1 {
		t.Fatalf("got %d arcs after release, want 1", remaining)
	}
}
