package featscore_test

import (
	"context"
	"testing"

	"github.com/msphinx/multisphinx/pkg/acmod/featscore"
	"github.com/msphinx/multisphinx/pkg/dict2pid"
	"github.com/msphinx/multisphinx/pkg/featbuf"
)

func seededBuffer(frames int) *featbuf.Buffer {
	b := featbuf.New()
	b.StartUtt("utt-1")
	for i := 0; i < frames; i++ {
		_ = b.Append([]float32{float32(i) / 10, 0.5})
	}
	b.EndUtt()
	return b
}

func TestScoreAdvancesFramesToEOU(t *testing.T) {
	b := seededBuffer(3)
	m := featscore.New(b)
	ctx := context.Background()

	if err := m.StartUtt(); err != nil {
		t.Fatalf("StartUtt: %v", err)
	}
	seqs := []dict2pid.SenoneSeq{10, 20, 30}
	for frame := 0; frame < 3; frame++ {
		if m.EOU() {
			t.Fatalf("EOU true before frame %d consumed", frame)
		}
		m.Activate(seqs)
		if m.NActive() != len(seqs) {
			t.Errorf("NActive: want %d, got %d", len(seqs), m.NActive())
		}
		scores, err := m.Score(ctx)
		if err != nil {
			t.Fatalf("Score frame %d: %v", frame, err)
		}
		if len(scores) != len(seqs) {
			t.Fatalf("Score frame %d: want %d scores, got %d", frame, len(seqs), len(scores))
		}
		for i, s := range scores {
			if s >= 0 {
				t.Errorf("frame %d seq %d: score %d not negative", frame, i, s)
			}
		}
	}
	if !m.EOU() {
		t.Error("EOU: want true after all frames consumed")
	}
	if m.OutputFrame() != 3 {
		t.Errorf("OutputFrame: want 3, got %d", m.OutputFrame())
	}
	if err := m.EndUtt(); err != nil {
		t.Fatalf("EndUtt: %v", err)
	}
}

func TestScoresAreDeterministic(t *testing.T) {
	ctx := context.Background()
	seqs := []dict2pid.SenoneSeq{7, 42}

	run := func() [][]int32 {
		m := featscore.New(seededBuffer(2))
		_ = m.StartUtt()
		var all [][]int32
		for !m.EOU() {
			m.Activate(seqs)
			scores, err := m.Score(ctx)
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			row := make([]int32, len(scores))
			for i, s := range scores {
				row[i] = int32(s)
			}
			all = append(all, row)
		}
		return all
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("frame counts differ: %d vs %d", len(a), len(b))
	}
	for f := range a {
		for i := range a[f] {
			if a[f][i] != b[f][i] {
				t.Errorf("frame %d seq %d: %d vs %d", f, i, a[f][i], b[f][i])
			}
		}
	}
}

func TestCloneConsumesIndependently(t *testing.T) {
	b := seededBuffer(2)
	ctx := context.Background()

	m := featscore.New(b)
	clone, err := m.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	_ = m.StartUtt()
	_ = clone.StartUtt()

	m.Activate([]dict2pid.SenoneSeq{1})
	if _, err := m.Score(ctx); err != nil {
		t.Fatalf("original Score: %v", err)
	}
	if _, err := m.Score(ctx); err != nil {
		t.Fatalf("original Score 2: %v", err)
	}
	if !m.EOU() {
		t.Error("original should be at EOU")
	}

	// The clone is still at frame 0.
	if clone.EOU() {
		t.Error("clone should not be at EOU before consuming")
	}
	if clone.OutputFrame() != 0 {
		t.Errorf("clone OutputFrame: want 0, got %d", clone.OutputFrame())
	}
	clone.Activate([]dict2pid.SenoneSeq{1})
	if _, err := clone.Score(ctx); err != nil {
		t.Fatalf("clone Score: %v", err)
	}
}

func TestScorePastEndFails(t *testing.T) {
	m := featscore.New(seededBuffer(1))
	ctx := context.Background()
	_ = m.StartUtt()
	m.Activate([]dict2pid.SenoneSeq{1})
	if _, err := m.Score(ctx); err != nil {
		t.Fatalf("Score: %v", err)
	}
	if _, err := m.Score(ctx); err == nil {
		t.Error("Score past EOU: want error")
	}
}
