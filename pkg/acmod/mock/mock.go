// Package mock provides a deterministic acmod.Model for unit tests. The
// CLI uses pkg/acmod/featscore, which scores a real feature stream;
// this mock skips the stream entirely and fabricates a fixed number of
// frames.
package mock

import (
	"context"
	"sync"

	"github.com/msphinx/multisphinx/pkg/acmod"
	"github.com/msphinx/multisphinx/pkg/dict2pid"
	"github.com/msphinx/multisphinx/pkg/stype"
)

// ScoreFunc computes the score for one senone sequence at one frame.
type ScoreFunc func(frame stype.FrameIdx, seq dict2pid.SenoneSeq) stype.Score

// Model is a fixed-length, deterministically-scored acmod.Model. NumFrames
// frames are available; Score returns ScoreFunc(frame, seq) for every
// activated senone sequence, or 0 if ScoreFunc is nil.
type Model struct {
	NumFrames int
	ScoreFn   ScoreFunc

	mu       sync.Mutex
	frame    stype.FrameIdx
	active   []dict2pid.SenoneSeq
	started  bool
}

// New creates a Model with the given frame count and scoring function.
func New(numFrames int, fn ScoreFunc) *Model {
	return &Model{NumFrames: numFrames, ScoreFn: fn}
}

func (m *Model) StartUtt() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frame = 0
	m.started = true
	return nil
}

func (m *Model) EndUtt() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	return nil
}

func (m *Model) Activate(seqs []dict2pid.SenoneSeq) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = seqs
}

func (m *Model) NActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Model) Score(ctx context.Context) ([]stype.Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	scores := make([]stype.Score, len(m.active))
	for i, seq := range m.active {
		if m.ScoreFn != nil {
			scores[i] = m.ScoreFn(m.frame, seq)
		}
	}
	m.frame++
	return scores, nil
}

func (m *Model) OutputFrame() stype.FrameIdx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frame
}

func (m *Model) EOU() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.frame) >= m.NumFrames
}

func (m *Model) Clone() (acmod.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Model{NumFrames: m.NumFrames, ScoreFn: m.ScoreFn}, nil
}

var _ acmod.Model = (*Model)(nil)
