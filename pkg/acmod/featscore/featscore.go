// Package featscore implements acmod.Model over a featbuf feature
// stream with a deterministic stand-in scoring function: each activated
// senone sequence is scored from the current frame's energy and its own
// id. Real Gaussian scoring is out of scope for this module; featscore
// exists so the full pipeline — feature framing, per-pass acoustic model
// clones, blocking on feature availability — can be driven end to end
// without a trained model.
package featscore

import (
	"context"
	"errors"
	"fmt"

	"github.com/msphinx/multisphinx/pkg/acmod"
	"github.com/msphinx/multisphinx/pkg/dict2pid"
	"github.com/msphinx/multisphinx/pkg/featbuf"
	"github.com/msphinx/multisphinx/pkg/stype"
)

// Model scores frames from a shared featbuf.Buffer. Each Model (original
// or clone) owns its own consumer cursor, so passes consume the stream
// at independent paces. Not safe for concurrent use by multiple
// goroutines, matching the acmod contract.
type Model struct {
	buf  *featbuf.Buffer
	cons *featbuf.Consumer

	started bool
	frame   stype.FrameIdx
	active  []dict2pid.SenoneSeq
}

var _ acmod.Model = (*Model)(nil)

// New creates a Model consuming buf.
func New(buf *featbuf.Buffer) *Model {
	return &Model{buf: buf}
}

func (m *Model) StartUtt() error {
	m.cons = m.buf.NewConsumer()
	m.started = false
	m.frame = 0
	return nil
}

func (m *Model) EndUtt() error {
	m.cons = nil
	return nil
}

func (m *Model) Activate(seqs []dict2pid.SenoneSeq) {
	m.active = seqs
}

func (m *Model) NActive() int { return len(m.active) }

// Score blocks until the next feature frame is available, then scores
// every activated senone sequence against it.
func (m *Model) Score(ctx context.Context) ([]stype.Score, error) {
	if m.cons == nil {
		return nil, errors.New("featscore: Score called outside an utterance")
	}
	if !m.started {
		if _, err := m.cons.StartUtt(ctx); err != nil {
			return nil, fmt.Errorf("featscore: wait for utterance: %w", err)
		}
		m.started = true
	}

	frame, ok, err := m.cons.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("featscore: next frame: %w", err)
	}
	if !ok {
		return nil, errors.New("featscore: Score called past end of utterance")
	}

	energy := quantizeEnergy(frame)
	scores := make([]stype.Score, len(m.active))
	for i, seq := range m.active {
		scores[i] = scoreSeq(energy, seq)
	}
	m.frame++
	return scores, nil
}

func (m *Model) OutputFrame() stype.FrameIdx { return m.frame }

// EOU reports whether the feature stream is final and this model has
// consumed every frame.
func (m *Model) EOU() bool {
	if m.cons == nil {
		return true
	}
	return m.cons.EOU()
}

// Clone returns an independent Model over the same feature stream.
func (m *Model) Clone() (acmod.Model, error) {
	return New(m.buf), nil
}

const energyBins = 64

// quantizeEnergy buckets the frame's mean absolute amplitude.
func quantizeEnergy(frame []float32) int32 {
	var sum float64
	for _, v := range frame {
		if v < 0 {
			sum -= float64(v)
		} else {
			sum += float64(v)
		}
	}
	if len(frame) > 0 {
		sum /= float64(len(frame))
	}
	b := int32(sum * energyBins)
	if b >= energyBins {
		b = energyBins - 1
	}
	return b
}

// scoreSeq is the stand-in acoustic score: zero when the sequence's own
// bucket matches the frame's energy bucket, increasingly negative as
// they diverge. Deterministic in (frame, seq) so repeated decodes of the
// same features are bit-identical.
func scoreSeq(energy int32, seq dict2pid.SenoneSeq) stype.Score {
	d := int32(seq)%energyBins - energy
	if d < 0 {
		d = -d
	}
	return stype.Score(-d - 1)
}
