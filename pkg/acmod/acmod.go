// Package acmod defines the acoustic scoring contract: per-frame senone
// scores, active-state management, and utterance framing. HMM/Gaussian
// scoring itself lives outside this module — this package only declares
// the interface fwdtree and fwdflat drive.
package acmod

import (
	"context"

	"github.com/msphinx/multisphinx/pkg/dict2pid"
	"github.com/msphinx/multisphinx/pkg/stype"
)

// Model is the abstraction over an acoustic scorer.
//
// A pass calls StartUtt once, then repeatedly Activate + Score per frame
// until EOU reports true, then EndUtt. Score must be called single-
// threaded per Model instance — a pass that wants to score the same
// utterance independently of another pass must call Clone first.
type Model interface {
	// StartUtt resets per-utterance state (frame counter, active senone
	// set) and prepares to consume feature frames from the start.
	StartUtt() error

	// EndUtt finalizes the utterance. Calling Score after EndUtt without
	// an intervening StartUtt is an error.
	EndUtt() error

	// Activate marks the given senone sequences as needed for the next
	// Score call. Passes call this once per frame with every senone
	// sequence referenced by a currently-active HMM state.
	Activate(seqs []dict2pid.SenoneSeq)

	// NActive returns the number of distinct senones activated for the
	// most recent Score call.
	NActive() int

	// Score blocks until the feature frame at the model's current output
	// position is available, computes
	// scores for every activated senone sequence, advances the internal
	// frame position, and returns the scores indexed by the order senone
	// sequences were activated in. Returns an error if ctx is done first.
	Score(ctx context.Context) ([]stype.Score, error)

	// OutputFrame returns the frame index Score will next produce scores
	// for.
	OutputFrame() stype.FrameIdx

	// EOU reports whether the feature stream for the current utterance
	// has been fully consumed.
	EOU() bool

	// Clone returns an independent Model instance scoring the same
	// underlying feature stream, so a second search pass can consume
	// frames at its own pace. The clone has its own frame position.
	Clone() (Model, error)
}
