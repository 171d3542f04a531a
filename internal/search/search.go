// Package search defines the shared result types and lifecycle interface
// every search pass (fwdtree, fwdflat, latgen) implements, so that
// internal/searchfactory can orchestrate them uniformly.
package search

import (
	"context"

	"github.com/msphinx/multisphinx/pkg/stype"
)

// Segment is one word in a final hypothesis, with its frame span and the
// acoustic/language score contributed at that word's exit.
type Segment struct {
	Word      stype.WordID
	StartFrame stype.FrameIdx
	EndFrame   stype.FrameIdx
	AScr       stype.Score
	LScr       stype.Score
}

// Hypothesis is the best path a pass found for one utterance, backtraced
// from its best final bp. TotalScore is the path score at the final
// segment's bp, the same value logged for WER/latency comparisons across
// passes.
type Hypothesis struct {
	UttID      string
	Segments   []Segment
	TotalScore stype.Score
}

// ScoreUnit converts a DecoderConfig tuning value (beam widths, insertion
// penalties — all plain log-domain floats in DecoderConfig) to the
// integer stype.Score unit every pass accumulates in. All passes use this
// same conversion so a beam configured as -48 means the same thing to
// fwdtree, fwdflat, and latgen.
func ScoreUnit(v float64) stype.Score { return stype.Score(v) }

// Pass is the lifecycle every search pass exposes to internal/searchfactory.
//
// A Pass instance is owned by exactly one utterance pipeline; it is not
// reused across concurrent utterances. Run blocks until the input side
// (feature stream or arc buffer) reports end-of-utterance or ctx is done,
// consuming frames/arcs at its own pace.
type Pass interface {
	// Run executes one utterance: it drives the per-frame search loop to
	// completion and returns the best hypothesis found, or an error if
	// ctx was cancelled or a collaborator call failed unrecoverably.
	Run(ctx context.Context, uttID string) (Hypothesis, error)

	// Close releases any resources (acoustic model clone, bptbl) the pass
	// holds. Safe to call multiple times.
	Close() error
}
