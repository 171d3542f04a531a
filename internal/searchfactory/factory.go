// Package searchfactory wires the three search passes into a running
// pipeline: fwdtree feeds fwdflat through one arc buffer, fwdflat feeds
// latgen through a second, and all three run concurrently for the
// duration of an utterance under errgroup supervision.
//
// The Pipeline owns pass construction (from configuration plus the
// caller's collaborator implementations), per-utterance execution, and
// teardown, mirroring the New/Run/Shutdown lifecycle of a long-running
// server process.
package searchfactory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/msphinx/multisphinx/internal/arcbuffer"
	"github.com/msphinx/multisphinx/internal/config"
	"github.com/msphinx/multisphinx/internal/observe"
	"github.com/msphinx/multisphinx/internal/search"
	"github.com/msphinx/multisphinx/internal/search/fwdflat"
	"github.com/msphinx/multisphinx/internal/search/fwdtree"
	"github.com/msphinx/multisphinx/internal/search/latgen"
	"github.com/msphinx/multisphinx/pkg/acmod"
	"github.com/msphinx/multisphinx/pkg/dict"
	"github.com/msphinx/multisphinx/pkg/dict2pid"
	"github.com/msphinx/multisphinx/pkg/lattice"
	"github.com/msphinx/multisphinx/pkg/ngram"
)

// Collaborators holds the external contract implementations a Pipeline
// decodes against. All fields are required except TreeLM, which defaults
// to FlatLM when nil (a single-LM pipeline).
type Collaborators struct {
	Dict   dict.Dictionary
	D2P    dict2pid.Table
	AM     acmod.Model
	TreeLM ngram.Model
	FlatLM ngram.Model

	// VocabMap optionally widens fwdflat's arc-derived vocabulary (the
	// -vm option; see fwdflat.LoadVocabMap).
	VocabMap fwdflat.VocabMap
}

// Result carries everything the pipeline produced for one utterance.
type Result struct {
	UttID string

	// Tree and Flat are the per-pass best hypotheses. Flat is the one a
	// caller should report; Tree is kept for pass-comparison logging.
	Tree search.Hypothesis
	Flat search.Hypothesis

	// Lattice is the word graph latgen built, already pruned (and with
	// posteriors if configured).
	Lattice *lattice.Lattice

	Duration time.Duration
}

// Pipeline is a three-pass decoder for a stream of utterances. One
// utterance is decoded at a time; DecodeUtt serializes callers.
type Pipeline struct {
	cfg     *config.Config
	collab  Collaborators
	metrics *observe.Metrics

	treeOut *arcbuffer.Buffer
	flatOut *arcbuffer.Buffer

	amFlat acmod.Model

	mu   sync.Mutex
	tree *fwdtree.Pass
	flat *fwdflat.Pass
	lat  *latgen.Pass

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*Pipeline)

// WithMetrics injects a metrics set instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New builds a Pipeline from configuration and collaborators. All
// initialization errors (missing collaborators, an LM without </s>, a
// failed acoustic model clone) surface here, per the policy that a pass
// failing to construct aborts factory creation.
func New(cfg *config.Config, collab Collaborators, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{cfg: cfg, collab: collab}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	if collab.Dict == nil || collab.D2P == nil || collab.AM == nil {
		return nil, errors.New("searchfactory: dict, dict2pid, and acmod collaborators are required")
	}
	if collab.FlatLM == nil {
		return nil, errors.New("searchfactory: a language model is required")
	}
	if !collab.FlatLM.HasSentenceEnd() {
		return nil, errors.New("searchfactory: language model does not contain </s>")
	}
	if p.collab.TreeLM == nil {
		p.collab.TreeLM = collab.FlatLM
	}

	// fwdflat scores the same feature stream at its own pace, so it owns
	// a clone of the caller's acoustic model.
	amFlat, err := collab.AM.Clone()
	if err != nil {
		return nil, fmt.Errorf("searchfactory: clone acmod for fwdflat: %w", err)
	}
	p.amFlat = amFlat

	p.treeOut = arcbuffer.New(1, true)
	p.flatOut = arcbuffer.New(1, true)

	p.buildPasses()
	p.closers = append(p.closers, p.tree.Close, p.flat.Close, p.lat.Close)

	slog.Info("search pipeline ready",
		"vocab", collab.Dict.NumWords(),
		"tree_lm_order", p.collab.TreeLM.Size(),
		"flat_lm_order", collab.FlatLM.Size(),
	)
	return p, nil
}

// buildPasses (re)constructs the three passes from the current decoder
// configuration. Must be called with mu held (or before the Pipeline is
// shared).
func (p *Pipeline) buildPasses() {
	d := p.cfg.Decoder
	p.tree = fwdtree.New(fwdtree.Config{
		Beam:                  d.Beam,
		WordBeam:              d.WordBeam,
		MaxWPF:                d.MaxWPF,
		MaxHMMPF:              d.MaxHMMPF,
		NewWordPenalty:        d.NewWordPenalty,
		WordInsertionPenalty:  d.WordInsertionPenalty,
		PhoneInsertionPenalty: d.PhoneInsertionPenalty,
		SilenceProbability:    d.SilenceProbability,
		FillerProbability:     d.FillerProbability,
		LW:                    d.LW,
	}, p.collab.Dict, p.collab.D2P, p.collab.AM, p.collab.TreeLM, p.treeOut)

	p.flat = fwdflat.New(fwdflat.Config{
		FwdflatBeam:           d.FwdflatBeam,
		FwdflatWBeam:          d.FwdflatWBeam,
		FwdflatSFWin:          d.FwdflatSFWin,
		FwdflatLW:             d.FwdflatLW,
		MaxWPF:                d.MaxWPF,
		MaxHMMPF:              d.MaxHMMPF,
		NewWordPenalty:        d.NewWordPenalty,
		WordInsertionPenalty:  d.WordInsertionPenalty,
		PhoneInsertionPenalty: d.PhoneInsertionPenalty,
		SilenceProbability:    d.SilenceProbability,
		FillerProbability:     d.FillerProbability,
		VocabMap:              p.collab.VocabMap,
	}, p.collab.Dict, p.collab.D2P, p.amFlat, p.collab.FlatLM, p.treeOut, p.flatOut)

	p.lat = latgen.New(latgen.Config{
		LW:                 d.FwdflatLW,
		SilenceProbability: d.SilenceProbability,
		FillerProbability:  d.FillerProbability,
		ComputePosteriors:  p.cfg.Lattice.ComputePosteriors,
		InitSize:           p.cfg.Lattice.InitSize,
		OutputDir:          p.cfg.Lattice.OutputDir,
		DotDir:             p.cfg.Lattice.DotDir,
	}, p.collab.Dict, p.collab.D2P, p.collab.FlatLM, p.flatOut)
}

// ApplyDecoderConfig swaps in new pruning/penalty tunables between
// utterances. Intended as the hot-reload target of a config watcher;
// model-path changes are not applied here (they require rebuilding the
// Pipeline, see config.Diff's RestartRequired).
func (p *Pipeline) ApplyDecoderConfig(d config.DecoderConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Decoder = d
	p.buildPasses()
	slog.Info("decoder tunables reloaded",
		"beam", d.Beam, "fwdflat_beam", d.FwdflatBeam, "max_wpf", d.MaxWPF)
}

// DecodeUtt runs one utterance through all three passes concurrently and
// returns the combined result. An empty uttID is replaced with a fresh
// UUID. Blocks until every pass finishes or the first one fails; a
// failure cancels the sibling passes via the shared errgroup context.
func (p *Pipeline) DecodeUtt(ctx context.Context, uttID string) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if uttID == "" {
		uttID = uuid.NewString()
	}
	started := time.Now()
	p.metrics.ActiveUtterances.Add(ctx, 1)
	defer p.metrics.ActiveUtterances.Add(ctx, -1)

	res := Result{UttID: uttID}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hyp, err := p.tree.Run(gctx, uttID)
		if err != nil {
			p.metrics.RecordPassError(gctx, "fwdtree", reason(err))
			return err
		}
		res.Tree = hyp
		return nil
	})
	g.Go(func() error {
		hyp, err := p.flat.Run(gctx, uttID)
		if err != nil {
			p.metrics.RecordPassError(gctx, "fwdflat", reason(err))
			return err
		}
		res.Flat = hyp
		return nil
	})
	g.Go(func() error {
		_, err := p.lat.Run(gctx, uttID)
		if err != nil {
			p.metrics.RecordPassError(gctx, "latgen", reason(err))
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return Result{UttID: uttID}, fmt.Errorf("searchfactory: decode %s: %w", uttID, err)
	}

	res.Lattice = p.lat.Lattice()
	res.Duration = time.Since(started)
	p.metrics.UtteranceDuration.Record(ctx, res.Duration.Seconds())
	if res.Lattice != nil {
		p.metrics.LatticeNodes.Record(ctx, int64(len(res.Lattice.Nodes)))
		p.metrics.LatticeLinks.Record(ctx, int64(len(res.Lattice.Links)))
	}

	slog.Info("utterance decoded",
		"utt", uttID,
		"tree_words", len(res.Tree.Segments),
		"flat_words", len(res.Flat.Segments),
		"duration", res.Duration,
	)
	return res, nil
}

// Shutdown cancels any in-flight utterance by shutting down both arc
// buffers, then runs closers in order. Respects the context deadline the
// same way the rest of the process teardown does.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var shutdownErr error
	p.stopOnce.Do(func() {
		p.treeOut.ProducerShutdown()
		p.flatOut.ProducerShutdown()

		for i, closer := range p.closers {
			select {
			case <-ctx.Done():
				slog.Warn("pipeline shutdown deadline exceeded", "remaining", len(p.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("pipeline closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}

// IsCanceled reports whether err is the arc-buffer cancellation result a
// pass returns after Shutdown interrupted it, as opposed to a decode
// failure.
func IsCanceled(err error) bool {
	return errors.Is(err, arcbuffer.ErrCanceled) || errors.Is(err, context.Canceled)
}

// reason maps an error to a low-cardinality metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, arcbuffer.ErrCanceled):
		return "canceled"
	case errors.Is(err, context.Canceled):
		return "ctx_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
