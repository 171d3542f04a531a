// Package latgen implements the lattice generator: it
// consumes a forward pass's retired arcs and builds a pkg/lattice.Lattice
// whose node identity is (start_frame, lm_state), expanding each arc's
// LM history through back-off exactly as the scoring passes do, so the
// resulting graph's link scores reproduce what a flat rescore would have
// found.
package latgen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/msphinx/multisphinx/internal/arcbuffer"
	"github.com/msphinx/multisphinx/internal/search"
	"github.com/msphinx/multisphinx/pkg/dict"
	"github.com/msphinx/multisphinx/pkg/dict2pid"
	"github.com/msphinx/multisphinx/pkg/lattice"
	"github.com/msphinx/multisphinx/pkg/ngram"
	"github.com/msphinx/multisphinx/pkg/stype"
)

// Config holds the subset of decoder tuning options latgen reads.
type Config struct {
	LW                 float64
	SilenceProbability float64
	FillerProbability  float64
	ComputePosteriors  bool
	InitSize           int
	OutputDir          string
	DotDir             string
}

// lmState is one node in the trie: a head word and the bounded history
// (most-recent-first, excluding the head) that reached it.
type lmState struct {
	head    stype.WordID
	history []stype.WordID
}

type nodeKey struct {
	frame stype.FrameIdx
	state int32
}

// nodeMeta tracks, for each lattice node, the best path reaching it and
// the arc whose own right-context fanout a successor must consult to
// correct its starting score. hasOrigin is false only
// for the lattice's initial node.
type nodeMeta struct {
	hasOrigin bool
	originArc arcbuffer.Arc
	pathScore stype.Score
}

// Pass is the lattice generator for a single utterance pipeline. Not
// safe for concurrent Run calls.
type Pass struct {
	cfg Config
	d   dict.Dictionary
	d2p dict2pid.Table
	lm  ngram.Model
	in  *arcbuffer.Buffer

	lat          *lattice.Lattice
	states       []lmState
	stateIDs     map[string]int32
	nodeIndex    map[nodeKey]int
	nodeMeta     []nodeMeta
	nodesByFrame map[stype.FrameIdx][]int

	finishNode  int
	finishFrame stype.FrameIdx
}

// New creates a latgen Pass. in is the arc buffer a forward pass (fwdtree
// or fwdflat) sweeps its retired word exits into.
func New(cfg Config, d dict.Dictionary, d2p dict2pid.Table, lm ngram.Model, in *arcbuffer.Buffer) *Pass {
	return &Pass{cfg: cfg, d: d, d2p: d2p, lm: lm, in: in}
}

func (p *Pass) Close() error { return nil }

// Lattice returns the lattice built by the most recent Run call.
func (p *Pass) Lattice() *lattice.Lattice { return p.lat }

// Run drains the input arc buffer until it reports end-of-utterance,
// expanding every arc into the lattice, then prunes dangling nodes and
// optionally computes link posteriors before returning a best-path
// hypothesis for search.Pass conformance.
func (p *Pass) Run(ctx context.Context, uttID string) (search.Hypothesis, error) {
	if err := p.in.ConsumerStartUtt(ctx); err != nil {
		return search.Hypothesis{}, fmt.Errorf("latgen: consumer start utt: %w", err)
	}

	p.stateIDs = make(map[string]int32, p.cfg.InitSize)
	p.states = nil
	startLM := p.intern(p.d.StartWID(), nil)

	p.lat = lattice.New(uttID, 0, startLM)
	p.nodeIndex = map[nodeKey]int{{frame: 0, state: startLM}: p.lat.Start}
	p.nodeMeta = []nodeMeta{{hasOrigin: false, pathScore: 0}}
	p.nodesByFrame = map[stype.FrameIdx][]int{0: {p.lat.Start}}
	p.finishNode, p.finishFrame = -1, -1

	prevSF := stype.FrameIdx(-1)
	for {
		if err := ctx.Err(); err != nil {
			return search.Hypothesis{}, err
		}
		sf, err := p.in.ConsumerWait(ctx, prevSF)
		if err != nil {
			if err == arcbuffer.ErrCanceled {
				break
			}
			return search.Hypothesis{}, fmt.Errorf("latgen: consumer wait: %w", err)
		}

		var batch []arcbuffer.Arc
		p.in.Iter(prevSF+1, func(a arcbuffer.Arc) bool {
			batch = append(batch, a)
			return true
		})
		for _, a := range batch {
			p.processArc(a)
		}
		p.in.ConsumerRelease(sf)

		final := p.in.EOU()
		advanced := sf > prevSF
		prevSF = sf
		if final && !advanced {
			break
		}
	}
	p.in.ConsumerEndUtt()

	if p.finishNode >= 0 {
		p.lat.End = p.finishNode
	}
	p.lat.PruneDangling()
	if p.cfg.ComputePosteriors {
		p.lat.ComputePosteriors()
	}
	if err := p.writeOutputs(); err != nil {
		return search.Hypothesis{}, fmt.Errorf("latgen: write outputs: %w", err)
	}

	return p.backtrace(uttID), nil
}

// processArc expands one incoming arc into the lattice — resolve the
// starting score, compute the destination LM state, find or create the
// destination node, and link — trying every existing node at the arc's
// source frame as a candidate predecessor.
func (p *Pass) processArc(a arcbuffer.Arc) {
	for _, srcIdx := range p.nodesByFrame[a.SrcFrame] {
		meta := p.nodeMeta[srcIdx]

		var startScore stype.Score
		switch {
		case !meta.hasOrigin:
			startScore = meta.pathScore
		case meta.originArc.RCSize == 0:
			// An arc without a recorded right-context run matches any
			// successor.
			startScore = meta.pathScore + meta.originArc.BestScore
		default:
			rcPos, found := p.findRCPos(meta.originArc.WID, p.d.FirstPhone(a.WID))
			if !found {
				continue
			}
			delta, ok := p.in.RCDelta(meta.originArc, rcPos)
			if !ok || delta == stype.NoRC {
				continue
			}
			startScore = meta.pathScore + meta.originArc.BestScore - stype.Score(delta)
		}

		ascr := a.BestScore - a.LScr - startScore
		linkSrc, destState, lmScore, lmOK := p.resolveDest(srcIdx, a.WID)
		if !lmOK {
			// No n-gram even after backing off to the unigram: skip the
			// arc, the search continues without it.
			continue
		}
		destIdx := p.getOrCreateNode(a.DestFrame, destState)

		p.lat.AddLink(linkSrc, destIdx, a.WID, ascr, lmScore)

		total := startScore + ascr + lmScore
		dm := p.nodeMeta[destIdx]
		if !dm.hasOrigin || total > dm.pathScore {
			p.nodeMeta[destIdx] = nodeMeta{hasOrigin: true, originArc: a, pathScore: total}
		}

		if p.d.BaseWID(a.WID) == p.d.FinishWID() && a.DestFrame >= p.finishFrame {
			p.finishNode, p.finishFrame = destIdx, a.DestFrame
		}
	}
}

// resolveDest walks the back-off chain for extending srcIdx's LM state
// with wid. Each back-off step consumes the oldest history word,
// accumulates the history's back-off weight into the new link's language
// score, and creates (or reuses) an intermediate backoff source node at
// the same frame — lm_state -1 once the history is exhausted — with the
// source's best incoming link duplicated into it. Returns the node the
// new link must originate from, the destination lm state, and the link's
// language score; ok is false if not even the unigram exists.
func (p *Pass) resolveDest(srcIdx int, wid stype.WordID) (linkSrc int, destState int32, lmScore stype.Score, ok bool) {
	base := p.d.BaseWID(wid)
	srcState := p.lat.Nodes[srcIdx].LMState

	if p.d.IsFiller(base) {
		prob := p.cfg.FillerProbability
		if p.d.IsSilence(base) {
			prob = p.cfg.SilenceProbability
		}
		return srcIdx, srcState, search.ScoreUnit(prob), true
	}
	if base == p.d.StartWID() {
		return srcIdx, p.intern(base, nil), 0, true
	}

	maxHist := p.lm.Size() - 1
	if maxHist < 0 {
		maxHist = 0
	}
	var hist []stype.WordID
	if st, ok := p.stateOf(srcState); ok {
		hist = append([]stype.WordID{st.head}, st.history...)
	}
	if len(hist) > maxHist {
		hist = hist[:maxHist]
	}

	linkSrc = srcIdx
	var bowtTotal float32
	h := hist
	for {
		logProb, logBowt, found := p.lm.Prob(base, h)
		if found {
			lscr := search.ScoreUnit(float64(bowtTotal+logProb) * p.cfg.LW)
			return linkSrc, p.intern(base, h), lscr, true
		}
		if len(h) == 0 {
			return linkSrc, -1, stype.WorstScore, false
		}
		bowtTotal += logBowt
		h = h[:len(h)-1]
		// The start node has no incoming link to duplicate; retries stay
		// rooted at it.
		if srcIdx != p.lat.Start {
			linkSrc = p.backoffNode(srcIdx, h)
		}
	}
}

// backoffNode finds or creates the intermediate backoff node for the
// truncated history h at srcIdx's frame. On creation, srcIdx's best
// incoming link is duplicated into the new node so the backed-off state
// remains reachable from the same predecessor.
func (p *Pass) backoffNode(srcIdx int, h []stype.WordID) int {
	state := int32(-1)
	if len(h) > 0 {
		state = p.intern(h[0], h[1:])
	}
	frame := p.lat.Nodes[srcIdx].StartFrame
	key := nodeKey{frame: frame, state: state}
	if idx, ok := p.nodeIndex[key]; ok {
		return idx
	}
	idx := p.lat.AddNode(frame, state)
	p.nodeIndex[key] = idx
	p.nodesByFrame[frame] = append(p.nodesByFrame[frame], idx)
	// Same frame, same acoustic origin: later arcs from this frame may
	// start here too.
	p.nodeMeta = append(p.nodeMeta, p.nodeMeta[srcIdx])

	if best, ok := p.bestEntry(srcIdx); ok {
		p.lat.AddLink(best.From, idx, best.Word, best.AScr, best.LScr)
	}
	return idx
}

// bestEntry returns idx's best-scoring incoming link, or ok=false if the
// node has none.
func (p *Pass) bestEntry(idx int) (lattice.Link, bool) {
	entries := p.lat.Nodes[idx].Entry
	if len(entries) == 0 {
		return lattice.Link{}, false
	}
	best := p.lat.Links[entries[0]]
	for _, lid := range entries[1:] {
		lk := p.lat.Links[lid]
		if lk.AScr+lk.LScr > best.AScr+best.LScr {
			best = lk
		}
	}
	return best, true
}

func (p *Pass) findRCPos(wid stype.WordID, phone int) (int, bool) {
	fanout := p.rcFanoutFor(wid)
	for i, rc := range fanout {
		if rc.Ciphone == phone {
			return i, true
		}
	}
	return 0, false
}

func (p *Pass) rcFanoutFor(wid stype.WordID) []dict2pid.RightContext {
	if p.d.IsSinglePhone(wid) {
		return p.d2p.RightContextFanout(p.d.FirstPhone(wid), -1)
	}
	return p.d2p.RightContextFanout(p.d.LastPhone(wid), p.d.SecondLastPhone(wid))
}

func (p *Pass) getOrCreateNode(frame stype.FrameIdx, state int32) int {
	key := nodeKey{frame: frame, state: state}
	if idx, ok := p.nodeIndex[key]; ok {
		return idx
	}
	idx := p.lat.AddNode(frame, state)
	p.nodeIndex[key] = idx
	p.nodesByFrame[frame] = append(p.nodesByFrame[frame], idx)
	p.nodeMeta = append(p.nodeMeta, nodeMeta{pathScore: stype.WorstScore})
	return idx
}

func (p *Pass) intern(head stype.WordID, history []stype.WordID) int32 {
	key := stateKey(head, history)
	if id, ok := p.stateIDs[key]; ok {
		return id
	}
	id := int32(len(p.states))
	hist := append([]stype.WordID(nil), history...)
	p.states = append(p.states, lmState{head: head, history: hist})
	p.stateIDs[key] = id
	return id
}

func (p *Pass) stateOf(id int32) (lmState, bool) {
	if id < 0 || int(id) >= len(p.states) {
		return lmState{}, false
	}
	return p.states[id], true
}

func stateKey(head stype.WordID, history []stype.WordID) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(head)))
	for _, h := range history {
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(int(h)))
	}
	return b.String()
}

// backtrace walks from End back to Start, following at each node the
// incoming link with the highest ascr+lscr. Link posteriors are not
// consulted.
func (p *Pass) backtrace(uttID string) search.Hypothesis {
	if p.lat.End < 0 {
		return search.Hypothesis{UttID: uttID}
	}

	var segs []search.Segment
	var total stype.Score
	cur := p.lat.End
	for cur != p.lat.Start {
		best, ok := p.bestEntry(cur)
		if !ok {
			break
		}
		segs = append(segs, search.Segment{
			Word:       best.Word,
			StartFrame: p.lat.Nodes[best.From].StartFrame,
			EndFrame:   p.lat.Nodes[best.To].StartFrame,
			AScr:       best.AScr,
			LScr:       best.LScr,
		})
		total += best.AScr + best.LScr
		cur = best.From
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return search.Hypothesis{UttID: uttID, Segments: segs, TotalScore: total}
}

func (p *Pass) writeOutputs() error {
	wordText := func(w stype.WordID) string { return p.d.WordString(w) }

	if p.cfg.OutputDir != "" {
		if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
			return err
		}
		f, err := os.Create(filepath.Join(p.cfg.OutputDir, p.lat.UttID+".slf"))
		if err != nil {
			return err
		}
		defer f.Close()
		if err := p.lat.WriteHTK(f, wordText); err != nil {
			return err
		}
	}
	if p.cfg.DotDir != "" {
		if err := os.MkdirAll(p.cfg.DotDir, 0o755); err != nil {
			return err
		}
		f, err := os.Create(filepath.Join(p.cfg.DotDir, p.lat.UttID+".dot"))
		if err != nil {
			return err
		}
		defer f.Close()
		if err := p.lat.WriteDOT(f, wordText); err != nil {
			return err
		}
	}
	return nil
}

var _ search.Pass = (*Pass)(nil)
