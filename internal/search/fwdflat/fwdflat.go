// Package fwdflat implements the flat-lexicon forward search pass: a
// second Viterbi beam search, usually with a higher-order language
// model, restricted to the vocabulary the tree-lexicon pass proposed in
// a sliding window of source frames.
//
// Like fwdtree, each active word is modeled as its own Viterbi channel
// (see DESIGN.md's word-channel granularity decision); fwdflat differs
// in where its candidate words come from (the input arc buffer's
// windowed vocabulary, not the full dictionary) and in releasing aged
// input arcs/frames once they fall outside the window.
package fwdflat

import (
	"context"
	"fmt"
	"sort"

	"github.com/msphinx/multisphinx/internal/arcbuffer"
	"github.com/msphinx/multisphinx/internal/bptbl"
	"github.com/msphinx/multisphinx/internal/search"
	"github.com/msphinx/multisphinx/pkg/acmod"
	"github.com/msphinx/multisphinx/pkg/dict"
	"github.com/msphinx/multisphinx/pkg/dict2pid"
	"github.com/msphinx/multisphinx/pkg/ngram"
	"github.com/msphinx/multisphinx/pkg/stype"
)

// Config holds the subset of decoder tuning options fwdflat reads.
type Config struct {
	FwdflatBeam           float64
	FwdflatWBeam          float64
	FwdflatSFWin          int
	FwdflatLW             float64
	MaxWPF                int
	MaxHMMPF              int
	NewWordPenalty        float64
	WordInsertionPenalty  float64
	PhoneInsertionPenalty float64
	SilenceProbability    float64
	FillerProbability     float64

	// VocabMap, when non-nil, widens each arc-proposed base word to its
	// mapped expansion set.
	VocabMap VocabMap
}

// lastPhoneState is one right-context fanout channel for a word's last
// phone. Mirrors fwdtree's type of the same name; the two passes keep
// independent copies since each owns its own channel set end to end.
type lastPhoneState struct {
	ciphone int
	seq     dict2pid.SenoneSeq
	score   stype.Score
	active  bool
}

// channel is the per-word Viterbi state for one active word, identical
// in shape to fwdtree's (see DESIGN.md's word-channel granularity
// decision).
type channel struct {
	word       stype.WordID
	leftCi     int
	entryBP    stype.BPIdx
	entryScore stype.Score
	lmScore    stype.Score

	pos    []stype.Score
	posSeq []dict2pid.SenoneSeq
	active []bool

	lastPhone []lastPhoneState
}

func (c *channel) singlePhone() bool { return len(c.pos) == 0 }

func (c *channel) predecessorForLastPhone() (stype.Score, bool) {
	if c.singlePhone() {
		return 0, false
	}
	last := len(c.pos) - 1
	if !c.active[last] {
		return 0, false
	}
	return c.pos[last], true
}

func (c *channel) anyActive() bool {
	for _, a := range c.active {
		if a {
			return true
		}
	}
	for _, lp := range c.lastPhone {
		if lp.active {
			return true
		}
	}
	return false
}

// exitCandidate plays the same dual role as in fwdtree: a word-exit
// hypothesis before bptbl.Enter, and a pending successor channel after
// wordTransition.
type exitCandidate struct {
	wid         stype.WordID
	rcPos       int
	score       stype.Score
	lmScore     stype.Score
	prevBP      stype.BPIdx
	bp          stype.BPIdx
	lastCi      int
	realWID     stype.WordID
	prevRealWID stype.WordID
}

// Pass is the fwdflat search pass for a single utterance pipeline. Not
// safe for concurrent Run calls.
type Pass struct {
	cfg Config
	d   dict.Dictionary
	d2p dict2pid.Table
	am  acmod.Model
	lm  ngram.Model
	in  *arcbuffer.Buffer
	out *arcbuffer.Buffer

	bp       *bptbl.Table
	channels map[stype.WordID]*channel
}

// New creates a fwdflat Pass. in is the arc buffer fwdtree swept its
// word exits into; out is the arc buffer this pass sweeps its own exits
// into for latgen.
func New(cfg Config, d dict.Dictionary, d2p dict2pid.Table, am acmod.Model, lm ngram.Model, in, out *arcbuffer.Buffer) *Pass {
	return &Pass{cfg: cfg, d: d, d2p: d2p, am: am, lm: lm, in: in, out: out}
}

func (p *Pass) Close() error { return nil }

// Run drives the per-frame loop until the feature stream is exhausted,
// releasing input arcs/frames as they age out of the search window.
func (p *Pass) Run(ctx context.Context, uttID string) (search.Hypothesis, error) {
	if err := p.am.StartUtt(); err != nil {
		return search.Hypothesis{}, fmt.Errorf("fwdflat: start utt: %w", err)
	}
	if err := p.in.ConsumerStartUtt(ctx); err != nil {
		return search.Hypothesis{}, fmt.Errorf("fwdflat: consumer start utt: %w", err)
	}
	p.bp = bptbl.New(p.d, p.d2p)
	p.channels = make(map[stype.WordID]*channel)
	p.out.ProducerStartUtt(uttID)

	win := stype.FrameIdx(p.cfg.FwdflatSFWin)
	if win < 0 {
		win = 0
	}

	startWID := p.d.StartWID()
	startBP := p.bp.Enter(startWID, stype.NoBP, 0, -1)
	pending := []exitCandidate{{wid: startWID, prevBP: stype.NoBP, bp: startBP, lastCi: p.d.FirstPhone(startWID)}}

	var retiredSwept stype.BPIdx
	var lastExits []exitCandidate

	for !p.am.EOU() {
		if err := ctx.Err(); err != nil {
			return search.Hypothesis{}, err
		}

		frame := p.am.OutputFrame()
		if _, err := p.in.ConsumerWait(ctx, frame+win); err != nil && err != arcbuffer.ErrCanceled {
			return search.Hypothesis{}, fmt.Errorf("fwdflat: consumer wait: %w", err)
		}
		vocab := p.buildExpansion(frame, win)

		for _, cand := range pending {
			p.enterChannel(cand.wid, cand.lastCi, cand.bp, cand.score, cand.lmScore)
		}
		pending = nil

		scoreMap, err := p.scoreFrame(ctx)
		if err != nil {
			return search.Hypothesis{}, fmt.Errorf("fwdflat: score frame: %w", err)
		}

		p.bp.PushFrame(p.oldestActiveBP())
		p.resyncChannelBPs()
		p.stepChannels(scoreMap)

		best, lastBest := p.frameBestScores()
		p.prune(best)

		exits := p.capExits(p.collectExits(lastBest))
		for i := range exits {
			e := &exits[i]
			e.bp = p.bp.Enter(e.wid, e.prevBP, e.score, e.rcPos)
			if entry, ok := p.bp.Get(e.bp); ok {
				e.realWID, e.prevRealWID = entry.RealWID, entry.PrevRealWID
			}
		}
		p.bp.Commit()

		pending = p.wordTransition(exits, vocab)
		lastExits = exits

		p.renormalize(best)

		var serr error
		retiredSwept, serr = p.sweepArcs(retiredSwept)
		if serr != nil {
			return search.Hypothesis{}, fmt.Errorf("fwdflat: sweep arcs: %w", serr)
		}

		releaseBefore := frame - win
		if releaseBefore > 0 {
			p.in.ConsumerRelease(releaseBefore)
		}
	}

	p.bp.Finalize()
	for i := range lastExits {
		lastExits[i].bp = p.bp.Remap(lastExits[i].bp)
	}
	if _, err := p.sweepArcs(retiredSwept); err != nil {
		return search.Hypothesis{}, fmt.Errorf("fwdflat: final sweep: %w", err)
	}
	if err := p.out.ProducerEndUtt(ctx); err != nil {
		return search.Hypothesis{}, fmt.Errorf("fwdflat: producer end utt: %w", err)
	}
	p.in.ConsumerEndUtt()
	if err := p.am.EndUtt(); err != nil {
		return search.Hypothesis{}, fmt.Errorf("fwdflat: end utt: %w", err)
	}

	return p.backtrace(uttID, lastExits), nil
}

// buildExpansion scans the input arc buffer for arcs with source frames
// in [frame-win, frame+win) and returns the set of base words to expand
// this frame.
func (p *Pass) buildExpansion(frame, win stype.FrameIdx) map[stype.WordID]bool {
	floor := frame - win
	if floor < 0 {
		floor = 0
	}
	ceil := frame + win
	vocab := make(map[stype.WordID]bool)
	p.in.Iter(floor, func(a arcbuffer.Arc) bool {
		if a.SrcFrame >= ceil {
			return false
		}
		base := p.d.BaseWID(a.WID)
		vocab[base] = true
		for _, w := range p.cfg.VocabMap[base] {
			vocab[p.d.BaseWID(w)] = true
		}
		return true
	})
	return vocab
}

func (p *Pass) buildFanout(wid stype.WordID, leftCi int) []lastPhoneState {
	if p.d.IsSinglePhone(wid) {
		base := p.d2p.RightContextFanout(p.d.FirstPhone(wid), -1)
		out := make([]lastPhoneState, len(base))
		for i, rc := range base {
			out[i] = lastPhoneState{ciphone: rc.Ciphone, seq: p.d2p.SingletonSeq(wid, leftCi, rc.Ciphone)}
		}
		return out
	}
	base := p.d2p.RightContextFanout(p.d.LastPhone(wid), p.d.SecondLastPhone(wid))
	out := make([]lastPhoneState, len(base))
	for i, rc := range base {
		out[i] = lastPhoneState{ciphone: rc.Ciphone, seq: rc.SenoneSeq}
	}
	return out
}

func (p *Pass) enterChannel(wid stype.WordID, leftCi int, entryBP stype.BPIdx, entryScore, lmScore stype.Score) {
	if existing, ok := p.channels[wid]; ok {
		if entryScore > existing.entryScore {
			existing.entryBP, existing.entryScore, existing.lmScore, existing.leftCi = entryBP, entryScore, lmScore, leftCi
		}
		return
	}

	c := &channel{word: wid, leftCi: leftCi, entryBP: entryBP, entryScore: entryScore, lmScore: lmScore}
	if p.d.IsSinglePhone(wid) {
		c.lastPhone = p.buildFanout(wid, leftCi)
		for i := range c.lastPhone {
			c.lastPhone[i].score, c.lastPhone[i].active = entryScore, true
		}
	} else {
		n := p.d.PronLen(wid)
		c.pos = make([]stype.Score, n-1)
		c.posSeq = make([]dict2pid.SenoneSeq, n-1)
		c.active = make([]bool, n-1)
		c.posSeq[0] = p.d2p.RootSeq(wid, leftCi)
		for i := 1; i < n-1; i++ {
			c.posSeq[i] = p.d2p.InternalTriphone(wid, i)
		}
		c.pos[0], c.active[0] = entryScore, true
		for i := 1; i < n-1; i++ {
			c.pos[i] = stype.WorstScore
		}
	}
	p.channels[wid] = c
}

func (p *Pass) scoreFrame(ctx context.Context) (map[dict2pid.SenoneSeq]stype.Score, error) {
	seen := make(map[dict2pid.SenoneSeq]bool)
	var seqs []dict2pid.SenoneSeq
	add := func(s dict2pid.SenoneSeq) {
		if !seen[s] {
			seen[s] = true
			seqs = append(seqs, s)
		}
	}
	for _, c := range p.channels {
		for i, active := range c.active {
			if active {
				add(c.posSeq[i])
			}
		}
		for _, lp := range c.lastPhone {
			if lp.active {
				add(lp.seq)
			}
		}
	}

	p.am.Activate(seqs)
	scores, err := p.am.Score(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[dict2pid.SenoneSeq]stype.Score, len(seqs))
	for i, s := range seqs {
		out[s] = scores[i]
	}
	return out, nil
}

func (p *Pass) oldestActiveBP() stype.BPIdx {
	oldest := stype.NoBP
	for _, c := range p.channels {
		if c.entryBP == stype.NoBP {
			continue
		}
		if oldest == stype.NoBP || c.entryBP < oldest {
			oldest = c.entryBP
		}
	}
	return oldest
}

func (p *Pass) resyncChannelBPs() {
	for _, c := range p.channels {
		c.entryBP = p.bp.Remap(c.entryBP)
	}
}

func (p *Pass) stepChannels(scoreMap map[dict2pid.SenoneSeq]stype.Score) {
	ppen := search.ScoreUnit(p.cfg.PhoneInsertionPenalty)
	for _, c := range p.channels {
		for i := len(c.pos) - 1; i >= 0; i-- {
			pred := stype.WorstScore
			if c.active[i] {
				pred = c.pos[i]
			}
			if i > 0 && c.active[i-1] {
				if cand := c.pos[i-1] + ppen; cand > pred {
					pred = cand
				}
			}
			if pred == stype.WorstScore {
				c.active[i] = false
				continue
			}
			sc, ok := scoreMap[c.posSeq[i]]
			if !ok {
				c.active[i] = false
				continue
			}
			c.pos[i], c.active[i] = pred+sc, true
		}

		predScore, predOK := c.predecessorForLastPhone()
		if c.lastPhone == nil && predOK {
			c.lastPhone = p.buildFanout(c.word, c.leftCi)
		}
		for i := range c.lastPhone {
			lp := &c.lastPhone[i]
			pred := stype.WorstScore
			if lp.active {
				pred = lp.score
			}
			if predOK {
				if cand := predScore + ppen; cand > pred {
					pred = cand
				}
			}
			if pred == stype.WorstScore {
				lp.active = false
				continue
			}
			sc, ok := scoreMap[lp.seq]
			if !ok {
				lp.active = false
				continue
			}
			lp.score, lp.active = pred+sc, true
		}
	}
}

func (p *Pass) frameBestScores() (best, lastBest stype.Score) {
	best, lastBest = stype.WorstScore, stype.WorstScore
	for _, c := range p.channels {
		for i, active := range c.active {
			if active && c.pos[i] > best {
				best = c.pos[i]
			}
		}
		for _, lp := range c.lastPhone {
			if !lp.active {
				continue
			}
			if lp.score > best {
				best = lp.score
			}
			if lp.score > lastBest {
				lastBest = lp.score
			}
		}
	}
	return
}

func (p *Pass) prune(best stype.Score) {
	threshold := best + search.ScoreUnit(p.cfg.FwdflatBeam)

	if p.cfg.MaxHMMPF > 0 {
		count := 0
		for _, c := range p.channels {
			for _, a := range c.active {
				if a {
					count++
				}
			}
			for _, lp := range c.lastPhone {
				if lp.active {
					count++
				}
			}
		}
		if count > p.cfg.MaxHMMPF {
			threshold = p.adaptiveThreshold(best, threshold)
		}
	}

	for _, c := range p.channels {
		for i := range c.active {
			if c.active[i] && c.pos[i] < threshold {
				c.active[i] = false
			}
		}
		for i := range c.lastPhone {
			if c.lastPhone[i].active && c.lastPhone[i].score < threshold {
				c.lastPhone[i].active = false
			}
		}
	}

	for w, c := range p.channels {
		if !c.anyActive() {
			delete(p.channels, w)
		}
	}
}

func (p *Pass) adaptiveThreshold(best, beamThreshold stype.Score) stype.Score {
	const bins = 256
	span := best - beamThreshold
	if span <= 0 {
		return beamThreshold
	}
	binWidth := float64(span) / float64(bins)
	if binWidth <= 0 {
		return beamThreshold
	}
	bucket := func(score stype.Score) int {
		b := int(float64(best-score) / binWidth)
		if b < 0 {
			b = 0
		}
		if b >= bins {
			b = bins - 1
		}
		return b
	}

	var hist [bins]int
	for _, c := range p.channels {
		for i, active := range c.active {
			if active {
				hist[bucket(c.pos[i])]++
			}
		}
		for _, lp := range c.lastPhone {
			if lp.active {
				hist[bucket(lp.score)]++
			}
		}
	}

	cum := 0
	for b := 0; b < bins; b++ {
		cum += hist[b]
		if cum > p.cfg.MaxHMMPF {
			return best - search.ScoreUnit(float64(b)*binWidth)
		}
	}
	return beamThreshold
}

func (p *Pass) collectExits(lastBest stype.Score) []exitCandidate {
	threshold := lastBest + search.ScoreUnit(p.cfg.FwdflatWBeam)
	var out []exitCandidate
	for _, c := range p.channels {
		for i := range c.lastPhone {
			lp := &c.lastPhone[i]
			if !lp.active || lp.score < threshold {
				continue
			}
			out = append(out, exitCandidate{wid: c.word, rcPos: i, score: lp.score, prevBP: c.entryBP, lastCi: lp.ciphone})
		}
	}
	return out
}

func (p *Pass) capExits(exits []exitCandidate) []exitCandidate {
	if p.cfg.MaxWPF <= 0 || len(exits) <= p.cfg.MaxWPF {
		return exits
	}
	var filler, nonFiller []exitCandidate
	for _, e := range exits {
		if p.d.IsFiller(e.wid) {
			filler = append(filler, e)
		} else {
			nonFiller = append(nonFiller, e)
		}
	}
	sort.Slice(nonFiller, func(i, j int) bool { return nonFiller[i].score > nonFiller[j].score })
	if len(nonFiller) > p.cfg.MaxWPF {
		nonFiller = nonFiller[:p.cfg.MaxWPF]
	}
	out := nonFiller
	if len(filler) > 0 {
		best := filler[0]
		for _, f := range filler[1:] {
			if f.score > best.score {
				best = f
			}
		}
		out = append(out, best)
	}
	return out
}

// wordTransition scores, for each current word exit, every word in this
// frame's arc-proposed expansion vocabulary as a successor —
// the same trigram/filler scoring fwdtree.s word transition
// does, restricted to vocab instead of the full dictionary.
func (p *Pass) wordTransition(exits []exitCandidate, vocab map[stype.WordID]bool) []exitCandidate {
	if len(exits) == 0 || len(vocab) == 0 {
		return nil
	}
	bestByCi := make(map[int]exitCandidate)
	for _, e := range exits {
		if cur, ok := bestByCi[e.lastCi]; !ok || e.score > cur.score {
			bestByCi[e.lastCi] = e
		}
	}

	var pending []exitCandidate
	for w := range vocab {
		if w == p.d.StartWID() {
			continue
		}
		for ci, best := range bestByCi {
			var lmScore stype.Score
			if p.d.IsFiller(w) {
				prob := p.cfg.FillerProbability
				if p.d.IsSilence(w) {
					prob = p.cfg.SilenceProbability
				}
				lmScore = search.ScoreUnit(prob)
			} else {
				base := p.d.BaseWID(w)
				logProb, _, found := p.lm.Prob(base, []stype.WordID{best.realWID, best.prevRealWID})
				if !found {
					continue
				}
				lmScore = search.ScoreUnit(float64(logProb) * p.cfg.FwdflatLW)
			}
			entryScore := best.score + lmScore + search.ScoreUnit(p.cfg.NewWordPenalty) + search.ScoreUnit(p.cfg.WordInsertionPenalty)
			pending = append(pending, exitCandidate{wid: w, bp: best.bp, score: entryScore, lmScore: lmScore, lastCi: ci})
		}
	}
	return pending
}

func (p *Pass) renormalize(best stype.Score) {
	threshold := stype.WorstScore - 2*search.ScoreUnit(p.cfg.FwdflatBeam)
	if best >= threshold {
		return
	}
	for _, c := range p.channels {
		for i := range c.pos {
			if c.active[i] {
				c.pos[i] -= best
			}
		}
		for i := range c.lastPhone {
			if c.lastPhone[i].active {
				c.lastPhone[i].score -= best
			}
		}
		c.entryScore -= best
	}
}

func (p *Pass) sweepArcs(prevEnd stype.BPIdx) (stype.BPIdx, error) {
	end := p.bp.RetiredEnd()
	if end <= prevEnd {
		return prevEnd, nil
	}
	var arcs []arcbuffer.Arc
	var deltas []stype.RCDelta
	var upThrough stype.FrameIdx
	for bp := prevEnd; bp < end; bp++ {
		e, ok := p.bp.Get(bp)
		if !ok {
			continue
		}
		var src stype.FrameIdx
		if e.PrevBP != stype.NoBP {
			if pe, ok := p.bp.Get(e.PrevBP); ok {
				src = pe.Frame
			}
		}
		arc := arcbuffer.Arc{WID: e.WID, SrcFrame: src, DestFrame: e.Frame, BestScore: e.Score}
		if p.out.Scored() {
			if run := p.bp.RCDeltas(bp); len(run) > 0 {
				arc.RCIdx = int32(len(deltas))
				arc.RCSize = int32(len(run))
				for j, d := range run {
					if d != stype.NoRC && j < 32 {
						arc.RCBitset |= 1 << uint(j)
					}
				}
				deltas = append(deltas, run...)
			}
		}
		arcs = append(arcs, arc)
		if e.Frame > upThrough {
			upThrough = e.Frame
		}
	}
	if len(arcs) == 0 {
		return end, nil
	}
	if err := p.out.ProducerSweep(arcs, deltas, upThrough); err != nil {
		return end, err
	}
	return end, nil
}

func (p *Pass) backtrace(uttID string, exits []exitCandidate) search.Hypothesis {
	if len(exits) == 0 {
		return search.Hypothesis{UttID: uttID}
	}
	finish := p.d.FinishWID()
	best := exits[0]
	for _, e := range exits[1:] {
		bothFinish := (e.wid == finish) == (best.wid == finish)
		switch {
		case e.wid == finish && best.wid != finish:
			best = e
		case bothFinish && e.score > best.score:
			best = e
		}
	}

	var segs []search.Segment
	for bp := best.bp; bp != stype.NoBP; {
		e, ok := p.bp.Get(bp)
		if !ok {
			break
		}
		var src stype.FrameIdx
		if e.PrevBP != stype.NoBP {
			if pe, ok := p.bp.Get(e.PrevBP); ok {
				src = pe.Frame
			}
		}
		segs = append(segs, search.Segment{Word: e.WID, StartFrame: src, EndFrame: e.Frame, AScr: e.Score})
		bp = e.PrevBP
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return search.Hypothesis{UttID: uttID, Segments: segs, TotalScore: best.score}
}

var _ search.Pass = (*Pass)(nil)
