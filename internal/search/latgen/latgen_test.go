package latgen

import (
	"context"
	"testing"

	"github.com/msphinx/multisphinx/internal/arcbuffer"
	"github.com/msphinx/multisphinx/internal/search"
	dictmock "github.com/msphinx/multisphinx/pkg/dict/mock"
	"github.com/msphinx/multisphinx/pkg/dict2pid"
	d2pmock "github.com/msphinx/multisphinx/pkg/dict2pid/mock"
	"github.com/msphinx/multisphinx/pkg/lattice"
	"github.com/msphinx/multisphinx/pkg/stype"
)

func testDict() *dictmock.Dictionary {
	return dictmock.New([]dictmock.Word{
		{Text: "<s>", Phones: []int{0}},
		{Text: "hi", Phones: []int{1, 2}},
		{Text: "</s>", Phones: []int{3}},
	})
}

// backoffLM finds a word only once its history has been trimmed down to
// maxFoundLen words or fewer, so Prob reports found=false (and a fixed
// back-off weight) on every longer call in between.
type backoffLM struct {
	maxFoundLen int
	bowt        float32
	prob        float32
}

func (l backoffLM) Prob(_ stype.WordID, history []stype.WordID) (float32, float32, bool) {
	if len(history) <= l.maxFoundLen {
		return l.prob, l.bowt, true
	}
	return 0, l.bowt, false
}

func (l backoffLM) Size() int { return 3 }

func (l backoffLM) HasSentenceEnd() bool { return true }

// initLatticeState mirrors Run's per-utterance setup so resolveDest can
// be exercised without driving a full arc stream.
func initLatticeState(p *Pass) {
	p.stateIDs = make(map[string]int32)
	p.states = nil
	startLM := p.intern(p.d.StartWID(), nil)
	p.lat = lattice.New("utt-test", 0, startLM)
	p.nodeIndex = map[nodeKey]int{{frame: 0, state: startLM}: p.lat.Start}
	p.nodeMeta = []nodeMeta{{hasOrigin: false, pathScore: 0}}
	p.nodesByFrame = map[stype.FrameIdx][]int{0: {p.lat.Start}}
	p.finishNode, p.finishFrame = -1, -1
}

func TestResolveDestMaterializesBackoffChain(t *testing.T) {
	d := testDict()
	d2p := &d2pmock.Table{}
	lm := backoffLM{maxFoundLen: 0, bowt: -2, prob: -1}
	in := arcbuffer.New(0, true)

	p := New(Config{LW: 1}, d, d2p, lm, in)
	defer p.Close()
	initLatticeState(p)

	// A two-word history reaches a found N-gram only after two back-off
	// steps; each must materialize an intermediate node at the source's
	// frame with the incoming link duplicated into it.
	wordA, wordB := stype.WordID(10), stype.WordID(11)
	srcState := p.intern(wordA, []stype.WordID{wordB})
	srcIdx := p.getOrCreateNode(3, srcState)
	p.lat.AddLink(p.lat.Start, srcIdx, wordA, -4, -1)

	linkSrc, destState, lmScore, ok := p.resolveDest(srcIdx, stype.WordID(1))
	if !ok {
		t.Fatal("resolveDest: want ok")
	}
	if want := search.ScoreUnit(float64(-2 + -2 + -1)); lmScore != want {
		t.Errorf("lmScore = %d, want %d (two backoff weights then the hit)", lmScore, want)
	}
	if id, found := p.stateIDs[stateKey(1, nil)]; !found || destState != id {
		t.Errorf("destState = %d, want backed-off state %d", destState, id)
	}

	// The deepest backoff node is the fully-backed-off epsilon state.
	if linkSrc == srcIdx {
		t.Fatal("linkSrc still the original source; no backoff node created")
	}
	if got := p.lat.Nodes[linkSrc].LMState; got != -1 {
		t.Errorf("deepest backoff node lm_state = %d, want epsilon -1", got)
	}
	if got := p.lat.Nodes[linkSrc].StartFrame; got != 3 {
		t.Errorf("backoff node frame = %d, want source frame 3", got)
	}
	midState, found := p.stateIDs[stateKey(wordA, nil)]
	if !found {
		t.Fatal("intermediate backoff state (wordA alone) never interned")
	}
	midIdx, found := p.nodeIndex[nodeKey{frame: 3, state: midState}]
	if !found {
		t.Fatal("intermediate backoff node missing")
	}

	// Each created backoff node carries a duplicate of the source's best
	// incoming link.
	for _, idx := range []int{midIdx, linkSrc} {
		entries := p.lat.Nodes[idx].Entry
		if len(entries) != 1 {
			t.Fatalf("backoff node %d has %d entries, want 1 duplicated link", idx, len(entries))
		}
		dup := p.lat.Links[entries[0]]
		if dup.From != p.lat.Start || dup.Word != wordA || dup.AScr != -4 || dup.LScr != -1 {
			t.Errorf("duplicated link = %+v, want copy of the source's incoming link", dup)
		}
	}

	// Resolving again reuses the nodes without duplicating more links.
	linkSrc2, _, _, _ := p.resolveDest(srcIdx, stype.WordID(1))
	if linkSrc2 != linkSrc {
		t.Errorf("second resolve returned node %d, want reused %d", linkSrc2, linkSrc)
	}
	if got := len(p.lat.Nodes[linkSrc].Entry); got != 1 {
		t.Errorf("reused backoff node has %d entries after second resolve, want 1", got)
	}
}

func TestResolveDestPropagatesFillerLMState(t *testing.T) {
	d := dictmock.New([]dictmock.Word{
		{Text: "<s>", Phones: []int{0}},
		{Text: "hi", Phones: []int{1, 2}},
		{Text: "<sil>", Phones: []int{4}, IsFiller: true, IsSilence: true},
	})
	d2p := &d2pmock.Table{}
	lm := backoffLM{maxFoundLen: 5, bowt: 0, prob: -1}
	in := arcbuffer.New(0, true)

	p := New(Config{SilenceProbability: -3, FillerProbability: -9}, d, d2p, lm, in)
	defer p.Close()
	initLatticeState(p)

	srcState := p.intern(stype.WordID(1), nil)
	srcIdx := p.getOrCreateNode(3, srcState)

	linkSrc, destState, lmScore, ok := p.resolveDest(srcIdx, stype.WordID(2))
	if !ok {
		t.Fatal("resolveDest: want ok")
	}
	if linkSrc != srcIdx {
		t.Errorf("filler transition moved the link source to %d, want %d", linkSrc, srcIdx)
	}
	if destState != srcState {
		t.Errorf("filler transition changed lm_state: got %d, want unchanged %d", destState, srcState)
	}
	if lmScore != search.ScoreUnit(-3) {
		t.Errorf("lmScore = %d, want silence probability -3", lmScore)
	}
}

func TestFindRCPosMatchesFanoutCiphone(t *testing.T) {
	d := testDict()
	d2p := &d2pmock.Table{Fanout: []dict2pid.RightContext{
		{Ciphone: 1, SenoneSeq: 11},
		{Ciphone: 3, SenoneSeq: 33},
	}}
	lm := backoffLM{maxFoundLen: 5}
	in := arcbuffer.New(0, true)

	p := New(Config{}, d, d2p, lm, in)
	defer p.Close()

	// "hi" (word 1) has first phone 1, matching the fanout's first entry.
	if pos, ok := p.findRCPos(stype.WordID(0), d.FirstPhone(1)); !ok || pos != 0 {
		t.Errorf("findRCPos(<s>, phone 1) = (%d, %v), want (0, true)", pos, ok)
	}
	// No fanout entry for ciphone 9.
	if _, ok := p.findRCPos(stype.WordID(0), 9); ok {
		t.Error("findRCPos matched a ciphone absent from the fanout")
	}
}

// TestPassRunWithoutFinishWordPrunesToStart seeds only a single arc with
// no </s> anywhere in the utterance, so End is never identified;
// PruneDangling then has nothing but the start node to call complete.
func TestPassRunWithoutFinishWordPrunesToStart(t *testing.T) {
	d := testDict()
	d2p := &d2pmock.Table{}
	lm := backoffLM{maxFoundLen: 5, bowt: 0, prob: -1}
	in := arcbuffer.New(0, true)

	in.ProducerStartUtt("utt-1")
	if err := in.ProducerSweep([]arcbuffer.Arc{
		{WID: 0, SrcFrame: 0, DestFrame: 1, BestScore: 0},
	}, nil, 2); err != nil {
		t.Fatalf("ProducerSweep: %v", err)
	}
	if err := in.ProducerEndUtt(context.Background()); err != nil {
		t.Fatalf("ProducerEndUtt: %v", err)
	}

	p := New(Config{LW: 1}, d, d2p, lm, in)
	defer p.Close()

	if _, err := p.Run(context.Background(), "utt-1"); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	lat := p.Lattice()
	if len(lat.Nodes) != 1 || len(lat.Links) != 0 {
		t.Fatalf("expected pruning to collapse to just the start node, got %d nodes / %d links", len(lat.Nodes), len(lat.Links))
	}
}

// TestPassRunBuildsThreeHopLattice seeds a complete <s>-hi-</s> arc chain
// with an explicit right-context fanout both transitions resolve
// against, exercising processArc's full per-arc expansion through to a
// finished, posterior-scored lattice.
func TestPassRunBuildsThreeHopLattice(t *testing.T) {
	d := testDict()
	d2p := &d2pmock.Table{Fanout: []dict2pid.RightContext{
		{Ciphone: 1, SenoneSeq: 11}, // matches "hi"'s first phone
		{Ciphone: 3, SenoneSeq: 33}, // matches "</s>"'s first phone
	}}
	lm := backoffLM{maxFoundLen: 5, bowt: 0, prob: -1}
	in := arcbuffer.New(0, true)

	in.ProducerStartUtt("utt-1")
	arcs := []arcbuffer.Arc{
		{WID: 0, SrcFrame: 0, DestFrame: 1, BestScore: 0, RCIdx: 0, RCSize: 2},
		{WID: 1, SrcFrame: 1, DestFrame: 4, BestScore: -5, RCIdx: 2, RCSize: 2},
		{WID: 2, SrcFrame: 4, DestFrame: 5, BestScore: -7},
	}
	rcDeltas := []stype.RCDelta{2, 0, 0, 3} // arc0's pos0=2; arc1's pos1=3
	if err := in.ProducerSweep(arcs, rcDeltas, 5); err != nil {
		t.Fatalf("ProducerSweep: %v", err)
	}
	if err := in.ProducerEndUtt(context.Background()); err != nil {
		t.Fatalf("ProducerEndUtt: %v", err)
	}

	p := New(Config{LW: 1, ComputePosteriors: true}, d, d2p, lm, in)
	defer p.Close()

	hyp, err := p.Run(context.Background(), "utt-1")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	lat := p.Lattice()
	if len(lat.Nodes) != 4 {
		t.Fatalf("expected 4 nodes (start, <s>-exit, hi-exit, </s>-exit), got %d", len(lat.Nodes))
	}
	if len(lat.Links) != 3 {
		t.Fatalf("expected 3 links, got %d", len(lat.Links))
	}
	if lat.End < 0 {
		t.Fatal("expected End to be set once a </s> arc arrived")
	}
	for _, lk := range lat.Links {
		if lk.Posterior <= 0 {
			t.Errorf("link %d has non-positive posterior %v on the lattice's only path", lk.ID, lk.Posterior)
		}
	}
	if len(hyp.Segments) != 3 {
		t.Fatalf("expected 3 backtraced segments, got %d", len(hyp.Segments))
	}
	if hyp.TotalScore != 2 {
		t.Errorf("TotalScore = %d, want 2", hyp.TotalScore)
	}
}

// tableLM is an exact-lookup LM: Prob succeeds only for n-grams present
// in probs, and reports the back-off weight recorded for the queried
// history in bowts.
type tableLM struct {
	order int
	probs map[string]float32
	bowts map[string]float32
}

func (l tableLM) Prob(w stype.WordID, history []stype.WordID) (float32, float32, bool) {
	var bowt float32
	if len(history) > 0 {
		bowt = l.bowts[stateKey(history[0], history[1:])]
	}
	p, ok := l.probs[stateKey(w, history)]
	return p, bowt, ok
}

func (l tableLM) Size() int { return l.order }

func (l tableLM) HasSentenceEnd() bool { return true }

// seedThreeWordUtt fills an arc buffer with the <s>-hi-</s> chain the
// backoff-shape tests expand, matching TestPassRunBuildsThreeHopLattice's
// right-context layout.
func seedThreeWordUtt(t *testing.T) *arcbuffer.Buffer {
	t.Helper()
	in := arcbuffer.New(0, true)
	in.ProducerStartUtt("utt-1")
	arcs := []arcbuffer.Arc{
		{WID: 0, SrcFrame: 0, DestFrame: 1, BestScore: 0, RCIdx: 0, RCSize: 2},
		{WID: 1, SrcFrame: 1, DestFrame: 4, BestScore: -5, RCIdx: 2, RCSize: 2},
		{WID: 2, SrcFrame: 4, DestFrame: 5, BestScore: -7},
	}
	rcDeltas := []stype.RCDelta{2, 0, 0, 3}
	if err := in.ProducerSweep(arcs, rcDeltas, 5); err != nil {
		t.Fatalf("ProducerSweep: %v", err)
	}
	if err := in.ProducerEndUtt(context.Background()); err != nil {
		t.Fatalf("ProducerEndUtt: %v", err)
	}
	return in
}

func backoffFanout() *d2pmock.Table {
	return &d2pmock.Table{Fanout: []dict2pid.RightContext{
		{Ciphone: 1, SenoneSeq: 11}, // matches "hi"'s first phone
		{Ciphone: 3, SenoneSeq: 33}, // matches "</s>"'s first phone
	}}
}

func findNode(lat *lattice.Lattice, frame stype.FrameIdx, state int32) (lattice.Node, bool) {
	for _, n := range lat.Nodes {
		if n.StartFrame == frame && n.LMState == state {
			return n, true
		}
	}
	return lattice.Node{}, false
}

// With the full-order trigram present, the destination node keys on the
// full history and no backoff node appears at the source frame.
func TestNoBackoffNodeWhenFullOrderNGramPresent(t *testing.T) {
	d := testDict()
	lm := tableLM{order: 3,
		probs: map[string]float32{
			stateKey(1, []stype.WordID{0}):    -1, // hi | <s>
			stateKey(2, []stype.WordID{1, 0}): -1, // </s> | hi <s>
		},
		bowts: map[string]float32{},
	}

	p := New(Config{LW: 1}, d, backoffFanout(), lm, seedThreeWordUtt(t))
	defer p.Close()
	if _, err := p.Run(context.Background(), "utt-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lat := p.Lattice()
	if len(lat.Nodes) != 4 || len(lat.Links) != 3 {
		t.Fatalf("lattice shape = %d nodes / %d links, want 4 / 3", len(lat.Nodes), len(lat.Links))
	}
	if _, interned := p.stateIDs[stateKey(1, nil)]; interned {
		t.Error("backed-off lm state interned despite a full-order hit")
	}
	for _, n := range lat.Nodes {
		if n.LMState == -1 {
			t.Errorf("unexpected epsilon backoff node %d", n.ID)
		}
	}

	destState := p.stateIDs[stateKey(2, []stype.WordID{1, 0})]
	dest, found := findNode(lat, 5, destState)
	if !found {
		t.Fatal("destination node with the full trigram state missing")
	}
	if len(dest.Entry) != 1 {
		t.Fatalf("destination has %d entries, want 1", len(dest.Entry))
	}
	lk := lat.Links[dest.Entry[0]]
	if lk.LScr != -1 {
		t.Errorf("final link lscr = %d, want -1 (no back-off weight)", lk.LScr)
	}
	srcState := p.stateIDs[stateKey(1, []stype.WordID{0})]
	if lat.Nodes[lk.From].StartFrame != 4 || lat.Nodes[lk.From].LMState != srcState {
		t.Error("final link does not originate from the full-history source node")
	}
}

// With the trigram removed but the bigram present, a backoff node keyed
// on the truncated history appears at the source frame, the incoming
// link is duplicated into it, and the link into the destination carries
// the back-off weight added to its lscr.
func TestBackoffNodeCreatedWhenFullOrderNGramMissing(t *testing.T) {
	d := testDict()
	lm := tableLM{order: 3,
		probs: map[string]float32{
			stateKey(1, []stype.WordID{0}): -1, // hi | <s>
			stateKey(2, []stype.WordID{1}): -1, // </s> | hi
		},
		bowts: map[string]float32{
			stateKey(1, []stype.WordID{0}): -2, // bowt(<s> hi)
		},
	}

	p := New(Config{LW: 1}, d, backoffFanout(), lm, seedThreeWordUtt(t))
	defer p.Close()
	if _, err := p.Run(context.Background(), "utt-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lat := p.Lattice()
	if len(lat.Nodes) != 4 || len(lat.Links) != 3 {
		t.Fatalf("lattice shape = %d nodes / %d links, want 4 / 3", len(lat.Nodes), len(lat.Links))
	}

	backoffState, interned := p.stateIDs[stateKey(1, nil)]
	if !interned {
		t.Fatal("truncated backoff lm state never interned")
	}
	backoff, found := findNode(lat, 4, backoffState)
	if !found {
		t.Fatal("backoff node missing at the source frame")
	}
	if len(backoff.Entry) != 1 {
		t.Fatalf("backoff node has %d entries, want the 1 duplicated link", len(backoff.Entry))
	}
	dup := lat.Links[backoff.Entry[0]]
	if dup.Word != 1 || lat.Nodes[dup.From].StartFrame != 1 || dup.AScr != -3 || dup.LScr != -1 {
		t.Errorf("duplicated link = %+v, want the source's incoming hi link", dup)
	}

	// The fully-contexted source node lost its only exit to the backoff
	// node and was pruned.
	fullState := p.stateIDs[stateKey(1, []stype.WordID{0})]
	if _, still := findNode(lat, 4, fullState); still {
		t.Error("exit-less full-history source node survived pruning")
	}

	destState := p.stateIDs[stateKey(2, []stype.WordID{1})]
	dest, found := findNode(lat, 5, destState)
	if !found {
		t.Fatal("destination node with the backed-off state missing")
	}
	if len(dest.Entry) != 1 {
		t.Fatalf("destination has %d entries, want 1", len(dest.Entry))
	}
	lk := lat.Links[dest.Entry[0]]
	if lk.LScr != -3 {
		t.Errorf("final link lscr = %d, want -3 (bigram -1 plus back-off weight -2)", lk.LScr)
	}
	if lk.From != backoff.ID {
		t.Errorf("final link originates from node %d, want the backoff node %d", lk.From, backoff.ID)
	}
}
