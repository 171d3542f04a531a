// Package bptbl implements the back-pointer table: the append-only record
// of word exits a search pass considers, with incremental reachability GC
// and stable renumbering of surviving entries.
//
// A Table is owned exclusively by one search pass — it is never
// shared across goroutines, so none of its methods take a lock.
package bptbl

import (
	"errors"

	"github.com/msphinx/multisphinx/pkg/dict"
	"github.com/msphinx/multisphinx/pkg/dict2pid"
	"github.com/msphinx/multisphinx/pkg/stype"
)

// ErrCorruptBP is returned (and, for genuinely fatal cases, wrapped in a
// panic) when a GC or remap step finds a prev_bp outside the retired+active
// window it is supposed to live in. This indicates a
// programmer bug, not a recoverable condition.
var ErrCorruptBP = errors.New("bptbl: back-pointer outside retired+active window")

// Entry is one recorded word exit.
type Entry struct {
	Frame  stype.FrameIdx
	WID    stype.WordID
	PrevBP stype.BPIdx
	Score  stype.Score

	// RCIdx/RCSize locate this entry's right-context delta region in the
	// table's rc array.
	RCIdx  int32
	RCSize int32

	LastPhone  int
	Last2Phone int

	// Valid is true for live entries. GC flips it false speculatively
	// during the invalidate step and back to true for anything proven
	// reachable; Commit physically drops whatever is still false.
	Valid bool

	// RealWID/PrevRealWID are this entry's and its most recent non-filler
	// predecessor's base word ids, cached at Enter/UpdateBP time so LM
	// lookups never need to walk filler chains themselves.
	RealWID     stype.WordID
	PrevRealWID stype.WordID
}

// Table is the back-pointer table for a single search pass.
type Table struct {
	dict dict.Dictionary
	d2p  dict2pid.Table

	// retired holds GC'd, compacted entries. retired[i] has logical index
	// retiredOrigin+i.
	retired       []Entry
	retiredOrigin int32

	// active holds entries for frames >= activeFrame not yet retired.
	// active[i] has logical index activeBase()+i.
	active []Entry

	// rc holds right-context deltas for every entry currently resident
	// (retired or active), laid out in the same order as those entries.
	// rc[i] has logical index rcOrigin+i.
	rc       []stype.RCDelta
	rcOrigin int32

	frame       stype.FrameIdx
	activeFrame stype.FrameIdx

	// frameStart[k] is the offset into active where frame (activeFrame+k)
	// begins. It always has one more element than the number of frames
	// currently open, the last being the start of the not-yet-committed
	// current frame.
	frameStart []int32

	// oldestBP is the minimum surviving prev_bp found by the most recent
	// GC pass, i.e. the global oldest bp still reachable.
	oldestBP stype.BPIdx

	// lastRemap maps a pre-GC logical index to its post-GC logical index,
	// for every index touched by the most recent PushFrame/Finalize call.
	// Indices absent from the map were not touched and remain valid as-is.
	lastRemap map[int32]int32
}

// New creates an empty Table. d and d2p supply the phonetic context Enter
// needs to size each word's right-context fanout.
func New(d dict.Dictionary, d2p dict2pid.Table) *Table {
	return &Table{
		dict:       d,
		d2p:        d2p,
		frameStart: []int32{0},
		oldestBP:   stype.NoBP,
	}
}

func (t *Table) activeBase() int32 { return t.retiredOrigin + int32(len(t.retired)) }

// entry resolves a logical BPIdx to its Entry, or nil if it does not fall
// in the retired+active window.
func (t *Table) entry(bp stype.BPIdx) *Entry {
	idx := int32(bp)
	if idx < t.retiredOrigin {
		return nil
	}
	if idx < t.retiredOrigin+int32(len(t.retired)) {
		return &t.retired[idx-t.retiredOrigin]
	}
	base := t.activeBase()
	if idx < base+int32(len(t.active)) {
		return &t.active[idx-base]
	}
	return nil
}

func (t *Table) rcGet(base int32, pos int) stype.RCDelta {
	return t.rc[base-t.rcOrigin+int32(pos)]
}

func (t *Table) rcSet(base int32, pos int, v stype.RCDelta) {
	t.rc[base-t.rcOrigin+int32(pos)] = v
}

// fanoutSize returns the number of right-context channels w's last phone
// needs, or 0 for a single-phone word.
func (t *Table) fanoutSize(w stype.WordID) int {
	if t.dict.IsSinglePhone(w) {
		return 0
	}
	return len(t.d2p.RightContextFanout(t.dict.LastPhone(w), t.dict.SecondLastPhone(w)))
}

// computeReal propagates real_wid/prev_real_wid across filler predecessors
// so LM lookups never walk filler chains at query time.
func (t *Table) computeReal(wid stype.WordID, prevBP stype.BPIdx) (real, prevReal stype.WordID) {
	base := t.dict.BaseWID(wid)
	var pe *Entry
	if prevBP != stype.NoBP {
		pe = t.entry(prevBP)
	}
	if t.dict.IsFiller(base) {
		if pe == nil {
			return base, stype.NoWordID
		}
		return pe.RealWID, pe.PrevRealWID
	}
	if pe == nil {
		return base, stype.NoWordID
	}
	return base, pe.RealWID
}

// Enter appends a new active bp at the current frame. rcPos selects which
// right-context fanout slot represents this exit's own right context (its
// delta is forced to 0); it is ignored for single-phone words. Returns
// stype.NoBP without recording anything if prevBP is stype.NoBP and the
// table already holds or has held an entry (the seed <s> bp is the only
// legitimate NoBP predecessor; a later call with no predecessor is the
// documented misuse case).
func (t *Table) Enter(wid stype.WordID, prevBP stype.BPIdx, score stype.Score, rcPos int) stype.BPIdx {
	if prevBP == stype.NoBP && (len(t.retired) > 0 || len(t.active) > 0) {
		return stype.NoBP
	}

	rcSize := t.fanoutSize(wid)
	rcBase := t.rcOrigin + int32(len(t.rc))
	for i := 0; i < rcSize; i++ {
		t.rc = append(t.rc, stype.NoRC)
	}
	if rcSize > 0 && rcPos >= 0 && rcPos < rcSize {
		t.rcSet(rcBase, rcPos, 0)
	}

	real, prevReal := t.computeReal(wid, prevBP)
	e := Entry{
		Frame:       t.frame,
		WID:         wid,
		PrevBP:      prevBP,
		Score:       score,
		RCIdx:       rcBase,
		RCSize:      int32(rcSize),
		Valid:       true,
		RealWID:     real,
		PrevRealWID: prevReal,
	}
	if !t.dict.IsSinglePhone(wid) {
		e.LastPhone = t.dict.LastPhone(wid)
		e.Last2Phone = t.dict.SecondLastPhone(wid)
	} else {
		e.LastPhone = t.dict.FirstPhone(wid)
		e.Last2Phone = -1
	}

	idx := t.activeBase() + int32(len(t.active))
	t.active = append(t.active, e)
	return stype.BPIdx(idx)
}

// SetRCScore records best_score(bp) - score as the delta for right context
// rcPos, or stype.NoRC if the margin is out of range or score is
// stype.WorstScore.
func (t *Table) SetRCScore(bp stype.BPIdx, rcPos int, score stype.Score) {
	e := t.entry(bp)
	if e == nil || rcPos < 0 || rcPos >= int(e.RCSize) {
		return
	}
	if score == stype.WorstScore {
		t.rcSet(e.RCIdx, rcPos, stype.NoRC)
		return
	}
	delta := int64(e.Score) - int64(score)
	if delta < 0 || delta > int64(stype.MaxRCDelta) {
		t.rcSet(e.RCIdx, rcPos, stype.NoRC)
		return
	}
	t.rcSet(e.RCIdx, rcPos, stype.RCDelta(delta))
}

// BestRCScore returns best_score(bp) - delta for right context rcPos.
// ok is false if there is no exit with this right context.
func (t *Table) BestRCScore(bp stype.BPIdx, rcPos int) (score stype.Score, ok bool) {
	e := t.entry(bp)
	if e == nil || rcPos < 0 || rcPos >= int(e.RCSize) {
		return stype.WorstScore, false
	}
	d := t.rcGet(e.RCIdx, rcPos)
	if d == stype.NoRC {
		return stype.WorstScore, false
	}
	return e.Score - stype.Score(d), true
}

// RCDeltas returns a copy of bp's right-context delta run, in fanout
// order. Sweeping a retired bp into a scored arc buffer uses this to
// carry the deltas downstream; the copy keeps the buffer's store
// independent of this table's subsequent compactions.
func (t *Table) RCDeltas(bp stype.BPIdx) []stype.RCDelta {
	e := t.entry(bp)
	if e == nil || e.RCSize == 0 {
		return nil
	}
	out := make([]stype.RCDelta, e.RCSize)
	for j := range out {
		out[j] = t.rcGet(e.RCIdx, j)
	}
	return out
}

// UpdateBP replaces bp's predecessor and score when a better incoming path
// is found in the current frame, shifting its existing rc deltas by the
// score delta (capping at stype.NoRC) and recomputing its cached real_wid.
func (t *Table) UpdateBP(bp stype.BPIdx, newPrev stype.BPIdx, newScore stype.Score) {
	e := t.entry(bp)
	if e == nil {
		return
	}
	increase := int64(newScore) - int64(e.Score)
	e.PrevBP = newPrev
	e.Score = newScore
	for j := 0; j < int(e.RCSize); j++ {
		v := t.rcGet(e.RCIdx, j)
		if v == stype.NoRC {
			continue
		}
		nv := int64(v) + increase
		if nv < 0 || nv > int64(stype.MaxRCDelta) {
			t.rcSet(e.RCIdx, j, stype.NoRC)
			continue
		}
		t.rcSet(e.RCIdx, j, stype.RCDelta(nv))
	}
	e.RealWID, e.PrevRealWID = t.computeReal(e.WID, newPrev)
}

// CurrentFrame returns the frame new entries are (or will be, before the
// next PushFrame) recorded under.
func (t *Table) CurrentFrame() stype.FrameIdx { return t.frame }

// ActiveFrame returns the GC floor: no active entry has a frame below this.
func (t *Table) ActiveFrame() stype.FrameIdx { return t.activeFrame }

// OldestBP returns the minimum surviving prev_bp found by the most recent
// GC pass.
func (t *Table) OldestBP() stype.BPIdx { return t.oldestBP }

// Get returns a copy of the entry at bp, or ok=false if bp is out of
// range.
func (t *Table) Get(bp stype.BPIdx) (Entry, bool) {
	e := t.entry(bp)
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Remap translates bp to its current logical index after the most recent
// PushFrame or Finalize call. A search pass that caches a bp across
// frames (a word channel's entry predecessor, say) must call this once
// per PushFrame to keep its cached value valid: GC compacts away
// unreachable entries and shifts every surviving index below it down to
// match. Returns stype.NoBP unchanged; returns bp unchanged if it falls
// outside the range touched by the most recent GC round.
func (t *Table) Remap(bp stype.BPIdx) stype.BPIdx {
	if bp == stype.NoBP || t.lastRemap == nil {
		return bp
	}
	if nb, ok := t.lastRemap[int32(bp)]; ok {
		return stype.BPIdx(nb)
	}
	return bp
}

// RetiredEnd returns the logical index one past the last retired entry —
// the stable boundary a consumer can safely release up to once it has
// drained past it.
func (t *Table) RetiredEnd() stype.BPIdx {
	return stype.BPIdx(t.retiredOrigin + int32(len(t.retired)))
}
