package bptbl

import "github.com/msphinx/multisphinx/pkg/stype"

// FindExit returns a bp whose word is a pronunciation alternate of w and
// whose frame is the latest frame containing any exit at all, or
// stype.NoBP if the table is empty.
func (t *Table) FindExit(w stype.WordID) stype.BPIdx {
	base := t.dict.BaseWID(w)

	var maxFrame stype.FrameIdx = -1
	for i := range t.active {
		if t.active[i].Valid && t.active[i].Frame > maxFrame {
			maxFrame = t.active[i].Frame
		}
	}
	for i := range t.retired {
		if t.retired[i].Frame > maxFrame {
			maxFrame = t.retired[i].Frame
		}
	}
	if maxFrame < 0 {
		return stype.NoBP
	}

	for i := len(t.active) - 1; i >= 0; i-- {
		e := t.active[i]
		if e.Valid && e.Frame == maxFrame && t.dict.BaseWID(e.WID) == base {
			return stype.BPIdx(t.activeBase() + int32(i))
		}
	}
	for i := len(t.retired) - 1; i >= 0; i-- {
		e := t.retired[i]
		if e.Frame == maxFrame && t.dict.BaseWID(e.WID) == base {
			return stype.BPIdx(t.retiredOrigin + int32(i))
		}
	}
	return stype.NoBP
}

// Backtrace walks bp's prev_bp chain back to stype.NoBP and returns the
// entries oldest-first.
func (t *Table) Backtrace(bp stype.BPIdx) ([]Entry, error) {
	var rev []Entry
	cur := bp
	for cur != stype.NoBP {
		e := t.entry(cur)
		if e == nil {
			return nil, ErrCorruptBP
		}
		rev = append(rev, *e)
		cur = e.PrevBP
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev, nil
}

// Segment is one word in a backtrace, with the frame range it spans.
type Segment struct {
	WID        stype.WordID
	StartFrame stype.FrameIdx
	EndFrame   stype.FrameIdx
	Filler     bool
}

// SegIter walks a Backtrace's segments in order.
type SegIter struct {
	segs []Segment
	pos  int
}

// Next returns the next segment, or ok=false once exhausted.
func (it *SegIter) Next() (Segment, bool) {
	if it.pos >= len(it.segs) {
		return Segment{}, false
	}
	s := it.segs[it.pos]
	it.pos++
	return s, true
}

// SegIter backtraces bp and returns a segmentation iterator over the
// resulting word sequence.
func (t *Table) SegIter(bp stype.BPIdx) (*SegIter, error) {
	entries, err := t.Backtrace(bp)
	if err != nil {
		return nil, err
	}
	segs := make([]Segment, 0, len(entries))
	var prevEnd stype.FrameIdx
	for _, e := range entries {
		segs = append(segs, Segment{
			WID:        e.WID,
			StartFrame: prevEnd,
			EndFrame:   e.Frame,
			Filler:     t.dict.IsFiller(e.WID),
		})
		prevEnd = e.Frame + 1
	}
	return &SegIter{segs: segs}, nil
}
