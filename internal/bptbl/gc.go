package bptbl

import "github.com/msphinx/multisphinx/pkg/stype"

// frameBoundaryIdx returns the active-slice offset where frame f begins.
func (t *Table) frameBoundaryIdx(f stype.FrameIdx) int32 {
	idx := int(f - t.activeFrame)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t.frameStart) {
		return int32(len(t.active))
	}
	return t.frameStart[idx]
}

// PushFrame closes out the current frame and advances to the next one,
// then runs incremental GC using oldestActiveBP (the oldest bp any active
// search channel still references, or stype.NoBP if none) as the floor
// below which bps not reachable from it may be retired.
func (t *Table) PushFrame(oldestActiveBP stype.BPIdx) {
	t.frameStart = append(t.frameStart, int32(len(t.active)))
	t.frame++
	t.gc(oldestActiveBP)
}

// gc performs one incremental collection round: invalidate the window
// [activeFrame, nextActiveFrame), mark back to validity anything still
// reachable from exits at or after nextActiveFrame, retire the rest of
// the window, and remap every surviving prev_bp that pointed into it.
func (t *Table) gc(oldestActiveBP stype.BPIdx) {
	var nextActiveFrame stype.FrameIdx
	if oldestActiveBP == stype.NoBP {
		nextActiveFrame = 0
	} else if e := t.entry(oldestActiveBP); e != nil {
		nextActiveFrame = e.Frame
	} else {
		nextActiveFrame = t.activeFrame
	}

	t.lastRemap = nil

	if nextActiveFrame <= t.activeFrame+1 {
		return
	}

	endIdx := t.frameBoundaryIdx(nextActiveFrame)

	for i := int32(0); i < endIdx; i++ {
		t.active[i].Valid = false
	}

	markIfInWindow := func(pb stype.BPIdx) {
		if pb == stype.NoBP {
			return
		}
		pe := t.entry(pb)
		if pe == nil {
			return
		}
		if pe.Frame >= t.activeFrame && pe.Frame < nextActiveFrame {
			pe.Valid = true
		}
	}

	// Seed reachability from exits that remain active beyond the window,
	// then sweep the window high-to-low: prev_bp always has a strictly
	// smaller logical index than its successor, so a single downward pass
	// over [0, endIdx) already realizes the fixed point.
	for i := len(t.active) - 1; i >= int(endIdx); i-- {
		markIfInWindow(t.active[i].PrevBP)
	}
	for i := int(endIdx) - 1; i >= 0; i-- {
		if t.active[i].Valid {
			markIfInWindow(t.active[i].PrevBP)
		}
	}

	oldActiveBase := t.activeBase()
	permute := make([]int32, endIdx)
	retiredStart := len(t.retired)
	for i := int32(0); i < endIdx; i++ {
		e := t.active[i]
		if !e.Valid {
			permute[i] = -1
			continue
		}
		newRCBase := t.rcOrigin + int32(len(t.rc))
		for j := int32(0); j < e.RCSize; j++ {
			t.rc = append(t.rc, t.rcGet(e.RCIdx, int(j)))
		}
		e.RCIdx = newRCBase
		permute[i] = t.retiredOrigin + int32(len(t.retired))
		t.retired = append(t.retired, e)
	}

	validCount := len(t.retired) - retiredStart
	shift := endIdx - int32(validCount)

	remap := func(pb stype.BPIdx) stype.BPIdx {
		if pb == stype.NoBP {
			return pb
		}
		if int32(pb) >= oldActiveBase && int32(pb) < oldActiveBase+endIdx {
			np := permute[int32(pb)-oldActiveBase]
			if np < 0 {
				panic(ErrCorruptBP)
			}
			return stype.BPIdx(np)
		}
		// A predecessor still in the active region past the window keeps
		// its entry but its index drops by the number of slots compacted
		// away below it.
		if int32(pb) >= oldActiveBase+endIdx {
			return pb - stype.BPIdx(shift)
		}
		return pb
	}
	remapTable := make(map[int32]int32, len(t.active)-int(endIdx)+validCount)
	for i := int32(0); i < endIdx; i++ {
		if permute[i] >= 0 {
			remapTable[oldActiveBase+i] = permute[i]
		}
	}
	for i := endIdx; i < int32(len(t.active)); i++ {
		remapTable[oldActiveBase+i] = oldActiveBase + i - shift
	}
	t.lastRemap = remapTable

	var oldest stype.BPIdx = stype.NoBP
	track := func(pb stype.BPIdx) {
		if pb == stype.NoBP {
			return
		}
		if oldest == stype.NoBP || int32(pb) < int32(oldest) {
			oldest = pb
		}
	}

	for i := retiredStart; i < len(t.retired); i++ {
		np := remap(t.retired[i].PrevBP)
		t.retired[i].PrevBP = np
		track(np)
	}
	for i := endIdx; i < int32(len(t.active)); i++ {
		np := remap(t.active[i].PrevBP)
		t.active[i].PrevBP = np
		track(np)
	}
	t.oldestBP = oldest

	remaining := make([]Entry, len(t.active)-int(endIdx))
	copy(remaining, t.active[endIdx:])
	t.active = remaining

	newFrameStart := t.frameStart[:0:0]
	for _, b := range t.frameStart {
		if b >= endIdx {
			newFrameStart = append(newFrameStart, b-endIdx)
		}
	}
	t.frameStart = newFrameStart
	t.activeFrame = nextActiveFrame
}

// Commit drops invalidated entries from the still-open current frame
// (e.g. ones a max-words-per-frame cap marked Valid=false) and compacts
// their right-context deltas so they stay contiguous.
func (t *Table) Commit() {
	if len(t.frameStart) == 0 {
		return
	}
	start := int(t.frameStart[len(t.frameStart)-1])
	tail := append([]Entry(nil), t.active[start:]...)

	oldRC := t.rc
	oldOrigin := t.rcOrigin
	rcBase := oldOrigin + int32(len(oldRC))
	if len(tail) > 0 {
		rcBase = tail[0].RCIdx
	}
	newRC := append([]stype.RCDelta(nil), oldRC[:rcBase-oldOrigin]...)

	kept := t.active[:start]
	for _, e := range tail {
		if !e.Valid {
			continue
		}
		newBase := oldOrigin + int32(len(newRC))
		for j := int32(0); j < e.RCSize; j++ {
			newRC = append(newRC, oldRC[e.RCIdx-oldOrigin+j])
		}
		e.RCIdx = newBase
		kept = append(kept, e)
	}
	t.active = kept
	t.rc = newRC
}

// Release permanently drops retired entries before firstIdx, shifting the
// right-context array's origin to match. Idempotent: calling it again
// with an index at or before the previous call is a no-op.
func (t *Table) Release(firstIdx stype.BPIdx) {
	target := int32(firstIdx)
	if target <= t.retiredOrigin {
		return
	}
	maxTarget := t.retiredOrigin + int32(len(t.retired))
	if target > maxTarget {
		target = maxTarget
	}
	drop := target - t.retiredOrigin
	if drop <= 0 {
		return
	}

	var newRCOrigin int32
	if int(drop) < len(t.retired) {
		newRCOrigin = t.retired[drop].RCIdx
	} else {
		newRCOrigin = t.rcOrigin + int32(len(t.rc))
	}
	t.rc = append([]stype.RCDelta(nil), t.rc[newRCOrigin-t.rcOrigin:]...)
	t.rcOrigin = newRCOrigin

	t.retired = append([]Entry(nil), t.retired[drop:]...)
	t.retiredOrigin = target
}

// Finalize retires every remaining active entry unconditionally, for use
// once an utterance has ended and no further pruning can happen. It first
// Commits the open frame so only currently-valid entries are retired.
func (t *Table) Finalize() {
	t.Commit()
	oldActiveBase := t.activeBase()
	n := int32(len(t.active))
	if n == 0 {
		t.activeFrame = t.frame
		return
	}

	retiredStart := len(t.retired)
	permute := make([]int32, n)
	for i := int32(0); i < n; i++ {
		e := t.active[i]
		newRCBase := t.rcOrigin + int32(len(t.rc))
		for j := int32(0); j < e.RCSize; j++ {
			t.rc = append(t.rc, t.rcGet(e.RCIdx, int(j)))
		}
		e.RCIdx = newRCBase
		permute[i] = t.retiredOrigin + int32(len(t.retired))
		t.retired = append(t.retired, e)
	}

	remap := func(pb stype.BPIdx) stype.BPIdx {
		if pb == stype.NoBP {
			return pb
		}
		if int32(pb) >= oldActiveBase && int32(pb) < oldActiveBase+n {
			return stype.BPIdx(permute[int32(pb)-oldActiveBase])
		}
		return pb
	}
	for i := retiredStart; i < len(t.retired); i++ {
		t.retired[i].PrevBP = remap(t.retired[i].PrevBP)
	}

	lastRemap := make(map[int32]int32, n)
	for i := int32(0); i < n; i++ {
		lastRemap[oldActiveBase+i] = permute[i]
	}
	t.lastRemap = lastRemap

	t.active = nil
	t.frameStart = []int32{0}
	t.activeFrame = t.frame + 1
}
