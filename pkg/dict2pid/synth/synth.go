// Package synth provides a self-contained dict2pid.Table for decoders
// running without a trained acoustic model: senone-sequence ids are
// synthesized deterministically from their phonetic coordinates, so
// channel construction, activation, and scoring stay mutually consistent
// across passes with no mdef file on disk. Pair it with a scorer that
// treats senone ids as opaque (pkg/acmod/featscore); a trained model's
// table implements the same interface from its context tables instead.
package synth

import (
	"github.com/msphinx/multisphinx/pkg/dict2pid"
	"github.com/msphinx/multisphinx/pkg/stype"
)

// Table synthesizes senone sequences over a fixed ciphone inventory.
type Table struct {
	numPhones int
	stride    int32
}

var _ dict2pid.Table = (*Table)(nil)

// New creates a Table for a dictionary whose ciphone ids are dense in
// [0, numPhones). textdict.Dictionary.NumPhones supplies the inventory
// size.
func New(numPhones int) *Table {
	// +2 leaves room for the -1 "no context" sentinel in any coordinate.
	return &Table{numPhones: numPhones, stride: int32(numPhones) + 2}
}

// seq packs a kind tag and up to three phonetic coordinates into one
// opaque id. Coordinates may be -1.
func (t *Table) seq(kind int32, a, b, c int) dict2pid.SenoneSeq {
	s := kind
	for _, v := range []int{a, b, c} {
		s = s*t.stride + int32(v) + 1
	}
	return dict2pid.SenoneSeq(s)
}

const (
	kindLastPhone = iota + 1
	kindRoot
	kindInternal
	kindSingleton
)

// RightContextFanout returns one entry per ciphone in the inventory:
// with no trained context clustering, every following phone gets its own
// last-phone channel.
func (t *Table) RightContextFanout(lastPhone, secondLastPhone int) []dict2pid.RightContext {
	out := make([]dict2pid.RightContext, t.numPhones)
	for rc := 0; rc < t.numPhones; rc++ {
		out[rc] = dict2pid.RightContext{
			Ciphone:   rc,
			SenoneSeq: t.seq(kindLastPhone, lastPhone, secondLastPhone, rc),
		}
	}
	return out
}

// InternalTriphone synthesizes a sequence from the word and position
// alone; the pronunciation fixes both neighbours of an internal phone,
// so (w, pos) identifies the triphone.
func (t *Table) InternalTriphone(w stype.WordID, pos int) dict2pid.SenoneSeq {
	return t.seq(kindInternal, int(w%4096), pos, -1)
}

// SingletonSeq synthesizes a sequence for a single-phone word from its
// word id and both contexts.
func (t *Table) SingletonSeq(w stype.WordID, leftCiphone, rightCiphone int) dict2pid.SenoneSeq {
	return t.seq(kindSingleton, int(w%4096), leftCiphone, rightCiphone)
}

// RootSeq synthesizes a sequence for a multi-phone word's first phone
// from the word id and the left context.
func (t *Table) RootSeq(w stype.WordID, leftCiphone int) dict2pid.SenoneSeq {
	return t.seq(kindRoot, int(w%4096), leftCiphone, -1)
}
