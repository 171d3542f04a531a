// Package dict2pid defines the phonetic-context contract that maps a
// word's last phone (and the phone before it) onto the set of senone
// sequences that must be scored for each possible right context, and maps
// word-internal phone positions onto their triphone senone sequence.
//
// Like pkg/acmod and pkg/ngram, this is an external collaborator to the
// search passes: phonetic-context bookkeeping, not acoustic scoring.
package dict2pid

import "github.com/msphinx/multisphinx/pkg/stype"

// SenoneSeq is an opaque senone-sequence id. HMM construction passes this
// straight through to the acoustic model contract without interpreting it.
type SenoneSeq int32

// RightContext describes one fanout entry for a word's last phone: the
// ciphone of the following word that selects this senone sequence, and the
// senone sequence itself.
type RightContext struct {
	Ciphone   int
	SenoneSeq SenoneSeq
}

// Table is the phonetic-context contract used to build last-phone channel
// fanout and word-internal triphones.
//
// Implementations must be safe for concurrent read access.
type Table interface {
	// RightContextFanout returns one entry per distinct right-context
	// ciphone that needs its own last-phone HMM for a word ending in
	// (secondLastPhone, lastPhone). A single-phone word should not call
	// this; see dict.Dictionary.IsSinglePhone.
	RightContextFanout(lastPhone, secondLastPhone int) []RightContext

	// InternalTriphone returns the senone sequence for the phone at
	// position pos (0-based) inside word's pronunciation, given the
	// dictionary-supplied phone list. pos must not be the first or last
	// phone position — those use root/last-phone fanout instead.
	InternalTriphone(w stype.WordID, pos int) SenoneSeq

	// SingletonSeq returns the senone sequence for a single-phone word,
	// selected by the preceding word's last ciphone (the left context)
	// and the following word's first ciphone (the right context).
	SingletonSeq(w stype.WordID, leftCiphone, rightCiphone int) SenoneSeq

	// RootSeq returns the senone sequence for a multi-phone word's first
	// pronunciation phone, selected by the preceding word's last ciphone
	// (the left context). A word-initial phone only depends on left
	// context because the phone that follows it is fixed by the word's
	// own pronunciation, unlike the last phone's right-context fanout.
	RootSeq(w stype.WordID, leftCiphone int) SenoneSeq
}
