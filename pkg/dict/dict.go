// Package dict defines the dictionary contract consumed by every search
// pass: a dense word-id space, pronunciation-alternate grouping, and the
// phone accessors the tree/flat searches need to build HMM chains.
//
// Dictionary is an external collaborator to the search passes: this
// package only declares the interface and ships a mock plus a minimal
// whitespace-delimited file format (see the textdict sub-package) — it
// does not implement phonetic-context tables or acoustic modelling.
package dict

import "github.com/msphinx/multisphinx/pkg/stype"

// Dictionary is the abstraction over a pronunciation dictionary.
//
// Word ids are dense integers in [0, NumWords). Pronunciation alternates of
// the same written word share a base word id, retrievable via BaseWID.
// Implementations must be safe for concurrent read access; all search
// passes may query the same Dictionary instance simultaneously.
type Dictionary interface {
	// NumWords returns the number of word ids, including alternates.
	NumWords() int

	// WordString returns the written form of w, for logging and lattice
	// output.
	WordString(w stype.WordID) string

	// BaseWID maps a pronunciation alternate to its base word id. For a
	// base word, BaseWID returns w itself.
	BaseWID(w stype.WordID) stype.WordID

	// PronLen returns the number of phones in w's pronunciation.
	PronLen(w stype.WordID) int

	// IsSinglePhone reports whether w's pronunciation is exactly one
	// phone, meaning it has no word-internal or last-phone right-context
	// fanout to model.
	IsSinglePhone(w stype.WordID) bool

	// FirstPhone returns the ciphone id of w's first pronunciation phone.
	FirstPhone(w stype.WordID) int

	// SecondPhone returns the ciphone id of w's second pronunciation
	// phone, or -1 if w is a single-phone word.
	SecondPhone(w stype.WordID) int

	// LastPhone returns the ciphone id of w's last pronunciation phone.
	LastPhone(w stype.WordID) int

	// SecondLastPhone returns the ciphone id of w's second-to-last
	// pronunciation phone, or -1 if w is a single-phone word.
	SecondLastPhone(w stype.WordID) int

	// IsFiller reports whether w is a filler word (not scored by the
	// language model).
	IsFiller(w stype.WordID) bool

	// IsSilence reports whether w is the silence word, a special case of
	// filler.
	IsSilence(w stype.WordID) bool

	// StartWID returns the word id of the utterance-start marker <s>.
	StartWID() stype.WordID

	// FinishWID returns the word id of the utterance-end marker </s>.
	FinishWID() stype.WordID
}
