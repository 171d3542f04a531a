// Package ngram defines the N-Gram language model contract: probability
// and back-off-weight lookup over a word history. Storage format and
// smoothing live outside this module — this package only declares the
// interface search passes and latgen consume.
package ngram

import "github.com/msphinx/multisphinx/pkg/stype"

// Model is the abstraction over an N-Gram language model.
//
// history is ordered most-recent-first: history[0] is the word immediately
// before w, history[1] the word before that, and so on. Implementations
// must be safe for concurrent read access.
type Model interface {
	// Prob returns the log probability (natural base internally is not
	// assumed; callers treat the value as an opaque log-domain score in
	// the model's own base) of w following history, and the log back-off
	// weight recorded for history itself (used when a longer history
	// doesn't back off cleanly). found is false if the N-gram (w | history)
	// is not present at full order and the caller must back off.
	Prob(w stype.WordID, history []stype.WordID) (logProb float32, logBowt float32, found bool)

	// Size returns the maximum N-gram order the model stores (e.g. 3 for
	// a trigram model).
	Size() int

	// HasSentenceEnd reports whether the model contains the </s> token.
	// A model without </s> cannot terminate an utterance and is a
	// configuration error.
	HasSentenceEnd() bool
}

// BackoffEntry is one step of a back-off walk: the history that was
// queried and the back-off weight recorded for it.
type BackoffEntry struct {
	History []stype.WordID
	LogBowt float32
	Found   bool
}

// Iterator walks successively shorter histories, applying back-off
// weights, until an N-gram is found or the history is exhausted. Used by
// latgen when expanding a word that isn't found at the full context
// length.
type Iterator interface {
	// Next consumes the oldest remaining history word and returns the
	// back-off weight recorded for the history as it stood before that
	// word was dropped. ok is false once the history is exhausted.
	Next() (entry BackoffEntry, ok bool)
}
