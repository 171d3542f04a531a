// Package mock provides a map-backed ngram.Model for unit tests.
package mock

import (
	"strconv"
	"strings"

	"github.com/msphinx/multisphinx/pkg/ngram"
	"github.com/msphinx/multisphinx/pkg/stype"
)

// Model is an in-memory ngram.Model keyed by "w|h0|h1|...". Probabilities
// for histories not present are returned as not-found so callers exercise
// the back-off path.
type Model struct {
	Order    int
	SentEnd  bool
	Probs    map[string]float32
	Bowts    map[string]float32 // keyed by history only: "h0|h1|..."
}

// New creates an empty Model of the given order.
func New(order int, hasSentEnd bool) *Model {
	return &Model{
		Order:   order,
		SentEnd: hasSentEnd,
		Probs:   make(map[string]float32),
		Bowts:   make(map[string]float32),
	}
}

// Set records logProb for w following history (most-recent-first).
func (m *Model) Set(logProb float32, w stype.WordID, history ...stype.WordID) {
	m.Probs[key(w, history)] = logProb
}

// SetBowt records the back-off weight for exactly this history.
func (m *Model) SetBowt(logBowt float32, history ...stype.WordID) {
	m.Bowts[histKey(history)] = logBowt
}

func (m *Model) Prob(w stype.WordID, history []stype.WordID) (float32, float32, bool) {
	p, ok := m.Probs[key(w, history)]
	bowt := m.Bowts[histKey(history)]
	return p, bowt, ok
}

func (m *Model) Size() int { return m.Order }

func (m *Model) HasSentenceEnd() bool { return m.SentEnd }

// BackoffIter returns an Iterator that walks history from longest to
// shortest, yielding the recorded back-off weight at each step.
func (m *Model) BackoffIter(history []stype.WordID) ngram.Iterator {
	return &iter{m: m, rest: history}
}

type iter struct {
	m    *Model
	rest []stype.WordID
}

func (it *iter) Next() (ngram.BackoffEntry, bool) {
	if len(it.rest) == 0 {
		return ngram.BackoffEntry{}, false
	}
	h := it.rest
	bowt, found := it.m.Bowts[histKey(h)]
	it.rest = it.rest[:len(it.rest)-1]
	return ngram.BackoffEntry{History: h, LogBowt: bowt, Found: found}, true
}

func key(w stype.WordID, history []stype.WordID) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(w)))
	for _, h := range history {
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(int(h)))
	}
	return b.String()
}

func histKey(history []stype.WordID) string {
	var b strings.Builder
	for i, h := range history {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.Itoa(int(h)))
	}
	return b.String()
}

var _ ngram.Model = (*Model)(nil)
