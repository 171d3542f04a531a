// Package arpa implements ngram.Model over the ARPA text format: a
// \data\ header with per-order counts followed by \N-grams: sections of
// "logprob word... [backoff]" lines. Probabilities are kept exactly as
// the file stores them; callers treat them as opaque log-domain scores
// per the ngram.Model contract.
//
// Words are resolved against the caller's dictionary through a Lookup
// func at load time, so queries at decode time are pure integer map
// lookups. N-grams naming a word the dictionary doesn't know are skipped
// and counted (a recoverable data-integrity event, not a load failure).
package arpa

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/msphinx/multisphinx/pkg/ngram"
	"github.com/msphinx/multisphinx/pkg/stype"
)

// Lookup resolves a written word to its dictionary id.
type Lookup func(word string) (stype.WordID, bool)

type entry struct {
	logProb float32
	logBowt float32
}

// Model is a file-backed ngram.Model. Immutable after load, so safe for
// concurrent reads.
type Model struct {
	order      int
	grams      []map[string]entry // grams[n-1] holds the n-gram table
	hasSentEnd bool
	oovSkipped int
}

var _ ngram.Model = (*Model)(nil)

// Load reads the ARPA model at path, resolving words through lookup.
func Load(path string, lookup Lookup) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("arpa: open %q: %w", path, err)
	}
	defer f.Close()

	m, err := Parse(f, lookup)
	if err != nil {
		return nil, fmt.Errorf("arpa: parse %q: %w", path, err)
	}
	return m, nil
}

// LoadCtl reads an LM control file (one "name path" pair per line,
// paths relative to the control file's directory unless absolute) and
// loads the model registered under name.
func LoadCtl(ctlPath, name string, lookup Lookup) (*Model, error) {
	f, err := os.Open(ctlPath)
	if err != nil {
		return nil, fmt.Errorf("arpa: open ctl %q: %w", ctlPath, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if fields[0] != name {
			continue
		}
		path := fields[1]
		if !strings.HasPrefix(path, "/") {
			if i := strings.LastIndexByte(ctlPath, '/'); i >= 0 {
				path = ctlPath[:i+1] + path
			}
		}
		return Load(path, lookup)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("arpa: read ctl %q: %w", ctlPath, err)
	}
	return nil, fmt.Errorf("arpa: lm %q not found in ctl %q", name, ctlPath)
}

// Parse reads an ARPA model from r.
func Parse(r io.Reader, lookup Lookup) (*Model, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	counts, leftover, err := readHeader(sc)
	if err != nil {
		return nil, err
	}
	m := &Model{order: len(counts), grams: make([]map[string]entry, len(counts))}
	for i, c := range counts {
		m.grams[i] = make(map[string]entry, c)
	}

	section := 0
	line := 0
	next := func() (string, bool) {
		if leftover != "" {
			l := leftover
			leftover = ""
			return l, true
		}
		if !sc.Scan() {
			return "", false
		}
		return sc.Text(), true
	}
	for {
		raw, ok := next()
		if !ok {
			break
		}
		line++
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		if text == `\end\` {
			break
		}
		if n, ok := sectionOrder(text); ok {
			if n < 1 || n > m.order {
				return nil, fmt.Errorf("section %q exceeds declared order %d", text, m.order)
			}
			section = n
			continue
		}
		if section == 0 {
			return nil, fmt.Errorf("line %d: n-gram data before any section header", line)
		}
		if err := m.readGram(text, section, lookup); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if m.order == 0 {
		return nil, fmt.Errorf("no ngram counts declared in \\data\\ header")
	}

	if w, ok := lookup("</s>"); ok {
		_, m.hasSentEnd = m.grams[0][gramKey([]stype.WordID{w})]
	}
	return m, nil
}

// readHeader scans forward to \data\ and collects the "ngram N=count"
// declarations that follow it. The first non-count line after the
// declarations is returned as leftover so the caller can process it.
func readHeader(sc *bufio.Scanner) (counts []int, leftover string, err error) {
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == `\data\` {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, "", err
	}

	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			if len(counts) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(text, "ngram ") {
			leftover = text
			break
		}
		spec := strings.TrimPrefix(text, "ngram ")
		eq := strings.IndexByte(spec, '=')
		if eq < 0 {
			return nil, "", fmt.Errorf("malformed count line %q", text)
		}
		n, err1 := strconv.Atoi(strings.TrimSpace(spec[:eq]))
		c, err2 := strconv.Atoi(strings.TrimSpace(spec[eq+1:]))
		if err1 != nil || err2 != nil || n != len(counts)+1 {
			return nil, "", fmt.Errorf("malformed count line %q", text)
		}
		counts = append(counts, c)
	}
	return counts, leftover, sc.Err()
}

func sectionOrder(text string) (int, bool) {
	if !strings.HasPrefix(text, `\`) || !strings.HasSuffix(text, "-grams:") {
		return 0, false
	}
	n, err := strconv.Atoi(text[1 : len(text)-len("-grams:")])
	if err != nil {
		return 0, false
	}
	return n, true
}

// readGram parses one "logprob w1 ... wn [bowt]" line of the given order.
func (m *Model) readGram(text string, order int, lookup Lookup) error {
	fields := strings.Fields(text)
	if len(fields) != order+1 && len(fields) != order+2 {
		return fmt.Errorf("expected %d-gram line, got %d fields", order, len(fields))
	}
	prob, err := strconv.ParseFloat(fields[0], 32)
	if err != nil {
		return fmt.Errorf("bad probability %q: %w", fields[0], err)
	}
	var bowt float64
	if len(fields) == order+2 {
		if bowt, err = strconv.ParseFloat(fields[order+1], 32); err != nil {
			return fmt.Errorf("bad backoff %q: %w", fields[order+1], err)
		}
	}

	ids := make([]stype.WordID, order)
	for i := 0; i < order; i++ {
		w, ok := lookup(fields[i+1])
		if !ok {
			m.oovSkipped++
			return nil
		}
		ids[i] = w
	}
	m.grams[order-1][gramKey(ids)] = entry{logProb: float32(prob), logBowt: float32(bowt)}
	return nil
}

// gramKey encodes an n-gram in context order (oldest word first).
func gramKey(ids []stype.WordID) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(int(id)))
	}
	return b.String()
}

// OOVSkipped returns the number of n-gram lines dropped because a word
// was missing from the dictionary.
func (m *Model) OOVSkipped() int { return m.oovSkipped }

// Prob implements ngram.Model. history is most-recent-first; it is
// truncated to the model's order before lookup.
func (m *Model) Prob(w stype.WordID, history []stype.WordID) (float32, float32, bool) {
	hist := trimHistory(history, m.order-1)
	ids := make([]stype.WordID, 0, len(hist)+1)
	for i := len(hist) - 1; i >= 0; i-- {
		ids = append(ids, hist[i])
	}
	ids = append(ids, w)

	e, found := m.grams[len(ids)-1][gramKey(ids)]
	if !found {
		return 0, m.historyBowt(hist), false
	}
	return e.logProb, m.historyBowt(hist), true
}

// historyBowt returns the back-off weight recorded for the history tuple
// itself, or 0 if the history is not present as an n-gram.
func (m *Model) historyBowt(hist []stype.WordID) float32 {
	if len(hist) == 0 || len(hist) > m.order {
		return 0
	}
	ids := make([]stype.WordID, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		ids = append(ids, hist[i])
	}
	if e, ok := m.grams[len(ids)-1][gramKey(ids)]; ok {
		return e.logBowt
	}
	return 0
}

// trimHistory drops history words beyond the model's reach. history is
// most-recent-first, so the tail is the oldest context.
func trimHistory(history []stype.WordID, max int) []stype.WordID {
	if max < 0 {
		max = 0
	}
	if len(history) > max {
		return history[:max]
	}
	return history
}

// Size implements ngram.Model.
func (m *Model) Size() int { return m.order }

// HasSentenceEnd implements ngram.Model.
func (m *Model) HasSentenceEnd() bool { return m.hasSentEnd }

// BackoffIter returns an iterator walking successively shorter
// histories, yielding the back-off weight recorded for each history
// before its oldest word is dropped.
func (m *Model) BackoffIter(history []stype.WordID) ngram.Iterator {
	return &iter{m: m, hist: trimHistory(history, m.order-1)}
}

type iter struct {
	m    *Model
	hist []stype.WordID
}

func (it *iter) Next() (ngram.BackoffEntry, bool) {
	if len(it.hist) == 0 {
		return ngram.BackoffEntry{}, false
	}
	e := ngram.BackoffEntry{
		History: append([]stype.WordID(nil), it.hist...),
		LogBowt: it.m.historyBowt(it.hist),
	}
	ids := make([]stype.WordID, 0, len(it.hist))
	for i := len(it.hist) - 1; i >= 0; i-- {
		ids = append(ids, it.hist[i])
	}
	_, e.Found = it.m.grams[len(ids)-1][gramKey(ids)]
	it.hist = it.hist[:len(it.hist)-1]
	return e, true
}
