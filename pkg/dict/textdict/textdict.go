// Package textdict implements dict.Dictionary over the plain-text
// pronunciation dictionary format: one word per line followed by its
// phones, with pronunciation alternates written as word(2), word(3) and
// so on. A second file of the same format supplies filler words (++noise++,
// <sil>) that the language model never scores.
//
// Phone names are interned into dense ciphone ids in order of first
// appearance; word ids are dense in file order with fillers appended
// after the main vocabulary.
package textdict

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/msphinx/multisphinx/pkg/dict"
	"github.com/msphinx/multisphinx/pkg/stype"
)

// Names of the special words every utterance depends on. They are taken
// from the filler dictionary when present and synthesized with the
// silence phone otherwise.
const (
	StartWord    = "<s>"
	FinishWord   = "</s>"
	SilenceWord  = "<sil>"
	silencePhone = "SIL"
)

type wordEntry struct {
	name     string // written form, without the (n) alternate suffix
	phones   []int
	base     stype.WordID
	isFiller bool
}

// Dictionary is a file-backed dict.Dictionary. Immutable after Load, so
// safe for concurrent reads.
type Dictionary struct {
	words      []wordEntry
	byName     map[string]stype.WordID // full spelling (incl. "(2)") -> wid
	phoneIDs   map[string]int
	phoneNames []string

	start, finish, silence stype.WordID
}

var _ dict.Dictionary = (*Dictionary)(nil)

// Load reads the main dictionary at mainPath and, if fillerPath is
// non-empty, the filler dictionary at fillerPath.
func Load(mainPath, fillerPath string) (*Dictionary, error) {
	mf, err := os.Open(mainPath)
	if err != nil {
		return nil, fmt.Errorf("textdict: open %q: %w", mainPath, err)
	}
	defer mf.Close()

	var filler io.Reader
	if fillerPath != "" {
		ff, err := os.Open(fillerPath)
		if err != nil {
			return nil, fmt.Errorf("textdict: open filler %q: %w", fillerPath, err)
		}
		defer ff.Close()
		filler = ff
	}

	d, err := Parse(mf, filler)
	if err != nil {
		return nil, fmt.Errorf("textdict: parse %q: %w", mainPath, err)
	}
	return d, nil
}

// Parse builds a Dictionary from the main and (optional, may be nil)
// filler dictionary streams.
func Parse(main, filler io.Reader) (*Dictionary, error) {
	d := &Dictionary{
		byName:   make(map[string]stype.WordID),
		phoneIDs: make(map[string]int),
		start:    stype.NoWordID,
		finish:   stype.NoWordID,
		silence:  stype.NoWordID,
	}

	if err := d.readAll(main, false); err != nil {
		return nil, err
	}
	if filler != nil {
		if err := d.readAll(filler, true); err != nil {
			return nil, err
		}
	}

	// <s>, </s> and <sil> must always resolve; synthesize any that the
	// files left out, pronounced as bare silence.
	for _, name := range []string{SilenceWord, StartWord, FinishWord} {
		if _, ok := d.byName[name]; !ok {
			d.addWord(name, []string{silencePhone}, true)
		}
	}
	d.start = d.byName[StartWord]
	d.finish = d.byName[FinishWord]
	d.silence = d.byName[SilenceWord]

	return d, nil
}

func (d *Dictionary) readAll(r io.Reader, isFiller bool) error {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, ";;") || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return fmt.Errorf("line %d: word %q has no phones", line, fields[0])
		}
		if _, dup := d.byName[fields[0]]; dup {
			return fmt.Errorf("line %d: duplicate entry %q", line, fields[0])
		}
		d.addWord(fields[0], fields[1:], isFiller)
	}
	return sc.Err()
}

// addWord interns the word's phones and appends the entry, resolving the
// base wid for (n)-suffixed alternates.
func (d *Dictionary) addWord(spelling string, phones []string, isFiller bool) {
	ids := make([]int, len(phones))
	for i, ph := range phones {
		ids[i] = d.internPhone(ph)
	}

	wid := stype.WordID(len(d.words))
	name := baseSpelling(spelling)
	base := wid
	if name != spelling {
		if bw, ok := d.byName[name]; ok {
			base = d.words[bw].base
		}
	}
	d.words = append(d.words, wordEntry{name: name, phones: ids, base: base, isFiller: isFiller})
	d.byName[spelling] = wid
}

func (d *Dictionary) internPhone(name string) int {
	if id, ok := d.phoneIDs[name]; ok {
		return id
	}
	id := len(d.phoneNames)
	d.phoneIDs[name] = id
	d.phoneNames = append(d.phoneNames, name)
	return id
}

// baseSpelling strips a trailing (n) pronunciation-alternate suffix.
func baseSpelling(s string) string {
	if !strings.HasSuffix(s, ")") {
		return s
	}
	open := strings.LastIndexByte(s, '(')
	if open <= 0 {
		return s
	}
	for _, c := range s[open+1 : len(s)-1] {
		if c < '0' || c > '9' {
			return s
		}
	}
	return s[:open]
}

// WordID resolves a spelling (including "(2)"-style alternates) to its
// word id.
func (d *Dictionary) WordID(spelling string) (stype.WordID, bool) {
	w, ok := d.byName[spelling]
	return w, ok
}

// PhoneID resolves a phone name to its ciphone id.
func (d *Dictionary) PhoneID(name string) (int, bool) {
	id, ok := d.phoneIDs[name]
	return id, ok
}

// PhoneName returns the name of ciphone id, for logging.
func (d *Dictionary) PhoneName(id int) string {
	if id < 0 || id >= len(d.phoneNames) {
		return "?"
	}
	return d.phoneNames[id]
}

// NumPhones returns the number of distinct ciphones seen across both
// dictionaries.
func (d *Dictionary) NumPhones() int { return len(d.phoneNames) }

func (d *Dictionary) NumWords() int { return len(d.words) }

func (d *Dictionary) WordString(w stype.WordID) string {
	if int(w) < 0 || int(w) >= len(d.words) {
		return ""
	}
	return d.words[w].name
}

func (d *Dictionary) BaseWID(w stype.WordID) stype.WordID { return d.words[w].base }

func (d *Dictionary) PronLen(w stype.WordID) int { return len(d.words[w].phones) }

func (d *Dictionary) IsSinglePhone(w stype.WordID) bool { return len(d.words[w].phones) == 1 }

func (d *Dictionary) FirstPhone(w stype.WordID) int { return d.words[w].phones[0] }

func (d *Dictionary) SecondPhone(w stype.WordID) int {
	if len(d.words[w].phones) < 2 {
		return -1
	}
	return d.words[w].phones[1]
}

func (d *Dictionary) LastPhone(w stype.WordID) int {
	ph := d.words[w].phones
	return ph[len(ph)-1]
}

func (d *Dictionary) SecondLastPhone(w stype.WordID) int {
	ph := d.words[w].phones
	if len(ph) < 2 {
		return -1
	}
	return ph[len(ph)-2]
}

func (d *Dictionary) IsFiller(w stype.WordID) bool { return d.words[w].isFiller }

func (d *Dictionary) IsSilence(w stype.WordID) bool { return d.words[w].base == d.silence }

func (d *Dictionary) StartWID() stype.WordID { return d.start }

func (d *Dictionary) FinishWID() stype.WordID { return d.finish }
