// Package mock provides an in-memory dict.Dictionary for unit tests.
package mock

import "github.com/msphinx/multisphinx/pkg/stype"

// Word describes one dictionary entry used to build a Dictionary.
type Word struct {
	Text      string
	Phones    []int // ciphone ids, in pronunciation order
	BaseOf    stype.WordID
	HasBase   bool // true if this entry is a pronunciation alternate of BaseOf
	IsFiller  bool
	IsSilence bool
}

// Dictionary is a fixed, in-memory dict.Dictionary built from a Word list.
// Word ids are assigned in list order starting at 0.
type Dictionary struct {
	words []Word
	start stype.WordID
	end   stype.WordID
}

// New builds a Dictionary from words. The first word whose Text is "<s>"
// becomes StartWID and the first "</s>" becomes FinishWID; callers that
// don't include those markers get stype.NoWordID from the accessors.
func New(words []Word) *Dictionary {
	d := &Dictionary{words: words, start: stype.NoWordID, end: stype.NoWordID}
	for i, w := range words {
		switch w.Text {
		case "<s>":
			d.start = stype.WordID(i)
		case "</s>":
			d.end = stype.WordID(i)
		}
	}
	return d
}

func (d *Dictionary) NumWords() int { return len(d.words) }

func (d *Dictionary) WordString(w stype.WordID) string {
	if int(w) < 0 || int(w) >= len(d.words) {
		return "<unk>"
	}
	return d.words[w].Text
}

func (d *Dictionary) BaseWID(w stype.WordID) stype.WordID {
	e := d.words[w]
	if e.HasBase {
		return e.BaseOf
	}
	return w
}

func (d *Dictionary) PronLen(w stype.WordID) int { return len(d.words[w].Phones) }

func (d *Dictionary) IsSinglePhone(w stype.WordID) bool { return len(d.words[w].Phones) == 1 }

func (d *Dictionary) FirstPhone(w stype.WordID) int { return d.words[w].Phones[0] }

func (d *Dictionary) SecondPhone(w stype.WordID) int {
	if d.IsSinglePhone(w) {
		return -1
	}
	return d.words[w].Phones[1]
}

func (d *Dictionary) LastPhone(w stype.WordID) int {
	p := d.words[w].Phones
	return p[len(p)-1]
}

func (d *Dictionary) SecondLastPhone(w stype.WordID) int {
	if d.IsSinglePhone(w) {
		return -1
	}
	p := d.words[w].Phones
	return p[len(p)-2]
}

func (d *Dictionary) IsFiller(w stype.WordID) bool { return d.words[w].IsFiller }

func (d *Dictionary) IsSilence(w stype.WordID) bool { return d.words[w].IsSilence }

func (d *Dictionary) StartWID() stype.WordID { return d.start }

func (d *Dictionary) FinishWID() stype.WordID { return d.end }
