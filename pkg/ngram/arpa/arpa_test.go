package arpa_test

import (
	"os"
	"strings"
	"testing"

	"github.com/msphinx/multisphinx/pkg/ngram/arpa"
	"github.com/msphinx/multisphinx/pkg/stype"
)

// testVocab maps the words of the test model to dense ids.
var testVocab = map[string]stype.WordID{
	"<s>": 0, "</s>": 1, "go": 2, "forward": 3, "ten": 4, "meters": 5,
}

func lookup(w string) (stype.WordID, bool) {
	id, ok := testVocab[w]
	return id, ok
}

const testARPA = `
Header junk that readers must skip.

\data\
ngram 1=6
ngram 2=5
ngram 3=2

\1-grams:
-1.00 <s> -0.30
-1.20 </s>
-0.70 go -0.25
-0.90 forward -0.40
-1.10 ten -0.35
-1.30 meters

\2-grams:
-0.30 <s> go -0.10
-0.40 go forward -0.15
-0.50 forward ten -0.20
-0.60 ten meters
-0.80 meters </s>

\3-grams:
-0.20 <s> go forward
-0.35 go forward ten

\end\
`

func parse(t *testing.T) *arpa.Model {
	t.Helper()
	m, err := arpa.Parse(strings.NewReader(testARPA), lookup)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return m
}

func TestSizeAndSentenceEnd(t *testing.T) {
	m := parse(t)
	if m.Size() != 3 {
		t.Errorf("Size: want 3, got %d", m.Size())
	}
	if !m.HasSentenceEnd() {
		t.Error("HasSentenceEnd: want true")
	}
	if m.OOVSkipped() != 0 {
		t.Errorf("OOVSkipped: want 0, got %d", m.OOVSkipped())
	}
}

func TestProbAtEachOrder(t *testing.T) {
	m := parse(t)
	goID, fwd, ten := testVocab["go"], testVocab["forward"], testVocab["ten"]

	// Unigram.
	p, _, found := m.Prob(goID, nil)
	if !found || p != -0.70 {
		t.Errorf("P(go): want -0.70 found, got %v found=%v", p, found)
	}

	// Bigram: history is most-recent-first.
	p, bowt, found := m.Prob(fwd, []stype.WordID{goID})
	if !found || p != -0.40 {
		t.Errorf("P(forward|go): want -0.40 found, got %v found=%v", p, found)
	}
	if bowt != -0.25 {
		t.Errorf("bowt(go): want -0.25, got %v", bowt)
	}

	// Trigram: history[0]=forward (most recent), history[1]=go.
	p, _, found = m.Prob(ten, []stype.WordID{fwd, goID})
	if !found || p != -0.35 {
		t.Errorf("P(ten|go forward): want -0.35 found, got %v found=%v", p, found)
	}

	// Absent trigram: found=false, bowt is the history's own weight.
	_, bowt, found = m.Prob(testVocab["meters"], []stype.WordID{fwd, goID})
	if found {
		t.Error("P(meters|go forward): want not found")
	}
	if bowt != -0.15 {
		t.Errorf("bowt(go forward): want -0.15, got %v", bowt)
	}
}

func TestHistoryTruncatedToOrder(t *testing.T) {
	m := parse(t)
	// Four words of history on a trigram model: only the two most recent
	// matter.
	p, _, found := m.Prob(testVocab["ten"], []stype.WordID{
		testVocab["forward"], testVocab["go"], testVocab["<s>"], testVocab["</s>"],
	})
	if !found || p != -0.35 {
		t.Errorf("truncated history: want -0.35 found, got %v found=%v", p, found)
	}
}

func TestBackoffIter(t *testing.T) {
	m := parse(t)
	it := m.BackoffIter([]stype.WordID{testVocab["forward"], testVocab["go"]})

	first, ok := it.Next()
	if !ok {
		t.Fatal("first Next: want ok")
	}
	if !first.Found || first.LogBowt != -0.15 {
		t.Errorf("first step (go forward): want found bowt=-0.15, got found=%v bowt=%v", first.Found, first.LogBowt)
	}

	second, ok := it.Next()
	if !ok {
		t.Fatal("second Next: want ok")
	}
	if !second.Found || second.LogBowt != -0.40 {
		t.Errorf("second step (forward): want found bowt=-0.40, got found=%v bowt=%v", second.Found, second.LogBowt)
	}

	if _, ok := it.Next(); ok {
		t.Error("third Next: want exhausted")
	}
}

func TestOOVLinesSkipped(t *testing.T) {
	const withOOV = `
\data\
ngram 1=2

\1-grams:
-1.0 go
-2.0 xylophone

\end\
`
	m, err := arpa.Parse(strings.NewReader(withOOV), lookup)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.OOVSkipped() != 1 {
		t.Errorf("OOVSkipped: want 1, got %d", m.OOVSkipped())
	}
	if _, _, found := m.Prob(testVocab["go"], nil); !found {
		t.Error("P(go): want found despite the skipped line")
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"no header":       "just text\n",
		"data before sec": "\\data\\\nngram 1=1\n\n-1.0 go\n",
		"bad count":       "\\data\\\nngram one=5\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := arpa.Parse(strings.NewReader(text), lookup); err == nil {
				t.Errorf("want parse error for %q", name)
			}
		})
	}
}

func TestLoadCtl(t *testing.T) {
	dir := t.TempDir()
	lmPath := dir + "/tiny.arpa"
	ctlPath := dir + "/lms.ctl"
	writeFile(t, lmPath, "\\data\\\nngram 1=1\n\n\\1-grams:\n-1.0 go\n\n\\end\\\n")
	writeFile(t, ctlPath, "# comment\ntiny tiny.arpa\n")

	m, err := arpa.LoadCtl(ctlPath, "tiny", lookup)
	if err != nil {
		t.Fatalf("LoadCtl: %v", err)
	}
	if _, _, found := m.Prob(testVocab["go"], nil); !found {
		t.Error("P(go): want found in ctl-loaded model")
	}

	if _, err := arpa.LoadCtl(ctlPath, "missing", lookup); err == nil {
		t.Error("LoadCtl with unknown name: want error")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
