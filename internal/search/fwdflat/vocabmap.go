package fwdflat

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/msphinx/multisphinx/pkg/stype"
)

// VocabMap expands a base word proposed by the incoming arc stream to
// the wider set of words the flat pass should also search — e.g. a
// multiword compound expanding to its components, or a reduced-vocabulary
// tree pass's surrogate expanding to the full forms it stood in for.
type VocabMap map[stype.WordID][]stype.WordID

// LoadVocabMap reads a vocabulary-expansion map: one line per mapping,
// "word expansion1 expansion2 ...". Words are resolved through lookup;
// a line whose base word is unknown is an error (the map must agree with
// the dictionary), while an unknown expansion word is skipped and
// counted in skipped — the same recoverable treatment the arc stream's
// unknown words get.
func LoadVocabMap(path string, lookup func(string) (stype.WordID, bool)) (vm VocabMap, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("vocabmap: open %q: %w", path, err)
	}
	defer f.Close()

	vm, skipped, err = parseVocabMap(f, lookup)
	if err != nil {
		return nil, 0, fmt.Errorf("vocabmap: parse %q: %w", path, err)
	}
	return vm, skipped, nil
}

func parseVocabMap(r io.Reader, lookup func(string) (stype.WordID, bool)) (VocabMap, int, error) {
	vm := make(VocabMap)
	skipped := 0
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, 0, fmt.Errorf("line %d: mapping %q has no expansion words", line, fields[0])
		}
		base, ok := lookup(fields[0])
		if !ok {
			return nil, 0, fmt.Errorf("line %d: unknown base word %q", line, fields[0])
		}
		for _, name := range fields[1:] {
			w, ok := lookup(name)
			if !ok {
				skipped++
				continue
			}
			vm[base] = append(vm[base], w)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}
	return vm, skipped, nil
}
