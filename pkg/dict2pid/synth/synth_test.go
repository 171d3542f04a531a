package synth_test

import (
	"testing"

	"github.com/msphinx/multisphinx/pkg/dict2pid"
	"github.com/msphinx/multisphinx/pkg/dict2pid/synth"
)

func TestFanoutCoversEveryCiphone(t *testing.T) {
	const phones = 7
	tbl := synth.New(phones)

	fanout := tbl.RightContextFanout(3, 1)
	if len(fanout) != phones {
		t.Fatalf("fanout size: want %d, got %d", phones, len(fanout))
	}
	seen := make(map[int]bool)
	for _, rc := range fanout {
		if rc.Ciphone < 0 || rc.Ciphone >= phones {
			t.Errorf("fanout ciphone %d out of inventory", rc.Ciphone)
		}
		if seen[rc.Ciphone] {
			t.Errorf("duplicate fanout ciphone %d", rc.Ciphone)
		}
		seen[rc.Ciphone] = true
	}
}

func TestSequencesDistinguishContexts(t *testing.T) {
	tbl := synth.New(10)

	// Same last phone, different right contexts.
	fanout := tbl.RightContextFanout(2, 4)
	seqs := make(map[dict2pid.SenoneSeq]bool)
	for _, rc := range fanout {
		if seqs[rc.SenoneSeq] {
			t.Fatalf("duplicate senone seq %d in fanout", rc.SenoneSeq)
		}
		seqs[rc.SenoneSeq] = true
	}

	// Different kinds never collide for the same coordinates.
	root := tbl.RootSeq(5, 2)
	internal := tbl.InternalTriphone(5, 2)
	singleton := tbl.SingletonSeq(5, 2, 2)
	if root == internal || root == singleton || internal == singleton {
		t.Errorf("kind collision: root=%d internal=%d singleton=%d", root, internal, singleton)
	}

	// Left context changes the root sequence.
	if tbl.RootSeq(5, 2) == tbl.RootSeq(5, 3) {
		t.Error("RootSeq ignored left context")
	}
	// The -1 "no context" sentinel is a valid coordinate.
	if tbl.SingletonSeq(5, -1, 3) == tbl.SingletonSeq(5, 0, 3) {
		t.Error("SingletonSeq conflated -1 left context with ciphone 0")
	}
}

func TestDeterministicAcrossInstances(t *testing.T) {
	a, b := synth.New(12), synth.New(12)
	if a.RootSeq(7, 3) != b.RootSeq(7, 3) {
		t.Error("RootSeq differs across instances")
	}
	fa, fb := a.RightContextFanout(1, 0), b.RightContextFanout(1, 0)
	for i := range fa {
		if fa[i] != fb[i] {
			t.Fatalf("fanout entry %d differs across instances", i)
		}
	}
}
