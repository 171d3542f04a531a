// Package lattice defines the word-graph value types latgen builds: a
// node list keyed by (start_frame, lm_state) and a link list connecting
// them, plus ASCII (HTK-style) and DOT output forms.
//
// Nothing here does acoustic scoring or LM lookup — the package only
// holds the graph and renders it; internal/search/latgen owns the
// expansion algorithm that fills it in.
package lattice

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"github.com/msphinx/multisphinx/pkg/stype"
)

// Node is one lattice node: a point in time carrying a specific LM
// history. Two arcs that reach the same word at the same frame with the
// same LM state collapse onto the same Node.
type Node struct {
	ID         int
	StartFrame stype.FrameIdx
	LMState    int32

	// Entry/Exit hold indices into Lattice.Links of the links terminating
	// at and originating from this node, respectively.
	Entry []int
	Exit  []int
}

// Link is one word hypothesis edge between two nodes.
type Link struct {
	ID   int
	From int
	To   int
	Word stype.WordID

	AScr stype.Score
	LScr stype.Score

	// Posterior is the link's forward-backward posterior probability,
	// populated by ComputePosteriors. Zero until then.
	Posterior float64
}

// Lattice is a word graph for one utterance.
type Lattice struct {
	UttID string
	Nodes []Node
	Links []Link

	// Start and End are node indices; End is -1 until the final node
	// (the one at the last frame reached) is known.
	Start int
	End   int
}

// New creates an empty Lattice with a single start node.
func New(uttID string, startFrame stype.FrameIdx, startLMState int32) *Lattice {
	l := &Lattice{UttID: uttID, End: -1}
	l.Start = l.addNode(startFrame, startLMState)
	return l
}

func (l *Lattice) addNode(startFrame stype.FrameIdx, lmState int32) int {
	id := len(l.Nodes)
	l.Nodes = append(l.Nodes, Node{ID: id, StartFrame: startFrame, LMState: lmState})
	return id
}

// AddNode appends a new node and returns its index. Callers that want
// (start_frame, lm_state) deduplication should keep their own index map
// (see internal/search/latgen) rather than calling this directly per arc.
func (l *Lattice) AddNode(startFrame stype.FrameIdx, lmState int32) int {
	return l.addNode(startFrame, lmState)
}

// AddLink appends a link from -> to and cross-references it into both
// nodes' Entry/Exit lists.
func (l *Lattice) AddLink(from, to int, word stype.WordID, ascr, lscr stype.Score) int {
	id := len(l.Links)
	l.Links = append(l.Links, Link{ID: id, From: from, To: to, Word: word, AScr: ascr, LScr: lscr})
	l.Nodes[from].Exit = append(l.Nodes[from].Exit, id)
	l.Nodes[to].Entry = append(l.Nodes[to].Entry, id)
	return id
}

// PruneDangling removes nodes (other than Start and End) with no entry
// or no exit links, and the links that touched them, repeating until no
// more nodes qualify. Node/link indices are stable across a call with no
// removals; otherwise every node and link index in l is renumbered.
func (l *Lattice) PruneDangling() {
	for {
		dead := make(map[int]bool)
		for i, n := range l.Nodes {
			if i == l.Start || i == l.End {
				continue
			}
			if len(n.Entry) == 0 || len(n.Exit) == 0 {
				dead[i] = true
			}
		}
		if len(dead) == 0 {
			return
		}

		keepNode := make([]bool, len(l.Nodes))
		for i := range l.Nodes {
			keepNode[i] = !dead[i]
		}
		keepLink := make([]bool, len(l.Links))
		for i, lk := range l.Links {
			keepLink[i] = !dead[lk.From] && !dead[lk.To]
		}

		l.compact(keepNode, keepLink)
	}
}

func (l *Lattice) compact(keepNode, keepLink []bool) {
	nodeRemap := make([]int, len(l.Nodes))
	var nodes []Node
	for i, n := range l.Nodes {
		if !keepNode[i] {
			nodeRemap[i] = -1
			continue
		}
		nodeRemap[i] = len(nodes)
		n.ID = len(nodes)
		n.Entry, n.Exit = nil, nil
		nodes = append(nodes, n)
	}

	linkRemap := make([]int, len(l.Links))
	var links []Link
	for i, lk := range l.Links {
		if !keepLink[i] {
			linkRemap[i] = -1
			continue
		}
		linkRemap[i] = len(links)
		lk.ID = len(links)
		lk.From = nodeRemap[lk.From]
		lk.To = nodeRemap[lk.To]
		nodes[lk.From].Exit = append(nodes[lk.From].Exit, lk.ID)
		nodes[lk.To].Entry = append(nodes[lk.To].Entry, lk.ID)
		links = append(links, lk)
	}

	if l.Start >= 0 {
		l.Start = nodeRemap[l.Start]
	}
	if l.End >= 0 {
		l.End = nodeRemap[l.End]
	}
	l.Nodes, l.Links = nodes, links
}

// ComputePosteriors runs a forward-backward pass over the (by
// construction acyclic, frame-monotonic) lattice and records each link's
// posterior probability. No-op if End has not been set.
func (l *Lattice) ComputePosteriors() {
	if l.End < 0 || len(l.Nodes) == 0 {
		return
	}
	order := l.topoOrder()

	alpha := make([]float64, len(l.Nodes))
	for i := range alpha {
		alpha[i] = math.Inf(-1)
	}
	alpha[l.Start] = 0
	for _, n := range order {
		for _, lid := range l.Nodes[n].Exit {
			lk := l.Links[lid]
			s := float64(lk.AScr) + float64(lk.LScr)
			alpha[lk.To] = logAdd(alpha[lk.To], alpha[n]+s)
		}
	}

	beta := make([]float64, len(l.Nodes))
	for i := range beta {
		beta[i] = math.Inf(-1)
	}
	beta[l.End] = 0
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		for _, lid := range l.Nodes[n].Exit {
			lk := l.Links[lid]
			s := float64(lk.AScr) + float64(lk.LScr)
			beta[n] = logAdd(beta[n], s+beta[lk.To])
		}
	}

	total := alpha[l.End]
	if math.IsInf(total, -1) {
		return
	}
	for i := range l.Links {
		lk := &l.Links[i]
		s := float64(lk.AScr) + float64(lk.LScr)
		logPost := alpha[lk.From] + s + beta[lk.To] - total
		lk.Posterior = math.Exp(logPost)
	}
}

// topoOrder returns node indices in a frame-monotonic order, which is a
// valid topological order since every link goes from an earlier or
// equal start frame to a strictly later one.
func (l *Lattice) topoOrder() []int {
	order := make([]int, len(l.Nodes))
	for i := range order {
		order[i] = i
	}
	sortByFrame(order, l.Nodes)
	return order
}

func sortByFrame(order []int, nodes []Node) {
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && nodes[order[j-1]].StartFrame > nodes[order[j]].StartFrame; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}
}

func logAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// WriteHTK renders the lattice in an HTK-style ASCII SLF form: a header
// naming node/link counts, one "I=" line per node with its time, and one
// "J=" line per link with its endpoints, word, and scores. This is a
// readable text rendering, not a byte-compatible HTK lattice (spec's
// Non-goals exclude reproducing that binary/text format exactly).
func (l *Lattice) WriteHTK(w io.Writer, wordText func(stype.WordID) string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "VERSION=1.1\n")
	fmt.Fprintf(bw, "UTTERANCE=%s\n", l.UttID)
	fmt.Fprintf(bw, "N=%d L=%d\n", len(l.Nodes), len(l.Links))
	for _, n := range l.Nodes {
		fmt.Fprintf(bw, "I=%d\tt=%d\n", n.ID, n.StartFrame)
	}
	for _, lk := range l.Links {
		fmt.Fprintf(bw, "J=%d\tS=%d\tE=%d\tW=%s\ta=%d\tl=%d\tp=%.6f\n",
			lk.ID, lk.From, lk.To, wordText(lk.Word), lk.AScr, lk.LScr, lk.Posterior)
	}
	return bw.Flush()
}

// WriteDOT renders the lattice as a Graphviz DOT digraph for visual
// inspection.
func (l *Lattice) WriteDOT(w io.Writer, wordText func(stype.WordID) string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "digraph lattice_%s {\n", sanitizeID(l.UttID))
	fmt.Fprintf(bw, "\trankdir=LR;\n")
	for _, n := range l.Nodes {
		shape := "ellipse"
		if n.ID == l.Start || n.ID == l.End {
			shape = "doublecircle"
		}
		fmt.Fprintf(bw, "\tn%d [label=\"%d@%d\" shape=%s];\n", n.ID, n.ID, n.StartFrame, shape)
	}
	for _, lk := range l.Links {
		fmt.Fprintf(bw, "\tn%d -> n%d [label=\"%s/%d\"];\n", lk.From, lk.To, wordText(lk.Word), lk.AScr+lk.LScr)
	}
	fmt.Fprintf(bw, "}\n")
	return bw.Flush()
}

func sanitizeID(s string) string {
	out := []byte(s)
	for i, c := range out {
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			out[i] = '_'
		}
	}
	if len(out) == 0 {
		return "utt"
	}
	return string(out)
}
