// Package mock provides a fixed dict2pid.Table for unit tests: every last
// phone fans out to the same small, caller-supplied right-context list,
// and triphone/singleton lookups return a deterministic senone id derived
// from their inputs so tests can assert on it without a real model.
package mock

import (
	"github.com/msphinx/multisphinx/pkg/dict2pid"
	"github.com/msphinx/multisphinx/pkg/stype"
)

// Table is a configurable mock dict2pid.Table.
type Table struct {
	// Fanout, if non-nil, is returned verbatim by RightContextFanout
	// regardless of arguments. If nil, a single synthetic entry per call
	// is synthesized from lastPhone so every word gets exactly one
	// right-context channel.
	Fanout []dict2pid.RightContext
}

func (t *Table) RightContextFanout(lastPhone, secondLastPhone int) []dict2pid.RightContext {
	if t.Fanout != nil {
		return t.Fanout
	}
	return []dict2pid.RightContext{
		{Ciphone: lastPhone, SenoneSeq: dict2pid.SenoneSeq(lastPhone*31 + secondLastPhone)},
	}
}

func (t *Table) InternalTriphone(w stype.WordID, pos int) dict2pid.SenoneSeq {
	return dict2pid.SenoneSeq(int32(w)*97 + int32(pos))
}

func (t *Table) SingletonSeq(w stype.WordID, leftCiphone, rightCiphone int) dict2pid.SenoneSeq {
	return dict2pid.SenoneSeq(int32(w)*97 + int32(leftCiphone)*31 + int32(rightCiphone))
}

func (t *Table) RootSeq(w stype.WordID, leftCiphone int) dict2pid.SenoneSeq {
	return dict2pid.SenoneSeq(int32(w)*97 + int32(leftCiphone)*17 + 1)
}

var _ dict2pid.Table = (*Table)(nil)
