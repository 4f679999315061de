// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ruletable

import (
	"errors"

	"github.com/mbeema/pktmask/pkg/mask"
)

// ErrStreamNotFound is returned by Query for a stream without rules.
var ErrStreamNotFound = errors.New("stream not found in rule table")

// Entry is one finalized interval of a stream. Start, End and Anchor are
// logical offsets from the stream origin; Anchor is where the governing
// rule began, so Spec positions are measured from it.
type Entry struct {
	Start  int64
	End    int64
	Anchor int64
	Spec   mask.Spec

	Protocol   mask.Protocol
	RecordType string
	RecordID   string
}

// Len returns the number of bytes covered by the entry.
func (e Entry) Len() int64 {
	return e.End - e.Start
}

// Fragment is one piece of a query result. Fragments returned by Query tile
// the queried range exactly, in order. A fragment with Covered == false is a
// gap: no rule governs it and the caller's default policy applies.
type Fragment struct {
	Seq        uint32 // absolute sequence number of the first byte
	Offset     uint32 // position of the first byte within the queried range
	Length     uint32
	Covered    bool
	Spec       mask.Spec
	RuleOffset uint32 // position of the first byte within the governing rule
	Protocol   mask.Protocol
	RecordType string
}

// Stats summarizes a finalized table. Diagnostics only.
type Stats struct {
	Streams       int
	Rules         int
	InputRules    int
	RejectedRules int
	CoveredBytes  uint64
	KeptBytes     uint64
}

type streamTable struct {
	origin  uint32
	entries []Entry
}

// Table is the finalized, read-only rule index. It has no mutating methods
// and is safe for concurrent queries.
type Table struct {
	streams map[mask.StreamKey]*streamTable
	keys    []mask.StreamKey
	stats   Stats
}

// Has reports whether any rule exists for the stream.
func (t *Table) Has(key mask.StreamKey) bool {
	_, ok := t.streams[key]
	return ok
}

// Origin returns the sequence number that is logical offset 0 of the stream.
func (t *Table) Origin(key mask.StreamKey) (uint32, bool) {
	st, ok := t.streams[key]
	if !ok {
		return 0, false
	}
	return st.origin, true
}

// Streams lists the streams in first-insertion order.
func (t *Table) Streams() []mask.StreamKey {
	return append([]mask.StreamKey(nil), t.keys...)
}

// Entries returns a copy of the finalized entries of a stream.
func (t *Table) Entries(key mask.StreamKey) []Entry {
	st, ok := t.streams[key]
	if !ok {
		return nil
	}
	return append([]Entry(nil), st.entries...)
}

// Stats returns rule, stream and coverage counts.
func (t *Table) Stats() Stats {
	return t.stats
}

// Query returns the fragments covering [seq, seq+length) of a stream.
func (t *Table) Query(key mask.StreamKey, seq, length uint32) ([]Fragment, error) {
	st, ok := t.streams[key]
	if !ok {
		return nil, ErrStreamNotFound
	}
	if length == 0 {
		return nil, nil
	}

	qStart := mask.Diff(st.origin, seq)
	qEnd := qStart + int64(length)
	entries := st.entries

	// first entry whose end lies past qStart
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if entries[mid].End <= qStart {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	frags := make([]Fragment, 0, 2)
	cur := qStart
	for i := lo; i < len(entries) && entries[i].Start < qEnd; i++ {
		e := &entries[i]
		if e.Start > cur {
			frags = append(frags, gap(seq, qStart, cur, e.Start))
			cur = e.Start
		}
		end := min(e.End, qEnd)
		frags = append(frags, Fragment{
			Seq:        mask.Advance(seq, cur-qStart),
			Offset:     uint32(cur - qStart),
			Length:     uint32(end - cur),
			Covered:    true,
			Spec:       e.Spec,
			RuleOffset: uint32(cur - e.Anchor),
			Protocol:   e.Protocol,
			RecordType: e.RecordType,
		})
		cur = end
	}
	if cur < qEnd {
		frags = append(frags, gap(seq, qStart, cur, qEnd))
	}
	return frags, nil
}

func gap(seq uint32, qStart, from, to int64) Fragment {
	return Fragment{
		Seq:    mask.Advance(seq, from-qStart),
		Offset: uint32(from - qStart),
		Length: uint32(to - from),
	}
}
