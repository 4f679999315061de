// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ruletable

import (
	"errors"
	"fmt"

	"github.com/mbeema/pktmask/pkg/mask"
)

// ErrFinalized is returned when a Builder is used after Finalize.
var ErrFinalized = errors.New("rule table already finalized")

// pendingStream collects the raw rules of one stream before finalize.
type pendingStream struct {
	origin    uint32
	hasOrigin bool
	rules     []mask.Rule
}

// Builder accumulates keep rules. It is not safe for concurrent use; rule
// construction is sequential by design of the record feed. Finalize turns
// it into an immutable Table.
type Builder struct {
	streams   map[mask.StreamKey]*pendingStream
	order     []mask.StreamKey
	inserted  int
	rejected  int
	finalized bool
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		streams: make(map[mask.StreamKey]*pendingStream),
	}
}

func (b *Builder) stream(key mask.StreamKey) *pendingStream {
	ps, ok := b.streams[key]
	if !ok {
		ps = &pendingStream{}
		b.streams[key] = ps
		b.order = append(b.order, key)
	}
	return ps
}

// SetOrigin pins epoch 0 of a stream to seq, normally the first sequence
// number observed for that stream. Without it the first inserted rule's
// start is used.
func (b *Builder) SetOrigin(key mask.StreamKey, seq uint32) error {
	if b.finalized {
		return ErrFinalized
	}
	ps := b.stream(key)
	ps.origin = seq
	ps.hasOrigin = true
	return nil
}

// Insert appends a rule to its stream. No ordering or merge guarantee holds
// until Finalize. Malformed rules are rejected with an error wrapping
// mask.ErrInvalidRule; the builder stays usable.
func (b *Builder) Insert(r mask.Rule) error {
	if b.finalized {
		return ErrFinalized
	}
	if err := r.Validate(); err != nil {
		b.rejected++
		return fmt.Errorf("insert %s: %w", r, err)
	}
	ps := b.stream(r.Stream)
	if !ps.hasOrigin && len(ps.rules) == 0 {
		ps.origin = r.SeqStart
	}
	ps.rules = append(ps.rules, r)
	b.inserted++
	return nil
}

// Len returns the number of accepted rules.
func (b *Builder) Len() int {
	return b.inserted
}

// Rejected returns the number of rules refused by Insert.
func (b *Builder) Rejected() int {
	return b.rejected
}

// Finalize sorts, resolves overlaps and merges every stream, returning the
// read-only table. The builder cannot be used afterwards.
func (b *Builder) Finalize() *Table {
	t := &Table{
		streams: make(map[mask.StreamKey]*streamTable, len(b.streams)),
	}
	t.stats.InputRules = b.inserted
	t.stats.RejectedRules = b.rejected

	for _, key := range b.order {
		ps := b.streams[key]
		if len(ps.rules) == 0 {
			continue
		}
		st := &streamTable{
			origin:  ps.origin,
			entries: resolve(ps.origin, ps.rules),
		}
		t.streams[key] = st
		t.keys = append(t.keys, key)

		t.stats.Streams++
		t.stats.Rules += len(st.entries)
		for _, e := range st.entries {
			n := uint64(e.End - e.Start)
			t.stats.CoveredBytes += n
			t.stats.KeptBytes += e.Spec.KeptIn(uint64(e.Start-e.Anchor), uint64(e.End-e.Anchor))
		}
	}

	b.streams = nil
	b.order = nil
	b.finalized = true
	return t
}
