// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ruletable

import (
	"cmp"
	"slices"

	"github.com/mbeema/pktmask/pkg/mask"
)

// item is a rule placed on the stream's logical axis.
type item struct {
	start, end int64
	spec       mask.Spec
	idx        int
	rule       *mask.Rule
}

// resolve turns the raw rules of one stream into sorted, non-overlapping,
// merged entries.
//
// Every rule boundary splits the axis into elementary regions. Each region
// covered by at least one rule is governed by the rule that keeps the most
// bytes inside it; ties go to KeepAll, then to the earliest inserted rule.
// Insertion order therefore never decides between two specs that differ in
// effect.
func resolve(origin uint32, rules []mask.Rule) []Entry {
	items := make([]item, len(rules))
	bounds := make([]int64, 0, 2*len(rules))
	for i := range rules {
		r := &rules[i]
		start := mask.Diff(origin, r.SeqStart)
		end := start + int64(r.Len())
		items[i] = item{start: start, end: end, spec: r.Spec.Normalize(r.Len()), idx: i, rule: r}
		bounds = append(bounds, start, end)
	}
	slices.SortStableFunc(items, func(a, b item) int {
		if c := cmp.Compare(a.start, b.start); c != 0 {
			return c
		}
		return cmp.Compare(a.idx, b.idx)
	})
	slices.Sort(bounds)
	bounds = slices.Compact(bounds)

	var (
		pieces []Entry
		active []*item
		next   int
		lastBy = -1
	)
	for bi := 0; bi+1 < len(bounds); bi++ {
		p, q := bounds[bi], bounds[bi+1]
		for next < len(items) && items[next].start <= p {
			active = append(active, &items[next])
			next++
		}
		n := 0
		for _, it := range active {
			if it.end > p {
				active[n] = it
				n++
			}
		}
		active = active[:n]
		if len(active) == 0 {
			lastBy = -1
			continue
		}

		win := pick(active, p, q)
		if lastBy == win.idx && len(pieces) > 0 && pieces[len(pieces)-1].End == p {
			pieces[len(pieces)-1].End = q
			continue
		}
		pieces = append(pieces, Entry{
			Start:      p,
			End:        q,
			Anchor:     win.start,
			Spec:       win.spec,
			Protocol:   win.rule.Protocol,
			RecordType: win.rule.RecordType,
			RecordID:   win.rule.RecordID,
		})
		lastBy = win.idx
	}

	return merge(pieces)
}

// pick chooses the governing rule for region [p, q).
func pick(active []*item, p, q int64) *item {
	var (
		best     *item
		bestKept uint64
	)
	for _, it := range active {
		kept := it.spec.KeptIn(uint64(p-it.start), uint64(q-it.start))
		switch {
		case best == nil:
		case kept > bestKept:
		case kept == bestKept && it.spec.IsKeepAll() && !best.spec.IsKeepAll():
		case kept == bestKept && it.spec.IsKeepAll() == best.spec.IsKeepAll() && it.idx < best.idx:
		default:
			continue
		}
		best, bestKept = it, kept
	}
	return best
}

// merge simplifies each piece to its local effect and joins touching pieces
// whose effect is identical.
func merge(pieces []Entry) []Entry {
	out := pieces[:0]
	for _, e := range pieces {
		e = simplify(e)
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.End == e.Start && last.Spec.Equal(e.Spec) && (positionFree(e.Spec) || last.Anchor == e.Anchor) {
				last.End = e.End
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// simplify replaces an anchored spec by KeepAll or mask-everything when the
// piece lies entirely inside or outside the kept bytes.
func simplify(e Entry) Entry {
	length := uint64(e.End - e.Start)
	kept := e.Spec.KeptIn(uint64(e.Start-e.Anchor), uint64(e.End-e.Anchor))
	switch {
	case kept == length:
		e.Spec = mask.KeepAll()
		e.Anchor = e.Start
	case kept == 0:
		e.Spec = mask.MaskAfter(0)
		e.Anchor = e.Start
	}
	return e
}

func positionFree(s mask.Spec) bool {
	return s.IsKeepAll() || (s.Kind == mask.KindMaskAfter && s.KeepBytes == 0)
}
