// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import "github.com/mbeema/pktmask/pkg/mask"

// Fill is the value written over masked bytes.
const Fill byte = 0x00

// Redactor overwrites masked payload bytes in place.
type Redactor struct {
	enabled bool
}

// New creates a Redactor. If enabled is false, Apply only counts the bytes
// it would mask.
func New(enabled bool) *Redactor {
	return &Redactor{enabled: enabled}
}

// Enabled reports whether the redactor writes to payloads.
func (r *Redactor) Enabled() bool {
	return r.enabled
}

// Apply masks every byte of payload whose keep flag is false and returns
// the number of masked positions. keep must be as long as payload.
func (r *Redactor) Apply(payload []byte, keep []bool) int {
	n := 0
	for i := range payload {
		if keep[i] {
			continue
		}
		n++
		if r.enabled {
			payload[i] = Fill
		}
	}
	return n
}

// ApplySpec masks payload according to spec, with payload[0] sitting at
// ruleOffset within the rule.
func (r *Redactor) ApplySpec(payload []byte, spec mask.Spec, ruleOffset uint32) int {
	keep := make([]bool, len(payload))
	spec.Fill(keep, ruleOffset)
	return r.Apply(payload, keep)
}

// KeptRanges converts a keep bitmap into sorted kept ranges.
func KeptRanges(keep []bool) []mask.Range {
	var out []mask.Range
	start := -1
	for i, k := range keep {
		switch {
		case k && start < 0:
			start = i
		case !k && start >= 0:
			out = append(out, mask.Range{Offset: uint32(start), Length: uint32(i - start)})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, mask.Range{Offset: uint32(start), Length: uint32(len(keep) - start)})
	}
	return out
}

// SpecOf returns the simplest spec reproducing a keep bitmap.
func SpecOf(keep []bool) mask.Spec {
	ranges := KeptRanges(keep)
	switch {
	case len(ranges) == 0:
		return mask.MaskAfter(0)
	case len(ranges) == 1 && ranges[0].Offset == 0:
		if int(ranges[0].Length) == len(keep) {
			return mask.KeepAll()
		}
		return mask.MaskAfter(ranges[0].Length)
	}
	// KeptRanges output is sorted, disjoint and non-empty.
	return mask.Spec{Kind: mask.KindMaskRanges, Ranges: ranges}
}
