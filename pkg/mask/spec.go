// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package mask

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the closed set of mask specifications.
type Kind int

const (
	KindKeepAll    Kind = iota // no masking
	KindMaskAfter              // keep a prefix, mask the rest
	KindMaskRanges             // keep listed sub-ranges, mask elsewhere
)

func (k Kind) String() string {
	switch k {
	case KindKeepAll:
		return "keep_all"
	case KindMaskAfter:
		return "mask_after"
	case KindMaskRanges:
		return "mask_ranges"
	default:
		return "unknown"
	}
}

// ParseKind maps an action name back to its Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keep_all", "keep":
		return KindKeepAll, nil
	case "mask_after":
		return KindMaskAfter, nil
	case "mask_ranges":
		return KindMaskRanges, nil
	}
	return 0, fmt.Errorf("unknown mask action %q", s)
}

// Range is a kept sub-range, relative to the start of the rule it belongs to.
type Range struct {
	Offset uint32 `json:"offset"`
	Length uint32 `json:"length"`
}

// End returns the exclusive end offset. It is 64-bit so that
// Offset+Length never overflows.
func (r Range) End() uint64 {
	return uint64(r.Offset) + uint64(r.Length)
}

// Spec is the policy attached to a keep rule. Only the fields relevant to
// Kind are meaningful; use the constructors to build one.
type Spec struct {
	Kind      Kind
	KeepBytes uint32
	Ranges    []Range
}

// KeepAll returns a spec that keeps every byte.
func KeepAll() Spec {
	return Spec{Kind: KindKeepAll}
}

// MaskAfter returns a spec that keeps the first n bytes of the covered range.
func MaskAfter(n uint32) Spec {
	return Spec{Kind: KindMaskAfter, KeepBytes: n}
}

// MaskRanges returns a spec keeping only the given sub-ranges. Ranges must be
// sorted by offset, non-empty and pairwise non-overlapping.
func MaskRanges(ranges ...Range) (Spec, error) {
	s := Spec{Kind: KindMaskRanges, Ranges: append([]Range(nil), ranges...)}
	if err := s.checkRanges(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

func (s Spec) checkRanges() error {
	var prevEnd uint64
	for i, r := range s.Ranges {
		if r.Length == 0 {
			return invalid("mask range %d is empty", i)
		}
		if i > 0 && uint64(r.Offset) < prevEnd {
			return invalid("mask range %d [%d,%d) overlaps or precedes previous range", i, r.Offset, r.End())
		}
		prevEnd = r.End()
	}
	return nil
}

// Validate checks the spec against the length of the rule it is attached to.
func (s Spec) Validate(length uint32) error {
	switch s.Kind {
	case KindKeepAll, KindMaskAfter:
		return nil
	case KindMaskRanges:
		if err := s.checkRanges(); err != nil {
			return err
		}
		if n := len(s.Ranges); n > 0 && s.Ranges[n-1].End() > uint64(length) {
			return invalid("mask range ends at %d beyond rule length %d", s.Ranges[n-1].End(), length)
		}
		return nil
	default:
		return invalid("unknown mask kind %d", int(s.Kind))
	}
}

// Keeps reports whether the byte at pos (relative to the rule start) is kept.
func (s Spec) Keeps(pos uint32) bool {
	switch s.Kind {
	case KindKeepAll:
		return true
	case KindMaskAfter:
		return pos < s.KeepBytes
	case KindMaskRanges:
		lo, hi := 0, len(s.Ranges)
		for lo < hi {
			mid := int(uint(lo+hi) >> 1)
			if s.Ranges[mid].End() <= uint64(pos) {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		return lo < len(s.Ranges) && uint64(s.Ranges[lo].Offset) <= uint64(pos)
	}
	return true
}

// KeptIn counts the bytes kept within [from, to), relative to the rule start.
func (s Spec) KeptIn(from, to uint64) uint64 {
	if to <= from {
		return 0
	}
	switch s.Kind {
	case KindKeepAll:
		return to - from
	case KindMaskAfter:
		return overlap(0, uint64(s.KeepBytes), from, to)
	case KindMaskRanges:
		var n uint64
		for _, r := range s.Ranges {
			n += overlap(uint64(r.Offset), r.End(), from, to)
		}
		return n
	}
	return to - from
}

// Fill writes the keep decision for each byte of dst, where dst[0] is the
// byte at ruleOffset within the rule.
func (s Spec) Fill(dst []bool, ruleOffset uint32) {
	switch s.Kind {
	case KindKeepAll:
		for i := range dst {
			dst[i] = true
		}
	case KindMaskAfter:
		base := uint64(ruleOffset)
		for i := range dst {
			dst[i] = base+uint64(i) < uint64(s.KeepBytes)
		}
	default:
		for i := range dst {
			dst[i] = s.Keeps(ruleOffset + uint32(i))
		}
	}
}

// Normalize rewrites the spec into its simplest equivalent form for a rule
// of the given length: a prefix covering the whole rule is KeepAll.
func (s Spec) Normalize(length uint32) Spec {
	switch s.Kind {
	case KindMaskAfter:
		if s.KeepBytes >= length {
			return KeepAll()
		}
	case KindMaskRanges:
		if len(s.Ranges) == 1 && s.Ranges[0].Offset == 0 {
			if s.Ranges[0].Length >= length {
				return KeepAll()
			}
			return MaskAfter(s.Ranges[0].Length)
		}
		if len(s.Ranges) == 0 {
			return MaskAfter(0)
		}
	}
	return s
}

// IsKeepAll reports whether the spec keeps every byte regardless of position.
func (s Spec) IsKeepAll() bool {
	return s.Kind == KindKeepAll
}

// Equal compares two specs structurally.
func (s Spec) Equal(o Spec) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case KindMaskAfter:
		return s.KeepBytes == o.KeepBytes
	case KindMaskRanges:
		if len(s.Ranges) != len(o.Ranges) {
			return false
		}
		for i := range s.Ranges {
			if s.Ranges[i] != o.Ranges[i] {
				return false
			}
		}
	}
	return true
}

func (s Spec) String() string {
	switch s.Kind {
	case KindMaskAfter:
		return fmt.Sprintf("mask_after(%d)", s.KeepBytes)
	case KindMaskRanges:
		parts := make([]string, len(s.Ranges))
		for i, r := range s.Ranges {
			parts[i] = fmt.Sprintf("[%d,%d)", r.Offset, r.End())
		}
		return "mask_ranges(" + strings.Join(parts, ",") + ")"
	}
	return s.Kind.String()
}

// ParseSpec parses the textual form produced by String, plus the
// shorthands "keep" and "mask" (mask_after(0)).
func ParseSpec(s string) (Spec, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "keep", "keep_all":
		return KeepAll(), nil
	case "mask", "mask_all":
		return MaskAfter(0), nil
	}

	name, args, ok := strings.Cut(s, "(")
	if !ok || !strings.HasSuffix(args, ")") {
		return Spec{}, invalid("cannot parse mask spec %q", s)
	}
	args = strings.TrimSuffix(args, ")")

	switch strings.TrimSpace(name) {
	case "mask_after":
		n, err := strconv.ParseUint(strings.TrimSpace(args), 10, 32)
		if err != nil {
			return Spec{}, invalid("mask_after argument %q: %v", args, err)
		}
		return MaskAfter(uint32(n)), nil
	case "mask_ranges":
		var ranges []Range
		for _, part := range strings.Split(args, ")") {
			part = strings.Trim(strings.TrimSpace(part), ",[ ")
			if part == "" {
				continue
			}
			lo, hi, ok := strings.Cut(part, ",")
			if !ok {
				return Spec{}, invalid("mask range %q: want [start,end)", part)
			}
			start, err1 := strconv.ParseUint(strings.TrimSpace(lo), 10, 32)
			end, err2 := strconv.ParseUint(strings.TrimSpace(hi), 10, 32)
			if err1 != nil || err2 != nil || end <= start {
				return Spec{}, invalid("mask range %q: bad bounds", part)
			}
			ranges = append(ranges, Range{Offset: uint32(start), Length: uint32(end - start)})
		}
		return MaskRanges(ranges...)
	}
	return Spec{}, invalid("unknown mask action %q", name)
}

type specJSON struct {
	Action    string  `json:"action"`
	KeepBytes *uint32 `json:"keep_bytes,omitempty"`
	Ranges    []Range `json:"ranges,omitempty"`
}

// MarshalJSON encodes the spec canonically: only the fields of its kind.
func (s Spec) MarshalJSON() ([]byte, error) {
	out := specJSON{Action: s.Kind.String()}
	switch s.Kind {
	case KindMaskAfter:
		n := s.KeepBytes
		out.KeepBytes = &n
	case KindMaskRanges:
		out.Ranges = s.Ranges
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes and validates a spec.
func (s *Spec) UnmarshalJSON(data []byte) error {
	var in specJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind, err := ParseKind(in.Action)
	if err != nil {
		return err
	}
	switch kind {
	case KindKeepAll:
		*s = KeepAll()
	case KindMaskAfter:
		if in.KeepBytes == nil {
			return invalid("mask_after requires keep_bytes")
		}
		*s = MaskAfter(*in.KeepBytes)
	case KindMaskRanges:
		spec, err := MaskRanges(in.Ranges...)
		if err != nil {
			return err
		}
		*s = spec
	}
	return nil
}

func overlap(aStart, aEnd, bStart, bEnd uint64) uint64 {
	lo := max(aStart, bStart)
	hi := min(aEnd, bEnd)
	if hi <= lo {
		return 0
	}
	return hi - lo
}
