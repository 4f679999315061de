// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package recipe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/gopacket/layers"
	"github.com/mbeema/pktmask/pkg/capture"
	"github.com/mbeema/pktmask/pkg/mask"
)

// Version is the recipe format version written by Encode.
const Version = 1

var (
	// ErrNoInstruction means the recipe has nothing for a frame.
	ErrNoInstruction = errors.New("no recipe instruction for frame")
	// ErrFrameMismatch means a frame does not match its instruction.
	ErrFrameMismatch = errors.New("frame does not match recipe instruction")
)

// Source describes the capture a recipe was produced from.
type Source struct {
	File     string `json:"file"`
	Frames   int    `json:"frames"`
	LinkType string `json:"link_type"`
}

// Instruction masks the TCP payload of one frame.
type Instruction struct {
	PacketIndex    int       `json:"packet_index"`
	TimestampNanos int64     `json:"timestamp_ns"`
	Offset         int       `json:"offset"`
	PayloadLength  int       `json:"payload_length"`
	Spec           mask.Spec `json:"spec"`
}

// Recipe is a replayable list of per-frame masking instructions.
type Recipe struct {
	Version      int           `json:"version"`
	Source       Source        `json:"source"`
	Instructions []Instruction `json:"instructions"`

	byIndex map[int]int
}

// New creates an empty recipe for a capture.
func New(file string, c *capture.File) *Recipe {
	return &Recipe{
		Version: Version,
		Source: Source{
			File:     file,
			Frames:   len(c.Frames),
			LinkType: c.LinkType.String(),
		},
	}
}

// Add appends an instruction. Instructions are kept sorted by packet index.
func (r *Recipe) Add(in Instruction) {
	r.Instructions = append(r.Instructions, in)
	r.byIndex = nil
}

func (r *Recipe) index() {
	sort.SliceStable(r.Instructions, func(i, j int) bool {
		return r.Instructions[i].PacketIndex < r.Instructions[j].PacketIndex
	})
	r.byIndex = make(map[int]int, len(r.Instructions))
	for i, in := range r.Instructions {
		r.byIndex[in.PacketIndex] = i
	}
}

// Lookup returns the instruction for a frame. The timestamp must match the
// one recorded, so a recipe is never applied to a different capture.
func (r *Recipe) Lookup(index int, tsNanos int64) (Instruction, error) {
	if r.byIndex == nil {
		r.index()
	}
	i, ok := r.byIndex[index]
	if !ok {
		return Instruction{}, ErrNoInstruction
	}
	in := r.Instructions[i]
	if in.TimestampNanos != tsNanos {
		return Instruction{}, fmt.Errorf("%w: frame %d timestamp %d, recipe has %d",
			ErrFrameMismatch, index, tsNanos, in.TimestampNanos)
	}
	return in, nil
}

// Validate checks the recipe's instructions.
func (r *Recipe) Validate() error {
	if r.Version != Version {
		return fmt.Errorf("unsupported recipe version %d", r.Version)
	}
	seen := make(map[int]bool, len(r.Instructions))
	for _, in := range r.Instructions {
		if in.PacketIndex < 0 || in.Offset < 0 || in.PayloadLength <= 0 {
			return fmt.Errorf("instruction for frame %d: bad bounds", in.PacketIndex)
		}
		if seen[in.PacketIndex] {
			return fmt.Errorf("duplicate instruction for frame %d", in.PacketIndex)
		}
		seen[in.PacketIndex] = true
		if err := in.Spec.Validate(uint32(in.PayloadLength)); err != nil {
			return fmt.Errorf("instruction for frame %d: %w", in.PacketIndex, err)
		}
	}
	return nil
}

// Encode writes the canonical JSON form of r: instructions sorted by packet
// index, two-space indent, trailing newline.
func Encode(w io.Writer, r *Recipe) error {
	r.index()
	out := *r
	if out.Instructions == nil {
		out.Instructions = []Instruction{}
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode recipe: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Decode reads and validates a recipe.
func Decode(rd io.Reader) (*Recipe, error) {
	dec := json.NewDecoder(rd)
	dec.DisallowUnknownFields()
	var r Recipe
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode recipe: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.index()
	return &r, nil
}

// WriteFile encodes r to path.
func WriteFile(path string, r *Recipe) error {
	var buf bytes.Buffer
	if err := Encode(&buf, r); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadFile decodes a recipe from path.
func ReadFile(path string) (*Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recipe: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Rewriter applies a spec to the TCP payload of a frame and repairs its
// checksums.
type Rewriter interface {
	RewriteFrame(fr *capture.Frame, link layers.LinkType, offset, length int, spec mask.Spec) error
}

// ReplayStats counts the outcome of Replay.
type ReplayStats struct {
	Applied    int
	Skipped    int
	Mismatched int
}

// Replay applies r to every frame of file that has an instruction. Frames
// that do not match their instruction are left untouched and counted.
func Replay(r *Recipe, file *capture.File, rw Rewriter) (ReplayStats, []error) {
	var st ReplayStats
	var errs []error
	for i := range file.Frames {
		fr := &file.Frames[i]
		in, err := r.Lookup(fr.Index, fr.CI.Timestamp.UnixNano())
		if errors.Is(err, ErrNoInstruction) {
			st.Skipped++
			continue
		}
		if err == nil {
			err = rw.RewriteFrame(fr, file.LinkType, in.Offset, in.PayloadLength, in.Spec)
		}
		if err != nil {
			st.Mismatched++
			errs = append(errs, err)
			continue
		}
		st.Applied++
	}
	return st, errs
}
