// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package applier

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/mbeema/pktmask/pkg/capture"
	"github.com/mbeema/pktmask/pkg/mask"
	"github.com/mbeema/pktmask/pkg/ruletable"
)

// Location is where a frame's TCP payload sits and which stream it is on.
type Location struct {
	View   PacketView
	Offset int // position of the payload within the frame
}

// Locate decodes fr without modifying it. It returns false for frames
// without TCP payload.
func (a *Applier) Locate(fr *capture.Frame, link layers.LinkType) (Location, bool) {
	loc, ok := a.locate(fr, link)
	if !ok {
		return Location{}, false
	}
	return Location{View: loc.view, Offset: loc.payloadOff}, true
}

// KeepMap returns the keep decision for each payload byte of view without
// modifying it.
func (a *Applier) KeepMap(view PacketView) []bool {
	keep := make([]bool, len(view.Payload))
	def := a.cfg.Default == DefaultKeep

	var frags []ruletable.Fragment
	err := ruletable.ErrStreamNotFound
	if a.table != nil {
		frags, err = a.table.Query(view.Stream, view.Seq, uint32(len(keep)))
	}
	if err != nil {
		for i := range keep {
			keep[i] = def
		}
		return keep
	}
	for _, f := range frags {
		part := keep[f.Offset : f.Offset+f.Length]
		if f.Covered {
			f.Spec.Fill(part, f.RuleOffset)
			continue
		}
		for i := range part {
			part[i] = def
		}
	}
	return keep
}

// RewriteFrame applies spec to the payload at offset and repairs the
// frame's checksums. The frame must carry a TCP payload of exactly length
// bytes at offset.
func (a *Applier) RewriteFrame(fr *capture.Frame, link layers.LinkType, offset, length int, spec mask.Spec) error {
	loc, ok := a.locate(fr, link)
	if !ok {
		return fmt.Errorf("frame %d: no tcp payload", fr.Index)
	}
	if loc.payloadOff != offset || len(loc.view.Payload) != length {
		return fmt.Errorf("frame %d: payload at %d+%d, instruction has %d+%d",
			fr.Index, loc.payloadOff, len(loc.view.Payload), offset, length)
	}
	if a.cfg.DryRun {
		return nil
	}

	backup := append([]byte(nil), loc.view.Payload...)
	a.redactor.ApplySpec(loc.view.Payload, spec, 0)
	if loc.truncated {
		return nil
	}
	if err := repair(loc, fr.Data); err != nil {
		copy(loc.view.Payload, backup)
		return &ChecksumRecomputeError{Frame: fr.Index, Err: err}
	}
	return nil
}
