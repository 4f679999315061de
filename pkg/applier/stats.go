// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package applier

// Stats aggregates the outcome of one masking run.
type Stats struct {
	Frames          int    `json:"frames"`
	TCPFrames       int    `json:"tcp_payload_frames"`
	UnknownStream   int    `json:"unknown_stream_frames"`
	Retransmissions int    `json:"retransmissions"`
	Truncated       int    `json:"truncated_frames"`
	Repaired        int    `json:"repaired_frames"`
	Flagged         int    `json:"flagged_frames"`
	MaskedBytes     uint64 `json:"masked_bytes"`
	KeptBytes       uint64 `json:"kept_bytes"`
	GapBytes        uint64 `json:"gap_bytes"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Frames += o.Frames
	s.TCPFrames += o.TCPFrames
	s.UnknownStream += o.UnknownStream
	s.Retransmissions += o.Retransmissions
	s.Truncated += o.Truncated
	s.Repaired += o.Repaired
	s.Flagged += o.Flagged
	s.MaskedBytes += o.MaskedBytes
	s.KeptBytes += o.KeptBytes
	s.GapBytes += o.GapBytes
}

func (s *Stats) record(r FrameResult, retrans bool) {
	s.Frames++
	if !r.TCP {
		return
	}
	s.TCPFrames++
	if r.View.UnknownStream {
		s.UnknownStream++
	}
	if retrans {
		s.Retransmissions++
	}
	if r.Truncated {
		s.Truncated++
	}
	if r.Repaired {
		s.Repaired++
	}
	if r.Passthrough {
		s.Flagged++
		return
	}
	s.MaskedBytes += uint64(r.View.MaskedBytes)
	s.KeptBytes += uint64(r.View.KeptBytes)
	s.GapBytes += uint64(r.View.GapBytes)
}
