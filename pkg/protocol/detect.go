// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"github.com/mbeema/pktmask/pkg/mask"
	"github.com/mbeema/pktmask/pkg/reassembly"
)

// Scanner locates protocol records in a reassembled stream direction.
type Scanner interface {
	// Name returns the protocol name.
	Name() string

	// Detect checks if the data matches this protocol.
	Detect(data []byte, port uint16) bool

	// Scan returns the records found in chunks, ordered by offset. The
	// Stream field of each record is left for the caller to fill.
	Scan(chunks []reassembly.Chunk) []Record
}

// registry holds all registered scanners.
var registry []Scanner

func init() {
	// Order matters: more specific protocols first
	registry = []Scanner{
		&TLSScanner{},
		&HTTPScanner{},
	}
}

// Detect returns the scanner matching data, or nil.
func Detect(data []byte, port uint16) Scanner {
	for _, s := range registry {
		if s.Detect(data, port) {
			return s
		}
	}
	return nil
}

// Lookup returns the scanner registered under a protocol name.
func Lookup(proto mask.Protocol) Scanner {
	for _, s := range registry {
		if s.Name() == string(proto) {
			return s
		}
	}
	return nil
}

// ScanStream detects the protocol of a stream and returns its records with
// Stream and PacketNumber filled. hint, when known, is the protocol of the
// opposite direction of the same connection.
func ScanStream(st *reassembly.Stream, hint mask.Protocol) []Record {
	chunks := st.Chunks()
	if len(chunks) == 0 {
		return nil
	}

	sc := Lookup(hint)
	if sc == nil {
		for _, c := range chunks {
			if sc = Detect(c.Data, st.Key.DstPort); sc != nil {
				break
			}
			if sc = Detect(c.Data, st.Key.SrcPort); sc != nil {
				break
			}
		}
	}
	if sc == nil {
		return nil
	}

	recs := sc.Scan(chunks)
	for i := range recs {
		recs[i].Stream = st.Key
		recs[i].StreamIndex = -1
		recs[i].Direction = st.Key.Dir
		recs[i].PacketNumber = st.PacketAt(recs[i].Offset)
	}
	return recs
}
