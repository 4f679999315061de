// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"encoding/binary"

	"github.com/mbeema/pktmask/pkg/mask"
	"github.com/mbeema/pktmask/pkg/reassembly"
)

const (
	tlsHeaderLen = 5
	// maxTLSRecordLen is the largest ciphertext a TLS 1.2 peer may send.
	maxTLSRecordLen = 16384 + 2048
)

// TLSScanner locates TLS records in a reassembled stream.
type TLSScanner struct{}

func (s *TLSScanner) Name() string { return string(mask.ProtoTLS) }

func (s *TLSScanner) Detect(data []byte, port uint16) bool {
	if len(data) >= tlsHeaderLen {
		return tlsPlausible(data) && (data[0] == 22 || port == 443 || port == 8443)
	}
	return false
}

// tlsPlausible checks a record header at the start of b.
func tlsPlausible(b []byte) bool {
	if len(b) < tlsHeaderLen {
		return false
	}
	if b[0] < 20 || b[0] > 24 {
		return false
	}
	if b[1] != 3 || b[2] > 4 {
		return false
	}
	n := int(binary.BigEndian.Uint16(b[3:5]))
	return n <= maxTLSRecordLen
}

// tlsResync finds the next offset in data at or after from where a record
// header starts and the following header, if present in data, is also
// plausible.
func tlsResync(data []byte, from int) int {
	for i := from; i+tlsHeaderLen <= len(data); i++ {
		if !tlsPlausible(data[i:]) {
			continue
		}
		next := i + tlsHeaderLen + int(binary.BigEndian.Uint16(data[i+3:i+5]))
		if next >= len(data) || tlsPlausible(data[next:]) || len(data)-next < tlsHeaderLen {
			return i
		}
	}
	return -1
}

// Scan walks record headers chunk by chunk. A record whose header was seen
// is fully captured even if part of its body fell into a capture hole; a
// header cut off by a hole is reported as partial.
func (s *TLSScanner) Scan(chunks []reassembly.Chunk) []Record {
	var out []Record
	expect := int64(-1)
	for ci, c := range chunks {
		data := c.Data
		var i int
		switch {
		case expect >= c.End():
			continue
		case expect >= c.Offset:
			i = int(expect - c.Offset)
		case ci == 0 && c.Offset == 0 && tlsPlausible(data):
			i = 0
		default:
			i = tlsResync(data, 0)
			if i < 0 {
				expect = -1
				continue
			}
		}
		expect = -1

		for i < len(data) {
			rest := data[i:]
			if len(rest) < tlsHeaderLen {
				typ := "unknown"
				if rest[0] >= 20 && rest[0] <= 24 {
					typ = TLSTypeName(rest[0])
				}
				out = append(out, Record{
					Protocol: mask.ProtoTLS, Type: typ,
					Offset: c.Offset + int64(i), Length: int64(len(rest)),
				})
				break
			}
			if !tlsPlausible(rest) {
				j := tlsResync(data, i+1)
				if j < 0 {
					break
				}
				i = j
				continue
			}
			n := tlsHeaderLen + int(binary.BigEndian.Uint16(rest[3:5]))
			out = append(out, Record{
				Protocol:      mask.ProtoTLS,
				Type:          TLSTypeName(rest[0]),
				Offset:        c.Offset + int64(i),
				Length:        int64(n),
				FullyCaptured: true,
			})
			if i+n > len(data) {
				expect = c.Offset + int64(i+n)
				break
			}
			i += n
		}
	}
	return out
}
