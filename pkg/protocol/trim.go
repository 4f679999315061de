// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/mbeema/pktmask/pkg/mask"
)

// SegmentKeepMap decides, from a single TCP payload and without any stream
// context, which bytes are protocol headers worth keeping. Records must
// start at the beginning of the payload to be recognized; anything else is
// masked.
//
// For TLS, handshake, alert and change_cipher_spec records are kept whole,
// application_data keeps its first appDataKeep bytes (5 keeps exactly the
// record header) and heartbeat keeps only its header. For HTTP the header
// block is kept and the body masked.
func SegmentKeepMap(payload []byte, appDataKeep int) ([]bool, mask.Protocol) {
	keep := make([]bool, len(payload))
	switch {
	case tlsPlausible(payload):
		trimTLS(payload, keep, appDataKeep)
		return keep, mask.ProtoTLS
	case len(payload) >= 4 && isHTTPStart(payload):
		end := len(payload)
		if i := bytes.Index(payload, crlfcrlf); i >= 0 {
			end = i + len(crlfcrlf)
		}
		markKept(keep, 0, end)
		return keep, mask.ProtoHTTP
	}
	return keep, mask.ProtoUnknown
}

func trimTLS(payload []byte, keep []bool, appDataKeep int) {
	p := 0
	for p+tlsHeaderLen <= len(payload) && tlsPlausible(payload[p:]) {
		end := p + tlsHeaderLen + int(binary.BigEndian.Uint16(payload[p+3:p+5]))
		switch payload[p] {
		case 23: // application_data
			markKept(keep, p, min(end, p+max(appDataKeep, 0)))
		case 24: // heartbeat
			markKept(keep, p, p+tlsHeaderLen)
		default:
			markKept(keep, p, end)
		}
		p = end
	}
	// A header cut at the segment end is kept; it carries no payload.
	if p < len(payload) && len(payload)-p < tlsHeaderLen && payload[p] >= 20 && payload[p] <= 24 {
		markKept(keep, p, len(payload))
	}
}

func markKept(keep []bool, from, to int) {
	to = min(to, len(keep))
	for i := max(from, 0); i < to; i++ {
		keep[i] = true
	}
}
