// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"bytes"
	"testing"

	"github.com/mbeema/pktmask/pkg/mask"
)

func keptCount(keep []bool) int {
	n := 0
	for _, k := range keep {
		if k {
			n++
		}
	}
	return n
}

func TestSegmentKeepMap(t *testing.T) {
	handshake := append([]byte{22, 3, 3, 0, 4}, 1, 2, 3, 4)
	appData := append([]byte{23, 3, 3, 0, 10}, bytes.Repeat([]byte{0xAA}, 10)...)
	heartbeat := append([]byte{24, 3, 3, 0, 3}, 1, 2, 3)
	httpReq := []byte("GET /secret HTTP/1.1\r\nHost: a\r\n\r\nbody-bytes")

	tests := []struct {
		name    string
		payload []byte
		keepN   int
		proto   mask.Protocol
		kept    int
		check   func(t *testing.T, keep []bool)
	}{
		{
			name:    "handshake kept whole",
			payload: handshake,
			keepN:   5,
			proto:   mask.ProtoTLS,
			kept:    9,
		},
		{
			name:    "app data keeps header",
			payload: appData,
			keepN:   5,
			proto:   mask.ProtoTLS,
			kept:    5,
			check: func(t *testing.T, keep []bool) {
				if !keep[4] || keep[5] {
					t.Errorf("boundary wrong: keep[4]=%v keep[5]=%v", keep[4], keep[5])
				}
			},
		},
		{
			name:    "app data zero keep",
			payload: appData,
			keepN:   0,
			proto:   mask.ProtoTLS,
			kept:    0,
		},
		{
			name:    "handshake then app data",
			payload: append(append([]byte{}, handshake...), appData...),
			keepN:   5,
			proto:   mask.ProtoTLS,
			kept:    14,
		},
		{
			name:    "app data keep stops at record end",
			payload: append(append([]byte{}, appData...), heartbeat...),
			keepN:   22,
			proto:   mask.ProtoTLS,
			kept:    20,
			check: func(t *testing.T, keep []bool) {
				if !keep[14] || keep[20] || keep[21] {
					t.Errorf("keep leaked into heartbeat body: %v", keep[14:])
				}
			},
		},
		{
			name:    "heartbeat keeps header only",
			payload: heartbeat,
			keepN:   5,
			proto:   mask.ProtoTLS,
			kept:    5,
		},
		{
			name:    "trailing partial header kept",
			payload: append(append([]byte{}, appData...), 23, 3),
			keepN:   5,
			proto:   mask.ProtoTLS,
			kept:    7,
		},
		{
			name:    "http header block",
			payload: httpReq,
			keepN:   5,
			proto:   mask.ProtoHTTP,
			kept:    len(httpReq) - len("body-bytes"),
		},
		{
			name:    "http without header end",
			payload: []byte("HTTP/1.1 200 OK\r\nX-A: b"),
			keepN:   5,
			proto:   mask.ProtoHTTP,
			kept:    len("HTTP/1.1 200 OK\r\nX-A: b"),
		},
		{
			name:    "unknown masked",
			payload: []byte("\x00\x01opaque"),
			keepN:   5,
			proto:   mask.ProtoUnknown,
			kept:    0,
		},
		{
			name:    "continuation masked",
			payload: bytes.Repeat([]byte{0xAA}, 32),
			keepN:   5,
			proto:   mask.ProtoUnknown,
			kept:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keep, proto := SegmentKeepMap(tt.payload, tt.keepN)
			if len(keep) != len(tt.payload) {
				t.Fatalf("len(keep)=%d, want %d", len(keep), len(tt.payload))
			}
			if proto != tt.proto {
				t.Errorf("proto=%q, want %q", proto, tt.proto)
			}
			if got := keptCount(keep); got != tt.kept {
				t.Errorf("kept=%d, want %d", got, tt.kept)
			}
			if tt.check != nil {
				tt.check(t, keep)
			}
		})
	}
}
