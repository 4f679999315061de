// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"bytes"
	"testing"

	"github.com/mbeema/pktmask/pkg/reassembly"
)

func tlsRecord(ct byte, bodyLen int) []byte {
	b := []byte{ct, 3, 3, byte(bodyLen >> 8), byte(bodyLen)}
	return append(b, bytes.Repeat([]byte{0xAB}, bodyLen)...)
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

type wantRec struct {
	typ    string
	offset int64
	length int64
	full   bool
}

func checkRecords(t *testing.T, got []Record, want []wantRec) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("records = %d %v, want %d", len(got), got, len(want))
	}
	for i, w := range want {
		g := got[i]
		if g.Type != w.typ || g.Offset != w.offset || g.Length != w.length || g.FullyCaptured != w.full {
			t.Errorf("record %d = {%s %d %d %v}, want %+v", i, g.Type, g.Offset, g.Length, g.FullyCaptured, w)
		}
	}
}

func TestTLSScanner(t *testing.T) {
	hello := tlsRecord(22, 40)
	ccs := tlsRecord(20, 1)
	app := tlsRecord(23, 100)

	tests := []struct {
		name   string
		chunks []reassembly.Chunk
		want   []wantRec
	}{
		{
			name:   "contiguous",
			chunks: []reassembly.Chunk{{Offset: 0, Data: concat(hello, ccs, app)}},
			want: []wantRec{
				{TLSHandshake, 0, 45, true},
				{TLSChangeCipherSpec, 45, 6, true},
				{TLSApplicationData, 51, 105, true},
			},
		},
		{
			name: "body crosses hole",
			chunks: []reassembly.Chunk{
				{Offset: 0, Data: concat(hello, app[:30])},
				{Offset: 100, Data: concat(app[55:], ccs)},
			},
			want: []wantRec{
				{TLSHandshake, 0, 45, true},
				{TLSApplicationData, 45, 105, true},
				{TLSChangeCipherSpec, 150, 6, true},
			},
		},
		{
			name: "resync after hole",
			chunks: []reassembly.Chunk{
				{Offset: 0, Data: hello},
				{Offset: 1000, Data: concat(app[70:], app, ccs)},
			},
			want: []wantRec{
				{TLSHandshake, 0, 45, true},
				{TLSApplicationData, 1035, 105, true},
				{TLSChangeCipherSpec, 1140, 6, true},
			},
		},
		{
			name:   "partial header at end",
			chunks: []reassembly.Chunk{{Offset: 0, Data: concat(hello, app[:3])}},
			want: []wantRec{
				{TLSHandshake, 0, 45, true},
				{TLSApplicationData, 45, 3, false},
			},
		},
	}

	s := &TLSScanner{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkRecords(t, s.Scan(tt.chunks), tt.want)
		})
	}
}

func TestTLSDetect(t *testing.T) {
	s := &TLSScanner{}
	if !s.Detect(tlsRecord(22, 10), 12345) {
		t.Error("client hello not detected")
	}
	if !s.Detect(tlsRecord(23, 10), 443) {
		t.Error("app data on 443 not detected")
	}
	if s.Detect([]byte("GET / HTTP/1.1\r\n"), 443) {
		t.Error("HTTP detected as TLS")
	}
}

func TestTLSPlausible(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
		want bool
	}{
		{"handshake", []byte{22, 3, 1, 0, 10}, true},
		{"bad type", []byte{25, 3, 3, 0, 10}, false},
		{"bad major", []byte{23, 2, 0, 0, 10}, false},
		{"too long", []byte{23, 3, 3, 0xFF, 0xFF}, false},
		{"short", []byte{23, 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tlsPlausible(tt.b); got != tt.want {
				t.Errorf("tlsPlausible = %v, want %v", got, tt.want)
			}
		})
	}
}
