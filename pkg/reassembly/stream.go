// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"slices"
	"sort"
	"sync"

	"github.com/google/gopacket/tcpassembly"

	"github.com/mbeema/pktmask/pkg/mask"
)

// MaxBufferSize is the default maximum bytes buffered per direction.
const MaxBufferSize = 64 * 1024 * 1024 // 64MB

// Chunk is a contiguous run of reassembled payload starting at Offset bytes
// into the stream.
type Chunk struct {
	Offset int64
	Data   []byte
}

// End returns the offset just past the chunk.
func (c Chunk) End() int64 {
	return c.Offset + int64(len(c.Data))
}

// span records which packet carried a range of stream offsets.
type span struct {
	offset, end int64
	packet      int
}

// Stream holds the reassembled payload of one direction of a TCP
// connection as origin-relative chunks.
type Stream struct {
	mu sync.Mutex

	Key    mask.StreamKey
	origin uint32
	limit  int

	chunks    []Chunk
	spans     []span
	buffered  int
	truncated bool
}

func newStream(key mask.StreamKey, origin uint32, limit int) *Stream {
	if limit <= 0 {
		limit = MaxBufferSize
	}
	return &Stream{Key: key, origin: origin, limit: limit}
}

// Origin returns the sequence number of stream offset zero.
func (s *Stream) Origin() uint32 {
	return s.origin
}

// note remembers that packet carried n bytes starting at seq.
func (s *Stream) note(seq uint32, n int, packet int) {
	off := mask.Diff(s.origin, seq)
	s.mu.Lock()
	s.spans = append(s.spans, span{offset: off, end: off + int64(n), packet: packet})
	s.mu.Unlock()
}

// place stores data at off. Bytes already present are kept and bytes
// before the origin are dropped.
func (s *Stream) place(off int64, data []byte) {
	if off < 0 {
		if -off >= int64(len(data)) {
			return
		}
		data = data[-off:]
		off = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(data) > 0 {
		i := sort.Search(len(s.chunks), func(i int) bool { return s.chunks[i].End() > off })
		if i < len(s.chunks) && s.chunks[i].Offset <= off {
			n := s.chunks[i].End() - off
			if n >= int64(len(data)) {
				return
			}
			data = data[n:]
			off += n
			continue
		}
		n := int64(len(data))
		if i < len(s.chunks) && s.chunks[i].Offset-off < n {
			n = s.chunks[i].Offset - off
		}
		if !s.insert(i, off, data[:n]) {
			return
		}
		data = data[n:]
		off += n
	}
}

// insert puts a piece that overlaps nothing before chunk i, joining it to
// its neighbours when they touch. It reports false once the limit is hit.
func (s *Stream) insert(i int, off int64, piece []byte) bool {
	remaining := s.limit - s.buffered
	if remaining <= 0 {
		s.truncated = true
		return false
	}
	full := true
	if len(piece) > remaining {
		piece = piece[:remaining]
		s.truncated = true
		full = false
	}
	s.buffered += len(piece)

	if i > 0 && s.chunks[i-1].End() == off {
		s.chunks[i-1].Data = append(s.chunks[i-1].Data, piece...)
	} else {
		s.chunks = slices.Insert(s.chunks, i, Chunk{Offset: off, Data: append([]byte(nil), piece...)})
		i++
	}
	if i < len(s.chunks) && s.chunks[i-1].End() == s.chunks[i].Offset {
		s.chunks[i-1].Data = append(s.chunks[i-1].Data, s.chunks[i].Data...)
		s.chunks = slices.Delete(s.chunks, i, i+1)
	}
	return full
}

// Truncated reports whether payload was dropped because of the buffer cap.
func (s *Stream) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncated
}

// Buffered returns the number of payload bytes held.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// Chunks returns the reassembled stream as contiguous chunks in offset
// order. A hole splits chunks.
func (s *Stream) Chunks() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chunk, len(s.chunks))
	for i, c := range s.chunks {
		out[i] = Chunk{Offset: c.Offset, Data: slices.Clone(c.Data)}
	}
	return out
}

// PacketAt returns the packet number that supplied the first byte at or
// after offset, or -1 if none.
func (s *Stream) PacketAt(offset int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	best, bestOff := -1, int64(-1)
	for _, sp := range s.spans {
		if offset >= sp.offset && offset < sp.end {
			return sp.packet
		}
		if sp.offset > offset && (bestOff < 0 || sp.offset < bestOff) {
			best, bestOff = sp.packet, sp.offset
		}
	}
	return best
}

// half receives the in-order output of one tcpassembly stream. A direction
// closed by FIN or RST and seen again is served by a new half.
type half struct {
	a      *Assembler
	s      *Stream
	low    uint32 // lowest sequence number offered before the first delivery
	placed bool
	pos    int64
}

// Reassembled places each delivery at its stream offset. The first one is
// positioned from the SYN or, when the start was not seen, from the lowest
// sequence number offered; later ones advance by the bytes skipped.
func (h *half) Reassembled(rs []tcpassembly.Reassembly) {
	for _, r := range rs {
		switch {
		case !h.placed && r.Start:
			h.pos = mask.Diff(h.s.origin, h.a.cur.Seq+1)
		case !h.placed:
			h.pos = mask.Diff(h.s.origin, h.low)
		case r.Skip > 0:
			h.pos += int64(r.Skip)
		}
		h.placed = true
		h.s.place(h.pos, r.Bytes)
		h.pos += int64(len(r.Bytes))
	}
}

func (h *half) ReassemblyComplete() {
	if h.a.open[h.s.Key] == h {
		delete(h.a.open, h.s.Key)
	}
}
