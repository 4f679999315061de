// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"sort"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"
	"go.uber.org/zap"

	"github.com/mbeema/pktmask/pkg/conntrack"
	"github.com/mbeema/pktmask/pkg/mask"
)

// pageBytes is the payload held by one tcpassembly page.
const pageBytes = 1900

// Assembler reassembles observed TCP segments into per-direction streams
// with gopacket's tcpassembly. Segments must be added after the tracker has
// seen the whole capture, so stream origins are final.
type Assembler struct {
	mu      sync.Mutex
	logger  *zap.Logger
	limit   int
	asm     *tcpassembly.Assembler
	streams map[mask.StreamKey]*Stream
	order   []mask.StreamKey
	open    map[mask.StreamKey]*half
	warned  map[mask.StreamKey]bool

	cur conntrack.Segment // segment being assembled, read by New and Reassembled
}

// NewAssembler creates an assembler capping each stream at limit bytes.
func NewAssembler(logger *zap.Logger, limit int) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = MaxBufferSize
	}
	a := &Assembler{
		logger:  logger,
		limit:   limit,
		streams: make(map[mask.StreamKey]*Stream),
		open:    make(map[mask.StreamKey]*half),
		warned:  make(map[mask.StreamKey]bool),
	}
	a.asm = tcpassembly.NewAssembler(tcpassembly.NewStreamPool(a))
	a.asm.MaxBufferedPagesPerConnection = limit/pageBytes + 1
	return a
}

// New implements tcpassembly.StreamFactory. It is only called from inside
// Add, for the segment in a.cur.
func (a *Assembler) New(_, _ gopacket.Flow) tcpassembly.Stream {
	h := &half{a: a, s: a.streams[a.cur.Key], low: a.cur.Seq}
	a.open[a.cur.Key] = h
	return h
}

// Add feeds one observed segment, carried by the given packet number, to
// the assembler. Segments without payload matter only for their SYN, FIN
// or RST flags.
func (a *Assembler) Add(seg conntrack.Segment, tcp *layers.TCP, packet int, seen time.Time) {
	if seg.Conn == nil || tcp == nil {
		return
	}
	if len(tcp.Payload) == 0 && !tcp.SYN && !tcp.FIN && !tcp.RST {
		return
	}
	origin, ok := seg.Conn.Origin(seg.Key.Dir)
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.streams[seg.Key]
	if !ok {
		s = newStream(seg.Key, origin, a.limit)
		a.streams[seg.Key] = s
		a.order = append(a.order, seg.Key)
	}
	if n := len(tcp.Payload); n > 0 {
		s.note(seg.Seq, n, packet)
	}
	if h := a.open[seg.Key]; h != nil && !h.placed && mask.Diff(h.low, seg.Seq) < 0 {
		h.low = seg.Seq
	}

	a.cur = seg
	a.asm.AssembleWithTimestamp(netFlow(seg.Key), tcp, seen)
	a.checkTruncated(s)
}

// Flush pushes out payload still waiting for missing segments and closes
// every stream. Call it after the last Add and before reading streams.
func (a *Assembler) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asm.FlushAll()
	for _, k := range a.order {
		a.checkTruncated(a.streams[k])
	}
}

func (a *Assembler) checkTruncated(s *Stream) {
	if a.warned[s.Key] || !s.Truncated() {
		return
	}
	a.warned[s.Key] = true
	a.logger.Warn("stream buffer limit reached, later payload not scanned",
		zap.String("stream", s.Key.String()),
		zap.Int("limit", s.limit),
	)
}

func netFlow(k mask.StreamKey) gopacket.Flow {
	typ := layers.EndpointIPv4
	if k.SrcAddr.Is6() {
		typ = layers.EndpointIPv6
	}
	return gopacket.NewFlow(typ, k.SrcAddr.AsSlice(), k.DstAddr.AsSlice())
}

// Stream returns the stream for key.
func (a *Assembler) Stream(key mask.StreamKey) (*Stream, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.streams[key]
	return s, ok
}

// Streams returns the streams holding payload in first-appearance order.
func (a *Assembler) Streams() []*Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Stream, 0, len(a.order))
	for _, k := range a.order {
		if s := a.streams[k]; s.Buffered() > 0 {
			out = append(out, s)
		}
	}
	return out
}

// StreamCount returns the number of streams with payload.
func (a *Assembler) StreamCount() int {
	return len(a.Streams())
}

// TruncatedStreams returns the keys of streams that hit the buffer cap,
// sorted by their string form.
func (a *Assembler) TruncatedStreams() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for k := range a.warned {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}
