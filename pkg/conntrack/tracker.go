// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package conntrack

import (
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mbeema/pktmask/pkg/mask"
)

// maxTrackedConns limits the number of tracked connections per capture.
const maxTrackedConns = 1 << 20

// halfState tracks one direction of a connection.
type halfState struct {
	origin    uint32
	hasOrigin bool
	synSeen   bool
	highest   int64 // logical end of the furthest payload byte seen
	hasData   bool
	packets   int
	bytes     uint64
}

// rebase moves the origin, keeping highest at the same absolute position.
func (h *halfState) rebase(origin uint32) {
	if h.hasOrigin && h.hasData {
		h.highest += mask.Diff(origin, h.origin)
	}
	h.origin = origin
	h.hasOrigin = true
}

// Conn holds metadata about one TCP connection seen in a capture.
type Conn struct {
	// Index numbers connections in order of first appearance, matching the
	// stream index assigned by common dissectors.
	Index  int
	Client netip.AddrPort
	Server netip.AddrPort

	half [2]halfState
}

// Key returns the stream key of one direction.
func (c *Conn) Key(dir mask.Direction) mask.StreamKey {
	if dir == mask.ServerToClient {
		return mask.StreamKey{
			SrcAddr: c.Server.Addr(), SrcPort: c.Server.Port(),
			DstAddr: c.Client.Addr(), DstPort: c.Client.Port(),
			Dir: mask.ServerToClient,
		}
	}
	return mask.StreamKey{
		SrcAddr: c.Client.Addr(), SrcPort: c.Client.Port(),
		DstAddr: c.Server.Addr(), DstPort: c.Server.Port(),
		Dir: mask.ClientToServer,
	}
}

// Origin returns the first sequence number of a direction's byte stream:
// the SYN's sequence number plus one, or the lowest sequence number seen when
// the capture holds no SYN. It is final once every packet was observed.
func (c *Conn) Origin(dir mask.Direction) (uint32, bool) {
	h := &c.half[dir]
	return h.origin, h.hasOrigin
}

// Bytes returns the payload bytes seen in one direction.
func (c *Conn) Bytes(dir mask.Direction) uint64 {
	return c.half[dir].bytes
}

// Segment is the result of observing one TCP packet.
type Segment struct {
	Conn           *Conn
	Key            mask.StreamKey
	Seq            uint32
	Payload        []byte
	Retransmission bool
}

// connKey identifies a connection independent of packet direction.
type connKey struct {
	a, b netip.AddrPort
}

func keyOf(src, dst netip.AddrPort) connKey {
	if src.Addr().Less(dst.Addr()) || (src.Addr() == dst.Addr() && src.Port() < dst.Port()) {
		return connKey{a: src, b: dst}
	}
	return connKey{a: dst, b: src}
}

// Tracker maps TCP packets of a capture to connections and stream keys.
type Tracker struct {
	mu      sync.RWMutex
	conns   map[connKey]*Conn
	ordered []*Conn
	retrans map[int]bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		conns:   make(map[connKey]*Conn),
		retrans: make(map[int]bool),
	}
}

// ObservePacket decodes the network and TCP layers of pkt and records it.
// It returns false for packets that are not TCP over IPv4/IPv6.
func (t *Tracker) ObservePacket(frameIndex int, pkt gopacket.Packet) (Segment, bool) {
	src, dst, tcp, ok := Endpoints(pkt)
	if !ok {
		return Segment{}, false
	}
	seg, ok := t.Observe(src, dst, tcp)
	if ok && seg.Retransmission {
		t.mu.Lock()
		t.retrans[frameIndex] = true
		t.mu.Unlock()
	}
	return seg, ok
}

// Observe records one TCP segment travelling from src to dst.
func (t *Tracker) Observe(src, dst netip.AddrPort, tcp *layers.TCP) (Segment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := keyOf(src, dst)
	c, ok := t.conns[k]
	if !ok {
		if len(t.ordered) >= maxTrackedConns {
			return Segment{}, false
		}
		c = &Conn{Index: len(t.ordered), Client: src, Server: dst}
		if tcp.SYN && tcp.ACK {
			c.Client, c.Server = dst, src
		}
		t.conns[k] = c
		t.ordered = append(t.ordered, c)
	}

	dir := mask.ClientToServer
	if src != c.Client {
		dir = mask.ServerToClient
	}
	h := &c.half[dir]
	h.packets++

	switch {
	case tcp.SYN && !h.synSeen:
		h.rebase(tcp.Seq + 1)
		h.synSeen = true
	case !h.hasOrigin:
		h.origin = tcp.Seq
		h.hasOrigin = true
	case !h.synSeen && mask.Diff(h.origin, tcp.Seq) < 0:
		// Without a SYN the origin is the lowest sequence number seen.
		h.rebase(tcp.Seq)
	}

	seg := Segment{Conn: c, Key: c.Key(dir), Seq: tcp.Seq, Payload: tcp.Payload}
	if n := len(tcp.Payload); n > 0 {
		end := mask.Diff(h.origin, tcp.Seq) + int64(n)
		if h.hasData && end <= h.highest {
			seg.Retransmission = true
		}
		if !h.hasData || end > h.highest {
			h.highest = end
		}
		h.hasData = true
		h.bytes += uint64(n)
	}
	return seg, true
}

// Resolve maps a packet's endpoints to its stream key.
func (t *Tracker) Resolve(src, dst netip.AddrPort) (mask.StreamKey, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.conns[keyOf(src, dst)]
	if !ok {
		return mask.StreamKey{}, false
	}
	if src == c.Client {
		return c.Key(mask.ClientToServer), true
	}
	return c.Key(mask.ServerToClient), true
}

// Retransmitted reports whether the frame at index was flagged as a
// retransmission when observed.
func (t *Tracker) Retransmitted(frameIndex int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.retrans[frameIndex]
}

// ByIndex returns the connection with the given stream index.
func (t *Tracker) ByIndex(index int) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= len(t.ordered) {
		return nil, false
	}
	return t.ordered[index], true
}

// Lookup returns the connection a stream key belongs to.
func (t *Tracker) Lookup(key mask.StreamKey) (*Conn, bool) {
	src := netip.AddrPortFrom(key.SrcAddr, key.SrcPort)
	dst := netip.AddrPortFrom(key.DstAddr, key.DstPort)
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[keyOf(src, dst)]
	return c, ok
}

// Conns returns all connections in stream-index order.
func (t *Tracker) Conns() []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Conn(nil), t.ordered...)
}

// Count returns the number of tracked connections.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ordered)
}

// Endpoints extracts the TCP endpoints of a decoded packet.
func Endpoints(pkt gopacket.Packet) (src, dst netip.AddrPort, tcp *layers.TCP, ok bool) {
	tl, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if tl == nil {
		return src, dst, nil, false
	}
	var srcIP, dstIP netip.Addr
	switch nl := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, _ = netip.AddrFromSlice(nl.SrcIP.To4())
		dstIP, _ = netip.AddrFromSlice(nl.DstIP.To4())
	case *layers.IPv6:
		srcIP, _ = netip.AddrFromSlice(nl.SrcIP.To16())
		dstIP, _ = netip.AddrFromSlice(nl.DstIP.To16())
	default:
		return src, dst, nil, false
	}
	if !srcIP.IsValid() || !dstIP.IsValid() {
		return src, dst, nil, false
	}
	src = netip.AddrPortFrom(srcIP, uint16(tl.SrcPort))
	dst = netip.AddrPortFrom(dstIP, uint16(tl.DstPort))
	return src, dst, tl, true
}
