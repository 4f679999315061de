// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/mbeema/pktmask/pkg/conntrack"
)

var (
	client = netip.MustParseAddrPort("10.0.0.1:40000")
	server = netip.MustParseAddrPort("10.0.0.2:80")
)

type pkt struct {
	src, dst netip.AddrPort
	seq      uint32
	syn, fin bool
	payload  string
}

func (p pkt) build() *layers.TCP {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(p.src.Port()),
		DstPort: layers.TCPPort(p.dst.Port()),
		Seq:     p.seq,
		SYN:     p.syn,
		FIN:     p.fin,
		ACK:     !p.syn || p.src == server,
	}
	tcp.Payload = []byte(p.payload)
	return tcp
}

// data is a client payload segment.
func data(seq uint32, payload string) pkt {
	return pkt{src: client, dst: server, seq: seq, payload: payload}
}

// syn is the client's SYN.
func syn(seq uint32) pkt {
	return pkt{src: client, dst: server, seq: seq, syn: true}
}

// assemble observes every packet first, then feeds them to an assembler
// in capture order and flushes it.
func assemble(t *testing.T, limit int, pkts ...pkt) *Assembler {
	t.Helper()
	tr := conntrack.NewTracker()
	segs := make([]conntrack.Segment, len(pkts))
	tcps := make([]*layers.TCP, len(pkts))
	for i, p := range pkts {
		tcps[i] = p.build()
		s, ok := tr.Observe(p.src, p.dst, tcps[i])
		if !ok {
			t.Fatalf("packet %d not observed", i)
		}
		segs[i] = s
	}

	a := NewAssembler(nil, limit)
	for i := range pkts {
		a.Add(segs[i], tcps[i], i, time.Unix(1700000000, int64(i)))
	}
	a.Flush()
	return a
}

func clientStream(t *testing.T, a *Assembler) *Stream {
	t.Helper()
	for _, s := range a.Streams() {
		if s.Key.SrcPort == client.Port() {
			return s
		}
	}
	t.Fatal("client stream missing")
	return nil
}
