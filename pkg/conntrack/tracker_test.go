// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package conntrack

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mbeema/pktmask/pkg/mask"
)

var (
	client = netip.MustParseAddrPort("10.0.0.1:51000")
	server = netip.MustParseAddrPort("10.0.0.2:443")
)

func seg(seq uint32, syn, ack bool, payload string) *layers.TCP {
	tcp := &layers.TCP{Seq: seq, SYN: syn, ACK: ack}
	tcp.Payload = []byte(payload)
	return tcp
}

func TestTracker_HandshakeOrigins(t *testing.T) {
	tr := NewTracker()
	tr.Observe(client, server, seg(1000, true, false, ""))
	tr.Observe(server, client, seg(5000, true, true, ""))
	s, ok := tr.Observe(client, server, seg(1001, false, true, "hello"))
	if !ok {
		t.Fatal("observe failed")
	}
	if s.Key.Dir != mask.ClientToServer {
		t.Errorf("dir = %v, want c2s", s.Key.Dir)
	}

	c, ok := tr.ByIndex(0)
	if !ok {
		t.Fatal("connection 0 missing")
	}
	if c.Client != client || c.Server != server {
		t.Errorf("client/server = %v/%v", c.Client, c.Server)
	}
	if o, _ := c.Origin(mask.ClientToServer); o != 1001 {
		t.Errorf("c2s origin = %d, want 1001", o)
	}
	if o, _ := c.Origin(mask.ServerToClient); o != 5001 {
		t.Errorf("s2c origin = %d, want 5001", o)
	}
	if c.Bytes(mask.ClientToServer) != 5 {
		t.Errorf("c2s bytes = %d, want 5", c.Bytes(mask.ClientToServer))
	}
}

func TestTracker_SynAckFirst(t *testing.T) {
	tr := NewTracker()
	tr.Observe(server, client, seg(5000, true, true, ""))
	c, _ := tr.ByIndex(0)
	if c.Client != client {
		t.Errorf("client = %v, want receiver of SYN+ACK %v", c.Client, client)
	}
}

func TestTracker_MidstreamFirstSenderIsClient(t *testing.T) {
	tr := NewTracker()
	tr.Observe(server, client, seg(7000, false, true, "abc"))
	c, _ := tr.ByIndex(0)
	if c.Client != server {
		t.Errorf("client = %v, want first sender %v", c.Client, server)
	}
	if o, _ := c.Origin(mask.ClientToServer); o != 7000 {
		t.Errorf("origin = %d, want first seq 7000", o)
	}
}

func TestTracker_OriginWithoutSynIsLowestSeq(t *testing.T) {
	tests := []struct {
		name string
		seqs []uint32
		want uint32
	}{
		{"in order", []uint32{1000, 1015}, 1000},
		{"reordered", []uint32{1015, 1000}, 1000},
		{"across wrap", []uint32{5, 0xFFFFFFF0}, 0xFFFFFFF0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			for _, seq := range tt.seqs {
				tr.Observe(client, server, seg(seq, false, true, "0123456789abcde"))
			}
			c, _ := tr.ByIndex(0)
			if o, _ := c.Origin(mask.ClientToServer); o != tt.want {
				t.Errorf("origin = %d, want %d", o, tt.want)
			}
		})
	}
}

func TestTracker_SynOriginNotLowered(t *testing.T) {
	tr := NewTracker()
	tr.Observe(client, server, seg(1000, true, false, ""))
	tr.Observe(client, server, seg(990, false, true, "stale"))
	c, _ := tr.ByIndex(0)
	if o, _ := c.Origin(mask.ClientToServer); o != 1001 {
		t.Errorf("origin = %d, want SYN+1 1001", o)
	}
}

func TestTracker_RebaseKeepsRetransmissionState(t *testing.T) {
	tr := NewTracker()
	tr.Observe(client, server, seg(1015, false, true, "abcdefghi"))
	tr.Observe(client, server, seg(1000, false, true, "0123456789abcde"))
	s, _ := tr.Observe(client, server, seg(1015, false, true, "abcdefghi"))
	if !s.Retransmission {
		t.Error("repeat of the highest segment not flagged after the origin moved")
	}
}

func TestTracker_Resolve(t *testing.T) {
	tr := NewTracker()
	tr.Observe(client, server, seg(1, true, false, ""))

	fwd, ok := tr.Resolve(client, server)
	if !ok || fwd.Dir != mask.ClientToServer {
		t.Fatalf("Resolve(client->server) = %v, %v", fwd, ok)
	}
	rev, ok := tr.Resolve(server, client)
	if !ok || rev != fwd.Reverse() {
		t.Fatalf("Resolve(server->client) = %v, want %v", rev, fwd.Reverse())
	}
	if _, ok := tr.Resolve(client, netip.MustParseAddrPort("10.0.0.3:80")); ok {
		t.Error("unknown connection resolved")
	}
	if c, ok := tr.Lookup(rev); !ok || c.Index != 0 {
		t.Errorf("Lookup(rev) = %v, %v", c, ok)
	}
}

func TestTracker_IndexOrder(t *testing.T) {
	tr := NewTracker()
	other := netip.MustParseAddrPort("10.0.0.9:80")
	tr.Observe(client, server, seg(1, true, false, ""))
	tr.Observe(client, other, seg(1, true, false, ""))
	tr.Observe(server, client, seg(9, true, true, ""))

	if tr.Count() != 2 {
		t.Fatalf("count = %d, want 2", tr.Count())
	}
	c, _ := tr.ByIndex(1)
	if c.Server != other {
		t.Errorf("conn 1 server = %v, want %v", c.Server, other)
	}
	if _, ok := tr.ByIndex(2); ok {
		t.Error("ByIndex(2) should fail")
	}
}

func TestTracker_Retransmission(t *testing.T) {
	tests := []struct {
		name string
		seq  uint32
		data string
		want bool
	}{
		{"next segment", 1011, "bbbbb", false},
		{"exact repeat", 1001, "aaaaaaaaaa", true},
		{"partial overlap extends", 1008, "xxxxxx", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			tr.Observe(client, server, seg(1000, true, false, ""))
			tr.Observe(client, server, seg(1001, false, true, "aaaaaaaaaa"))
			s, _ := tr.Observe(client, server, seg(tt.seq, false, true, tt.data))
			if s.Retransmission != tt.want {
				t.Errorf("retransmission = %v, want %v", s.Retransmission, tt.want)
			}
		})
	}
}

func TestTracker_ObservePacket(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{SrcPort: 51000, DstPort: 443, Seq: 1, ACK: true, Window: 1024}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload("data")); err != nil {
		t.Fatal(err)
	}
	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)

	tr := NewTracker()
	s, ok := tr.ObservePacket(0, pkt)
	if !ok {
		t.Fatal("TCP packet not observed")
	}
	if string(s.Payload) != "data" {
		t.Errorf("payload = %q", s.Payload)
	}
	if _, ok := tr.ObservePacket(1, pkt); !ok {
		t.Fatal("second observe failed")
	}
	if !tr.Retransmitted(1) || tr.Retransmitted(0) {
		t.Errorf("retransmitted flags = %v, %v", tr.Retransmitted(0), tr.Retransmitted(1))
	}
}
