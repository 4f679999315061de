// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package pipeline

import (
	"bytes"
	"encoding/binary"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/mbeema/pktmask/pkg/capture"
)

var (
	client = netip.MustParseAddrPort("192.0.2.10:51000")
	server = netip.MustParseAddrPort("198.51.100.7:443")
)

type seg struct {
	src, dst netip.AddrPort
	seq      uint32
	syn, ack bool
	payload  []byte
}

func buildFrame(t *testing.T, index int, s seg) capture.Frame {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Id: uint16(index), Protocol: layers.IPProtocolTCP,
		SrcIP: s.src.Addr().AsSlice(), DstIP: s.dst.Addr().AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.src.Port()), DstPort: layers.TCPPort(s.dst.Port()),
		Seq: s.seq, SYN: s.syn, ACK: s.ack || !s.syn, PSH: len(s.payload) > 0, Window: 1024,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(s.payload)); err != nil {
		t.Fatal(err)
	}
	data := append([]byte(nil), buf.Bytes()...)
	return capture.Frame{
		Index: index,
		CI: gopacket.CaptureInfo{
			Timestamp:     time.Unix(1700000000, int64(index)*1000),
			CaptureLength: len(data),
			Length:        len(data),
		},
		Data: data,
	}
}

func tlsRecord(typ byte, body []byte) []byte {
	rec := []byte{typ, 3, 3, 0, 0}
	binary.BigEndian.PutUint16(rec[3:], uint16(len(body)))
	return append(rec, body...)
}

// Stream offsets: handshake at 0 and clientApp at 9 from the client,
// serverApp at 0 from the server.
var (
	handshake = tlsRecord(22, []byte{1, 0, 0, 0})
	clientApp = tlsRecord(23, bytes.Repeat([]byte{0xaa}, 10))
	serverApp = tlsRecord(23, bytes.Repeat([]byte{0xbb}, 6))
)

// tlsSession is a handshake followed by one handshake record and one
// application data record from the client and one from the server.
func tlsSession(t *testing.T) *capture.File {
	t.Helper()
	segs := []seg{
		{src: client, dst: server, seq: 999, syn: true},
		{src: server, dst: client, seq: 4999, syn: true, ack: true},
		{src: client, dst: server, seq: 1000, payload: handshake},
		{src: client, dst: server, seq: 1009, payload: clientApp},
		{src: server, dst: client, seq: 5000, payload: serverApp},
	}
	file := &capture.File{Format: capture.FormatPcap, LinkType: layers.LinkTypeEthernet, Nanos: true}
	for i, s := range segs {
		file.Frames = append(file.Frames, buildFrame(t, i, s))
	}
	return file
}

func writeCapture(t *testing.T, dir, name string, file *capture.File) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := capture.WriteFile(path, file); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	return path
}

func readCapture(t *testing.T, path string) *capture.File {
	t.Helper()
	file, err := capture.ReadFile(path)
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	return file
}

func tcpPayload(t *testing.T, fr capture.Frame) []byte {
	t.Helper()
	pkt := gopacket.NewPacket(fr.Data, layers.LayerTypeEthernet, gopacket.Default)
	tcp, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if tcp == nil {
		t.Fatalf("frame %d has no TCP layer", fr.Index)
	}
	return tcp.Payload
}

// tcpChecksumValid verifies the TCP checksum of an Ethernet/IPv4 frame.
func tcpChecksumValid(data []byte) bool {
	ipHdr := data[14:]
	ihl := int(ipHdr[0]&0x0f) * 4
	total := int(binary.BigEndian.Uint16(ipHdr[2:4]))
	segment := ipHdr[ihl:total]

	var sum uint32
	add := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i:]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}
	add(ipHdr[12:20])
	sum += uint32(layers.IPProtocolTCP)
	sum += uint32(len(segment))
	add(segment)
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return sum == 0xffff
}

// maskedTLS is the expected payload of a TLS record masked after its header.
func maskedTLS(rec []byte) []byte {
	out := append([]byte(nil), rec[:5]...)
	return append(out, make([]byte, len(rec)-5)...)
}
