// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package applier

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TCP and IPv4 checksum field positions within their headers.
const (
	tcpChecksumOff  = 16
	ipv4ChecksumOff = 10
)

// repair recomputes the TCP checksum of a located frame, and the IPv4
// header checksum when present, writing only the checksum fields back into
// data. Header bytes other than the checksums are never changed.
func repair(loc *located, data []byte) error {
	tcpLen := len(loc.tcp.Contents)
	tcpOff := loc.payloadOff - tcpLen
	if tcpOff < 0 || tcpLen < 20 {
		return errors.New("tcp header out of frame bounds")
	}

	var netLayer gopacket.NetworkLayer
	var ip4 *layers.IPv4
	switch nl := loc.pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		netLayer, ip4 = nl, nl
	case *layers.IPv6:
		netLayer = nl
	default:
		return errors.New("no IP layer for pseudo-header")
	}

	tcp := *loc.tcp
	if err := tcp.SetNetworkLayerForChecksum(netLayer); err != nil {
		return fmt.Errorf("set network layer: %w", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &tcp, gopacket.Payload(loc.view.Payload)); err != nil {
		return fmt.Errorf("serialize tcp: %w", err)
	}
	out := buf.Bytes()
	if len(out) < tcpLen || !sameExcept(out[:tcpLen], data[tcpOff:tcpOff+tcpLen], tcpChecksumOff) {
		return fmt.Errorf("tcp: %w", errHeaderMismatch)
	}

	if ip4 != nil {
		if err := repairIPv4(ip4, data); err != nil {
			return err
		}
	}

	copy(data[tcpOff+tcpChecksumOff:tcpOff+tcpChecksumOff+2], out[tcpChecksumOff:tcpChecksumOff+2])
	return nil
}

// repairIPv4 recomputes the header checksum of ip, which must have been
// decoded from data without copying.
func repairIPv4(ip *layers.IPv4, data []byte) error {
	hdrLen := len(ip.Contents)
	off, ok := offsetIn(data, ip.Contents)
	if !ok || hdrLen < 20 {
		return errors.New("ipv4 header not addressable in frame")
	}

	hdr := *ip
	buf := gopacket.NewSerializeBuffer()
	if err := hdr.SerializeTo(buf, gopacket.SerializeOptions{ComputeChecksums: true}); err != nil {
		return fmt.Errorf("serialize ipv4: %w", err)
	}
	out := buf.Bytes()
	if len(out) != hdrLen || !sameExcept(out, data[off:off+hdrLen], ipv4ChecksumOff) {
		return fmt.Errorf("ipv4: %w", errHeaderMismatch)
	}
	copy(data[off+ipv4ChecksumOff:off+ipv4ChecksumOff+2], out[ipv4ChecksumOff:ipv4ChecksumOff+2])
	return nil
}

// sameExcept compares two headers ignoring the 2-byte field at skip.
func sameExcept(a, b []byte, skip int) bool {
	if len(a) != len(b) || len(a) < skip+2 {
		return false
	}
	return bytes.Equal(a[:skip], b[:skip]) && bytes.Equal(a[skip+2:], b[skip+2:])
}

// offsetIn returns the position of sub within data when sub aliases it.
func offsetIn(data, sub []byte) (int, bool) {
	if len(sub) == 0 || len(sub) > len(data) {
		return 0, false
	}
	for i := 0; i+len(sub) <= len(data); i++ {
		if &data[i] == &sub[0] {
			return i, true
		}
	}
	return 0, false
}
