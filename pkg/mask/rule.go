// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package mask

import (
	"fmt"
	"net/netip"
)

// Direction tells which half of a TCP connection a stream is.
type Direction uint8

const (
	ClientToServer Direction = iota // sent by the connection initiator
	ServerToClient
)

func (d Direction) String() string {
	if d == ServerToClient {
		return "s2c"
	}
	return "c2s"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == ServerToClient {
		return ClientToServer
	}
	return ServerToClient
}

// StreamKey identifies one direction of a TCP connection. It is comparable
// and used directly as a map key.
type StreamKey struct {
	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
	Dir     Direction
}

// Reverse returns the key of the opposite half of the same connection.
func (k StreamKey) Reverse() StreamKey {
	return StreamKey{
		SrcAddr: k.DstAddr,
		SrcPort: k.DstPort,
		DstAddr: k.SrcAddr,
		DstPort: k.SrcPort,
		Dir:     k.Dir.Reverse(),
	}
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s->%s (%s)",
		netip.AddrPortFrom(k.SrcAddr, k.SrcPort),
		netip.AddrPortFrom(k.DstAddr, k.DstPort),
		k.Dir)
}

// Protocol names the protocol a rule was derived from.
type Protocol string

const (
	ProtoTLS     Protocol = "tls"
	ProtoHTTP    Protocol = "http"
	ProtoGeneric Protocol = "generic"
	ProtoUnknown Protocol = "unknown"
)

// Rule binds a modular sequence interval [SeqStart, SeqEnd) of one stream to
// a mask spec.
type Rule struct {
	Stream   StreamKey
	SeqStart uint32
	SeqEnd   uint32
	Spec     Spec

	Protocol   Protocol
	RecordType string
	RecordID   string
}

// Len returns the number of bytes covered by the rule.
func (r Rule) Len() uint32 {
	return SeqLen(r.SeqStart, r.SeqEnd)
}

// Validate checks the rule's own invariants.
func (r Rule) Validate() error {
	if r.SeqStart == r.SeqEnd {
		return &InvalidRuleError{RecordID: r.RecordID, Reason: fmt.Sprintf("empty interval at seq %d", r.SeqStart)}
	}
	if err := r.Spec.Validate(r.Len()); err != nil {
		if ire, ok := err.(*InvalidRuleError); ok {
			ire.RecordID = r.RecordID
		}
		return err
	}
	return nil
}

func (r Rule) String() string {
	return fmt.Sprintf("%s [%d,%d) %s", r.Stream, r.SeqStart, r.SeqEnd, r.Spec)
}
