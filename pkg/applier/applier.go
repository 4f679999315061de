// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package applier

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mbeema/pktmask/pkg/capture"
	"github.com/mbeema/pktmask/pkg/conntrack"
	"github.com/mbeema/pktmask/pkg/mask"
	"github.com/mbeema/pktmask/pkg/redact"
	"github.com/mbeema/pktmask/pkg/ruletable"
)

// DefaultPolicy decides bytes that no rule covers.
type DefaultPolicy int

const (
	DefaultKeep DefaultPolicy = iota
	DefaultMask
)

func (p DefaultPolicy) String() string {
	if p == DefaultMask {
		return "mask"
	}
	return "keep"
}

// ParseDefaultPolicy maps "keep" or "mask" to a policy.
func ParseDefaultPolicy(s string) (DefaultPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keep", "keep_all", "":
		return DefaultKeep, nil
	case "mask", "mask_all":
		return DefaultMask, nil
	}
	return 0, fmt.Errorf("unknown default policy %q", s)
}

// Config controls an Applier.
type Config struct {
	Default DefaultPolicy
	// Workers is the number of goroutines ApplyAll uses. Zero or one
	// processes frames sequentially.
	Workers int
	// CancelCheckInterval is how many frames are processed between context
	// checks.
	CancelCheckInterval int
	// DryRun computes statistics without modifying frames.
	DryRun bool
}

// StreamResolver maps packet endpoints to a stream key.
type StreamResolver interface {
	Resolve(src, dst netip.AddrPort) (mask.StreamKey, bool)
}

// retransmissionReporter is implemented by resolvers that flag frames.
type retransmissionReporter interface {
	Retransmitted(frameIndex int) bool
}

// PacketView is the masking-relevant part of one TCP segment.
type PacketView struct {
	Stream           mask.StreamKey
	Seq              uint32
	Payload          []byte
	IsRetransmission bool
}

// ViewResult describes what MaskPayload did to one view.
type ViewResult struct {
	MaskedBytes   int
	KeptBytes     int
	GapBytes      int
	UnknownStream bool
}

// ChecksumRecomputeError reports a frame whose checksums could not be
// repaired. The frame is emitted unmodified.
type ChecksumRecomputeError struct {
	Frame int
	Err   error
}

func (e *ChecksumRecomputeError) Error() string {
	return fmt.Sprintf("frame %d: checksum recompute: %v", e.Frame, e.Err)
}

func (e *ChecksumRecomputeError) Unwrap() error { return e.Err }

var errHeaderMismatch = errors.New("re-serialized header differs from original")

// Applier rewrites TCP payloads according to a finalized rule table.
type Applier struct {
	logger   *zap.Logger
	table    *ruletable.Table
	resolver StreamResolver
	cfg      Config
	redactor *redact.Redactor
}

// New creates an applier. table may be nil, in which case every stream is
// governed by the default policy.
func New(logger *zap.Logger, table *ruletable.Table, resolver StreamResolver, cfg Config) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CancelCheckInterval <= 0 {
		cfg.CancelCheckInterval = 256
	}
	return &Applier{
		logger:   logger,
		table:    table,
		resolver: resolver,
		cfg:      cfg,
		redactor: redact.New(!cfg.DryRun),
	}
}

// MaskPayload masks view.Payload in place. The payload length never changes.
func (a *Applier) MaskPayload(view PacketView) ViewResult {
	var res ViewResult
	payload := view.Payload
	if len(payload) == 0 {
		return res
	}

	var frags []ruletable.Fragment
	err := ruletable.ErrStreamNotFound
	if a.table != nil {
		frags, err = a.table.Query(view.Stream, view.Seq, uint32(len(payload)))
	}
	if err != nil {
		res.UnknownStream = true
		res.GapBytes = len(payload)
		res.MaskedBytes = a.applyDefault(payload)
		res.KeptBytes = len(payload) - res.MaskedBytes
		return res
	}

	for _, f := range frags {
		part := payload[f.Offset : f.Offset+f.Length]
		var masked int
		if f.Covered {
			masked = a.redactor.ApplySpec(part, f.Spec, f.RuleOffset)
		} else {
			res.GapBytes += len(part)
			masked = a.applyDefault(part)
		}
		res.MaskedBytes += masked
		res.KeptBytes += len(part) - masked
	}
	return res
}

func (a *Applier) applyDefault(b []byte) int {
	if a.cfg.Default == DefaultKeep {
		return 0
	}
	return a.redactor.ApplySpec(b, mask.MaskAfter(0), 0)
}

// FrameResult describes the handling of one frame.
type FrameResult struct {
	TCP         bool
	View        ViewResult
	Truncated   bool
	Repaired    bool
	Passthrough bool
}

// located is a frame decoded far enough to be masked.
type located struct {
	pkt        gopacket.Packet
	tcp        *layers.TCP
	view       PacketView
	payloadOff int
	truncated  bool
}

// ApplyFrame masks one frame in place and repairs its checksums. When the
// checksums cannot be repaired the frame is restored and a
// *ChecksumRecomputeError returned.
func (a *Applier) ApplyFrame(fr *capture.Frame, link layers.LinkType) (FrameResult, error) {
	var res FrameResult

	loc, ok := a.locate(fr, link)
	if !ok {
		return res, nil
	}
	res.TCP = true
	res.Truncated = loc.truncated

	var backup []byte
	if !a.cfg.DryRun {
		backup = append([]byte(nil), loc.view.Payload...)
	}

	res.View = a.MaskPayload(loc.view)

	if a.cfg.DryRun || loc.truncated {
		return res, nil
	}
	if err := repair(loc, fr.Data); err != nil {
		copy(loc.view.Payload, backup)
		res.Passthrough = true
		return res, &ChecksumRecomputeError{Frame: fr.Index, Err: err}
	}
	res.Repaired = true
	return res, nil
}

// locate decodes fr and finds its TCP payload inside fr.Data.
func (a *Applier) locate(fr *capture.Frame, link layers.LinkType) (*located, bool) {
	pkt := gopacket.NewPacket(fr.Data, link, gopacket.DecodeOptions{NoCopy: true})
	src, dst, tcp, ok := conntrack.Endpoints(pkt)
	if !ok || len(tcp.Payload) == 0 {
		return nil, false
	}

	off := 0
	for _, l := range pkt.Layers() {
		off += len(l.LayerContents())
		if l.LayerType() == layers.LayerTypeTCP {
			break
		}
	}
	payload := tcp.Payload
	if off+len(payload) > len(fr.Data) || &fr.Data[off] != &payload[0] {
		a.logger.Debug("tcp payload not addressable in frame", zap.Int("frame", fr.Index))
		return nil, false
	}

	var key mask.StreamKey
	known := false
	if a.resolver != nil {
		key, known = a.resolver.Resolve(src, dst)
	}
	if !known {
		key = mask.StreamKey{
			SrcAddr: src.Addr(), SrcPort: src.Port(),
			DstAddr: dst.Addr(), DstPort: dst.Port(),
		}
	}
	retrans := false
	if rr, ok := a.resolver.(retransmissionReporter); ok {
		retrans = rr.Retransmitted(fr.Index)
	}

	return &located{
		pkt: pkt,
		tcp: tcp,
		view: PacketView{
			Stream:           key,
			Seq:              tcp.Seq,
			Payload:          fr.Data[off : off+len(payload)],
			IsRetransmission: retrans,
		},
		payloadOff: off,
		truncated:  isTruncated(pkt, tcp),
	}, true
}

// isTruncated reports whether the TCP segment was cut short by the
// capture, in which case its checksum cannot be computed.
func isTruncated(pkt gopacket.Packet, tcp *layers.TCP) bool {
	if pkt.Metadata().Truncated {
		return true
	}
	seg := len(tcp.Contents) + len(tcp.Payload)
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		if int(ip.Length)-int(ip.IHL)*4 > seg {
			return true
		}
		// Checksums of fragments cover data in other frames.
		if ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
			return true
		}
	case *layers.IPv6:
		ext, fragmented := ipv6Extensions(pkt)
		if fragmented {
			return true
		}
		// A zero length is a jumbogram, sized by its hop-by-hop option.
		if ip.Length != 0 && int(ip.Length)-ext > seg {
			return true
		}
	}
	return false
}

// ipv6Extensions returns the bytes of extension headers between the IPv6
// header and TCP, and whether one of them is a fragment header.
func ipv6Extensions(pkt gopacket.Packet) (n int, fragmented bool) {
	inside := false
	for _, l := range pkt.Layers() {
		switch l.LayerType() {
		case layers.LayerTypeIPv6:
			inside = true
			continue
		case layers.LayerTypeTCP:
			return n, fragmented
		case layers.LayerTypeIPv6Fragment:
			fragmented = true
		}
		if inside {
			n += len(l.LayerContents())
		}
	}
	return n, fragmented
}
