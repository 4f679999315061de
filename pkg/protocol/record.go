// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mbeema/pktmask/pkg/mask"
)

// TLS record types.
const (
	TLSChangeCipherSpec = "change_cipher_spec"
	TLSAlert            = "alert"
	TLSHandshake        = "handshake"
	TLSApplicationData  = "application_data"
	TLSHeartbeat        = "heartbeat"
)

// HTTP record types.
const (
	HTTPHeader = "header"
	HTTPBody   = "body"
)

// Record is one protocol-level unit located in a reassembled stream.
type Record struct {
	Stream mask.StreamKey
	// StreamIndex and Direction identify the stream in feeds that refer to
	// connections by index. StreamIndex is -1 when Stream is already set.
	StreamIndex int
	Direction   mask.Direction

	Protocol      mask.Protocol
	Type          string
	Offset        int64 // bytes from the stream origin
	Length        int64
	FullyCaptured bool
	PacketNumber  int
	ID            string
}

// End returns the stream offset just past the record.
func (r Record) End() int64 {
	return r.Offset + r.Length
}

func (r Record) String() string {
	return fmt.Sprintf("%s/%s [%d,%d)", r.Protocol, r.Type, r.Offset, r.End())
}

var tlsTypeNames = map[int]string{
	20: TLSChangeCipherSpec,
	21: TLSAlert,
	22: TLSHandshake,
	23: TLSApplicationData,
	24: TLSHeartbeat,
}

// TLSTypeName returns the record type name for a TLS content type byte.
func TLSTypeName(ct byte) string {
	if name, ok := tlsTypeNames[int(ct)]; ok {
		return name
	}
	return "unknown"
}

// NormalizeType maps dissector spellings of a record type ("23",
// "Application Data", "application-data") to the canonical name.
func NormalizeType(proto mask.Protocol, typ string) string {
	t := strings.ToLower(strings.TrimSpace(typ))
	if proto == mask.ProtoTLS {
		if n, err := strconv.Atoi(t); err == nil {
			if name, ok := tlsTypeNames[n]; ok {
				return name
			}
		}
	}
	t = strings.NewReplacer(" ", "_", "-", "_").Replace(t)
	if proto == mask.ProtoHTTP {
		switch t {
		case "headers", "http_header", "http_headers":
			return HTTPHeader
		case "payload", "http_body", "data":
			return HTTPBody
		}
	}
	return t
}

// ParseProtocol maps a protocol name to its constant.
func ParseProtocol(s string) mask.Protocol {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tls", "ssl":
		return mask.ProtoTLS
	case "http", "http1", "http/1.1":
		return mask.ProtoHTTP
	case "generic":
		return mask.ProtoGeneric
	}
	return mask.ProtoUnknown
}
