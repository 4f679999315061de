// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mbeema/pktmask/pkg/mask"
)

// maxFeedLine bounds a single JSON line.
const maxFeedLine = 1 << 20

// FeedLine is one line of a record feed.
type FeedLine struct {
	PacketNumber    int    `json:"packet_number"`
	StreamID        *int   `json:"stream_id"`
	Direction       string `json:"direction"`
	Protocol        string `json:"protocol"`
	RecordType      string `json:"record_type"`
	SeqOffset       *int64 `json:"seq_offset"`
	Length          *int64 `json:"length"`
	IsFullyCaptured *bool  `json:"is_fully_captured"`
}

// LineError describes a rejected feed line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("feed line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Feed is the parsed content of a record feed.
type Feed struct {
	Records  []Record
	Rejected []*LineError
}

// ReadFeedFile parses a feed from a file.
func ReadFeedFile(path string) (*Feed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feed: %w", err)
	}
	defer f.Close()
	return ReadFeed(f)
}

// ReadFeed parses JSON Lines records. Malformed and over-long lines are
// rejected individually; only read errors fail the whole feed.
func ReadFeed(r io.Reader) (*Feed, error) {
	feed := &Feed{}
	br := bufio.NewReaderSize(r, 64*1024)

	var (
		line    int
		buf     []byte
		tooLong bool
	)
	for {
		frag, more, err := br.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return feed, fmt.Errorf("read feed: %w", err)
		}
		if !tooLong {
			buf = append(buf, frag...)
			if len(buf) > maxFeedLine {
				tooLong, buf = true, buf[:0]
			}
		}
		if more {
			continue
		}
		line++
		raw := bytes.TrimSpace(buf)
		rec, err := parseFeedLine(raw, tooLong)
		buf, tooLong = buf[:0], false
		switch {
		case err != nil:
			feed.Rejected = append(feed.Rejected, &LineError{Line: line, Err: err})
		case rec != nil:
			rec.ID = fmt.Sprintf("feed:%d", line)
			feed.Records = append(feed.Records, *rec)
		}
	}
	return feed, nil
}

// parseFeedLine returns nil for blank and comment lines.
func parseFeedLine(raw []byte, tooLong bool) (*Record, error) {
	if tooLong {
		return nil, fmt.Errorf("line longer than %d bytes", maxFeedLine)
	}
	if len(raw) == 0 || raw[0] == '#' {
		return nil, nil
	}
	rec, err := parseLine(raw)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func parseLine(raw []byte) (Record, error) {
	var fl FeedLine
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&fl); err != nil {
		return Record{}, fmt.Errorf("decode: %w", err)
	}
	if fl.StreamID == nil || *fl.StreamID < 0 {
		return Record{}, fmt.Errorf("missing or negative stream_id")
	}
	if fl.SeqOffset == nil || *fl.SeqOffset < 0 {
		return Record{}, fmt.Errorf("missing or negative seq_offset")
	}
	if fl.Length == nil || *fl.Length <= 0 {
		return Record{}, fmt.Errorf("missing or non-positive length")
	}
	dir, err := parseDirection(fl.Direction)
	if err != nil {
		return Record{}, err
	}
	proto := ParseProtocol(fl.Protocol)
	// A record the tool did not vouch for is treated as partial.
	full := false
	if fl.IsFullyCaptured != nil {
		full = *fl.IsFullyCaptured
	}
	return Record{
		StreamIndex:   *fl.StreamID,
		Direction:     dir,
		Protocol:      proto,
		Type:          NormalizeType(proto, fl.RecordType),
		Offset:        *fl.SeqOffset,
		Length:        *fl.Length,
		FullyCaptured: full,
		PacketNumber:  fl.PacketNumber,
	}, nil
}

func parseDirection(s string) (mask.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "c2s", "client_to_server", "forward", "0":
		return mask.ClientToServer, nil
	case "s2c", "server_to_client", "reverse", "1":
		return mask.ServerToClient, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}
