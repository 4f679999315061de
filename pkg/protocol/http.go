// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/mbeema/pktmask/pkg/mask"
	"github.com/mbeema/pktmask/pkg/reassembly"
)

var crlfcrlf = []byte("\r\n\r\n")

// HTTPScanner locates HTTP/1.x header blocks and bodies in a reassembled
// stream.
type HTTPScanner struct{}

func (s *HTTPScanner) Name() string { return string(mask.ProtoHTTP) }

func (s *HTTPScanner) Detect(data []byte, port uint16) bool {
	if len(data) < 4 {
		return false
	}
	return isHTTPStart(data)
}

// isHTTPStart reports whether b starts with a request line or status line.
func isHTTPStart(b []byte) bool {
	s := string(b[:min(len(b), 16)])
	return isHTTPMethod(s) || strings.HasPrefix(s, "HTTP/1.")
}

// httpResync finds the next message start in data at or after from. Only
// positions at the beginning of a line are considered.
func httpResync(data []byte, from int) int {
	for i := from; i < len(data); i++ {
		if (i == 0 || data[i-1] == '\n') && isHTTPStart(data[i:]) {
			return i
		}
	}
	return -1
}

// bodyMode tells how the body following a header block is delimited.
type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

func bodyOf(headers string) (bodyMode, int64) {
	isRequest := !strings.HasPrefix(headers, "HTTP/")

	if te := headerValue(headers, "transfer-encoding"); strings.Contains(strings.ToLower(te), "chunked") {
		return bodyChunked, 0
	}
	if cl := headerValue(headers, "content-length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return bodyNone, 0
		}
		if n == 0 {
			return bodyNone, 0
		}
		return bodyLength, n
	}
	if isRequest {
		return bodyNone, 0
	}

	// 1xx, 204 and 304 responses carry no body.
	firstLine := headers
	if idx := strings.Index(headers, "\r\n"); idx >= 0 {
		firstLine = headers[:idx]
	}
	if parts := strings.Fields(firstLine); len(parts) >= 2 {
		code, _ := strconv.Atoi(parts[1])
		if (code >= 100 && code < 200) || code == 204 || code == 304 {
			return bodyNone, 0
		}
	}
	return bodyUntilClose, 0
}

// Scan emits a header record per header block and a body record per body.
// Bodies of known length may extend past the chunk; chunked bodies are
// walked exactly and run to the chunk end when unterminated.
func (s *HTTPScanner) Scan(chunks []reassembly.Chunk) []Record {
	var out []Record
	expect := int64(-1)
	untilClose := false

	for ci, c := range chunks {
		data := c.Data
		if untilClose {
			out = append(out, Record{
				Protocol: mask.ProtoHTTP, Type: HTTPBody,
				Offset: c.Offset, Length: int64(len(data)), FullyCaptured: true,
			})
			continue
		}

		var i int
		switch {
		case expect >= c.End():
			continue
		case expect >= c.Offset:
			i = int(expect - c.Offset)
		case ci == 0 && c.Offset == 0:
			i = 0
		default:
			i = httpResync(data, 0)
			if i < 0 {
				expect = -1
				continue
			}
		}
		expect = -1

		for i < len(data) {
			if !isHTTPStart(data[i:]) {
				j := httpResync(data, i+1)
				if j < 0 {
					break
				}
				i = j
			}
			end := bytes.Index(data[i:], crlfcrlf)
			if end < 0 {
				out = append(out, Record{
					Protocol: mask.ProtoHTTP, Type: HTTPHeader,
					Offset: c.Offset + int64(i), Length: int64(len(data) - i),
				})
				break
			}
			hdrLen := end + len(crlfcrlf)
			out = append(out, Record{
				Protocol: mask.ProtoHTTP, Type: HTTPHeader,
				Offset: c.Offset + int64(i), Length: int64(hdrLen), FullyCaptured: true,
			})
			bodyStart := i + hdrLen
			mode, n := bodyOf(string(data[i:bodyStart]))

			switch mode {
			case bodyNone:
				i = bodyStart
				continue
			case bodyLength:
				out = append(out, Record{
					Protocol: mask.ProtoHTTP, Type: HTTPBody,
					Offset: c.Offset + int64(bodyStart), Length: n, FullyCaptured: true,
				})
				if int64(bodyStart)+n > int64(len(data)) {
					expect = c.Offset + int64(bodyStart) + n
					i = len(data)
					continue
				}
				i = bodyStart + int(n)
				continue
			case bodyChunked:
				bodyEnd := chunkedEnd(data, bodyStart)
				if bodyEnd < 0 {
					bodyEnd = len(data)
				}
				if bodyEnd > bodyStart {
					out = append(out, Record{
						Protocol: mask.ProtoHTTP, Type: HTTPBody,
						Offset: c.Offset + int64(bodyStart), Length: int64(bodyEnd - bodyStart), FullyCaptured: true,
					})
				}
				i = bodyEnd
				continue
			case bodyUntilClose:
				if len(data) > bodyStart {
					out = append(out, Record{
						Protocol: mask.ProtoHTTP, Type: HTTPBody,
						Offset: c.Offset + int64(bodyStart), Length: int64(len(data) - bodyStart), FullyCaptured: true,
					})
				}
				untilClose = true
				i = len(data)
			}
		}
	}
	return out
}

// chunkedEnd returns the offset just past a chunked body starting at
// bodyStart, or -1 if the terminating chunk is not in buf.
func chunkedEnd(buf []byte, bodyStart int) int {
	offset := bodyStart

	for offset < len(buf) {
		// Each chunk: <hex-size>\r\n<data>\r\n
		lineEnd := bytes.Index(buf[offset:], []byte("\r\n"))
		if lineEnd < 0 {
			return -1
		}

		sizeStr := strings.TrimSpace(string(buf[offset : offset+lineEnd]))
		// Strip chunk extensions (;key=value)
		if idx := strings.IndexByte(sizeStr, ';'); idx >= 0 {
			sizeStr = sizeStr[:idx]
		}
		chunkSize, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil || chunkSize < 0 {
			return -1
		}
		offset += lineEnd + 2

		if chunkSize == 0 {
			// Trailer fields, then an empty line.
			for {
				lineEnd := bytes.Index(buf[offset:], []byte("\r\n"))
				if lineEnd < 0 {
					return -1
				}
				offset += lineEnd + 2
				if lineEnd == 0 {
					return offset
				}
			}
		}

		if chunkSize > int64(len(buf)-offset) {
			return -1
		}
		offset += int(chunkSize) + 2
		if offset > len(buf) {
			return -1
		}
	}
	return -1
}

// headerValue returns the value of the named header field. Only field names
// at the start of a line match.
func headerValue(headers string, name string) string {
	target := strings.ToLower(name) + ":"
	for _, line := range strings.Split(headers, "\r\n")[1:] {
		if len(line) >= len(target) && strings.ToLower(line[:len(target)]) == target {
			return strings.TrimSpace(line[len(target):])
		}
	}
	return ""
}

// isHTTPMethod checks if the string starts with an HTTP method.
func isHTTPMethod(s string) bool {
	methods := []string{"GET ", "POST ", "PUT ", "DELETE ", "PATCH ", "HEAD ", "OPTIONS ", "CONNECT ", "TRACE "}
	for _, m := range methods {
		if strings.HasPrefix(s, m) {
			return true
		}
	}
	return false
}
