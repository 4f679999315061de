// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Format is the on-disk container of a capture file.
type Format int

const (
	FormatPcap Format = iota
	FormatPcapNG
)

func (f Format) String() string {
	if f == FormatPcapNG {
		return "pcapng"
	}
	return "pcap"
}

// ErrMixedLinkTypes is returned for pcapng files whose interfaces use
// different link types.
var ErrMixedLinkTypes = errors.New("capture mixes link types")

var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Nanosecond-resolution pcap magic in both byte orders.
var (
	nanosMagicLE = []byte{0x4d, 0x3c, 0xb2, 0xa1}
	nanosMagicBE = []byte{0xa1, 0xb2, 0x3c, 0x4d}
)

// Frame is one captured packet. Index is its zero-based position in the file.
type Frame struct {
	Index int
	CI    gopacket.CaptureInfo
	Data  []byte
}

// File is a fully loaded capture.
type File struct {
	Format   Format
	LinkType layers.LinkType
	SnapLen  uint32
	Nanos    bool // pcap timestamps were stored with nanosecond resolution
	Frames   []Frame
}

// ReadFile loads a pcap or pcapng file into memory.
func ReadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read loads a capture from r, detecting the format from its magic number.
func Read(r io.Reader) (*File, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture magic: %w", err)
	}
	if bytes.Equal(magic, ngMagic) {
		return readNG(br)
	}
	nanos := bytes.Equal(magic, nanosMagicLE) || bytes.Equal(magic, nanosMagicBE)
	return readPcap(br, nanos)
}

// readPcap takes the resolution from the caller, which saw the magic.
// pcapgo's Reader.Resolution reports it inverted.
func readPcap(r io.Reader, nanos bool) (*File, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse pcap header: %w", err)
	}
	out := &File{
		Format:   FormatPcap,
		LinkType: pr.LinkType(),
		SnapLen:  pr.Snaplen(),
		Nanos:    nanos,
	}
	for {
		data, ci, err := pr.ReadPacketData()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read frame %d: %w", len(out.Frames), err)
		}
		out.Frames = append(out.Frames, Frame{Index: len(out.Frames), CI: ci, Data: data})
	}
}

func readNG(r io.Reader) (*File, error) {
	nr, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, fmt.Errorf("parse pcapng header: %w", err)
	}
	out := &File{
		Format:   FormatPcapNG,
		LinkType: nr.LinkType(),
		Nanos:    true,
	}
	for {
		data, ci, err := nr.ReadPacketData()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read frame %d: %w", len(out.Frames), err)
		}
		iface, err := nr.Interface(ci.InterfaceIndex)
		if err == nil && iface.LinkType != out.LinkType {
			return out, fmt.Errorf("frame %d: %w (%s and %s)", len(out.Frames), ErrMixedLinkTypes, out.LinkType, iface.LinkType)
		}
		if err == nil && uint32(iface.SnapLength) > out.SnapLen {
			out.SnapLen = uint32(iface.SnapLength)
		}
		out.Frames = append(out.Frames, Frame{Index: len(out.Frames), CI: ci, Data: data})
	}
}

// WriteFile writes the capture to path in its own format. The file is
// written to a temporary sibling first and renamed into place.
func WriteFile(path string, file *File) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create capture: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriterSize(tmp, 1<<16)
	if err := Write(bw, file); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush capture: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close capture: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Write encodes the capture to w.
func Write(w io.Writer, file *File) error {
	snap := file.SnapLen
	if snap == 0 {
		snap = 262144
	}

	switch file.Format {
	case FormatPcapNG:
		nw, err := pcapgo.NewNgWriter(w, file.LinkType)
		if err != nil {
			return fmt.Errorf("write pcapng header: %w", err)
		}
		for _, fr := range file.Frames {
			ci := fr.CI
			ci.InterfaceIndex = 0
			if err := nw.WritePacket(ci, fr.Data); err != nil {
				return fmt.Errorf("write frame %d: %w", fr.Index, err)
			}
		}
		return nw.Flush()

	default:
		var pw *pcapgo.Writer
		if file.Nanos {
			pw = pcapgo.NewWriterNanos(w)
		} else {
			pw = pcapgo.NewWriter(w)
		}
		if err := pw.WriteFileHeader(snap, file.LinkType); err != nil {
			return fmt.Errorf("write pcap header: %w", err)
		}
		for _, fr := range file.Frames {
			if err := pw.WritePacket(fr.CI, fr.Data); err != nil {
				return fmt.Errorf("write frame %d: %w", fr.Index, err)
			}
		}
		return nil
	}
}

// Clone returns a copy of the file header with the given frames.
func (f *File) Clone(frames []Frame) *File {
	return &File{
		Format:   f.Format,
		LinkType: f.LinkType,
		SnapLen:  f.SnapLen,
		Nanos:    f.Nanos,
		Frames:   frames,
	}
}
