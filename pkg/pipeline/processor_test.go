// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"github.com/mbeema/pktmask/pkg/capture"
	"github.com/mbeema/pktmask/pkg/config"
	"github.com/mbeema/pktmask/pkg/fallback"
	"github.com/mbeema/pktmask/pkg/health"
)

func newProcessor(t *testing.T, mutate func(*config.Config)) *Processor {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	p, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func writeFeed(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "records.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// checkTLSMasked verifies the structural records survived, application data
// was masked after its header and every checksum is valid.
func checkTLSMasked(t *testing.T, path string) {
	t.Helper()
	out := readCapture(t, path)
	if len(out.Frames) != 5 {
		t.Fatalf("output has %d frames, want 5", len(out.Frames))
	}
	want := map[int][]byte{
		2: handshake,
		3: maskedTLS(clientApp),
		4: maskedTLS(serverApp),
	}
	for idx, w := range want {
		if got := tcpPayload(t, out.Frames[idx]); !bytes.Equal(got, w) {
			t.Errorf("frame %d payload = %x, want %x", idx, got, w)
		}
	}
	for _, fr := range out.Frames {
		if !tcpChecksumValid(fr.Data) {
			t.Errorf("frame %d has an invalid TCP checksum", fr.Index)
		}
	}
}

func TestProcessFile_Scanners(t *testing.T) {
	dir := t.TempDir()
	in := writeCapture(t, dir, "in.pcap", tlsSession(t))
	out := filepath.Join(dir, "out.pcap")

	stats := health.NewStats()
	p := newProcessor(t, nil)
	p.SetStats(stats)

	rep, err := p.ProcessFile(context.Background(), in, out)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if rep.Status != StatusOK || rep.Tier != config.TierPrimary {
		t.Fatalf("status=%s tier=%s, want ok/primary (error %q)", rep.Status, rep.Tier, rep.Error)
	}
	if rep.RecordSource != "scanner" || rep.Records != 3 || rep.Rules != 3 {
		t.Errorf("source=%s records=%d rules=%d, want scanner/3/3", rep.RecordSource, rep.Records, rep.Rules)
	}
	if rep.Connections != 1 {
		t.Errorf("connections = %d, want 1", rep.Connections)
	}
	if rep.Stats.MaskedBytes != 16 {
		t.Errorf("masked bytes = %d, want 16", rep.Stats.MaskedBytes)
	}
	if rep.Stats.Frames != 5 || rep.Stats.TCPFrames != 3 {
		t.Errorf("frames=%d tcp=%d, want 5/3", rep.Stats.Frames, rep.Stats.TCPFrames)
	}
	if rep.RunID == "" || rep.Format != "pcap" {
		t.Errorf("run id %q format %q", rep.RunID, rep.Format)
	}
	checkTLSMasked(t, out)

	if stats.FilesProcessed.Load() != 1 || stats.BytesMasked.Load() != 16 || stats.FallbackRuns.Load() != 0 {
		t.Errorf("health stats = %+v", stats.Snapshot())
	}
}

func TestProcessFile_ReorderedWithoutHandshake(t *testing.T) {
	// The capture starts mid-connection and holds the later record first.
	segs := []seg{
		{src: client, dst: server, seq: 1015, payload: handshake},
		{src: client, dst: server, seq: 1000, payload: clientApp},
	}
	file := &capture.File{Format: capture.FormatPcap, LinkType: layers.LinkTypeEthernet, Nanos: true}
	for i, s := range segs {
		file.Frames = append(file.Frames, buildFrame(t, i, s))
	}
	dir := t.TempDir()
	in := writeCapture(t, dir, "in.pcap", file)
	out := filepath.Join(dir, "out.pcap")

	rep, err := newProcessor(t, nil).ProcessFile(context.Background(), in, out)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if rep.Status != StatusOK || rep.Tier != config.TierPrimary || rep.Records != 2 {
		t.Fatalf("status=%s tier=%s records=%d, want ok/primary/2", rep.Status, rep.Tier, rep.Records)
	}

	got := readCapture(t, out)
	if p := tcpPayload(t, got.Frames[0]); !bytes.Equal(p, handshake) {
		t.Errorf("handshake payload = %x, want unchanged", p)
	}
	if p := tcpPayload(t, got.Frames[1]); !bytes.Equal(p, maskedTLS(clientApp)) {
		t.Errorf("application data = %x, want %x", p, maskedTLS(clientApp))
	}
}

func TestProcessFile_Feed(t *testing.T) {
	dir := t.TempDir()
	in := writeCapture(t, dir, "in.pcap", tlsSession(t))
	out := filepath.Join(dir, "out.pcap")
	feed := writeFeed(t, dir,
		`{"packet_number":2,"stream_id":0,"direction":"c2s","protocol":"tls","record_type":"22","seq_offset":0,"length":9,"is_fully_captured":true}`,
		`{"packet_number":3,"stream_id":0,"direction":"c2s","protocol":"tls","record_type":"23","seq_offset":9,"length":15,"is_fully_captured":true}`,
		`{"packet_number":4,"stream_id":0,"direction":"s2c","protocol":"tls","record_type":"23","seq_offset":0,"length":11,"is_fully_captured":true}`,
		`{"stream_id":0,"direction":"c2s","protocol":"tls","record_type":"23","seq_offset":-4,"length":11}`,
	)

	p := newProcessor(t, nil)
	rep, err := p.Process(context.Background(), Job{Input: in, Output: out, Feed: feed})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rep.Tier != config.TierPrimary || rep.RecordSource != "feed" || rep.Records != 3 {
		t.Fatalf("tier=%s source=%s records=%d", rep.Tier, rep.RecordSource, rep.Records)
	}
	if len(rep.Warnings) != 1 || !strings.Contains(rep.Warnings[0], "line 4") {
		t.Errorf("warnings = %q, want the rejected line", rep.Warnings)
	}
	checkTLSMasked(t, out)
}

func TestProcessFile_EmptyFeedFallsBack(t *testing.T) {
	dir := t.TempDir()
	in := writeCapture(t, dir, "in.pcap", tlsSession(t))
	out := filepath.Join(dir, "out.pcap")
	feed := writeFeed(t, dir, `not json`)

	stats := health.NewStats()
	p := newProcessor(t, nil)
	p.SetStats(stats)

	rep, err := p.Process(context.Background(), Job{Input: in, Output: out, Feed: feed})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rep.Tier != config.TierTrimmer {
		t.Fatalf("tier = %s, want trimmer", rep.Tier)
	}
	if len(rep.Attempts) != 2 || rep.Attempts[0].Tier != config.TierPrimary || rep.Attempts[0].Error == "" {
		t.Errorf("attempts = %+v", rep.Attempts)
	}
	if !strings.Contains(rep.Attempts[0].Error, ErrUpstreamDissection.Error()) {
		t.Errorf("primary error = %q", rep.Attempts[0].Error)
	}
	// The trimmer keeps the same headers on these self-contained segments.
	checkTLSMasked(t, out)
	if stats.FallbackRuns.Load() != 1 {
		t.Errorf("fallback runs = %d, want 1", stats.FallbackRuns.Load())
	}
	if got := stats.TierRuns(config.TierTrimmer); got != 1 {
		t.Errorf("trimmer runs = %d, want 1", got)
	}
	last, ok := stats.Last()
	if !ok || last.Input != in || last.Tier != config.TierTrimmer || last.Status != string(rep.Status) {
		t.Errorf("last file = %+v", last)
	}
}

func TestProcessFile_GenericOnly(t *testing.T) {
	dir := t.TempDir()
	in := writeCapture(t, dir, "in.pcap", tlsSession(t))
	out := filepath.Join(dir, "out.pcap")

	p := newProcessor(t, func(c *config.Config) { c.Fallback.Tiers = []string{config.TierGeneric} })
	rep, err := p.ProcessFile(context.Background(), in, out)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if rep.Tier != config.TierGeneric {
		t.Fatalf("tier = %s", rep.Tier)
	}
	total := len(handshake) + len(clientApp) + len(serverApp)
	if rep.Stats.MaskedBytes != uint64(total) {
		t.Errorf("masked = %d, want %d", rep.Stats.MaskedBytes, total)
	}
	res := readCapture(t, out)
	for _, idx := range []int{2, 3, 4} {
		p := tcpPayload(t, res.Frames[idx])
		if !bytes.Equal(p, make([]byte, len(p))) {
			t.Errorf("frame %d not fully masked: %x", idx, p)
		}
	}
}

func TestProcessFile_AllTiersFail(t *testing.T) {
	dir := t.TempDir()
	in := writeCapture(t, dir, "in.pcap", tlsSession(t))
	feed := writeFeed(t, dir, `{}`)

	p := newProcessor(t, func(c *config.Config) { c.Fallback.Tiers = []string{config.TierPrimary} })
	rep, err := p.Process(context.Background(), Job{Input: in, Output: filepath.Join(dir, "out.pcap"), Feed: feed})
	if !errors.Is(err, fallback.ErrAllStrategiesFailed) {
		t.Fatalf("err = %v, want ErrAllStrategiesFailed", err)
	}
	if rep.Status != StatusFailed || rep.Error == "" {
		t.Errorf("status=%s error=%q", rep.Status, rep.Error)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.pcap")); !os.IsNotExist(err) {
		t.Error("failed file should not produce output")
	}
}

func TestProcessFile_MissingInput(t *testing.T) {
	p := newProcessor(t, nil)
	rep, err := p.ProcessFile(context.Background(), filepath.Join(t.TempDir(), "absent.pcap"), "")
	if err == nil || rep.Status != StatusFailed {
		t.Fatalf("err=%v status=%s, want failure", err, rep.Status)
	}
}

func TestProcessFile_RecipeReplay(t *testing.T) {
	dir := t.TempDir()
	in := writeCapture(t, dir, "in.pcap", tlsSession(t))
	out := filepath.Join(dir, "out.pcap")
	recipes := filepath.Join(dir, "recipes")
	if err := os.Mkdir(recipes, 0o755); err != nil {
		t.Fatal(err)
	}

	p := newProcessor(t, func(c *config.Config) {
		c.Recipe.Write = true
		c.Recipe.Dir = recipes
	})
	rep, err := p.ProcessFile(context.Background(), in, out)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if want := filepath.Join(recipes, "out.recipe.json"); rep.Recipe != want {
		t.Fatalf("recipe = %q, want %q", rep.Recipe, want)
	}

	replayed := filepath.Join(dir, "replayed.pcap")
	rrep, err := p.ReplayFile(context.Background(), in, rep.Recipe, replayed)
	if err != nil {
		t.Fatalf("ReplayFile: %v", err)
	}
	if rrep.Mode != "replay" || rrep.Status != StatusOK {
		t.Errorf("replay mode=%s status=%s", rrep.Mode, rrep.Status)
	}

	a, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(replayed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("replaying the recipe did not reproduce the masked capture")
	}
}

func TestReplayFile_Mismatch(t *testing.T) {
	dir := t.TempDir()
	in := writeCapture(t, dir, "in.pcap", tlsSession(t))
	recipes := t.TempDir()

	p := newProcessor(t, func(c *config.Config) {
		c.Recipe.Write = true
		c.Recipe.Dir = recipes
	})
	rep, err := p.ProcessFile(context.Background(), in, filepath.Join(dir, "out.pcap"))
	if err != nil {
		t.Fatal(err)
	}

	// A different capture whose client data frame is shorter.
	other := tlsSession(t)
	other.Frames[3] = buildFrame(t, 3, seg{src: client, dst: server, seq: 1009, payload: clientApp[:8]})
	otherPath := writeCapture(t, dir, "other.pcap", other)

	_, err = p.ReplayFile(context.Background(), otherPath, rep.Recipe, filepath.Join(dir, "replayed.pcap"))
	if err == nil {
		t.Fatal("replay onto a different capture should fail")
	}
}

func TestReload(t *testing.T) {
	p := newProcessor(t, nil)

	bad := config.DefaultConfig()
	bad.Policies = map[string]config.PolicyConfig{"tls": {Templates: map[string]string{"application_data": "mask_after(x)"}}}
	if err := p.Reload(bad); err == nil {
		t.Error("Reload accepted an invalid policy")
	}
	if p.Config() == bad {
		t.Error("rejected config was installed")
	}

	good := config.DefaultConfig()
	good.Masking.DefaultPolicy = "mask"
	if err := p.Reload(good); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if p.Config() != good {
		t.Error("Reload did not install the new config")
	}
}

func TestOnReport(t *testing.T) {
	dir := t.TempDir()
	in := writeCapture(t, dir, "in.pcap", tlsSession(t))

	p := newProcessor(t, nil)
	var got []*FileReport
	p.OnReport(func(r *FileReport) { got = append(got, r) })

	if _, err := p.ProcessFile(context.Background(), in, filepath.Join(dir, "out.pcap")); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Status != StatusOK {
		t.Fatalf("callbacks = %v", got)
	}
	var buf bytes.Buffer
	if err := got[0].WriteJSON(&buf); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"status": "ok"`, `"tier": "primary"`, `"masked_bytes": 16`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("report JSON missing %s:\n%s", want, buf.String())
		}
	}
	if ms := got[0].Metrics(got[0].Started); len(ms) == 0 || ms[0].Labels["tier"] != "primary" {
		t.Errorf("report metrics = %v", ms)
	}
}
