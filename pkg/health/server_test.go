// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestHealthEndpoint(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "1.0.0-test", stats, zap.NewNop())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var hr healthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if hr.Status != "healthy" {
		t.Errorf("expected status=healthy, got %q", hr.Status)
	}
	if hr.Version != "1.0.0-test" {
		t.Errorf("expected version=1.0.0-test, got %q", hr.Version)
	}
}

func TestHealthEndpointCounts(t *testing.T) {
	stats := NewStats()
	stats.FilesProcessed.Add(5)
	stats.FilesFailed.Add(1)
	srv := NewServer(":0", "test", stats, zap.NewNop())

	w := httptest.NewRecorder()
	srv.handleHealth(w, httptest.NewRequest("GET", "/health", nil))

	var hr healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &hr); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if hr.FilesProcessed != 5 || hr.FilesFailed != 1 {
		t.Errorf("got processed=%d failed=%d, want 5 and 1", hr.FilesProcessed, hr.FilesFailed)
	}
}

func TestPrometheusFloatFormatting(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{42, "42"},
		{-3, "-3"},
		{1.5, "1.5"},
		{0.25, "0.25"},
	}
	for _, tt := range tests {
		if got := string(appendFloat(nil, tt.in)); got != tt.want {
			t.Errorf("appendFloat(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReadyEndpoint_NotReady(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "test", stats, zap.NewNop())

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	srv.handleReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReadyEndpoint_Ready(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "test", stats, zap.NewNop())
	srv.SetReady(true)

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	srv.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	stats := NewStats()
	stats.FilesProcessed.Add(42)
	stats.BytesMasked.Add(3)

	srv := NewServer(":0", "test", stats, zap.NewNop())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.handleMetrics(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "pktmask_files_processed_total 42") {
		t.Errorf("expected files_processed_total 42 in metrics output")
	}
	if !strings.Contains(body, "pktmask_bytes_masked_total 3") {
		t.Errorf("expected bytes_masked_total 3 in metrics output")
	}
	if !strings.Contains(body, "pktmask_uptime_seconds") {
		t.Errorf("expected uptime_seconds in metrics output")
	}
}

func TestServerStartStop(t *testing.T) {
	stats := NewStats()
	srv := NewServer("127.0.0.1:0", "test", stats, zap.NewNop())

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestLastEndpoint(t *testing.T) {
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		files    []LastFile
		wantCode int
		want     LastFile
	}{
		{
			name:     "no files yet",
			wantCode: http.StatusNotFound,
		},
		{
			name: "latest wins",
			files: []LastFile{
				{Input: "a.pcap", Status: "ok", Tier: "primary", Frames: 10, Finished: finished},
				{Input: "b.pcap", Status: "flagged", Tier: "trimmer", Frames: 4, Flagged: 1, Finished: finished},
			},
			wantCode: http.StatusOK,
			want:     LastFile{Input: "b.pcap", Status: "flagged", Tier: "trimmer", Frames: 4, Flagged: 1, Finished: finished},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := NewStats()
			for _, f := range tt.files {
				stats.RecordFile(f)
			}
			srv := NewServer(":0", "test", stats, zap.NewNop())

			w := httptest.NewRecorder()
			srv.handleLast(w, httptest.NewRequest("GET", "/last", nil))
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var got LastFile
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if !got.Finished.Equal(tt.want.Finished) {
				t.Errorf("finished = %v, want %v", got.Finished, tt.want.Finished)
			}
			got.Finished = tt.want.Finished
			if got != tt.want {
				t.Errorf("last = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTierRuns(t *testing.T) {
	stats := NewStats()
	stats.RecordFile(LastFile{Input: "a.pcap", Status: "ok", Tier: "primary"})
	stats.RecordFile(LastFile{Input: "b.pcap", Status: "ok", Tier: "trimmer"})
	stats.RecordFile(LastFile{Input: "c.pcap", Status: "ok", Tier: "trimmer"})
	stats.RecordFile(LastFile{Input: "d.pcap", Status: "failed"})

	for tier, want := range map[string]int64{"primary": 1, "trimmer": 2, "generic": 0} {
		if got := stats.TierRuns(tier); got != want {
			t.Errorf("TierRuns(%q) = %d, want %d", tier, got, want)
		}
	}

	srv := NewServer(":0", "test", stats, zap.NewNop())
	w := httptest.NewRecorder()
	srv.handleMetrics(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()
	for _, line := range []string{
		`pktmask_tier_runs_total{tier="primary"} 1`,
		`pktmask_tier_runs_total{tier="trimmer"} 2`,
	} {
		if !strings.Contains(body, line) {
			t.Errorf("metrics output missing %q", line)
		}
	}
	if strings.Index(body, `tier="primary"`) > strings.Index(body, `tier="trimmer"`) {
		t.Error("tier samples not sorted")
	}

	w = httptest.NewRecorder()
	srv.handleHealth(w, httptest.NewRequest("GET", "/health", nil))
	var hr healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &hr); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if hr.TierRuns["trimmer"] != 2 {
		t.Errorf("health tier_runs = %v", hr.TierRuns)
	}
}
