// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/pktmask/pkg/config"
	"github.com/mbeema/pktmask/pkg/health"
	"github.com/mbeema/pktmask/pkg/metrics"
)

type recordingExporter struct {
	mu     sync.Mutex
	got    []*metrics.Metric
	fail   bool
	closed bool
}

func (r *recordingExporter) ExportMetrics(_ context.Context, ms []*metrics.Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("collector unavailable")
	}
	r.got = append(r.got, ms...)
	return nil
}

func (r *recordingExporter) Shutdown(context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func TestManagerFlushesOnStop(t *testing.T) {
	stats := health.NewStats()
	m := NewManager(&ManagerConfig{Stats: stats}, zap.NewNop())
	rec := &recordingExporter{}
	m.AddExporter(rec)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	now := time.Now()
	m.ExportMetrics([]*metrics.Metric{
		metrics.NewGauge("a", "1", 1, now, nil),
		metrics.NewGauge("b", "1", 2, now, nil),
	})
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.got) != 2 {
		t.Errorf("exporter got %d metrics, want 2", len(rec.got))
	}
	if !rec.closed {
		t.Error("exporter was not shut down")
	}
	if m.Stats() != 2 || stats.MetricsExported.Load() != 2 {
		t.Errorf("exported count = %d/%d, want 2", m.Stats(), stats.MetricsExported.Load())
	}
}

func TestManagerDropsWhenDisabled(t *testing.T) {
	m := NewManager(&ManagerConfig{Exporters: &config.ExportersConfig{}}, zap.NewNop())
	if m.Enabled() {
		t.Fatal("no exporters configured, manager should be disabled")
	}
	m.ExportMetric(metrics.NewGauge("a", "1", 1, time.Now(), nil))
	if m.DropCount() != 0 {
		t.Errorf("disabled manager should ignore points, dropped %d", m.DropCount())
	}
}

func TestManagerCountsFailedExports(t *testing.T) {
	stats := health.NewStats()
	m := NewManager(&ManagerConfig{Stats: stats}, zap.NewNop())
	m.AddExporter(&recordingExporter{fail: true})
	// Open the breaker so the flush does not sit in retry backoff.
	for i := 0; i < 5; i++ {
		m.circuitBreaker.RecordFailure()
	}

	m.flushMetrics(context.Background(), []*metrics.Metric{metrics.NewGauge("a", "1", 1, time.Now(), nil)})
	if m.DropCount() != 1 || stats.MetricsDropped.Load() != 1 {
		t.Errorf("dropped = %d/%d, want 1", m.DropCount(), stats.MetricsDropped.Load())
	}
	if m.Stats() != 0 {
		t.Errorf("exported = %d, want 0", m.Stats())
	}
}

func TestStdoutExporterFormats(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	ms := []*metrics.Metric{metrics.NewCounter("pktmask.frames", "{frames}", 3, now, now,
		map[string]string{"tier": "primary", "file": "a.pcap"})}

	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"[METRIC] pktmask.frames", "counter", `{file="a.pcap",tier="primary"}`}},
		{"json", []string{`"_type":"metric"`, `"name":"pktmask.frames"`, `"type":"counter"`}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			e := NewStdoutExporter(tt.format, zap.NewNop())
			e.out = &buf
			if err := e.ExportMetrics(context.Background(), ms); err != nil {
				t.Fatalf("export: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output %q missing %q", buf.String(), w)
				}
			}
		})
	}
}
