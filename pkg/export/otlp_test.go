// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"

	"github.com/mbeema/pktmask/pkg/config"
	"github.com/mbeema/pktmask/pkg/metrics"
)

// fakeCollector records metric export requests.
type fakeCollector struct {
	colmetricspb.UnimplementedMetricsServiceServer

	mu       sync.Mutex
	requests []*colmetricspb.ExportMetricsServiceRequest
	tokens   []string
}

func (c *fakeCollector) Export(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		c.tokens = append(c.tokens, md.Get("x-api-key")...)
	}
	return &colmetricspb.ExportMetricsServiceResponse{}, nil
}

func startCollector(t *testing.T) (*fakeCollector, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	fc := &fakeCollector{}
	colmetricspb.RegisterMetricsServiceServer(srv, fc)
	go srv.Serve(ln)
	t.Cleanup(srv.Stop)
	return fc, ln.Addr().String()
}

func TestConvertMetric(t *testing.T) {
	now := time.Unix(1700000000, 0)
	start := now.Add(-time.Minute)

	gauge := convertMetric(metrics.NewGauge("process.memory.usage", "By", 2048, now,
		map[string]string{"pid": "1", "a": "b"}))
	g, ok := gauge.Data.(*metricspb.Metric_Gauge)
	if !ok {
		t.Fatalf("expected gauge data, got %T", gauge.Data)
	}
	dp := g.Gauge.DataPoints[0]
	if dp.GetAsDouble() != 2048 || dp.TimeUnixNano != uint64(now.UnixNano()) {
		t.Errorf("unexpected gauge point: %v", dp)
	}
	if len(dp.Attributes) != 2 || dp.Attributes[0].Key != "a" || dp.Attributes[1].Key != "pid" {
		t.Errorf("attributes should be sorted by key: %v", dp.Attributes)
	}

	counter := convertMetric(metrics.NewCounter("pktmask.bytes.masked", "By", 7, start, now, nil))
	s, ok := counter.Data.(*metricspb.Metric_Sum)
	if !ok {
		t.Fatalf("expected sum data, got %T", counter.Data)
	}
	if !s.Sum.IsMonotonic {
		t.Error("counter should be monotonic")
	}
	if s.Sum.AggregationTemporality != metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE {
		t.Errorf("unexpected temporality %v", s.Sum.AggregationTemporality)
	}
	if got := s.Sum.DataPoints[0].StartTimeUnixNano; got != uint64(start.UnixNano()) {
		t.Errorf("start time = %d, want %d", got, start.UnixNano())
	}

	if convertMetric(&metrics.Metric{Name: "x", Type: metrics.MetricType(42)}) != nil {
		t.Error("unknown metric types should be skipped")
	}
}

func TestOTLPExporterSendsToCollector(t *testing.T) {
	fc, addr := startCollector(t)

	cfg := &config.OTLPConfig{
		Enabled:     true,
		Endpoint:    addr,
		Insecure:    true,
		Compression: "none",
		Headers:     map[string]string{"x-api-key": "secret"},
	}
	exp, err := NewOTLPExporter(cfg, "", "1.0.0", zap.NewNop())
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	defer exp.Shutdown(context.Background())

	now := time.Now()
	ms := []*metrics.Metric{
		metrics.NewCounter("pktmask.frames", "{frames}", 10, now, now, map[string]string{"tier": "primary"}),
		metrics.NewGauge("pktmask.run.duration", "s", 0.5, now, nil),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exp.ExportMetrics(ctx, ms); err != nil {
		t.Fatalf("export: %v", err)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.requests) != 1 {
		t.Fatalf("collector got %d requests, want 1", len(fc.requests))
	}
	rm := fc.requests[0].ResourceMetrics
	if len(rm) != 1 || len(rm[0].ScopeMetrics) != 1 {
		t.Fatalf("unexpected request shape: %v", fc.requests[0])
	}
	if got := len(rm[0].ScopeMetrics[0].Metrics); got != 2 {
		t.Errorf("got %d metrics, want 2", got)
	}
	var svc string
	for _, kv := range rm[0].Resource.Attributes {
		if kv.Key == "service.name" {
			svc = kv.Value.GetStringValue()
		}
	}
	if svc != "pktmask" {
		t.Errorf("service.name = %q, want pktmask", svc)
	}
	if len(fc.tokens) != 1 || fc.tokens[0] != "secret" {
		t.Errorf("headers not forwarded: %v", fc.tokens)
	}
}

func TestOTLPExporterEmptyBatch(t *testing.T) {
	exp := &OTLPExporter{logger: zap.NewNop()}
	if err := exp.ExportMetrics(context.Background(), nil); err != nil {
		t.Errorf("empty export should be a no-op, got %v", err)
	}
}
