// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/mbeema/pktmask/pkg/config"
	"github.com/mbeema/pktmask/pkg/metrics"
)

const metricsPath = "/v1/metrics"

// HTTPOTLPExporter sends metrics via OTLP HTTP/protobuf.
type HTTPOTLPExporter struct {
	logger         *zap.Logger
	serviceName    string
	serviceVersion string
	endpoint       string
	compression    string
	headers        map[string]string
	client         *http.Client
}

// NewHTTPOTLPExporter creates a new OTLP HTTP exporter. cfg.Endpoint is a
// host:port; the scheme follows cfg.Insecure.
func NewHTTPOTLPExporter(cfg *config.OTLPConfig, serviceName, serviceVersion string, logger *zap.Logger) *HTTPOTLPExporter {
	scheme := "https"
	if cfg.Insecure {
		scheme = "http"
	}
	compression := cfg.Compression
	if compression == "" {
		compression = "gzip"
	}
	if serviceName == "" {
		serviceName = "pktmask"
	}
	return &HTTPOTLPExporter{
		logger:         logger,
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		endpoint:       fmt.Sprintf("%s://%s", scheme, cfg.Endpoint),
		compression:    compression,
		headers:        cfg.Headers,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ExportMetrics posts one export request for ms.
func (e *HTTPOTLPExporter) ExportMetrics(ctx context.Context, ms []*metrics.Metric) error {
	if len(ms) == 0 {
		return nil
	}
	req := exportRequest(newResource(e.serviceName, e.serviceVersion), ms)
	return e.post(ctx, metricsPath, req)
}

// post sends a protobuf-encoded request to the OTLP HTTP endpoint.
func (e *HTTPOTLPExporter) post(ctx context.Context, path string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal protobuf: %w", err)
	}

	var body io.Reader = bytes.NewReader(data)
	contentEncoding := ""

	if e.compression == "gzip" {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return fmt.Errorf("gzip compress: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("gzip close: %w", err)
		}
		body = &buf
		contentEncoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	e.logger.Debug("OTLP HTTP export rejected",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return fmt.Errorf("OTLP HTTP %s returned %d", path, resp.StatusCode)
}

// Shutdown closes idle connections.
func (e *HTTPOTLPExporter) Shutdown(_ context.Context) error {
	e.client.CloseIdleConnections()
	return nil
}
