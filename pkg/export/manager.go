// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/pktmask/pkg/config"
	"github.com/mbeema/pktmask/pkg/health"
	"github.com/mbeema/pktmask/pkg/metrics"
)

// Exporter is the interface for metric exporters.
type Exporter interface {
	ExportMetrics(ctx context.Context, metrics []*metrics.Metric) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 500
	defaultFlushInterval = 5 * time.Second
	defaultChannelSize   = 10000

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
)

// Manager batches metric points and hands them to every configured
// exporter.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter
	stats     *health.Stats

	metricCh chan *metrics.Metric

	metricCount atomic.Int64
	dropCount   atomic.Int64

	batchSize     int
	flushInterval time.Duration

	circuitBreaker *CircuitBreaker

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// ManagerConfig holds the configuration needed to create a Manager.
type ManagerConfig struct {
	Exporters      *config.ExportersConfig
	ServiceName    string
	ServiceVersion string
	// Stats, when set, receives exported and dropped counts.
	Stats *health.Stats
}

// NewManager creates a manager from the exporters section of the config.
// An exporter that cannot be created is logged and skipped.
func NewManager(mc *ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:         logger,
		stats:          mc.Stats,
		metricCh:       make(chan *metrics.Metric, defaultChannelSize),
		batchSize:      defaultBatchSize,
		flushInterval:  defaultFlushInterval,
		circuitBreaker: NewCircuitBreaker(5, 30*time.Second),
		stopCh:         make(chan struct{}),
	}

	cfg := mc.Exporters
	if cfg == nil {
		return m
	}

	if cfg.OTLP.Enabled {
		switch cfg.OTLP.Protocol {
		case "http":
			m.exporters = append(m.exporters, NewHTTPOTLPExporter(&cfg.OTLP, mc.ServiceName, mc.ServiceVersion, logger))
		default:
			exp, err := NewOTLPExporter(&cfg.OTLP, mc.ServiceName, mc.ServiceVersion, logger)
			if err != nil {
				logger.Warn("failed to create OTLP exporter", zap.Error(err))
			} else {
				m.exporters = append(m.exporters, exp)
			}
		}
	}

	if cfg.Stdout.Enabled {
		m.exporters = append(m.exporters, NewStdoutExporter(cfg.Stdout.Format, logger))
	}

	return m
}

// AddExporter registers an additional exporter. It must be called before
// Start.
func (m *Manager) AddExporter(exp Exporter) {
	m.exporters = append(m.exporters, exp)
}

// Enabled reports whether any exporter is configured.
func (m *Manager) Enabled() bool {
	return len(m.exporters) > 0
}

// Start begins the background batching loop.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.processMetrics(ctx)

	m.logger.Info("export manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)
	return nil
}

// Stop flushes pending points and shuts every exporter down.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, exp := range m.exporters {
		if err := exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.Error(err))
		}
	}

	m.logger.Info("export manager stopped",
		zap.Int64("metrics_exported", m.metricCount.Load()),
		zap.Int64("dropped", m.dropCount.Load()),
	)
	return nil
}

// ExportMetric queues a point without blocking. Points are dropped when
// the queue is full.
func (m *Manager) ExportMetric(metric *metrics.Metric) {
	if len(m.exporters) == 0 {
		return
	}
	select {
	case m.metricCh <- metric:
	default:
		m.drop(1)
		m.logger.Warn("metric channel full, dropping metric")
	}
}

// ExportMetrics queues a slice of points.
func (m *Manager) ExportMetrics(ms []*metrics.Metric) {
	for _, metric := range ms {
		m.ExportMetric(metric)
	}
}

func (m *Manager) processMetrics(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*metrics.Metric, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case metric := <-m.metricCh:
			batch = append(batch, metric)
			if len(batch) >= m.batchSize {
				m.flushMetrics(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flushMetrics(ctx, batch)
				batch = batch[:0]
			}

		case <-m.stopCh:
			m.drain(ctx, batch)
			return

		case <-ctx.Done():
			m.drain(context.Background(), batch)
			return
		}
	}
}

// drain flushes whatever is queued.
func (m *Manager) drain(ctx context.Context, batch []*metrics.Metric) {
	for {
		select {
		case metric := <-m.metricCh:
			batch = append(batch, metric)
		default:
			if len(batch) > 0 {
				m.flushMetrics(ctx, batch)
			}
			return
		}
	}
}

func (m *Manager) flushMetrics(ctx context.Context, batch []*metrics.Metric) {
	delivered := false
	for _, exp := range m.exporters {
		if m.retryExport(ctx, func(expCtx context.Context) error {
			return exp.ExportMetrics(expCtx, batch)
		}) {
			delivered = true
		}
	}
	if !delivered {
		m.drop(int64(len(batch)))
		return
	}
	m.metricCount.Add(int64(len(batch)))
	if m.stats != nil {
		m.stats.MetricsExported.Add(int64(len(batch)))
	}
}

// retryExport attempts an export with exponential backoff and circuit
// breaker. It reports whether the export went through.
func (m *Manager) retryExport(ctx context.Context, exportFn func(context.Context) error) bool {
	if !m.circuitBreaker.Allow() {
		m.logger.Debug("circuit breaker open, dropping export")
		return false
	}

	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			m.circuitBreaker.RecordSuccess()
			return true
		}

		m.circuitBreaker.RecordFailure()

		if attempt == maxRetries {
			m.logger.Error("export failed after retries",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return false
		}

		m.logger.Warn("export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
	return false
}

func (m *Manager) drop(n int64) {
	m.dropCount.Add(n)
	if m.stats != nil {
		m.stats.MetricsDropped.Add(n)
	}
}

// Stats returns the number of points handed to exporters.
func (m *Manager) Stats() int64 {
	return m.metricCount.Load()
}

// DropCount returns the number of dropped points.
func (m *Manager) DropCount() int64 {
	return m.dropCount.Load()
}
