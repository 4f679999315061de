// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ResourceUsage is what the masking process consumed, as seen by the OS.
type ResourceUsage struct {
	CPUSeconds float64 `json:"cpu_seconds"`
	RSSBytes   uint64  `json:"rss_bytes"`
	VMSBytes   uint64  `json:"vms_bytes"`
	Threads    int32   `json:"threads"`
	ReadBytes  uint64  `json:"read_bytes"`
	WriteBytes uint64  `json:"write_bytes"`
}

// Since returns the usage accumulated after before. CPU and I/O are
// differenced; memory and thread counts are the current values.
func (u ResourceUsage) Since(before ResourceUsage) ResourceUsage {
	d := u
	d.CPUSeconds = max(u.CPUSeconds-before.CPUSeconds, 0)
	if u.ReadBytes >= before.ReadBytes {
		d.ReadBytes = u.ReadBytes - before.ReadBytes
	}
	if u.WriteBytes >= before.WriteBytes {
		d.WriteBytes = u.WriteBytes - before.WriteBytes
	}
	return d
}

// ProcessCollector samples resource usage of the pktmask process itself.
// Sample is used for per-file reports; Start emits periodic metrics in
// long-running modes.
type ProcessCollector struct {
	logger    *zap.Logger
	startTime time.Time // OTLP StartTimeUnixNano for cumulative metrics
	pid       int32

	mu        sync.RWMutex
	proc      *process.Process
	callbacks []func(*Metric)
	fsPaths   []string

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewProcessCollector creates a collector for the current process.
func NewProcessCollector(logger *zap.Logger) *ProcessCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessCollector{
		logger:    logger,
		startTime: time.Now(),
		pid:       int32(os.Getpid()),
		stopCh:    make(chan struct{}),
	}
}

// OnMetric registers a callback for emitted metrics.
func (pc *ProcessCollector) OnMetric(fn func(*Metric)) {
	pc.mu.Lock()
	pc.callbacks = append(pc.callbacks, fn)
	pc.mu.Unlock()
}

// WatchFilesystems adds host metrics, including the usage of the
// filesystems holding paths, to every periodic collection.
func (pc *ProcessCollector) WatchFilesystems(paths ...string) {
	pc.mu.Lock()
	pc.fsPaths = append(pc.fsPaths, paths...)
	pc.mu.Unlock()
}

func (pc *ProcessCollector) emit(m *Metric) {
	pc.mu.RLock()
	cbs := pc.callbacks
	pc.mu.RUnlock()
	for _, cb := range cbs {
		cb(m)
	}
}

func (pc *ProcessCollector) handle() (*process.Process, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.proc != nil {
		return pc.proc, nil
	}
	proc, err := process.NewProcess(pc.pid)
	if err != nil {
		return nil, err
	}
	pc.proc = proc
	return proc, nil
}

// Sample reads the current usage. Fields the platform cannot report are
// left zero.
func (pc *ProcessCollector) Sample() ResourceUsage {
	var u ResourceUsage
	proc, err := pc.handle()
	if err != nil {
		pc.logger.Debug("process not found", zap.Int32("pid", pc.pid), zap.Error(err))
		return u
	}

	if times, err := proc.Times(); err == nil {
		u.CPUSeconds = times.User + times.System
	}
	if memInfo, err := proc.MemoryInfo(); err == nil {
		u.RSSBytes = memInfo.RSS
		u.VMSBytes = memInfo.VMS
	}
	if threads, err := proc.NumThreads(); err == nil {
		u.Threads = threads
	}
	// I/O counters need elevated privileges on some platforms.
	if io, err := proc.IOCounters(); err == nil {
		u.ReadBytes = io.ReadBytes
		u.WriteBytes = io.WriteBytes
	}
	return u
}

// Start begins periodic metric collection.
func (pc *ProcessCollector) Start(ctx context.Context, interval time.Duration) error {
	if interval == 0 {
		interval = 15 * time.Second
	}

	pc.wg.Add(1)
	go func() {
		defer pc.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		pc.collect()

		for {
			select {
			case <-ticker.C:
				pc.collect()
			case <-pc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	pc.logger.Info("process metrics collector started", zap.Duration("interval", interval))
	return nil
}

// Stop halts metric collection.
func (pc *ProcessCollector) Stop() error {
	pc.stopOnce.Do(func() { close(pc.stopCh) })
	pc.wg.Wait()
	return nil
}

func (pc *ProcessCollector) collect() {
	now := time.Now()
	ms := pc.Metrics(pc.Sample(), now)

	pc.mu.RLock()
	paths := pc.fsPaths
	pc.mu.RUnlock()
	if len(paths) > 0 {
		ms = append(ms, HostMetrics(pc.logger, now, paths...)...)
	}
	for _, m := range ms {
		pc.emit(m)
	}
}

// Metrics converts a usage sample into OTEL semconv process metrics.
func (pc *ProcessCollector) Metrics(u ResourceUsage, now time.Time) []*Metric {
	labels := map[string]string{"pid": fmt.Sprintf("%d", pc.pid)}
	return []*Metric{
		NewCounter("process.cpu.time", "s", u.CPUSeconds, pc.startTime, now, labels),
		NewGauge("process.memory.usage", "By", float64(u.RSSBytes), now, labels),
		NewGauge("process.memory.virtual", "By", float64(u.VMSBytes), now, labels),
		NewGauge("process.thread.count", "{threads}", float64(u.Threads), now, labels),
		NewCounter("process.disk.io", "By", float64(u.ReadBytes), pc.startTime, now,
			mergeMaps(labels, map[string]string{"disk.io.direction": "read"})),
		NewCounter("process.disk.io", "By", float64(u.WriteBytes), pc.startTime, now,
			mergeMaps(labels, map[string]string{"disk.io.direction": "write"})),
	}
}
