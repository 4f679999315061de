// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks self-monitoring counters for pktmask. Counters are
// cumulative over the life of the process.
type Stats struct {
	startTime time.Time

	FilesProcessed  atomic.Int64
	FilesFlagged    atomic.Int64
	FilesFailed     atomic.Int64
	FallbackRuns    atomic.Int64
	FramesProcessed atomic.Int64
	BytesMasked     atomic.Int64
	BytesKept       atomic.Int64
	MetricsExported atomic.Int64
	MetricsDropped  atomic.Int64

	mu    sync.Mutex
	tiers map[string]int64
	last  *LastFile
}

// LastFile describes the most recently finished capture.
type LastFile struct {
	Input    string    `json:"input"`
	Status   string    `json:"status"`
	Tier     string    `json:"tier,omitempty"`
	Frames   int       `json:"frames"`
	Flagged  int       `json:"flagged"`
	Error    string    `json:"error,omitempty"`
	Finished time.Time `json:"finished"`
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
		tiers:     make(map[string]int64),
	}
}

// RecordFile counts a finished capture against the tier that masked it
// and remembers it as the last file. Failed files have no tier.
func (s *Stats) RecordFile(f LastFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Tier != "" {
		s.tiers[f.Tier]++
	}
	s.last = &f
}

// TierRuns returns how many captures the named tier masked.
func (s *Stats) TierRuns(tier string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tiers[tier]
}

// Last returns the most recently finished capture.
func (s *Stats) Last() (LastFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return LastFile{}, false
	}
	return *s.last, true
}

func (s *Stats) tierRuns() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.tiers))
	for k, v := range s.tiers {
		out[k] = v
	}
	return out
}

// Uptime returns process uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds   float64
	Goroutines      int
	MemoryRSSBytes  uint64
	FilesProcessed  int64
	FilesFlagged    int64
	FilesFailed     int64
	FallbackRuns    int64
	FramesProcessed int64
	BytesMasked     int64
	BytesKept       int64
	MetricsExported int64
	MetricsDropped  int64
	TierRuns        map[string]int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		UptimeSeconds:   s.Uptime().Seconds(),
		Goroutines:      runtime.NumGoroutine(),
		MemoryRSSBytes:  memStats.Sys,
		FilesProcessed:  s.FilesProcessed.Load(),
		FilesFlagged:    s.FilesFlagged.Load(),
		FilesFailed:     s.FilesFailed.Load(),
		FallbackRuns:    s.FallbackRuns.Load(),
		FramesProcessed: s.FramesProcessed.Load(),
		BytesMasked:     s.BytesMasked.Load(),
		BytesKept:       s.BytesKept.Load(),
		MetricsExported: s.MetricsExported.Load(),
		MetricsDropped:  s.MetricsDropped.Load(),
		TierRuns:        s.tierRuns(),
	}
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	snap := s.Snapshot()
	return prometheusFormat(snap)
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "pktmask_uptime_seconds", "gauge", "Process uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "pktmask_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "pktmask_memory_rss_bytes", "gauge", "Memory usage in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "pktmask_files_processed_total", "counter", "Capture files masked", float64(snap.FilesProcessed))
	b = appendMetric(b, "pktmask_files_flagged_total", "counter", "Capture files with frames passed through unmasked", float64(snap.FilesFlagged))
	b = appendMetric(b, "pktmask_files_failed_total", "counter", "Capture files no strategy could mask", float64(snap.FilesFailed))
	b = appendMetric(b, "pktmask_fallback_runs_total", "counter", "Files masked by a fallback tier", float64(snap.FallbackRuns))
	b = appendMetric(b, "pktmask_frames_processed_total", "counter", "Frames written to masked captures", float64(snap.FramesProcessed))
	b = appendMetric(b, "pktmask_bytes_masked_total", "counter", "TCP payload bytes overwritten", float64(snap.BytesMasked))
	b = appendMetric(b, "pktmask_bytes_kept_total", "counter", "TCP payload bytes preserved", float64(snap.BytesKept))
	b = appendMetric(b, "pktmask_metrics_exported_total", "counter", "Metric points exported", float64(snap.MetricsExported))
	b = appendMetric(b, "pktmask_metrics_dropped_total", "counter", "Metric points dropped", float64(snap.MetricsDropped))
	b = appendTierRuns(b, snap.TierRuns)
	return string(b)
}

// appendTierRuns writes one labelled sample per tier, sorted by tier name.
func appendTierRuns(b []byte, runs map[string]int64) []byte {
	if len(runs) == 0 {
		return b
	}
	const name = "pktmask_tier_runs_total"
	b = append(b, "# HELP "+name+" Capture files masked per strategy tier\n"...)
	b = append(b, "# TYPE "+name+" counter\n"...)
	tiers := make([]string, 0, len(runs))
	for t := range runs {
		tiers = append(tiers, t)
	}
	sort.Strings(tiers)
	for _, t := range tiers {
		b = append(b, name+`{tier="`+t+`"} `...)
		b = appendFloat(b, float64(runs[t]))
		b = append(b, '\n')
	}
	return b
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, f float64) []byte {
	// Use simple formatting; avoid importing strconv for this
	if f == float64(int64(f)) {
		return append(b, []byte(intToStr(int64(f)))...)
	}
	// Use fmt-free float formatting for common cases
	return append(b, []byte(floatToStr(f))...)
}

func intToStr(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte(n%10) + '0'
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func floatToStr(f float64) string {
	// Simple 6 decimal place formatting
	neg := f < 0
	if neg {
		f = -f
	}
	whole := int64(f)
	frac := int64((f - float64(whole)) * 1000000)
	if frac < 0 {
		frac = -frac
	}

	s := intToStr(whole) + "."
	fracStr := intToStr(frac)
	// Pad to 6 digits
	for len(fracStr) < 6 {
		fracStr = "0" + fracStr
	}
	s += fracStr

	// Trim trailing zeros after decimal
	for len(s) > 1 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}

	if neg {
		s = "-" + s
	}
	return s
}
