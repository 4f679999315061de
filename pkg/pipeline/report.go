// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mbeema/pktmask/pkg/applier"
	"github.com/mbeema/pktmask/pkg/metrics"
)

// Status is the outcome of one file.
type Status string

const (
	// StatusOK means every frame was written masked as decided.
	StatusOK Status = "ok"
	// StatusFlagged means the output was written but some frames passed
	// through unmasked because their checksums could not be repaired.
	StatusFlagged Status = "flagged"
	// StatusFailed means no output was produced.
	StatusFailed Status = "failed"
)

// maxWarnings bounds the warnings kept in a report.
const maxWarnings = 256

// TierAttempt is one strategy invocation of the fallback chain.
type TierAttempt struct {
	Tier            string  `json:"tier"`
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// FileReport describes the processing of one capture file.
type FileReport struct {
	RunID    string    `json:"run_id"`
	Mode     string    `json:"mode"` // "mask" or "replay"
	Input    string    `json:"input"`
	Output   string    `json:"output,omitempty"`
	Recipe   string    `json:"recipe,omitempty"`
	Format   string    `json:"format,omitempty"`
	Status   Status    `json:"status"`
	Started  time.Time `json:"started"`
	Duration float64   `json:"duration_seconds"`

	Tier         string        `json:"tier,omitempty"`
	Attempts     []TierAttempt `json:"attempts,omitempty"`
	RecordSource string        `json:"record_source,omitempty"` // "feed" or "scanner"
	Records      int           `json:"records"`
	Rules        int           `json:"rules"`
	Connections  int           `json:"connections"`

	Stats         applier.Stats `json:"stats"`
	FlaggedFrames []int         `json:"flagged_frames,omitempty"`

	Warnings        []string `json:"warnings,omitempty"`
	WarningsDropped int      `json:"warnings_dropped,omitempty"`
	Error           string   `json:"error,omitempty"`

	Resources metrics.ResourceUsage `json:"resources"`
}

func newReport(mode, input, output string) *FileReport {
	return &FileReport{
		RunID:   uuid.NewString(),
		Mode:    mode,
		Input:   input,
		Output:  output,
		Status:  StatusFailed,
		Started: time.Now(),
	}
}

// Warn appends a warning, counting those past the cap.
func (r *FileReport) Warn(format string, args ...any) {
	if len(r.Warnings) >= maxWarnings {
		r.WarningsDropped++
		return
	}
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *FileReport) fail(err error) {
	r.Status = StatusFailed
	r.Error = err.Error()
}

// WriteJSON encodes the report as indented JSON.
func (r *FileReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Metrics converts the report into counters for export.
func (r *FileReport) Metrics(now time.Time) []*metrics.Metric {
	labels := map[string]string{
		"file":   filepath.Base(r.Input),
		"mode":   r.Mode,
		"status": string(r.Status),
		"tier":   r.Tier,
	}
	st := r.Stats
	start := r.Started
	return []*metrics.Metric{
		metrics.NewCounter("pktmask.frames", "{frames}", float64(st.Frames), start, now, labels),
		metrics.NewCounter("pktmask.frames.tcp_payload", "{frames}", float64(st.TCPFrames), start, now, labels),
		metrics.NewCounter("pktmask.frames.flagged", "{frames}", float64(st.Flagged), start, now, labels),
		metrics.NewCounter("pktmask.frames.truncated", "{frames}", float64(st.Truncated), start, now, labels),
		metrics.NewCounter("pktmask.bytes.masked", "By", float64(st.MaskedBytes), start, now, labels),
		metrics.NewCounter("pktmask.bytes.kept", "By", float64(st.KeptBytes), start, now, labels),
		metrics.NewCounter("pktmask.bytes.gap", "By", float64(st.GapBytes), start, now, labels),
		metrics.NewGauge("pktmask.rules", "{rules}", float64(r.Rules), now, labels),
		metrics.NewGauge("pktmask.run.duration", "s", r.Duration, now, labels),
		metrics.NewGauge("pktmask.run.cpu_time", "s", r.Resources.CPUSeconds, now, labels),
		metrics.NewGauge("pktmask.run.memory.rss", "By", float64(r.Resources.RSSBytes), now, labels),
	}
}
