// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"time"
)

// Metric represents a single metric data point.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Type        MetricType
	Value       float64
	Timestamp   time.Time
	StartTime   time.Time // Start time for cumulative counters (OTLP StartTimeUnixNano)
	Labels      map[string]string
}

// MetricType identifies the kind of metric.
type MetricType int

const (
	Gauge MetricType = iota
	Counter
)

func (t MetricType) String() string {
	switch t {
	case Gauge:
		return "gauge"
	case Counter:
		return "counter"
	default:
		return "unknown"
	}
}

// NewCounter returns a cumulative counter data point.
func NewCounter(name, unit string, value float64, start, now time.Time, labels map[string]string) *Metric {
	return &Metric{
		Name:      name,
		Unit:      unit,
		Type:      Counter,
		Value:     value,
		Timestamp: now,
		StartTime: start,
		Labels:    labels,
	}
}

// NewGauge returns a gauge data point.
func NewGauge(name, unit string, value float64, now time.Time, labels map[string]string) *Metric {
	return &Metric{
		Name:      name,
		Unit:      unit,
		Type:      Gauge,
		Value:     value,
		Timestamp: now,
		Labels:    labels,
	}
}

func mergeMaps(a, b map[string]string) map[string]string {
	m := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		m[k] = v
	}
	for k, v := range b {
		m[k] = v
	}
	return m
}
