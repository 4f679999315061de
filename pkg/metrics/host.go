// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// HostMetrics samples host load, memory and the filesystems holding paths.
func HostMetrics(logger *zap.Logger, now time.Time, paths ...string) []*Metric {
	if logger == nil {
		logger = zap.NewNop()
	}
	var out []*Metric

	if avg, err := load.Avg(); err == nil {
		out = append(out,
			NewGauge("system.cpu.load_average.1m", "{thread}", avg.Load1, now, nil),
			NewGauge("system.cpu.load_average.5m", "{thread}", avg.Load5, now, nil),
			NewGauge("system.cpu.load_average.15m", "{thread}", avg.Load15, now, nil),
		)
		if n := float64(runtime.NumCPU()); n > 0 {
			out = append(out, NewGauge("system.cpu.load_average.1m.normalized", "1", avg.Load1/n, now, nil))
		}
	} else {
		logger.Debug("load average error", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		out = append(out,
			NewGauge("system.memory.usage", "By", float64(vm.Used), now, map[string]string{"state": "used"}),
			NewGauge("system.memory.usage", "By", float64(vm.Available), now, map[string]string{"state": "available"}),
			NewGauge("system.memory.utilization", "1", vm.UsedPercent/100, now, nil),
		)
	} else {
		logger.Debug("memory stats error", zap.Error(err))
	}

	for _, p := range paths {
		u, err := disk.Usage(p)
		if err != nil {
			logger.Debug("disk usage error", zap.String("path", p), zap.Error(err))
			continue
		}
		labels := map[string]string{"path": p, "fstype": u.Fstype}
		out = append(out,
			NewGauge("system.filesystem.usage", "By", float64(u.Used), now, mergeMaps(labels, map[string]string{"state": "used"})),
			NewGauge("system.filesystem.usage", "By", float64(u.Free), now, mergeMaps(labels, map[string]string{"state": "free"})),
			NewGauge("system.filesystem.utilization", "1", u.UsedPercent/100, now, labels),
		)
	}
	return out
}
