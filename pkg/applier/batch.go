// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package applier

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mbeema/pktmask/pkg/capture"
)

// RunResult is the outcome of ApplyAll.
type RunResult struct {
	Stats Stats
	// Flagged lists frames emitted unmodified because their checksums could
	// not be repaired, in frame order.
	Flagged []*ChecksumRecomputeError
}

// ApplyAll masks every frame of file in place. Disjoint frame ranges are
// processed concurrently when Workers > 1. Cancellation is checked every
// CancelCheckInterval frames.
func (a *Applier) ApplyAll(ctx context.Context, file *capture.File) (*RunResult, error) {
	workers := a.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	n := len(file.Frames)
	if workers > n {
		workers = max(n, 1)
	}

	parts := make([]RunResult, workers)
	g, gctx := errgroup.WithContext(ctx)
	per := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo, hi := w*per, min((w+1)*per, n)
		if lo >= hi {
			continue
		}
		w := w
		g.Go(func() error {
			return a.applyRange(gctx, file, lo, hi, &parts[w])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &RunResult{}
	for i := range parts {
		res.Stats.Add(parts[i].Stats)
		res.Flagged = append(res.Flagged, parts[i].Flagged...)
	}
	sort.Slice(res.Flagged, func(i, j int) bool { return res.Flagged[i].Frame < res.Flagged[j].Frame })

	a.logger.Debug("frames masked",
		zap.Int("frames", res.Stats.Frames),
		zap.Int("tcp_frames", res.Stats.TCPFrames),
		zap.Uint64("masked_bytes", res.Stats.MaskedBytes),
		zap.Int("flagged", res.Stats.Flagged),
		zap.Int("workers", workers),
	)
	return res, nil
}

func (a *Applier) applyRange(ctx context.Context, file *capture.File, lo, hi int, out *RunResult) error {
	rr, _ := a.resolver.(retransmissionReporter)
	for i := lo; i < hi; i++ {
		if (i-lo)%a.cfg.CancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		fr := &file.Frames[i]
		res, err := a.ApplyFrame(fr, file.LinkType)
		if err != nil {
			var cre *ChecksumRecomputeError
			if !errors.As(err, &cre) {
				return err
			}
			out.Flagged = append(out.Flagged, cre)
			a.logger.Warn("frame passed through unmasked", zap.Int("frame", fr.Index), zap.Error(cre.Err))
		}
		out.Stats.record(res, res.TCP && rr != nil && rr.Retransmitted(fr.Index))
	}
	return nil
}

// Sequential calls fn for each frame in order, checking ctx every `every`
// frames.
func Sequential(ctx context.Context, frames []capture.Frame, every int, fn func(*capture.Frame) error) error {
	if every <= 0 {
		every = 256
	}
	for i := range frames {
		if i%every == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(&frames[i]); err != nil {
			return err
		}
	}
	return nil
}
