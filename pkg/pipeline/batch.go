// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package pipeline

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunBatch processes jobs with at most batch.parallelism files in flight.
// Reports are returned in job order. A failed file does not stop the batch;
// only cancellation does, in which case the context error is returned.
func (p *Processor) RunBatch(ctx context.Context, jobs []Job) ([]*FileReport, error) {
	limit := p.cfg.Load().Batch.Parallelism
	if limit < 1 {
		limit = 1
	}

	reports := make([]*FileReport, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, job := range jobs {
		if gctx.Err() != nil {
			break
		}
		i, job := i, job
		g.Go(func() error {
			rep, err := p.Process(gctx, job)
			reports[i] = rep
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	failed := 0
	for _, r := range reports {
		if r != nil && r.Status == StatusFailed {
			failed++
		}
	}
	p.logger.Info("batch finished",
		zap.Int("files", len(jobs)),
		zap.Int("failed", failed),
		zap.Int("parallelism", limit),
	)
	return reports, err
}
