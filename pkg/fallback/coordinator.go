// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrAllStrategiesFailed is returned when no strategy produced output.
var ErrAllStrategiesFailed = errors.New("all masking strategies failed")

// Input is handed to every strategy. Strategies must not modify it; each
// works on its own copy of the frames.
type Input struct {
	Source string
	// Payload is strategy-specific input, shared read-only.
	Payload any
}

// Output is the result of a successful strategy.
type Output struct {
	// Result is strategy-specific output.
	Result any
	// Warnings are non-fatal anomalies met by the strategy.
	Warnings []string
}

// Strategy is one tier of the masking chain.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, in *Input) (*Output, error)
}

// Attempt records one strategy invocation.
type Attempt struct {
	Strategy string
	Err      error
	Duration time.Duration
}

// Result is the outcome of Run.
type Result struct {
	Output   *Output
	Tier     string
	Attempts []Attempt
}

// Coordinator runs strategies in order until one succeeds.
type Coordinator struct {
	logger     *zap.Logger
	strategies []Strategy
}

// New creates a coordinator over strategies, tried in the given order.
func New(logger *zap.Logger, strategies ...Strategy) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{logger: logger, strategies: strategies}
}

// Strategies returns the names of the configured tiers in order.
func (c *Coordinator) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Run tries each strategy in turn. Context cancellation stops the chain
// immediately and is returned as is.
func (c *Coordinator) Run(ctx context.Context, in *Input) (*Result, error) {
	res := &Result{}
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		start := time.Now()
		out, err := s.Attempt(ctx, in)
		res.Attempts = append(res.Attempts, Attempt{Strategy: s.Name(), Err: err, Duration: time.Since(start)})

		if err == nil && out != nil {
			res.Output = out
			res.Tier = s.Name()
			return res, nil
		}
		if err == nil {
			err = errors.New("strategy returned no output")
			res.Attempts[len(res.Attempts)-1].Err = err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		c.logger.Warn("masking strategy failed, trying next tier",
			zap.String("source", in.Source),
			zap.String("strategy", s.Name()),
			zap.Error(err),
		)
	}
	return res, fmt.Errorf("%s: %w", in.Source, ErrAllStrategiesFailed)
}
