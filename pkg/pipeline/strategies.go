// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mbeema/pktmask/pkg/applier"
	"github.com/mbeema/pktmask/pkg/capture"
	"github.com/mbeema/pktmask/pkg/config"
	"github.com/mbeema/pktmask/pkg/conntrack"
	"github.com/mbeema/pktmask/pkg/fallback"
	"github.com/mbeema/pktmask/pkg/protocol"
	"github.com/mbeema/pktmask/pkg/recipe"
	"github.com/mbeema/pktmask/pkg/redact"
	"github.com/mbeema/pktmask/pkg/rulegen"
)

// ErrUpstreamDissection means no usable protocol records exist for a file.
// The primary strategy returns it so that a coarser tier takes over.
var ErrUpstreamDissection = errors.New("upstream dissection failed")

// maskInput is the read-only state every tier starts from.
type maskInput struct {
	file  *capture.File
	conns *conntrack.Tracker

	records    []protocol.Record
	recordsErr error

	// payloadFrames counts frames carrying TCP payload. A capture without
	// any needs no records to be masked correctly.
	payloadFrames int

	applierCfg  applier.Config
	policies    *rulegen.PolicySet
	keepBytes   int
	wantRecipe  bool
	recipeLabel string
}

// tierResult is what a successful tier hands back.
type tierResult struct {
	file    *capture.File
	stats   applier.Stats
	flagged []int
	rules   int
	recipe  *recipe.Recipe
}

func payloadOf(in *fallback.Input) (*maskInput, error) {
	mi, ok := in.Payload.(*maskInput)
	if !ok || mi == nil {
		return nil, fmt.Errorf("unexpected strategy input %T", in.Payload)
	}
	return mi, nil
}

// cloneFile deep-copies frame data so tiers never share buffers.
func cloneFile(f *capture.File) *capture.File {
	frames := make([]capture.Frame, len(f.Frames))
	for i, fr := range f.Frames {
		frames[i] = capture.Frame{
			Index: fr.Index,
			CI:    fr.CI,
			Data:  append([]byte(nil), fr.Data...),
		}
	}
	return f.Clone(frames)
}

// buildChain assembles the enabled tiers in configured order.
func buildChain(cfg *config.Config, logger *zap.Logger) *fallback.Coordinator {
	var strategies []fallback.Strategy
	for _, name := range cfg.Fallback.Tiers {
		switch name {
		case config.TierPrimary:
			strategies = append(strategies, &primaryStrategy{logger: logger})
		case config.TierTrimmer:
			strategies = append(strategies, &trimmerStrategy{logger: logger})
		case config.TierGeneric:
			strategies = append(strategies, &genericStrategy{logger: logger})
		}
	}
	return fallback.New(logger, strategies...)
}

// runApplier masks a copy of the input file with a, optionally recording
// the decisions taken as a recipe first.
func runApplier(ctx context.Context, a *applier.Applier, mi *maskInput) (*tierResult, error) {
	var rc *recipe.Recipe
	if mi.wantRecipe {
		var err error
		if rc, err = planRecipe(ctx, a, mi); err != nil {
			return nil, err
		}
	}

	out := cloneFile(mi.file)
	run, err := a.ApplyAll(ctx, out)
	if err != nil {
		return nil, err
	}

	res := &tierResult{file: out, stats: run.Stats, recipe: rc}
	for _, f := range run.Flagged {
		res.flagged = append(res.flagged, f.Frame)
	}
	return res, nil
}

// planRecipe records, for each frame of the unmodified input, the spec a
// would apply. Frames kept whole need no instruction.
func planRecipe(ctx context.Context, a *applier.Applier, mi *maskInput) (*recipe.Recipe, error) {
	rc := recipe.New(mi.recipeLabel, mi.file)
	err := applier.Sequential(ctx, mi.file.Frames, mi.applierCfg.CancelCheckInterval, func(fr *capture.Frame) error {
		loc, ok := a.Locate(fr, mi.file.LinkType)
		if !ok {
			return nil
		}
		spec := redact.SpecOf(a.KeepMap(loc.View))
		if spec.IsKeepAll() {
			return nil
		}
		rc.Add(recipe.Instruction{
			PacketIndex:    fr.Index,
			TimestampNanos: fr.CI.Timestamp.UnixNano(),
			Offset:         loc.Offset,
			PayloadLength:  len(loc.View.Payload),
			Spec:           spec,
		})
		return nil
	})
	return rc, err
}

// primaryStrategy turns records into rules and masks with them.
type primaryStrategy struct {
	logger *zap.Logger
}

func (s *primaryStrategy) Name() string { return config.TierPrimary }

func (s *primaryStrategy) Attempt(ctx context.Context, in *fallback.Input) (*fallback.Output, error) {
	mi, err := payloadOf(in)
	if err != nil {
		return nil, err
	}
	if mi.recordsErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamDissection, mi.recordsErr)
	}
	if len(mi.records) == 0 && mi.payloadFrames > 0 {
		return nil, fmt.Errorf("%w: no protocol records for %d payload frames", ErrUpstreamDissection, mi.payloadFrames)
	}

	gen := rulegen.New(s.logger, mi.policies, mi.conns)
	gr := gen.Generate(mi.records)
	if gr.Rules == 0 && mi.payloadFrames > 0 {
		return nil, fmt.Errorf("%w: none of %d records produced a usable rule", ErrUpstreamDissection, len(mi.records))
	}

	table := gr.Builder.Finalize()
	a := applier.New(s.logger, table, mi.conns, mi.applierCfg)
	res, err := runApplier(ctx, a, mi)
	if err != nil {
		return nil, err
	}
	res.rules = gr.Rules

	out := &fallback.Output{Result: res}
	for _, w := range gr.Warnings {
		out.Warnings = append(out.Warnings, w.String())
	}
	if n := gr.Builder.Rejected(); n > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d rules rejected by the rule table", n))
	}
	return out, nil
}

// trimmerStrategy keeps protocol headers it can recognize in each segment
// on its own, without reassembly, and masks everything else.
type trimmerStrategy struct {
	logger *zap.Logger
}

func (s *trimmerStrategy) Name() string { return config.TierTrimmer }

func (s *trimmerStrategy) Attempt(ctx context.Context, in *fallback.Input) (*fallback.Output, error) {
	mi, err := payloadOf(in)
	if err != nil {
		return nil, err
	}

	cfg := mi.applierCfg
	cfg.Default = applier.DefaultMask
	a := applier.New(s.logger, nil, mi.conns, cfg)
	link := mi.file.LinkType

	var st applier.Stats
	masked := make(map[int]int)
	rc := recipe.New(mi.recipeLabel, mi.file)
	err = applier.Sequential(ctx, mi.file.Frames, cfg.CancelCheckInterval, func(fr *capture.Frame) error {
		st.Frames++
		loc, ok := a.Locate(fr, link)
		if !ok {
			return nil
		}
		keep, _ := protocol.SegmentKeepMap(loc.View.Payload, mi.keepBytes)
		spec := redact.SpecOf(keep)
		n := len(loc.View.Payload)
		kept := int(spec.KeptIn(0, uint64(n)))

		st.TCPFrames++
		if mi.conns.Retransmitted(fr.Index) {
			st.Retransmissions++
		}
		st.KeptBytes += uint64(kept)
		st.MaskedBytes += uint64(n - kept)
		if spec.IsKeepAll() {
			return nil
		}
		masked[fr.Index] = n - kept
		rc.Add(recipe.Instruction{
			PacketIndex:    fr.Index,
			TimestampNanos: fr.CI.Timestamp.UnixNano(),
			Offset:         loc.Offset,
			PayloadLength:  n,
			Spec:           spec,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := cloneFile(mi.file)
	_, errs := recipe.Replay(rc, out, a)
	res := &tierResult{file: out}
	for _, e := range errs {
		var cre *applier.ChecksumRecomputeError
		if !errors.As(e, &cre) {
			return nil, fmt.Errorf("rewrite: %w", e)
		}
		// The frame went out unmodified.
		res.flagged = append(res.flagged, cre.Frame)
		st.Flagged++
		st.MaskedBytes -= uint64(masked[cre.Frame])
		st.KeptBytes += uint64(masked[cre.Frame])
	}
	res.stats = st
	if mi.wantRecipe {
		res.recipe = rc
	}
	return &fallback.Output{Result: res}, nil
}

// genericStrategy masks every TCP payload byte.
type genericStrategy struct {
	logger *zap.Logger
}

func (s *genericStrategy) Name() string { return config.TierGeneric }

func (s *genericStrategy) Attempt(ctx context.Context, in *fallback.Input) (*fallback.Output, error) {
	mi, err := payloadOf(in)
	if err != nil {
		return nil, err
	}
	cfg := mi.applierCfg
	cfg.Default = applier.DefaultMask
	a := applier.New(s.logger, nil, mi.conns, cfg)
	res, err := runApplier(ctx, a, mi)
	if err != nil {
		return nil, err
	}
	return &fallback.Output{Result: res}, nil
}
