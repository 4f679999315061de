// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"github.com/mbeema/pktmask/pkg/applier"
	"github.com/mbeema/pktmask/pkg/capture"
	"github.com/mbeema/pktmask/pkg/config"
	"github.com/mbeema/pktmask/pkg/conntrack"
	"github.com/mbeema/pktmask/pkg/fallback"
	"github.com/mbeema/pktmask/pkg/health"
	"github.com/mbeema/pktmask/pkg/mask"
	"github.com/mbeema/pktmask/pkg/metrics"
	"github.com/mbeema/pktmask/pkg/protocol"
	"github.com/mbeema/pktmask/pkg/reassembly"
	"github.com/mbeema/pktmask/pkg/recipe"
	"github.com/mbeema/pktmask/pkg/rulegen"
)

// Job names one capture to mask.
type Job struct {
	Input  string
	Output string
	// Feed is a record feed for this capture. It overrides
	// masking.record_feed; when both are empty the built-in scanners
	// locate records.
	Feed string
}

// Processor masks capture files. It is safe for concurrent use; every
// file is processed with the configuration current when it started.
type Processor struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger

	stats *health.Stats
	usage *metrics.ProcessCollector

	mu        sync.RWMutex
	callbacks []func(*FileReport)
}

// New creates a processor. The policy overrides of cfg are checked here so
// that a bad policy fails at startup rather than per file.
func New(cfg *config.Config, logger *zap.Logger) (*Processor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := buildPolicies(cfg); err != nil {
		return nil, err
	}
	p := &Processor{
		logger: logger,
		usage:  metrics.NewProcessCollector(logger),
	}
	p.cfg.Store(cfg)
	return p, nil
}

// SetStats makes the processor count files into stats.
func (p *Processor) SetStats(stats *health.Stats) {
	p.stats = stats
}

// OnReport registers a callback invoked with every finished report.
func (p *Processor) OnReport(fn func(*FileReport)) {
	p.mu.Lock()
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
}

// Config returns the current configuration.
func (p *Processor) Config() *config.Config {
	return p.cfg.Load()
}

// Reload swaps in a new configuration. Files already being processed
// finish with the previous one.
func (p *Processor) Reload(cfg *config.Config) error {
	if _, err := buildPolicies(cfg); err != nil {
		return err
	}
	p.cfg.Store(cfg)
	p.logger.Info("configuration reloaded",
		zap.String("default_policy", cfg.Masking.DefaultPolicy),
		zap.Strings("tiers", cfg.Fallback.Tiers),
		zap.Int("workers", cfg.Masking.Workers),
	)
	return nil
}

func buildPolicies(cfg *config.Config) (*rulegen.PolicySet, error) {
	ps := rulegen.NewPolicySet()
	for name, pc := range cfg.Policies {
		if err := ps.Override(protocol.ParseProtocol(name), pc.Templates, pc.Default); err != nil {
			return nil, fmt.Errorf("policies.%s: %w", name, err)
		}
	}
	return ps, nil
}

func applierConfig(cfg *config.Config) applier.Config {
	return applier.Config{
		Default:             cfg.DefaultPolicy(),
		Workers:             cfg.Masking.Workers,
		CancelCheckInterval: cfg.Masking.CancelCheckInterval,
		DryRun:              cfg.Masking.DryRun,
	}
}

// ProcessFile masks in and writes the result to out.
func (p *Processor) ProcessFile(ctx context.Context, in, out string) (*FileReport, error) {
	return p.Process(ctx, Job{Input: in, Output: out})
}

// Process runs one job. The returned error is non-nil only when no output
// was written; frame-level problems are reported in the FileReport.
func (p *Processor) Process(ctx context.Context, job Job) (*FileReport, error) {
	cfg := p.cfg.Load()
	rep := newReport("mask", job.Input, job.Output)
	before := p.usage.Sample()
	defer p.finish(rep, before)

	file, err := capture.ReadFile(job.Input)
	if err != nil {
		rep.fail(err)
		return rep, err
	}
	rep.Format = file.Format.String()

	policies, err := buildPolicies(cfg)
	if err != nil {
		rep.fail(err)
		return rep, err
	}

	mi, err := p.prepare(ctx, cfg, job, file, rep)
	if err != nil {
		rep.fail(err)
		return rep, err
	}
	mi.policies = policies

	chain := buildChain(cfg, p.logger)
	res, err := chain.Run(ctx, &fallback.Input{Source: job.Input, Payload: mi})
	for _, a := range res.Attempts {
		ta := TierAttempt{Tier: a.Strategy, DurationSeconds: a.Duration.Seconds()}
		if a.Err != nil {
			ta.Error = a.Err.Error()
		}
		rep.Attempts = append(rep.Attempts, ta)
	}
	if err != nil {
		rep.fail(err)
		return rep, err
	}

	tr, ok := res.Output.Result.(*tierResult)
	if !ok {
		err := fmt.Errorf("tier %s returned %T", res.Tier, res.Output.Result)
		rep.fail(err)
		return rep, err
	}
	rep.Tier = res.Tier
	rep.Rules = tr.rules
	rep.Stats = tr.stats
	rep.FlaggedFrames = tr.flagged
	for _, w := range res.Output.Warnings {
		rep.Warn("%s", w)
	}

	if job.Output != "" {
		if err := capture.WriteFile(job.Output, tr.file); err != nil {
			rep.fail(err)
			return rep, err
		}
	}

	if cfg.Recipe.Write && tr.recipe != nil {
		path := recipePath(cfg, job)
		if err := recipe.WriteFile(path, tr.recipe); err != nil {
			rep.Warn("recipe not written: %v", err)
		} else {
			rep.Recipe = path
		}
	}

	rep.Status = StatusOK
	if len(tr.flagged) > 0 {
		rep.Status = StatusFlagged
	}
	return rep, nil
}

// prepare tracks connections and locates protocol records.
func (p *Processor) prepare(ctx context.Context, cfg *config.Config, job Job, file *capture.File, rep *FileReport) (*maskInput, error) {
	mi := &maskInput{
		file:        file,
		conns:       conntrack.NewTracker(),
		applierCfg:  applierConfig(cfg),
		keepBytes:   cfg.Fallback.TrimmerKeepBytes,
		wantRecipe:  cfg.Recipe.Write,
		recipeLabel: filepath.Base(job.Input),
	}

	feed := job.Feed
	if feed == "" {
		feed = cfg.Masking.RecordFeed
	}
	var asm *reassembly.Assembler
	if feed == "" {
		asm = reassembly.NewAssembler(p.logger, cfg.Masking.MaxStreamBuffer)
	}

	// Origins are only final once every frame was tracked, so segments
	// reach the assembler in a second pass.
	var segs []observed
	err := applier.Sequential(ctx, file.Frames, cfg.Masking.CancelCheckInterval, func(fr *capture.Frame) error {
		pkt := gopacket.NewPacket(fr.Data, file.LinkType, gopacket.DecodeOptions{NoCopy: true})
		seg, ok := mi.conns.ObservePacket(fr.Index, pkt)
		if !ok {
			return nil
		}
		if len(seg.Payload) > 0 {
			mi.payloadFrames++
		}
		if asm != nil {
			tcp, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
			segs = append(segs, observed{seg: seg, tcp: tcp, frame: fr.Index, seen: fr.CI.Timestamp})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if asm != nil {
		for _, o := range segs {
			asm.Add(o.seg, o.tcp, o.frame, o.seen)
		}
		asm.Flush()
	}
	rep.Connections = mi.conns.Count()

	if feed != "" {
		rep.RecordSource = "feed"
		mi.records, mi.recordsErr = loadFeed(feed, rep)
	} else {
		rep.RecordSource = "scanner"
		mi.records = scanStreams(asm)
		for _, key := range asm.TruncatedStreams() {
			rep.Warn("stream %s exceeded the reassembly buffer; later records not located", key)
		}
	}
	rep.Records = len(mi.records)

	p.logger.Debug("records located",
		zap.String("input", job.Input),
		zap.String("source", rep.RecordSource),
		zap.Int("records", len(mi.records)),
		zap.Int("connections", rep.Connections),
		zap.Int("payload_frames", mi.payloadFrames),
	)
	return mi, nil
}

type observed struct {
	seg   conntrack.Segment
	tcp   *layers.TCP
	frame int
	seen  time.Time
}

var errEmptyFeed = errors.New("record feed has no usable records")

// loadFeed reads a feed. Rejected lines become warnings; a feed with no
// accepted line is an error.
func loadFeed(path string, rep *FileReport) ([]protocol.Record, error) {
	feed, err := protocol.ReadFeedFile(path)
	if err != nil {
		return nil, err
	}
	for _, le := range feed.Rejected {
		rep.Warn("%v", le)
	}
	if len(feed.Records) == 0 {
		return nil, fmt.Errorf("%s: %w (%d lines rejected)", path, errEmptyFeed, len(feed.Rejected))
	}
	return feed.Records, nil
}

// scanStreams runs the built-in scanners over every reassembled stream.
// The protocol found in one direction is the hint for the other.
func scanStreams(asm *reassembly.Assembler) []protocol.Record {
	var out []protocol.Record
	found := make(map[mask.StreamKey]mask.Protocol)
	for _, st := range asm.Streams() {
		recs := protocol.ScanStream(st, found[st.Key.Reverse()])
		if len(recs) > 0 {
			found[st.Key] = recs[0].Protocol
		}
		for i := range recs {
			recs[i].ID = fmt.Sprintf("scan:%d", len(out)+i)
		}
		out = append(out, recs...)
	}
	return out
}

func recipePath(cfg *config.Config, job Job) string {
	base := job.Output
	if base == "" {
		base = job.Input
	}
	name := strings.TrimSuffix(filepath.Base(base), filepath.Ext(base)) + ".recipe.json"
	dir := cfg.Recipe.Dir
	if dir == "" {
		dir = filepath.Dir(base)
	}
	return filepath.Join(dir, name)
}

// ReplayFile applies a stored recipe to in and writes the result to out.
func (p *Processor) ReplayFile(ctx context.Context, in, recipeFile, out string) (*FileReport, error) {
	cfg := p.cfg.Load()
	rep := newReport("replay", in, out)
	rep.Recipe = recipeFile
	before := p.usage.Sample()
	defer p.finish(rep, before)

	rc, err := recipe.ReadFile(recipeFile)
	if err != nil {
		rep.fail(err)
		return rep, err
	}
	file, err := capture.ReadFile(in)
	if err != nil {
		rep.fail(err)
		return rep, err
	}
	rep.Format = file.Format.String()
	if rc.Source.Frames != 0 && rc.Source.Frames != len(file.Frames) {
		rep.Warn("recipe was made for %d frames, capture has %d", rc.Source.Frames, len(file.Frames))
	}
	if err := ctx.Err(); err != nil {
		rep.fail(err)
		return rep, err
	}

	a := applier.New(p.logger, nil, nil, applierConfig(cfg))
	replayed, errs := recipe.Replay(rc, file, a)
	rep.Stats.Frames = len(file.Frames)
	rep.Stats.TCPFrames = replayed.Applied + replayed.Mismatched
	for _, e := range errs {
		var cre *applier.ChecksumRecomputeError
		if errors.As(e, &cre) {
			rep.FlaggedFrames = append(rep.FlaggedFrames, cre.Frame)
			continue
		}
		rep.Warn("%v", e)
	}
	rep.Stats.Flagged = len(rep.FlaggedFrames)

	// A frame that did not match its instruction kept bytes the recipe
	// wanted masked, so the file cannot be reported clean.
	if replayed.Mismatched > len(rep.FlaggedFrames) {
		err := fmt.Errorf("%d frames do not match the recipe: %w",
			replayed.Mismatched-len(rep.FlaggedFrames), recipe.ErrFrameMismatch)
		rep.fail(err)
		return rep, err
	}

	if out != "" {
		if err := capture.WriteFile(out, file); err != nil {
			rep.fail(err)
			return rep, err
		}
	}

	rep.Tier = "recipe"
	rep.Status = StatusOK
	if rep.Stats.Flagged > 0 {
		rep.Status = StatusFlagged
	}
	return rep, nil
}

// finish stamps duration and resource usage, then publishes the report.
func (p *Processor) finish(rep *FileReport, before metrics.ResourceUsage) {
	rep.Duration = time.Since(rep.Started).Seconds()
	rep.Resources = p.usage.Sample().Since(before)

	if s := p.stats; s != nil {
		switch rep.Status {
		case StatusFailed:
			s.FilesFailed.Add(1)
		case StatusFlagged:
			s.FilesFlagged.Add(1)
		}
		if rep.Status != StatusFailed {
			s.FilesProcessed.Add(1)
			s.FramesProcessed.Add(int64(rep.Stats.Frames))
			s.BytesMasked.Add(int64(rep.Stats.MaskedBytes))
			s.BytesKept.Add(int64(rep.Stats.KeptBytes))
			if rep.Tier != "" && rep.Tier != config.TierPrimary && rep.Mode == "mask" {
				s.FallbackRuns.Add(1)
			}
		}
		last := health.LastFile{
			Input:    rep.Input,
			Status:   string(rep.Status),
			Frames:   rep.Stats.Frames,
			Flagged:  rep.Stats.Flagged,
			Error:    rep.Error,
			Finished: rep.Started.Add(time.Duration(rep.Duration * float64(time.Second))),
		}
		if rep.Status != StatusFailed {
			last.Tier = rep.Tier
		}
		s.RecordFile(last)
	}

	fields := []zap.Field{
		zap.String("run_id", rep.RunID),
		zap.String("input", rep.Input),
		zap.String("status", string(rep.Status)),
		zap.String("tier", rep.Tier),
		zap.Int("frames", rep.Stats.Frames),
		zap.Uint64("masked_bytes", rep.Stats.MaskedBytes),
		zap.Int("flagged", rep.Stats.Flagged),
		zap.Int("warnings", len(rep.Warnings)+rep.WarningsDropped),
		zap.Float64("duration_s", rep.Duration),
	}
	switch rep.Status {
	case StatusFailed:
		p.logger.Error("capture not masked", append(fields, zap.String("error", rep.Error))...)
	case StatusFlagged:
		p.logger.Warn("capture masked with unmasked frames", fields...)
	default:
		p.logger.Info("capture masked", fields...)
	}

	p.mu.RLock()
	cbs := p.callbacks
	p.mu.RUnlock()
	for _, cb := range cbs {
		cb(rep)
	}
}
