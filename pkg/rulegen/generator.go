// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package rulegen

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/mbeema/pktmask/pkg/conntrack"
	"github.com/mbeema/pktmask/pkg/mask"
	"github.com/mbeema/pktmask/pkg/protocol"
	"github.com/mbeema/pktmask/pkg/ruletable"
)

// ErrUnknownStream is reported for records whose stream is not in the capture.
var ErrUnknownStream = errors.New("record refers to unknown stream")

// maxRecordLen keeps a record within one sequence epoch.
const maxRecordLen = math.MaxInt32

// Connections resolves record streams to tracked connections.
type Connections interface {
	ByIndex(index int) (*conntrack.Conn, bool)
	Lookup(key mask.StreamKey) (*conntrack.Conn, bool)
}

// Warning is a record the generator skipped.
type Warning struct {
	Record protocol.Record
	Err    error
}

func (w Warning) String() string {
	return fmt.Sprintf("record %s %s: %v", w.Record.ID, w.Record, w.Err)
}

// Result is the output of one generation run.
type Result struct {
	Builder  *ruletable.Builder
	Rules    int
	Warnings []Warning
}

// Generator turns protocol records into keep rules.
type Generator struct {
	logger   *zap.Logger
	policies *PolicySet
	conns    Connections
}

// New creates a generator.
func New(logger *zap.Logger, policies *PolicySet, conns Connections) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policies == nil {
		policies = NewPolicySet()
	}
	return &Generator{logger: logger, policies: policies, conns: conns}
}

// Generate builds an unfinalized rule table from records. Bad records are
// skipped with a warning and never abort the run.
func (g *Generator) Generate(records []protocol.Record) *Result {
	res := &Result{Builder: ruletable.NewBuilder()}
	pinned := make(map[mask.StreamKey]bool)

	for i, rec := range records {
		if rec.ID == "" {
			rec.ID = fmt.Sprintf("rec:%d", i)
		}
		rule, origin, err := g.ruleFor(rec)
		if err != nil {
			res.Warnings = append(res.Warnings, Warning{Record: rec, Err: err})
			g.logger.Debug("record skipped", zap.String("record", rec.ID), zap.Error(err))
			continue
		}
		if !pinned[rule.Stream] {
			if err := res.Builder.SetOrigin(rule.Stream, origin); err != nil {
				res.Warnings = append(res.Warnings, Warning{Record: rec, Err: err})
				continue
			}
			pinned[rule.Stream] = true
		}
		if err := res.Builder.Insert(rule); err != nil {
			res.Warnings = append(res.Warnings, Warning{Record: rec, Err: err})
			g.logger.Debug("rule rejected", zap.String("record", rec.ID), zap.Error(err))
			continue
		}
		res.Rules++
	}

	if len(res.Warnings) > 0 {
		g.logger.Warn("records skipped during rule generation",
			zap.Int("skipped", len(res.Warnings)),
			zap.Int("rules", res.Rules),
		)
	}
	return res
}

func (g *Generator) ruleFor(rec protocol.Record) (mask.Rule, uint32, error) {
	if rec.Offset < 0 {
		return mask.Rule{}, 0, &mask.InvalidRuleError{RecordID: rec.ID, Reason: "negative offset"}
	}
	if rec.Length <= 0 || rec.Length > maxRecordLen {
		return mask.Rule{}, 0, &mask.InvalidRuleError{RecordID: rec.ID, Reason: fmt.Sprintf("bad length %d", rec.Length)}
	}

	conn, key, err := g.resolve(rec)
	if err != nil {
		return mask.Rule{}, 0, err
	}
	origin, ok := conn.Origin(key.Dir)
	if !ok {
		return mask.Rule{}, 0, fmt.Errorf("%w: %s has no origin", ErrUnknownStream, key)
	}

	seq := mask.Advance(origin, rec.Offset)
	return mask.Rule{
		Stream:     key,
		SeqStart:   seq,
		SeqEnd:     mask.Advance(seq, rec.Length),
		Spec:       g.specFor(rec),
		Protocol:   rec.Protocol,
		RecordType: rec.Type,
		RecordID:   rec.ID,
	}, origin, nil
}

func (g *Generator) resolve(rec protocol.Record) (*conntrack.Conn, mask.StreamKey, error) {
	if g.conns == nil {
		return nil, mask.StreamKey{}, ErrUnknownStream
	}
	if rec.StreamIndex >= 0 {
		conn, ok := g.conns.ByIndex(rec.StreamIndex)
		if !ok {
			return nil, mask.StreamKey{}, fmt.Errorf("%w: index %d", ErrUnknownStream, rec.StreamIndex)
		}
		return conn, conn.Key(rec.Direction), nil
	}
	conn, ok := g.conns.Lookup(rec.Stream)
	if !ok {
		return nil, mask.StreamKey{}, fmt.Errorf("%w: %s", ErrUnknownStream, rec.Stream)
	}
	return conn, rec.Stream, nil
}

// specFor picks the spec for a record. Partially captured records and
// records of unknown protocols keep all their known bytes.
func (g *Generator) specFor(rec protocol.Record) mask.Spec {
	if !rec.FullyCaptured {
		return mask.KeepAll()
	}
	p, ok := g.policies.Lookup(rec.Protocol)
	if !ok {
		return mask.KeepAll()
	}
	return p.SpecFor(rec.Type)
}
