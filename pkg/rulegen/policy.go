// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package rulegen

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mbeema/pktmask/pkg/mask"
	"github.com/mbeema/pktmask/pkg/protocol"
)

// Policy maps the record types of one protocol to mask specs.
type Policy struct {
	Protocol  mask.Protocol
	Templates map[string]mask.Spec
	// Default applies to record types without a template.
	Default mask.Spec
}

// SpecFor returns the spec for a record type.
func (p *Policy) SpecFor(recordType string) mask.Spec {
	if s, ok := p.Templates[recordType]; ok {
		return s
	}
	return p.Default
}

// TLSPolicy keeps every structural record and the 5-byte header of
// application data.
func TLSPolicy() *Policy {
	return &Policy{
		Protocol: mask.ProtoTLS,
		Templates: map[string]mask.Spec{
			protocol.TLSChangeCipherSpec: mask.KeepAll(),
			protocol.TLSAlert:            mask.KeepAll(),
			protocol.TLSHandshake:        mask.KeepAll(),
			protocol.TLSHeartbeat:        mask.KeepAll(),
			protocol.TLSApplicationData:  mask.MaskAfter(5),
		},
		Default: mask.KeepAll(),
	}
}

// HTTPPolicy keeps header blocks and masks bodies.
func HTTPPolicy() *Policy {
	return &Policy{
		Protocol: mask.ProtoHTTP,
		Templates: map[string]mask.Spec{
			protocol.HTTPHeader: mask.KeepAll(),
			protocol.HTTPBody:   mask.MaskAfter(0),
		},
		Default: mask.KeepAll(),
	}
}

// PolicySet holds the policy of each protocol.
type PolicySet struct {
	mu       sync.RWMutex
	policies map[mask.Protocol]*Policy
}

// NewPolicySet returns a set holding the built-in TLS and HTTP policies.
func NewPolicySet() *PolicySet {
	ps := &PolicySet{policies: make(map[mask.Protocol]*Policy)}
	ps.Register(TLSPolicy())
	ps.Register(HTTPPolicy())
	return ps
}

// Register adds or replaces a protocol's policy.
func (ps *PolicySet) Register(p *Policy) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.policies[p.Protocol] = p
}

// Lookup returns the policy for a protocol.
func (ps *PolicySet) Lookup(proto mask.Protocol) (*Policy, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.policies[proto]
	return p, ok
}

// Protocols returns the protocols with a policy, sorted.
func (ps *PolicySet) Protocols() []mask.Protocol {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]mask.Protocol, 0, len(ps.policies))
	for p := range ps.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Override merges textual templates (see mask.ParseSpec) into the policy
// of proto, creating it if needed. An empty def keeps the current default.
func (ps *PolicySet) Override(proto mask.Protocol, templates map[string]string, def string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	base, ok := ps.policies[proto]
	p := &Policy{Protocol: proto, Templates: make(map[string]mask.Spec), Default: mask.KeepAll()}
	if ok {
		for k, v := range base.Templates {
			p.Templates[k] = v
		}
		p.Default = base.Default
	}
	for typ, text := range templates {
		spec, err := mask.ParseSpec(text)
		if err != nil {
			return fmt.Errorf("policy %s/%s: %w", proto, typ, err)
		}
		p.Templates[protocol.NormalizeType(proto, typ)] = spec
	}
	if def != "" {
		spec, err := mask.ParseSpec(def)
		if err != nil {
			return fmt.Errorf("policy %s default: %w", proto, err)
		}
		p.Default = spec
	}
	ps.policies[proto] = p
	return nil
}
