// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package mask

import (
	"errors"
	"fmt"
)

// ErrInvalidRule is the sentinel wrapped by every rule construction error.
var ErrInvalidRule = errors.New("invalid keep rule")

// InvalidRuleError describes why a rule or spec was rejected.
type InvalidRuleError struct {
	RecordID string
	Reason   string
}

func (e *InvalidRuleError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("invalid keep rule (record %s): %s", e.RecordID, e.Reason)
	}
	return "invalid keep rule: " + e.Reason
}

func (e *InvalidRuleError) Unwrap() error { return ErrInvalidRule }

func invalid(format string, args ...any) error {
	return &InvalidRuleError{Reason: fmt.Sprintf(format, args...)}
}
