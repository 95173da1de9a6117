// Package guard classifies tool-use permission requests before a human sees
// them. A rule-based validator runs first; an optional remote classifier is
// consulted when the rules are uncertain. Validators never panic and are safe
// for concurrent use.
package guard

import (
	"context"
	"encoding/json"
)

// Verdict is the outcome of evaluating a permission request.
type Verdict string

const (
	// VerdictSafe means the request can be auto-approved under policy.
	VerdictSafe Verdict = "safe"
	// VerdictDangerous means the request can be auto-denied under policy.
	VerdictDangerous Verdict = "dangerous"
	// VerdictUncertain means a human must decide.
	VerdictUncertain Verdict = "uncertain"
)

// Finding is the result of a validator evaluation.
type Finding struct {
	Verdict Verdict `json:"verdict"`
	// Reason is a human-readable explanation for the verdict.
	Reason string `json:"reason,omitempty"`
	// RuleBasedOnly reports whether the verdict came from local rules alone,
	// without consulting a remote classifier.
	RuleBasedOnly bool `json:"rule_based_only"`
}

// Validator evaluates a tool-use permission request.
type Validator interface {
	Evaluate(ctx context.Context, tool string, input json.RawMessage, description string) (Finding, error)
}

// Chain runs the rule validator first and falls back to a remote classifier
// for uncertain results. A nil remote leaves uncertain results uncertain.
type Chain struct {
	Rules  *RuleValidator
	Remote Validator
}

// Evaluate implements Validator. Rule evaluation never fails; only the remote
// leg can return an error, which callers treat as "fail open to manual".
func (c *Chain) Evaluate(ctx context.Context, tool string, input json.RawMessage, description string) (Finding, error) {
	if c.Rules != nil {
		finding := c.Rules.Evaluate(tool, input, description)
		if finding.Verdict != VerdictUncertain {
			return finding, nil
		}
	}
	if c.Remote == nil {
		return Finding{Verdict: VerdictUncertain, RuleBasedOnly: true}, nil
	}
	finding, err := c.Remote.Evaluate(ctx, tool, input, description)
	if err != nil {
		return Finding{Verdict: VerdictUncertain}, err
	}
	finding.RuleBasedOnly = false
	return finding, nil
}
