// Package route evaluates the routing ruleset against the upstream stage
// results. Rules are ordered by priority and the first match wins; when
// nothing matches the ruleset's fallback applies fail-closed.
package route

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// Rule is one routing rule as authored in the ruleset file.
type Rule struct {
	RuleID   string         `json:"rule_id"`
	Priority int            `json:"priority"`
	When     map[string]any `json:"when"`
	Then     Outcome        `json:"then"`
}

// Outcome is the routing target a matched rule (or the fallback) produces.
type Outcome struct {
	QueueID          string   `json:"queue_id"`
	SLAID            string   `json:"sla_id"`
	Priority         int      `json:"priority"`
	Actions          []string `json:"actions"`
	FailClosed       bool     `json:"fail_closed"`
	FailClosedReason *string  `json:"fail_closed_reason"`
}

// Ruleset is a loaded, hash-pinned routing table.
type Ruleset struct {
	RulesetPath    string
	RulesetSHA256  string
	RulesetVersion string
	Rules          []Rule
	Fallback       Outcome
}

// Ref returns the pin recorded into decisions and audit events.
func (r *Ruleset) Ref() artifacts.RulesRef {
	return artifacts.RulesRef{
		RulesetPath:    r.RulesetPath,
		RulesetSHA256:  r.RulesetSHA256,
		RulesetVersion: r.RulesetVersion,
	}
}

type rulesetDoc struct {
	RulesetVersion string          `json:"ruleset_version"`
	Rules          []Rule          `json:"rules"`
	Fallback       json.RawMessage `json:"fallback"`
}

// LoadRuleset reads and validates the ruleset at rulesetPath relative to
// repoRoot. The sha256 pin covers the raw file bytes.
func LoadRuleset(repoRoot, rulesetPath string) (*Ruleset, error) {
	data, err := os.ReadFile(filepath.Join(repoRoot, rulesetPath))
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeRulesInvalid, err, "read routing ruleset %s", rulesetPath)
	}

	var doc rulesetDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeRulesInvalid, err, "parse routing ruleset %s", rulesetPath)
	}
	if doc.RulesetVersion == "" {
		return nil, ieimerr.New(ieimerr.CodeRulesInvalid, "routing ruleset missing ruleset_version")
	}
	if doc.Rules == nil {
		return nil, ieimerr.New(ieimerr.CodeRulesInvalid, "routing ruleset missing rules list")
	}
	if len(doc.Fallback) == 0 {
		return nil, ieimerr.New(ieimerr.CodeRulesInvalid, "routing ruleset missing fallback")
	}
	var fallback Outcome
	if err := json.Unmarshal(doc.Fallback, &fallback); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeRulesInvalid, err, "parse routing ruleset fallback")
	}
	for i, rule := range doc.Rules {
		if rule.RuleID == "" {
			return nil, ieimerr.New(ieimerr.CodeRulesInvalid, "rule %d missing rule_id", i)
		}
	}

	return &Ruleset{
		RulesetPath:    rulesetPath,
		RulesetSHA256:  canonicalize.HashBytes(data),
		RulesetVersion: doc.RulesetVersion,
		Rules:          doc.Rules,
		Fallback:       fallback,
	}, nil
}
