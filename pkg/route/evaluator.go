package route

import (
	"sort"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/config"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// Context is the flattened view of the upstream stage results a rule
// condition can reference.
type Context struct {
	IdentityStatus string
	PrimaryIntent  string
	ProductLine    string
	Urgency        string
	RiskFlags      map[string]bool
}

// NewContext builds the rule-matching context from stage artifacts.
func NewContext(identityResult *artifacts.IdentityResolutionResult, classification *artifacts.ClassificationResult) Context {
	flags := map[string]bool{}
	for _, rf := range classification.RiskFlags {
		flags[rf.Label] = true
	}
	return Context{
		IdentityStatus: identityResult.Status,
		PrimaryIntent:  classification.PrimaryIntent.Label,
		ProductLine:    classification.ProductLine.Label,
		Urgency:        classification.Urgency.Label,
		RiskFlags:      flags,
	}
}

func (c Context) sortedRiskFlags() []string {
	flags := make([]string, 0, len(c.RiskFlags))
	for f := range c.RiskFlags {
		flags = append(flags, f)
	}
	sort.Strings(flags)
	return flags
}

var conditionKeys = map[string]bool{
	"risk_flags_any":        true,
	"risk_flags_not_any":    true,
	"primary_intent_in":     true,
	"primary_intent_not_in": true,
	"identity_status_in":    true,
	"product_line_in":       true,
	"any":                   true,
	"all":                   true,
}

func stringList(v any, path string) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, ieimerr.New(ieimerr.CodeRulesInvalid, "%s must be a list of non-empty strings", path)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok || s == "" {
			return nil, ieimerr.New(ieimerr.CodeRulesInvalid, "%s must be a list of non-empty strings", path)
		}
		out = append(out, s)
	}
	return out, nil
}

func branchList(v any, path string) ([]map[string]any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, ieimerr.New(ieimerr.CodeRulesInvalid, "%s must be a list of objects", path)
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, ieimerr.New(ieimerr.CodeRulesInvalid, "%s must be a list of objects", path)
		}
		out = append(out, m)
	}
	return out, nil
}

// matchCondition evaluates one `when` object. All present keys must hold.
func matchCondition(cond map[string]any, ctx Context) (bool, error) {
	for key := range cond {
		if !conditionKeys[key] {
			return false, ieimerr.New(ieimerr.CodeRulesInvalid, "unsupported condition key %q", key)
		}
	}

	if v, ok := cond["risk_flags_any"]; ok {
		values, err := stringList(v, "when.risk_flags_any")
		if err != nil {
			return false, err
		}
		hit := false
		for _, f := range values {
			if ctx.RiskFlags[f] {
				hit = true
				break
			}
		}
		if !hit {
			return false, nil
		}
	}

	if v, ok := cond["risk_flags_not_any"]; ok {
		values, err := stringList(v, "when.risk_flags_not_any")
		if err != nil {
			return false, err
		}
		for _, f := range values {
			if ctx.RiskFlags[f] {
				return false, nil
			}
		}
	}

	if v, ok := cond["primary_intent_in"]; ok {
		values, err := stringList(v, "when.primary_intent_in")
		if err != nil {
			return false, err
		}
		if !contains(values, ctx.PrimaryIntent) {
			return false, nil
		}
	}

	if v, ok := cond["primary_intent_not_in"]; ok {
		values, err := stringList(v, "when.primary_intent_not_in")
		if err != nil {
			return false, err
		}
		if contains(values, ctx.PrimaryIntent) {
			return false, nil
		}
	}

	if v, ok := cond["identity_status_in"]; ok {
		values, err := stringList(v, "when.identity_status_in")
		if err != nil {
			return false, err
		}
		if !contains(values, ctx.IdentityStatus) {
			return false, nil
		}
	}

	if v, ok := cond["product_line_in"]; ok {
		values, err := stringList(v, "when.product_line_in")
		if err != nil {
			return false, err
		}
		if !contains(values, ctx.ProductLine) {
			return false, nil
		}
	}

	if v, ok := cond["any"]; ok {
		branches, err := branchList(v, "when.any")
		if err != nil {
			return false, err
		}
		hit := false
		for _, branch := range branches {
			matched, err := matchCondition(branch, ctx)
			if err != nil {
				return false, err
			}
			if matched {
				hit = true
				break
			}
		}
		if !hit {
			return false, nil
		}
	}

	if v, ok := cond["all"]; ok {
		branches, err := branchList(v, "when.all")
		if err != nil {
			return false, err
		}
		for _, branch := range branches {
			matched, err := matchCondition(branch, ctx)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		}
	}

	return true, nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// Evaluator applies the ruleset under the live configuration.
type Evaluator struct {
	Config  *config.Config
	Ruleset *Ruleset
}

// Result pairs the decision with the ruleset pin it was made under.
type Result struct {
	Decision *artifacts.RoutingDecision
	RulesRef artifacts.RulesRef
}

// Evaluate routes one message. Rules are tried in descending priority and
// the first whose condition matches wins; incident toggles override the
// matched outcome afterwards.
func (e *Evaluator) Evaluate(nm *artifacts.NormalizedMessage, identityResult *artifacts.IdentityResolutionResult, classification *artifacts.ClassificationResult) (*Result, error) {
	ctx := NewContext(identityResult, classification)

	rules := make([]Rule, len(e.Ruleset.Rules))
	copy(rules, e.Ruleset.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	then := e.Ruleset.Fallback
	ruleID := "ROUTE_FALLBACK"
	for _, rule := range rules {
		matched, err := matchCondition(rule.When, ctx)
		if err != nil {
			return nil, err
		}
		if matched {
			then = rule.Then
			ruleID = rule.RuleID
			break
		}
	}

	// Incident toggle: force all messages into a review queue, fail-closed.
	if e.Config.Incident.ForceReview {
		reason := "INCIDENT_FORCE_REVIEW"
		then = e.Ruleset.Fallback
		then.QueueID = e.Config.Incident.ForceReviewQueueID
		then.FailClosed = true
		then.FailClosedReason = &reason
		then.Actions = []string{artifacts.ActionAttachOriginalEmail}
		ruleID = "INCIDENT_FORCE_REVIEW"
	}

	decision := &artifacts.RoutingDecision{
		SchemaID:         schema.RoutingDecisionID,
		SchemaVersion:    schema.Version(schema.RoutingDecisionID),
		MessageID:        nm.MessageID,
		RunID:            nm.RunID,
		QueueID:          then.QueueID,
		SLAID:            then.SLAID,
		Priority:         then.Priority,
		Actions:          append([]string{}, then.Actions...),
		RuleID:           ruleID,
		RuleVersion:      e.Ruleset.RulesetVersion,
		FailClosed:       then.FailClosed,
		FailClosedReason: then.FailClosedReason,
		CreatedAt:        nm.IngestedAt,
	}

	// Incident toggle: block case creation for configured risk flags.
	if blockFlags := e.Config.Incident.BlockCaseCreateRiskFlagsAny; len(blockFlags) > 0 {
		hit := false
		for _, f := range blockFlags {
			if ctx.RiskFlags[f] {
				hit = true
				break
			}
		}
		if hit {
			actions := make([]string, 0, len(decision.Actions)+1)
			actions = append(actions, artifacts.ActionBlockCaseCreate)
			for _, a := range decision.Actions {
				if a != artifacts.ActionCreateCase && a != artifacts.ActionBlockCaseCreate {
					actions = append(actions, a)
				}
			}
			decision.Actions = actions
			decision.FailClosed = true
			if decision.FailClosedReason == nil {
				reason := "INCIDENT_BLOCK_CASE_CREATE"
				decision.FailClosedReason = &reason
			}
		}
	}

	rulesRef := e.Ruleset.Ref()

	hash, err := canonicalize.DecisionHash(map[string]any{
		"system_id":             e.Config.SystemID,
		"canonical_spec_semver": e.Config.CanonicalSpecSemver,
		"stage":                 "ROUTE",
		"message_fingerprint":   nm.MessageFingerprint,
		"raw_mime_sha256":       nm.RawMIMESHA256,
		"config_ref":            e.Config.ConfigRef(),
		"determinism_mode":      e.Config.DeterminismMode,
		"rules_ref": map[string]any{
			"ruleset_path":    rulesRef.RulesetPath,
			"ruleset_sha256":  rulesRef.RulesetSHA256,
			"ruleset_version": rulesRef.RulesetVersion,
		},
		"input": map[string]any{
			"identity_status": ctx.IdentityStatus,
			"primary_intent":  ctx.PrimaryIntent,
			"product_line":    ctx.ProductLine,
			"urgency":         ctx.Urgency,
			"risk_flags":      ctx.sortedRiskFlags(),
		},
		"decision": map[string]any{
			"queue_id":           decision.QueueID,
			"sla_id":             decision.SLAID,
			"priority":           decision.Priority,
			"actions":            decision.Actions,
			"rule_id":            decision.RuleID,
			"fail_closed":        decision.FailClosed,
			"fail_closed_reason": decision.FailClosedReason,
		},
	})
	if err != nil {
		return nil, err
	}
	decision.DecisionHash = hash

	return &Result{Decision: decision, RulesRef: rulesRef}, nil
}
