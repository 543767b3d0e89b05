package main

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/Mindburn-Labs/ieim/pkg/auth"
	"github.com/Mindburn-Labs/ieim/pkg/authz"
	"github.com/Mindburn-Labs/ieim/pkg/config"
	"github.com/Mindburn-Labs/ieim/pkg/identity"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/retention"
	"github.com/Mindburn-Labs/ieim/pkg/route"
)

// lintRuleset checks the authored ruleset for duplicate ids and supported
// condition keys beyond what LoadRuleset already validates.
func lintRuleset(rs *route.Ruleset) []string {
	var errs []string

	supported := map[string]bool{
		"risk_flags_any": true, "risk_flags_not_any": true,
		"primary_intent_in": true, "primary_intent_not_in": true,
		"identity_status_in": true, "product_line_in": true,
		"any": true, "all": true,
	}
	var lintCond func(path string, cond map[string]any)
	lintCond = func(path string, cond map[string]any) {
		for key, value := range cond {
			if !supported[key] {
				errs = append(errs, fmt.Sprintf("%s: unsupported key %q", path, key))
				continue
			}
			if key == "any" || key == "all" {
				branches, ok := value.([]any)
				if !ok {
					errs = append(errs, fmt.Sprintf("%s.%s: must be a list", path, key))
					continue
				}
				for i, branch := range branches {
					obj, ok := branch.(map[string]any)
					if !ok {
						errs = append(errs, fmt.Sprintf("%s.%s[%d]: must be an object", path, key, i))
						continue
					}
					lintCond(fmt.Sprintf("%s.%s[%d]", path, key, i), obj)
				}
			}
		}
	}

	seen := map[string]bool{}
	for i, rule := range rs.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if rule.RuleID == "" {
			errs = append(errs, path+".rule_id: missing")
		} else if seen[rule.RuleID] {
			errs = append(errs, fmt.Sprintf("%s.rule_id: duplicate %s", path, rule.RuleID))
		} else {
			seen[rule.RuleID] = true
		}
		if rule.Then.QueueID == "" || rule.Then.SLAID == "" {
			errs = append(errs, path+".then: queue_id and sla_id are required")
		}
		lintCond(path+".when", rule.When)
	}
	if rs.Fallback.QueueID == "" || rs.Fallback.SLAID == "" {
		errs = append(errs, "fallback: queue_id and sla_id are required")
	}
	return errs
}

func runConfigValidateCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config-validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	repoRoot := fs.String("repo-root", ".", "repository root all relative paths resolve against")
	configPath := fs.String("config", "configs/dev.yaml", "runtime config file, relative to the repo root")
	withAuth := fs.Bool("with-auth", false, "also validate the auth and rbac sections")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	root, err := filepath.Abs(*repoRoot)
	if err != nil {
		fmt.Fprintf(stderr, "config-validate: %v\n", err)
		return 1
	}
	path := filepath.Join(root, *configPath)

	fail := func(section string, err error) int {
		fmt.Fprintf(stdout, "CONFIG_VALIDATE_FAILED: %s: %v\n", section, err)
		return ieimerr.ExitIntegrityFailure
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fail("runtime", err)
	}
	if _, err := identity.LoadConfig(path); err != nil {
		return fail("identity", err)
	}
	if _, err := retention.LoadConfig(path); err != nil {
		return fail("retention", err)
	}
	ruleset, err := route.LoadRuleset(root, cfg.Routing.RulesetPath)
	if err != nil {
		return fail("routing", err)
	}
	if lintErrs := lintRuleset(ruleset); len(lintErrs) > 0 {
		fmt.Fprintln(stdout, "CONFIG_VALIDATE_FAILED: routing ruleset lint")
		for _, e := range lintErrs {
			fmt.Fprintln(stdout, e)
		}
		return ieimerr.ExitIntegrityFailure
	}
	if cfg.Routing.RulesetVersion != "" && ruleset.RulesetVersion != cfg.Routing.RulesetVersion {
		return fail("routing", fmt.Errorf("ruleset version %s does not match pinned %s",
			ruleset.RulesetVersion, cfg.Routing.RulesetVersion))
	}

	if *withAuth {
		if _, err := auth.LoadConfig(path); err != nil {
			return fail("auth", err)
		}
		if _, err := authz.LoadRBACConfig(path); err != nil {
			return fail("rbac", err)
		}
	}

	fmt.Fprintln(stdout, "CONFIG_VALIDATE_OK")
	return 0
}
