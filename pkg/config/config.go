// Package config loads the pipeline configuration pack. Every loaded file
// records its own sha256 and a pack-root-relative path so decision hashes
// can pin the exact configuration that produced them.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// LLMConfig controls the gated LLM fallback for one stage family.
type LLMConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Provider       string            `yaml:"provider"`
	ModelName      string            `yaml:"model_name"`
	ModelVersion   string            `yaml:"model_version"`
	PromptVersions map[string]string `yaml:"prompt_versions"`
	TokenBudgets   map[string]int    `yaml:"token_budgets"`
	MaxCallsPerDay int               `yaml:"max_calls_per_day"`
}

// ClassificationConfig holds thresholds and rule pinning for classification.
type ClassificationConfig struct {
	MinConfidenceForAuto float64   `yaml:"min_confidence_for_auto"`
	RulesVersion         string    `yaml:"rules_version"`
	LLM                  LLMConfig `yaml:"llm"`
}

// IBANPolicy controls whether and how IBANs are persisted.
type IBANPolicy struct {
	Enabled   bool   `yaml:"enabled"`
	StoreMode string `yaml:"store_mode"` // FULL | HASH_ONLY
}

// ExtractionConfig holds entity extraction policies.
type ExtractionConfig struct {
	IBANPolicy IBANPolicy `yaml:"iban_policy"`
}

// RoutingConfig pins the routing ruleset file and version.
type RoutingConfig struct {
	RulesetPath    string `yaml:"ruleset_path"`
	RulesetVersion string `yaml:"ruleset_version"`
}

// IncidentConfig holds operator kill switches. These are read on every
// decision so toggling them steers live traffic without a restart.
type IncidentConfig struct {
	ForceReview                 bool     `yaml:"force_review"`
	ForceReviewQueueID          string   `yaml:"force_review_queue_id"`
	DisableLLM                  bool     `yaml:"disable_llm"`
	BlockCaseCreateRiskFlagsAny []string `yaml:"block_case_create_risk_flags_any"`
}

// Config is the loaded pipeline configuration.
type Config struct {
	SystemID            string
	CanonicalSpecSemver string
	ConfigPath          string
	ConfigSHA256        string
	DeterminismMode     bool
	SupportedLanguages  []string
	Incident            IncidentConfig
	Classification      ClassificationConfig
	Extraction          ExtractionConfig
	Routing             RoutingConfig
}

type rawConfig struct {
	Pack struct {
		SystemID            string `yaml:"system_id"`
		CanonicalSpecSemver string `yaml:"canonical_spec_semver"`
	} `yaml:"pack"`
	Runtime struct {
		DeterminismMode    *bool    `yaml:"determinism_mode"`
		SupportedLanguages []string `yaml:"supported_languages"`
	} `yaml:"runtime"`
	Incident struct {
		ForceReview                 *bool    `yaml:"force_review"`
		ForceReviewQueueID          string   `yaml:"force_review_queue_id"`
		DisableLLM                  *bool    `yaml:"disable_llm"`
		BlockCaseCreateRiskFlagsAny []string `yaml:"block_case_create_risk_flags_any"`
	} `yaml:"incident"`
	Classification struct {
		MinConfidenceForAuto *float64 `yaml:"min_confidence_for_auto"`
		RulesVersion         string   `yaml:"rules_version"`
		LLM                  struct {
			Enabled        *bool             `yaml:"enabled"`
			Provider       string            `yaml:"provider"`
			ModelName      string            `yaml:"model_name"`
			ModelVersion   string            `yaml:"model_version"`
			PromptVersions map[string]string `yaml:"prompt_versions"`
			TokenBudgets   map[string]int    `yaml:"token_budgets"`
			MaxCallsPerDay *int              `yaml:"max_calls_per_day"`
		} `yaml:"llm"`
	} `yaml:"classification"`
	Extraction struct {
		IBANPolicy struct {
			Enabled   *bool  `yaml:"enabled"`
			StoreMode string `yaml:"store_mode"`
		} `yaml:"iban_policy"`
	} `yaml:"extraction"`
	Routing struct {
		RulesetPath    string `yaml:"ruleset_path"`
		RulesetVersion string `yaml:"ruleset_version"`
	} `yaml:"routing"`
}

func invalid(format string, args ...any) error {
	return ieimerr.New(ieimerr.CodeConfigInvalid, format, args...)
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeConfigInvalid, err, "read config %s", path)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeConfigInvalid, err, "parse config %s", path)
	}

	if raw.Pack.SystemID == "" {
		return nil, invalid("pack.system_id must be a non-empty string")
	}
	if raw.Pack.CanonicalSpecSemver == "" {
		return nil, invalid("pack.canonical_spec_semver must be a non-empty string")
	}
	if raw.Runtime.DeterminismMode == nil {
		return nil, invalid("runtime.determinism_mode must be a boolean")
	}
	if len(raw.Runtime.SupportedLanguages) == 0 {
		return nil, invalid("runtime.supported_languages must be a non-empty list")
	}
	for _, lang := range raw.Runtime.SupportedLanguages {
		if lang == "" {
			return nil, invalid("runtime.supported_languages entries must be non-empty")
		}
	}

	cls := raw.Classification
	if cls.MinConfidenceForAuto == nil {
		return nil, invalid("classification.min_confidence_for_auto must be a number")
	}
	if cls.RulesVersion == "" {
		return nil, invalid("classification.rules_version must be a non-empty string")
	}
	llm := cls.LLM
	if llm.Enabled == nil {
		return nil, invalid("classification.llm.enabled must be a boolean")
	}
	if llm.Provider == "" || llm.ModelName == "" || llm.ModelVersion == "" {
		return nil, invalid("classification.llm provider/model_name/model_version must be non-empty")
	}
	if llm.PromptVersions == nil {
		return nil, invalid("classification.llm.prompt_versions must be a mapping")
	}
	if llm.TokenBudgets == nil {
		return nil, invalid("classification.llm.token_budgets must be a mapping")
	}
	if llm.MaxCallsPerDay == nil {
		return nil, invalid("classification.llm.max_calls_per_day must be an integer")
	}

	iban := raw.Extraction.IBANPolicy
	if iban.Enabled == nil {
		return nil, invalid("extraction.iban_policy.enabled must be a boolean")
	}
	if iban.StoreMode != "FULL" && iban.StoreMode != "HASH_ONLY" {
		return nil, invalid("extraction.iban_policy.store_mode must be FULL or HASH_ONLY, got %q", iban.StoreMode)
	}

	if raw.Routing.RulesetPath == "" {
		return nil, invalid("routing.ruleset_path must be a non-empty string")
	}
	if raw.Routing.RulesetVersion == "" {
		return nil, invalid("routing.ruleset_version must be a non-empty string")
	}

	incident := IncidentConfig{
		ForceReviewQueueID: raw.Incident.ForceReviewQueueID,
	}
	if raw.Incident.ForceReview != nil {
		incident.ForceReview = *raw.Incident.ForceReview
	}
	if raw.Incident.DisableLLM != nil {
		incident.DisableLLM = *raw.Incident.DisableLLM
	}
	if incident.ForceReviewQueueID == "" {
		incident.ForceReviewQueueID = "QUEUE_INTAKE_REVIEW_GENERAL"
	}
	incident.BlockCaseCreateRiskFlagsAny = append([]string{}, raw.Incident.BlockCaseCreateRiskFlagsAny...)
	for _, f := range incident.BlockCaseCreateRiskFlagsAny {
		if f == "" {
			return nil, invalid("incident.block_case_create_risk_flags_any entries must be non-empty")
		}
	}

	return &Config{
		SystemID:            raw.Pack.SystemID,
		CanonicalSpecSemver: raw.Pack.CanonicalSpecSemver,
		ConfigPath:          StableRepoRelativePath(path),
		ConfigSHA256:        canonicalize.HashBytes(data),
		DeterminismMode:     *raw.Runtime.DeterminismMode,
		SupportedLanguages:  append([]string{}, raw.Runtime.SupportedLanguages...),
		Incident:            incident,
		Classification: ClassificationConfig{
			MinConfidenceForAuto: *cls.MinConfidenceForAuto,
			RulesVersion:         cls.RulesVersion,
			LLM: LLMConfig{
				Enabled:        *llm.Enabled,
				Provider:       llm.Provider,
				ModelName:      llm.ModelName,
				ModelVersion:   llm.ModelVersion,
				PromptVersions: llm.PromptVersions,
				TokenBudgets:   llm.TokenBudgets,
				MaxCallsPerDay: *llm.MaxCallsPerDay,
			},
		},
		Extraction: ExtractionConfig{
			IBANPolicy: IBANPolicy{Enabled: *iban.Enabled, StoreMode: iban.StoreMode},
		},
		Routing: RoutingConfig{
			RulesetPath:    raw.Routing.RulesetPath,
			RulesetVersion: raw.Routing.RulesetVersion,
		},
	}, nil
}

// ConfigRef is the {config_path, config_sha256} pair pinned into decision
// hashes and audit events.
func (c *Config) ConfigRef() map[string]any {
	return map[string]any{
		"config_path":   c.ConfigPath,
		"config_sha256": c.ConfigSHA256,
	}
}

// String implements fmt.Stringer without dumping config contents.
func (c *Config) String() string {
	return fmt.Sprintf("Config{system_id=%s spec=%s sha=%s}", c.SystemID, c.CanonicalSpecSemver, c.ConfigSHA256)
}
