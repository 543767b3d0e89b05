// Package identity resolves a normalized message to policy/claim/customer
// candidates using weighted deterministic signals, and emits the identity
// resolution artifact with its decision hash.
package identity

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/config"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// SignalSpec is a configured weight and strength for one named signal.
type SignalSpec struct {
	Weight   float64 `yaml:"weight"`
	Strength float64 `yaml:"strength"`
}

// ScoreTransform maps the weighted signal sum onto a 0..1 score.
type ScoreTransform struct {
	Intercept float64 `yaml:"intercept"`
	Slope     float64 `yaml:"slope"`
}

// Config is the identity section of the pipeline configuration, pinned to
// the exact config file bytes it was read from.
type Config struct {
	SystemID            string
	CanonicalSpecSemver string
	ConfigPath          string
	ConfigSHA256        string
	DeterminismMode     bool
	TopK                int
	Thresholds          artifacts.IdentityThresholds
	SharedMailboxPenalty float64
	SignalSpecs         map[string]SignalSpec
	ScoreTransform      ScoreTransform
}

type rawIdentityConfig struct {
	Pack struct {
		SystemID            string `yaml:"system_id"`
		CanonicalSpecSemver string `yaml:"canonical_spec_semver"`
	} `yaml:"pack"`
	Runtime struct {
		DeterminismMode *bool `yaml:"determinism_mode"`
	} `yaml:"runtime"`
	Identity struct {
		TopK                 *int     `yaml:"top_k"`
		SharedMailboxPenalty *float64 `yaml:"shared_mailbox_penalty"`
		Thresholds           struct {
			ConfirmedMinScore  *float64 `yaml:"confirmed_min_score"`
			ConfirmedMinMargin *float64 `yaml:"confirmed_min_margin"`
			ProbableMinScore   *float64 `yaml:"probable_min_score"`
			ProbableMinMargin  *float64 `yaml:"probable_min_margin"`
		} `yaml:"thresholds"`
		SignalWeights map[string]SignalSpec `yaml:"signal_weights"`
		Scoring       struct {
			Intercept *float64 `yaml:"intercept"`
			Slope     *float64 `yaml:"slope"`
		} `yaml:"scoring"`
	} `yaml:"identity"`
}

// LoadConfig reads the identity section from the pipeline config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeConfigInvalid, err, "read identity config %s", path)
	}
	var raw rawIdentityConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeConfigInvalid, err, "parse identity config %s", path)
	}
	if raw.Pack.SystemID == "" || raw.Pack.CanonicalSpecSemver == "" {
		return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "pack.system_id and pack.canonical_spec_semver are required")
	}
	if raw.Runtime.DeterminismMode == nil {
		return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "runtime.determinism_mode must be a boolean")
	}
	id := raw.Identity
	if id.TopK == nil || *id.TopK < 1 {
		return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "identity.top_k must be a positive integer")
	}
	if id.SharedMailboxPenalty == nil {
		return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "identity.shared_mailbox_penalty must be a number")
	}
	th := id.Thresholds
	if th.ConfirmedMinScore == nil || th.ConfirmedMinMargin == nil || th.ProbableMinScore == nil || th.ProbableMinMargin == nil {
		return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "identity.thresholds requires confirmed/probable score and margin")
	}
	if len(id.SignalWeights) == 0 {
		return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "identity.signal_weights must define at least one signal")
	}
	if id.Scoring.Intercept == nil || id.Scoring.Slope == nil {
		return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "identity.scoring requires intercept and slope")
	}

	return &Config{
		SystemID:            raw.Pack.SystemID,
		CanonicalSpecSemver: raw.Pack.CanonicalSpecSemver,
		ConfigPath:          config.StableRepoRelativePath(path),
		ConfigSHA256:        canonicalize.HashBytes(data),
		DeterminismMode:     *raw.Runtime.DeterminismMode,
		TopK:                *id.TopK,
		Thresholds: artifacts.IdentityThresholds{
			ConfirmedMinScore:  *th.ConfirmedMinScore,
			ConfirmedMinMargin: *th.ConfirmedMinMargin,
			ProbableMinScore:   *th.ProbableMinScore,
			ProbableMinMargin:  *th.ProbableMinMargin,
		},
		SharedMailboxPenalty: *id.SharedMailboxPenalty,
		SignalSpecs:          id.SignalWeights,
		ScoreTransform:       ScoreTransform{Intercept: *id.Scoring.Intercept, Slope: *id.Scoring.Slope},
	}, nil
}
