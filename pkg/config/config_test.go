package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/config"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `pack:
  system_id: IEIM
  canonical_spec_semver: "1.0.1"

runtime:
  determinism_mode: false
  supported_languages: [de, en]

incident:
  force_review: false
  force_review_queue_id: "QUEUE_INTAKE_REVIEW_GENERAL"
  disable_llm: false
  block_case_create_risk_flags_any: []

classification:
  min_confidence_for_auto: 0.80
  rules_version: "1.0.0"
  llm:
    enabled: false
    provider: "disabled"
    model_name: "disabled"
    model_version: "disabled"
    prompt_versions: { classify: "1.0.0", extract: "1.0.0" }
    token_budgets: { classify: 10, extract: 10 }
    max_calls_per_day: 0

extraction:
  iban_policy: { enabled: true, store_mode: "HASH_ONLY" }

routing:
  ruleset_path: "configs/routing_tables/routing_rules_v1.4.1.json"
  ruleset_version: "1.4.1"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ieim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, validYAML)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "IEIM", cfg.SystemID)
	assert.Equal(t, "1.0.1", cfg.CanonicalSpecSemver)
	assert.False(t, cfg.DeterminismMode)
	assert.Equal(t, []string{"de", "en"}, cfg.SupportedLanguages)
	assert.Equal(t, 0.80, cfg.Classification.MinConfidenceForAuto)
	assert.Equal(t, "disabled", cfg.Classification.LLM.Provider)
	assert.Equal(t, "1.0.0", cfg.Classification.LLM.PromptVersions["classify"])
	assert.Equal(t, 10, cfg.Classification.LLM.TokenBudgets["extract"])
	assert.Equal(t, "HASH_ONLY", cfg.Extraction.IBANPolicy.StoreMode)
	assert.Equal(t, "1.4.1", cfg.Routing.RulesetVersion)
	assert.True(t, strings.HasPrefix(cfg.ConfigSHA256, "sha256:"))
}

func TestLoad_DefaultsIncidentQueue(t *testing.T) {
	content := strings.Replace(validYAML,
		`  force_review_queue_id: "QUEUE_INTAKE_REVIEW_GENERAL"`+"\n", "", 1)
	path := writeConfig(t, content)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "QUEUE_INTAKE_REVIEW_GENERAL", cfg.Incident.ForceReviewQueueID)
}

func TestLoad_MissingFields(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantMsg string
	}{
		{
			name:    "missing system_id",
			mutate:  func(s string) string { return strings.Replace(s, "  system_id: IEIM\n", "", 1) },
			wantMsg: "pack.system_id",
		},
		{
			name:    "missing determinism_mode",
			mutate:  func(s string) string { return strings.Replace(s, "  determinism_mode: false\n", "", 1) },
			wantMsg: "runtime.determinism_mode",
		},
		{
			name: "bad iban store_mode",
			mutate: func(s string) string {
				return strings.Replace(s, `store_mode: "HASH_ONLY"`, `store_mode: "PLAINTEXT"`, 1)
			},
			wantMsg: "store_mode",
		},
		{
			name:    "missing ruleset_path",
			mutate:  func(s string) string { return strings.Replace(s, `  ruleset_path: "configs/routing_tables/routing_rules_v1.4.1.json"`+"\n", "", 1) },
			wantMsg: "routing.ruleset_path",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.mutate(validYAML))
			_, err := config.Load(path)
			require.Error(t, err)
			assert.Equal(t, ieimerr.CodeConfigInvalid, ieimerr.CodeOf(err))
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestLoad_ConfigSHAFollowsBytes(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg1, err := config.Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(validYAML, "force_review: false", "force_review: true", 1)), 0o644))
	cfg2, err := config.Load(path)
	require.NoError(t, err)

	assert.NotEqual(t, cfg1.ConfigSHA256, cfg2.ConfigSHA256)
	assert.True(t, cfg2.Incident.ForceReview)
}

func TestDiscoverPackRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "MANIFEST.sha256"), []byte(""), 0o644))
	nested := filepath.Join(root, "configs", "sub")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	assert.Equal(t, root, config.DiscoverPackRoot(nested))
	assert.Equal(t, "", config.DiscoverPackRoot(t.TempDir()))
}

func TestStableRepoRelativePath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "MANIFEST.sha256"), []byte(""), 0o644))
	cfgDir := filepath.Join(root, "configs")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	cfgPath := filepath.Join(cfgDir, "ieim.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(validYAML), 0o644))

	assert.Equal(t, "configs/ieim.yaml", config.StableRepoRelativePath(cfgPath))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, validYAML)

	w, err := config.NewWatcher(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	reloaded := make(chan *config.Config, 1)
	w.OnReload = func(c *config.Config) {
		select {
		case reloaded <- c:
		default:
		}
	}

	assert.False(t, w.Current().Incident.ForceReview)

	updated := strings.Replace(validYAML, "force_review: false", "force_review: true", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-reloaded:
		assert.True(t, cfg.Incident.ForceReview)
		assert.True(t, w.Current().Incident.ForceReview)
	case <-time.After(5 * time.Second):
		t.Fatal("config watcher did not reload within timeout")
	}
}

func TestWatcher_KeepsOldConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, validYAML)

	w, err := config.NewWatcher(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, os.WriteFile(path, []byte("pack: [broken"), 0o644))

	// Give the watcher a moment to observe the bad write.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "IEIM", w.Current().SystemID)
}
