package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ieim/pkg/config"
)

const sampleClaimEmail = "From: Erika Musterfrau <erika@example.com>\r\n" +
	"To: intake@versicherung.example\r\n" +
	"Subject: Schaden CLM-2026-0042\r\n" +
	"Message-ID: <claim-1@example.com>\r\n" +
	"Date: Mon, 24 Aug 2026 10:00:00 +0200\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Guten Tag,\r\n" +
	"ich möchte einen schaden melden bitte.\r\n"

func copyShippedFile(t *testing.T, rel, root string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", rel))
	require.NoError(t, err)
	dst := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, os.WriteFile(dst, data, 0o644))
}

// scaffoldRepo builds a throwaway pack root from the shipped config plus
// one sample claim email.
func scaffoldRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, rel := range []string{
		"configs/dev.yaml",
		"configs/routing_tables/routing_rules_v1.4.1.json",
		"configs/templates/request_info_de.md",
		"configs/templates/request_info_en.md",
	} {
		copyShippedFile(t, rel, root)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "samples", "raw_mime"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "samples", "raw_mime", "claim-1.eml"), []byte(sampleClaimEmail), 0o644))
	return root
}

func TestPipelineCommandMirrorsRawStore(t *testing.T) {
	root := scaffoldRepo(t)
	mirrorDir := t.TempDir()

	var stdout, stderr bytes.Buffer
	code := Run([]string{"ieim", "pipeline", "-repo-root", root, "-mirror", mirrorDir}, &stdout, &stderr)
	require.Equal(t, 0, code, "stderr: %s stdout: %s", stderr.String(), stdout.String())

	assert.Contains(t, stdout.String(), "queue=QUEUE_CLAIMS_INTAKE")
	assert.Contains(t, stdout.String(), "PIPELINE_OK: ingested=1")

	mirrored, err := filepath.Glob(filepath.Join(mirrorDir, "raw_store", "mime", "*.eml"))
	require.NoError(t, err)
	require.Len(t, mirrored, 1, "raw MIME lands in the mirror too")
	data, err := os.ReadFile(mirrored[0])
	require.NoError(t, err)
	assert.Equal(t, sampleClaimEmail, string(data))
}

func TestRunStagesHonorsReloadedIncidentConfig(t *testing.T) {
	root := scaffoldRepo(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"ieim", "ingest", "-repo-root", root}, &stdout, &stderr)
	require.Equal(t, 0, code, "stderr: %s", stderr.String())

	env, err := buildEnv(&envFlags{
		repoRoot:   root,
		configPath: "configs/dev.yaml",
		outDir:     "out",
		templates:  "configs/templates",
	})
	require.NoError(t, err)

	configPath := filepath.Join(root, "configs", "dev.yaml")
	watcher, err := config.NewWatcher(configPath)
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()
	require.False(t, watcher.Current().Incident.ForceReview)

	original, err := os.ReadFile(configPath)
	require.NoError(t, err)
	updated := strings.Replace(string(original), "force_review: false", "force_review: true", 1)
	require.NotEqual(t, string(original), updated)
	require.NoError(t, os.WriteFile(configPath, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return watcher.Current().Incident.ForceReview
	}, 5*time.Second, 20*time.Millisecond, "config watcher did not pick up the toggle")

	cases, items, err := runStages(context.Background(), env, watcher.Current())
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, "QUEUE_INTAKE_REVIEW_GENERAL", cases[0].Routing.QueueID,
		"force_review overrides the matched route")
	require.Len(t, items, 1)
	assert.Equal(t, "QUEUE_INTAKE_REVIEW_GENERAL", items[0].QueueID)
}
