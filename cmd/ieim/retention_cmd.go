package main

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/retention"
)

func runRetentionCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("retention", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envf := registerEnvFlags(fs)
	dryRun := fs.Bool("dry-run", false, "report what would be deleted without deleting")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	env, err := buildEnv(envf)
	if err != nil {
		fmt.Fprintf(stderr, "retention: %v\n", err)
		return ieimerr.ExitCode(err)
	}

	rcfg, err := retention.LoadConfig(filepath.Join(env.repoRoot, envf.configPath))
	if err != nil {
		fmt.Fprintf(stderr, "retention: %v\n", err)
		return ieimerr.ExitCode(err)
	}

	report, err := retention.Run(retention.Params{
		BaseDir:        env.repoRoot,
		NormalizedDir:  filepath.Join(env.outDir, "artifacts", "normalized"),
		AttachmentsDir: filepath.Join(env.outDir, "artifacts", "attachments"),
		RawDays:        rcfg.RawDays,
		Now:            time.Now().UTC(),
		DryRun:         *dryRun,
		ReportPath:     filepath.Join(env.outDir, "retention_report.json"),
	})
	if err != nil {
		fmt.Fprintf(stderr, "retention: %v\n", err)
		return ieimerr.ExitCode(err)
	}

	total := 0
	for _, deletions := range report.Applied {
		total += len(deletions)
	}
	fmt.Fprintf(stdout, "RETENTION_%s: raw_days=%d candidates=%d\n", report.Status, rcfg.RawDays, total)
	return 0
}
