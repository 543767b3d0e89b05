package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/pipeline"
)

func runReprocessCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reprocess", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envf := registerEnvFlags(fs)
	messageID := fs.String("message-id", "", "message to replay (required)")
	noHistory := fs.Bool("no-history", false, "skip the decision-hash comparison against stored artifacts")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *messageID == "" {
		fmt.Fprintln(stderr, "reprocess: -message-id is required")
		return 2
	}

	env, err := buildEnv(envf)
	if err != nil {
		fmt.Fprintf(stderr, "reprocess: %v\n", err)
		return ieimerr.ExitCode(err)
	}

	runner := &pipeline.ReprocessRunner{
		RepoRoot:  env.repoRoot,
		Config:    env.cfg,
		Resolver:  env.resolver,
		Artifacts: env.dir,
		OutDir:    env.outDir,
		Metrics:   env.observer.Metrics,
	}
	if !*noHistory {
		runner.History = env.dir
	}

	report, err := runner.Run(context.Background(), *messageID)
	if err != nil {
		fmt.Fprintf(stderr, "reprocess: %v\n", err)
		return ieimerr.ExitCode(err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "reprocess: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	fmt.Fprintf(stdout, "REPROCESS_STATUS: %s\n", report.Status)

	switch report.Status {
	case pipeline.ReprocessOK:
		return 0
	case pipeline.ReprocessReviewRequired:
		return ieimerr.ExitReviewRequired
	default:
		return ieimerr.ExitIntegrityFailure
	}
}

func runVerifyAuditCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envf := registerEnvFlags(fs)
	auditDir := fs.String("audit-dir", "", "audit directory; empty uses <out>/audit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	env, err := buildEnv(envf)
	if err != nil {
		fmt.Fprintf(stderr, "verify-audit: %v\n", err)
		return ieimerr.ExitCode(err)
	}
	dir := env.auditDir
	if *auditDir != "" {
		dir = filepath.Join(env.repoRoot, *auditDir)
	}

	result, err := audit.Verify(dir, env.registry)
	if err != nil {
		fmt.Fprintf(stderr, "verify-audit: %v\n", err)
		return ieimerr.ExitCode(err)
	}
	if result.FilesChecked == 0 {
		fmt.Fprintf(stdout, "AUDIT_VERIFY_FAILED: no audit logs found in: %s\n", dir)
		return ieimerr.ExitInputInvalid
	}
	if !result.OK() {
		fmt.Fprintln(stdout, "AUDIT_VERIFY_FAILED")
		for i, e := range result.Errors {
			if i == 200 {
				break
			}
			fmt.Fprintln(stdout, e)
		}
		return ieimerr.ExitIntegrityFailure
	}

	fmt.Fprintf(stdout, "AUDIT_VERIFY_OK: files=%d events=%d\n", result.FilesChecked, result.EventsChecked)
	return 0
}
