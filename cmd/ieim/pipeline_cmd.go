package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/attach"
	"github.com/Mindburn-Labs/ieim/pkg/config"
	"github.com/Mindburn-Labs/ieim/pkg/hitl"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/ingest"
	"github.com/Mindburn-Labs/ieim/pkg/llm"
	"github.com/Mindburn-Labs/ieim/pkg/metastore"
	"github.com/Mindburn-Labs/ieim/pkg/pipeline"
	"github.com/Mindburn-Labs/ieim/pkg/route"
)

type sourceFlags struct {
	rawMIMEDir     string
	attachmentsDir string
	limit          int
	clamav         bool
}

func registerSourceFlags(fs *flag.FlagSet) *sourceFlags {
	f := &sourceFlags{}
	fs.StringVar(&f.rawMIMEDir, "source", "samples/raw_mime", "directory of .eml files, relative to the repo root")
	fs.StringVar(&f.attachmentsDir, "source-attachments", "samples/attachments", "directory of attachment sidecars, relative to the repo root")
	fs.IntVar(&f.limit, "limit", 100, "maximum messages per ingest pass")
	fs.BoolVar(&f.clamav, "clamav", false, "scan attachments with a local clamscan binary")
	return f
}

func (env *runtimeEnv) ingestRunner(src *sourceFlags) (*pipeline.IngestRunner, error) {
	adapter, err := ingest.NewFilesystemAdapter(
		filepath.Join(env.repoRoot, src.rawMIMEDir),
		filepath.Join(env.repoRoot, src.attachmentsDir),
		env.repoRoot,
	)
	if err != nil {
		return nil, err
	}

	var scanner attach.AVScanner = attach.FixedStatusScanner{Status: artifacts.AVClean}
	if src.clamav {
		scanner = attach.ClamAVScanner{}
	}

	return &pipeline.IngestRunner{
		Adapter:         adapter,
		IngestionSource: "filesystem",
		RawStore:        env.store,
		StateDir:        filepath.Join(env.outDir, "state"),
		Artifacts:       env.dir,
		Attachments: &attach.Stage{
			RawStore:     env.store,
			DerivedStore: env.store,
			Scanner:      scanner,
			DocTyper:     attach.FilenameDocTyper{},
			Artifacts:    env.dir,
			Log:          env.log,
		},
		Observer: env.observer,
	}, nil
}

func runIngestCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envf := registerEnvFlags(fs)
	srcf := registerSourceFlags(fs)
	interval := fs.Duration("interval", 0, "poll interval; 0 runs a single pass")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	env, err := buildEnv(envf)
	if err != nil {
		fmt.Fprintf(stderr, "ingest: %v\n", err)
		return ieimerr.ExitCode(err)
	}
	runner, err := env.ingestRunner(srcf)
	if err != nil {
		fmt.Fprintf(stderr, "ingest: %v\n", err)
		return ieimerr.ExitCode(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pass := func() int {
		produced, err := runner.RunOnce(ctx, srcf.limit)
		if err != nil {
			fmt.Fprintf(stderr, "ingest: %v\n", err)
			return ieimerr.ExitCode(err)
		}
		fmt.Fprintf(stdout, "INGEST_OK: messages=%d\n", len(produced))
		return 0
	}

	if rc := pass(); rc != 0 || *interval <= 0 {
		return rc
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
			if rc := pass(); rc != 0 {
				return rc
			}
		}
	}
}

// runStages drives every post-ingest stage over the artifact directory.
// cfg is passed per pass so a long-running loop picks up incident toggles
// from the config watcher without a restart.
func runStages(ctx context.Context, env *runtimeEnv, cfg *config.Config) ([]*pipeline.CaseResult, []*hitl.ReviewItem, error) {
	idRunner := &pipeline.IdentityRunner{
		RepoRoot:  env.repoRoot,
		Resolver:  env.resolver,
		Artifacts: env.dir,
		Observer:  env.observer,
	}
	if _, err := idRunner.Run(ctx); err != nil {
		return nil, nil, err
	}

	ceRunner := &pipeline.ClassifyExtractRunner{
		RepoRoot:    env.repoRoot,
		Config:      cfg,
		Artifacts:   env.dir,
		LLMCacheDir: llm.DefaultCacheDir(),
		Observer:    env.observer,
	}
	if _, err := ceRunner.Run(ctx); err != nil {
		return nil, nil, err
	}

	ruleset, err := route.LoadRuleset(env.repoRoot, cfg.Routing.RulesetPath)
	if err != nil {
		return nil, nil, err
	}
	routeRunner := &pipeline.RoutingRunner{
		Evaluator: &route.Evaluator{Config: cfg, Ruleset: ruleset},
		Artifacts: env.dir,
		Observer:  env.observer,
	}
	if _, err := routeRunner.Run(ctx); err != nil {
		return nil, nil, err
	}

	caseRunner := &pipeline.CaseRunner{
		Adapter:   env.cases,
		Artifacts: env.dir,
		Observer:  env.observer,
	}
	cases, err := caseRunner.Run(ctx)
	if err != nil {
		return nil, nil, err
	}

	reviewRunner := &pipeline.ReviewRunner{
		Artifacts: env.dir,
		Store:     &hitl.FileReviewStore{BaseDir: filepath.Join(env.outDir, "hitl")},
		Observer:  env.observer,
	}
	items, err := reviewRunner.Run(ctx)
	if err != nil {
		return cases, nil, err
	}
	return cases, items, nil
}

func runPipelineCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pipeline", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envf := registerEnvFlags(fs)
	srcf := registerSourceFlags(fs)
	metaDSN := fs.String("metastore", "", "meta-store DSN; empty uses <out>/metastore.db")
	metaDialect := fs.String("metastore-dialect", "sqlite", "meta-store dialect: sqlite or postgres")
	interval := fs.Duration("interval", 0, "poll interval; 0 runs a single pass")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	env, err := buildEnv(envf)
	if err != nil {
		fmt.Fprintf(stderr, "pipeline: %v\n", err)
		return ieimerr.ExitCode(err)
	}
	runner, err := env.ingestRunner(srcf)
	if err != nil {
		fmt.Fprintf(stderr, "pipeline: %v\n", err)
		return ieimerr.ExitCode(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pass := func(cfg *config.Config) int {
		ingested, err := runner.RunOnce(ctx, srcf.limit)
		if err != nil {
			fmt.Fprintf(stderr, "pipeline: ingest: %v\n", err)
			return ieimerr.ExitCode(err)
		}

		cases, items, err := runStages(ctx, env, cfg)
		if err != nil {
			fmt.Fprintf(stderr, "pipeline: %v\n", err)
			return ieimerr.ExitCode(err)
		}

		if err := indexResults(ctx, env, *metaDialect, *metaDSN, cases); err != nil {
			fmt.Fprintf(stderr, "pipeline: metastore: %v\n", err)
			return ieimerr.ExitCode(err)
		}

		for _, c := range cases {
			caseID := ""
			if c.CaseID != nil {
				caseID = *c.CaseID
			}
			fmt.Fprintf(stdout, "%s queue=%s case=%s status=%s\n", c.MessageID, c.Routing.QueueID, caseID, c.Status)
		}
		fmt.Fprintf(stdout, "PIPELINE_OK: ingested=%d cases=%d review_items=%d\n", len(ingested), len(cases), len(items))
		return 0
	}

	if *interval <= 0 {
		return pass(env.cfg)
	}

	// The loop reads config through the watcher so incident toggles
	// (force_review, disable_llm) take effect on the next pass.
	watcher, err := config.NewWatcher(filepath.Join(env.repoRoot, envf.configPath))
	if err != nil {
		fmt.Fprintf(stderr, "pipeline: %v\n", err)
		return ieimerr.ExitCode(err)
	}
	defer watcher.Close()

	if rc := pass(watcher.Current()); rc != 0 {
		return rc
	}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
			if rc := pass(watcher.Current()); rc != 0 {
				return rc
			}
		}
	}
}

// indexResults records each processed message in the operational meta
// store. The index is advisory and never feeds a decision input.
func indexResults(ctx context.Context, env *runtimeEnv, dialect, dsn string, cases []*pipeline.CaseResult) error {
	if dsn == "" {
		dsn = filepath.Join(env.outDir, "metastore.db")
	}
	store, db, err := metastore.Open(ctx, dialect, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, c := range cases {
		var nm artifacts.NormalizedMessage
		if err := env.dir.ReadArtifact(env.dir.NormalizedPath(c.MessageID), &nm); err != nil {
			return err
		}
		rec := metastore.MessageRecord{
			MessageID:     nm.MessageID,
			RunID:         nm.RunID,
			Fingerprint:   nm.MessageFingerprint,
			RawMIMESHA256: nm.RawMIMESHA256,
			QueueID:       c.Routing.QueueID,
			IngestedAt:    nm.IngestedAt,
		}
		if err := store.IndexMessage(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
