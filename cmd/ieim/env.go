package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/caseadapter"
	"github.com/Mindburn-Labs/ieim/pkg/config"
	"github.com/Mindburn-Labs/ieim/pkg/identity"
	"github.com/Mindburn-Labs/ieim/pkg/observability"
	"github.com/Mindburn-Labs/ieim/pkg/pipeline"
	"github.com/Mindburn-Labs/ieim/pkg/rawstore"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// envFlags are the flags every pipeline-facing command shares.
type envFlags struct {
	repoRoot   string
	configPath string
	outDir     string
	templates  string
	crmMapping string
	mirror     string
}

func registerEnvFlags(fs *flag.FlagSet) *envFlags {
	f := &envFlags{}
	fs.StringVar(&f.repoRoot, "repo-root", ".", "repository root all relative paths resolve against")
	fs.StringVar(&f.configPath, "config", "configs/dev.yaml", "runtime config file, relative to the repo root")
	fs.StringVar(&f.outDir, "out", "out", "state directory for artifacts, audit and logs")
	fs.StringVar(&f.templates, "templates", "configs/templates", "request-info draft template directory")
	fs.StringVar(&f.crmMapping, "crm-mapping", "", "optional JSON file mapping sender emails to policy numbers")
	fs.StringVar(&f.mirror, "mirror", "", "raw store mirror: s3://bucket[/prefix], gs://bucket[/prefix], or a directory; empty disables mirroring")
	return f
}

// runtimeEnv bundles everything a stage runner needs.
type runtimeEnv struct {
	repoRoot string
	outDir   string
	cfg      *config.Config
	registry *schema.Registry
	dir      *artifacts.Dir
	store    rawstore.Store
	resolver *identity.Resolver
	cases    caseadapter.Adapter
	observer pipeline.Observer
	auditDir string
	log      *slog.Logger
}

func loadCRMMapping(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mapping map[string][]string
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("parse CRM mapping %s: %w", path, err)
	}
	return mapping, nil
}

func buildEnv(f *envFlags) (*runtimeEnv, error) {
	repoRoot, err := filepath.Abs(f.repoRoot)
	if err != nil {
		return nil, err
	}
	configPath := filepath.Join(repoRoot, f.configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	idCfg, err := identity.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	registry, err := schema.NewRegistry()
	if err != nil {
		return nil, err
	}

	var crm map[string][]string
	if f.crmMapping != "" {
		crm, err = loadCRMMapping(filepath.Join(repoRoot, f.crmMapping))
		if err != nil {
			return nil, err
		}
	}

	outDir := filepath.Join(repoRoot, f.outDir)
	log := slog.Default()

	var store rawstore.Store = rawstore.NewFileStore(repoRoot)
	if f.mirror != "" {
		mirror, err := rawstore.OpenMirror(context.Background(), f.mirror)
		if err != nil {
			return nil, err
		}
		store = &rawstore.MirroredStore{Primary: store, Mirror: mirror}
	}
	return &runtimeEnv{
		repoRoot: repoRoot,
		outDir:   outDir,
		cfg:      cfg,
		registry: registry,
		dir:      artifacts.NewDir(filepath.Join(outDir, "artifacts"), registry),
		store:    store,
		resolver: &identity.Resolver{
			Config:      idCfg,
			Policy:      identity.InMemoryPolicyAdapter{},
			Claims:      identity.InMemoryClaimsAdapter{},
			CRM:         identity.InMemoryCRMAdapter{EmailToPolicyNumbers: crm},
			TemplateDir: filepath.Join(repoRoot, f.templates),
		},
		cases: caseadapter.NewInMemoryAdapter(),
		observer: pipeline.Observer{
			Audit:   audit.NewLogger(filepath.Join(outDir, "audit")),
			Obs:     observability.NewFileLogger(filepath.Join(outDir, "logs")),
			Metrics: observability.NewMetrics(),
			Log:     log,
		},
		auditDir: filepath.Join(outDir, "audit"),
		log:      log,
	}, nil
}
