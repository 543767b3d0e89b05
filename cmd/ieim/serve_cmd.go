package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/ieim/pkg/api"
	"github.com/Mindburn-Labs/ieim/pkg/auth"
	"github.com/Mindburn-Labs/ieim/pkg/authz"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/hitl"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/ingest"
	"github.com/Mindburn-Labs/ieim/pkg/observability"
)

// spoolProcessor writes gateway submissions into the filesystem corpus
// layout the ingest command reads from.
func spoolProcessor(spoolDir string) ingest.Processor {
	return func(raw []byte, _ http.Header) (string, error) {
		if err := os.MkdirAll(spoolDir, 0o755); err != nil {
			return "", err
		}
		sha := canonicalize.HashBytes(raw)
		sourceID := strings.TrimPrefix(sha, "sha256:")
		path := filepath.Join(spoolDir, sourceID+".eml")
		if _, err := os.Stat(path); err == nil {
			return sourceID, nil
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, raw, 0o644); err != nil {
			return "", err
		}
		if err := os.Rename(tmp, path); err != nil {
			return "", err
		}
		return sourceID, nil
	}
}

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envf := registerEnvFlags(fs)
	listen := fs.String("listen", ":8080", "address to serve on")
	spool := fs.String("spool", "spool/raw_mime", "gateway spool directory, relative to the repo root")
	redisAddr := fs.String("redis", "", "Redis address for the shared idempotency store; empty keeps it in-memory")
	otlpEndpoint := fs.String("otlp-endpoint", "", "OTLP gRPC endpoint for trace export; empty disables export")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	env, err := buildEnv(envf)
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return ieimerr.ExitCode(err)
	}
	configPath := filepath.Join(env.repoRoot, envf.configPath)

	authCfg, err := auth.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return ieimerr.ExitCode(err)
	}
	rbac, err := authz.LoadRBACConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return ieimerr.ExitCode(err)
	}
	guard, err := authz.NewDraftApprovalGuard()
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return ieimerr.ExitCode(err)
	}

	var sessions *auth.SessionCodec
	sessionTTL := time.Duration(authCfg.Session.TTLMinutes) * time.Minute
	if authCfg.Session.Secret != "" {
		sessions, err = auth.NewSessionCodec(authCfg.Session.Secret)
		if err != nil {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			return ieimerr.ExitCode(err)
		}
	}

	var idem api.IdempotencyStorer = api.NewIdempotencyStore(24 * time.Hour)
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		idem = api.NewRedisIdempotencyStore(client, 24*time.Hour)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:      *otlpEndpoint != "",
		ServiceName:  "ieim",
		OTLPEndpoint: *otlpEndpoint,
	})
	if err != nil {
		fmt.Fprintf(stderr, "serve: tracing: %v\n", err)
		return ieimerr.ExitCode(err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	hitlDir := filepath.Join(env.outDir, "hitl")
	server := &api.Server{
		Reviews:           &hitl.FileReviewStore{BaseDir: hitlDir},
		HITL:              &hitl.Service{HitlDir: hitlDir, Registry: env.registry, Audit: env.observer.Audit},
		Audit:             env.observer.Audit,
		Validator:         auth.NewValidator(authCfg.OIDC),
		Sessions:          sessions,
		SessionCookieName: authCfg.Session.CookieName,
		SessionTTL:        sessionTTL,
		RBAC:              rbac,
		Guard:             guard,
		Metrics:           env.observer.Metrics,
		Idempotency:       idem,
		Log:               env.log,
	}

	gateway := ingest.NewGateway(spoolProcessor(filepath.Join(env.repoRoot, *spool)), ingest.GatewayOptions{
		Log: env.log,
	})

	root := chi.NewRouter()
	root.Mount("/", server.Router())
	root.Mount("/gateway", gateway.Router())

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	fmt.Fprintf(stdout, "SERVING: %s\n", *listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "serve: shutdown: %v\n", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			return ieimerr.ExitCode(err)
		}
		return 0
	}
}
