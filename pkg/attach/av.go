// Package attach scans, stores, and text-extracts email attachments, and
// writes the per-attachment artifact consumed by classification and
// extraction.
package attach

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
)

// AVScanner classifies attachment bytes as CLEAN, INFECTED, SUSPICIOUS, or
// FAILED. FAILED is treated as non-clean downstream.
type AVScanner interface {
	Scan(ctx context.Context, data []byte, filename, mimeType string) string
}

// FixedStatusScanner always reports the configured status. Used in tests and
// in environments without a scanner daemon.
type FixedStatusScanner struct {
	Status string
}

func (s FixedStatusScanner) Scan(context.Context, []byte, string, string) string {
	return s.Status
}

// SHA256MappingScanner reports a status per content hash, defaulting to
// FAILED for unknown content. Deterministic replays depend on this scanner.
type SHA256MappingScanner struct {
	Mapping       map[string]string
	DefaultStatus string
}

func (s SHA256MappingScanner) Scan(_ context.Context, data []byte, _, _ string) string {
	if status, ok := s.Mapping[canonicalize.HashBytes(data)]; ok {
		return status
	}
	if s.DefaultStatus != "" {
		return s.DefaultStatus
	}
	return artifacts.AVFailed
}

// ClamAVScanner shells out to clamscan. Exit code 0 is clean, 1 is infected,
// anything else (including a missing binary) is FAILED.
type ClamAVScanner struct {
	ClamscanPath string
	Timeout      time.Duration
}

func (s ClamAVScanner) Scan(ctx context.Context, data []byte, filename, _ string) string {
	path := s.ClamscanPath
	if path == "" {
		found, err := exec.LookPath("clamscan")
		if err != nil {
			return artifacts.AVFailed
		}
		path = found
	}

	dir, err := os.MkdirTemp("", "ieim-av-*")
	if err != nil {
		return artifacts.AVFailed
	}
	defer os.RemoveAll(dir)

	target := filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return artifacts.AVFailed
	}

	timeout := s.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, "--no-summary", target)
	err = cmd.Run()
	if err == nil {
		return artifacts.AVClean
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return artifacts.AVInfected
	}
	return artifacts.AVFailed
}
