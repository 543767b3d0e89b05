package audit

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// Verification is the outcome of a full audit-log scan.
type Verification struct {
	FilesChecked  int
	EventsChecked int
	Errors        []string
}

// OK reports whether every file and event passed.
func (v *Verification) OK() bool { return len(v.Errors) == 0 }

// Err converts a failed verification into a chain-broken error.
func (v *Verification) Err() error {
	if v.OK() {
		return nil
	}
	return ieimerr.New(ieimerr.CodeAuditChainBroken, "audit verification failed with %d error(s): %s",
		len(v.Errors), v.Errors[0])
}

// Verify walks every audit log under auditDir and checks schema validity,
// the path-derived ids, the prev-hash chain, and each recomputed event
// hash. All problems are collected rather than failing fast.
func Verify(auditDir string, registry *schema.Registry) (*Verification, error) {
	result := &Verification{}

	paths, err := auditLogFiles(auditDir)
	if err != nil {
		return nil, err
	}

	for _, path := range paths {
		result.FilesChecked++

		expectedMessageID := filepath.Base(filepath.Dir(path))
		expectedRunID := strings.TrimSuffix(filepath.Base(path), ".jsonl")

		data, err := os.ReadFile(path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
			continue
		}

		lines := nonEmptyLines(string(data))
		if len(lines) == 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: empty audit log", path))
			continue
		}

		var prevHash *string
		for idx, line := range lines {
			if err := registry.ValidateBytes(schema.AuditEventID, []byte(line)); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s:%d: schema validation failed: %v", path, idx+1, err))
				continue
			}

			var event Event
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s:%d: invalid json: %v", path, idx+1, err))
				continue
			}
			result.EventsChecked++

			if event.MessageID != expectedMessageID {
				result.Errors = append(result.Errors,
					fmt.Sprintf("%s:%d: message_id mismatch: %s != %s", path, idx+1, event.MessageID, expectedMessageID))
			}
			if event.RunID != expectedRunID {
				result.Errors = append(result.Errors,
					fmt.Sprintf("%s:%d: run_id mismatch: %s != %s", path, idx+1, event.RunID, expectedRunID))
			}

			if !hashPtrEqual(event.PrevEventHash, prevHash) {
				result.Errors = append(result.Errors,
					fmt.Sprintf("%s:%d: prev_event_hash mismatch", path, idx+1))
			}

			expected, err := eventHashOfLine([]byte(line))
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s:%d: %v", path, idx+1, err))
				continue
			}
			if event.EventHash != expected {
				result.Errors = append(result.Errors,
					fmt.Sprintf("%s:%d: event_hash mismatch: %s != %s", path, idx+1, event.EventHash, expected))
			}

			h := event.EventHash
			prevHash = &h
		}
	}

	return result, nil
}

func auditLogFiles(auditDir string) ([]string, error) {
	if _, err := os.Stat(auditDir); os.IsNotExist(err) {
		return nil, nil
	}
	var paths []string
	err := filepath.WalkDir(auditDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
