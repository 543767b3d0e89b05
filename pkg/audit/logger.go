package audit

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// Logger appends hash-chained events to per-run JSONL files.
type Logger struct {
	baseDir string

	mu sync.Mutex
}

// NewLogger returns a logger rooted at baseDir. Log files are created
// under baseDir/audit/<message_id>/<run_id>.jsonl.
func NewLogger(baseDir string) *Logger {
	return &Logger{baseDir: baseDir}
}

// BaseDir returns the logger's state root.
func (l *Logger) BaseDir() string { return l.baseDir }

// PathFor returns the log file path for one (message_id, run_id).
func (l *Logger) PathFor(messageID, runID string) string {
	return filepath.Join(l.baseDir, "audit", messageID, runID+".jsonl")
}

// Append chains the event onto the run's log and writes it. The event's
// PrevEventHash and EventHash are set before the line hits disk. The log
// file is flocked for the read-chain-then-write window so concurrent
// writers in other processes cannot fork the chain.
func (l *Logger) Append(event *Event) (*Event, error) {
	if event.MessageID == "" || event.RunID == "" {
		return nil, ieimerr.New(ieimerr.CodeAuditChainBroken, "audit event missing message_id/run_id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.PathFor(event.MessageID, event.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeAuditChainBroken, err, "create audit dir")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeAuditChainBroken, err, "open audit log %s", path)
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeAuditChainBroken, err, "lock audit log %s", path)
	}
	defer unlockFile(f)

	prevHash, err := lastEventHash(f, path)
	if err != nil {
		return nil, err
	}
	event.PrevEventHash = prevHash

	hash, err := EventHashOf(event)
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeAuditChainBroken, err, "hash audit event")
	}
	event.EventHash = hash

	line, err := json.Marshal(event)
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeAuditChainBroken, err, "encode audit event")
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeAuditChainBroken, err, "seek audit log")
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeAuditChainBroken, err, "append audit event")
	}
	if err := f.Sync(); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeAuditChainBroken, err, "sync audit log")
	}
	return event, nil
}

// ReadRun returns all events of one run in append order.
func (l *Logger) ReadRun(messageID, runID string) ([]*Event, error) {
	path := l.PathFor(messageID, runID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ieimerr.Wrap(ieimerr.CodeNotFound, err, "audit log for %s/%s", messageID, runID)
		}
		return nil, err
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, ieimerr.Wrap(ieimerr.CodeAuditChainBroken, err, "decode audit event in %s", path)
		}
		events = append(events, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// lastEventHash reads the already-open and locked log file from the top.
func lastEventHash(f *os.File, path string) (*string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeAuditChainBroken, err, "seek audit log")
	}

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if last == "" {
		return nil, nil
	}
	var prev struct {
		EventHash string `json:"event_hash"`
	}
	if err := json.Unmarshal([]byte(last), &prev); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeAuditChainBroken, err, "decode last audit event in %s", path)
	}
	if prev.EventHash == "" {
		return nil, nil
	}
	return &prev.EventHash, nil
}
