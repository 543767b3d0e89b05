package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
)

// Observability event types and statuses.
const (
	EventStageComplete = "STAGE_COMPLETE"
)

// Event is one observability record in the per-run JSONL file.
type Event struct {
	EventType  string         `json:"event_type"`
	Stage      string         `json:"stage"`
	MessageID  string         `json:"message_id"`
	RunID      string         `json:"run_id"`
	OccurredAt string         `json:"occurred_at"`
	DurationMS *int           `json:"duration_ms"`
	Status     string         `json:"status"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	Fields     map[string]any `json:"fields"`
}

// EventParams are the caller-supplied parts of an observability event.
type EventParams struct {
	EventType  string
	Stage      string
	MessageID  string
	RunID      string
	OccurredAt time.Time
	DurationMS *int
	Status     string
	Fields     map[string]any
}

// BuildEvent fills trace ids from the context's span when present, else
// falls back to the run id and a stage-scoped span label.
func BuildEvent(ctx context.Context, p EventParams) *Event {
	traceID, spanID, ok := TraceIDs(ctx)
	if !ok {
		traceID = p.RunID
		spanID = p.Stage + ":" + p.EventType
	}
	fields := p.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return &Event{
		EventType:  p.EventType,
		Stage:      p.Stage,
		MessageID:  p.MessageID,
		RunID:      p.RunID,
		OccurredAt: canonicalize.FormatTime(p.OccurredAt),
		DurationMS: p.DurationMS,
		Status:     p.Status,
		TraceID:    traceID,
		SpanID:     spanID,
		Fields:     fields,
	}
}

// FileLogger appends observability events to
// <base>/observability/<message_id>/<run_id>.jsonl.
type FileLogger struct {
	baseDir string
	mu      sync.Mutex
}

func NewFileLogger(baseDir string) *FileLogger {
	return &FileLogger{baseDir: baseDir}
}

// PathFor returns the JSONL file for one run.
func (l *FileLogger) PathFor(messageID, runID string) string {
	return filepath.Join(l.baseDir, "observability", messageID, runID+".jsonl")
}

// Append writes one event line.
func (l *FileLogger) Append(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.PathFor(event.MessageID, event.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadRun loads the events of one run in order.
func (l *FileLogger) ReadRun(messageID, runID string) ([]*Event, error) {
	f, err := os.Open(l.PathFor(messageID, runID))
	if os.IsNotExist(err) {
		return []*Event{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	events := []*Event{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("observability line: %w", err)
		}
		events = append(events, &ev)
	}
	return events, scanner.Err()
}
