package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// CursorState is the persisted ingest position. A nil cursor means start
// from the beginning.
type CursorState struct {
	Cursor *string `json:"cursor"`
}

// ReadCursor loads the cursor file. A missing file yields the zero state.
func ReadCursor(path string) (CursorState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return CursorState{}, nil
	}
	if err != nil {
		return CursorState{}, err
	}
	var state CursorState
	if err := json.Unmarshal(data, &state); err != nil {
		return CursorState{}, fmt.Errorf("cursor state %s: %w", path, err)
	}
	return state, nil
}

// WriteCursor persists the cursor atomically.
func WriteCursor(path string, state CursorState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// DedupeState is the set of raw MIME hashes already normalized. It backs
// the exactly-once guarantee for ingestion.
type DedupeState struct {
	processed map[string]bool
}

func NewDedupeState() *DedupeState {
	return &DedupeState{processed: map[string]bool{}}
}

// ReadDedupeState loads the dedupe file. A missing file yields an empty
// set.
func ReadDedupeState(path string) (*DedupeState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewDedupeState(), nil
	}
	if err != nil {
		return nil, err
	}
	var raw struct {
		ProcessedRawMIMESHA256 []string `json:"processed_raw_mime_sha256"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("dedupe state %s: %w", path, err)
	}
	state := NewDedupeState()
	for _, sha := range raw.ProcessedRawMIMESHA256 {
		state.processed[sha] = true
	}
	return state, nil
}

// Seen reports whether a raw MIME hash has already been processed.
func (s *DedupeState) Seen(rawSHA string) bool { return s.processed[rawSHA] }

// Add marks a raw MIME hash as processed.
func (s *DedupeState) Add(rawSHA string) { s.processed[rawSHA] = true }

// Write persists the set atomically with sorted hashes so the file bytes
// are reproducible.
func (s *DedupeState) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	hashes := make([]string, 0, len(s.processed))
	for sha := range s.processed {
		hashes = append(hashes, sha)
	}
	sort.Strings(hashes)
	data, err := json.MarshalIndent(map[string][]string{"processed_raw_mime_sha256": hashes}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
