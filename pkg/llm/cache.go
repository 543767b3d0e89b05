package llm

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// CacheKey identifies one model invocation. Two calls with the same key
// are the same question; the cached answer is authoritative.
type CacheKey struct {
	Stage              string `json:"stage"`
	Provider           string `json:"provider"`
	ModelName          string `json:"model_name"`
	ModelVersion       string `json:"model_version"`
	PromptVersion      string `json:"prompt_version"`
	PromptSHA256       string `json:"prompt_sha256"`
	MessageFingerprint string `json:"message_fingerprint"`
}

// StableID hashes the key's canonical JSON form.
func (k CacheKey) StableID() (string, error) {
	raw, err := canonicalize.JCS(map[string]any{
		"message_fingerprint": k.MessageFingerprint,
		"model_name":          k.ModelName,
		"model_version":       k.ModelVersion,
		"prompt_sha256":       k.PromptSHA256,
		"prompt_version":      k.PromptVersion,
		"provider":            k.Provider,
		"stage":               k.Stage,
	})
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(raw), nil
}

// FileCache stores one immutable JSON response per cache key.
type FileCache struct {
	baseDir string
}

// DefaultCacheDir honors IEIM_LLM_CACHE_DIR, defaulting to the system
// temp dir.
func DefaultCacheDir() string {
	if env := os.Getenv("IEIM_LLM_CACHE_DIR"); env != "" {
		return env
	}
	return filepath.Join(os.TempDir(), "ieim_llm_cache")
}

func NewFileCache(baseDir string) *FileCache {
	if baseDir == "" {
		baseDir = DefaultCacheDir()
	}
	return &FileCache{baseDir: baseDir}
}

func (c *FileCache) pathFor(key CacheKey) (string, error) {
	id, err := key.StableID()
	if err != nil {
		return "", err
	}
	hexHash := strings.TrimPrefix(id, "sha256:")
	return filepath.Join(c.baseDir, "cache", key.Provider, key.Stage, hexHash+".json"), nil
}

type cacheFile struct {
	Key      CacheKey        `json:"key"`
	Response json.RawMessage `json:"response"`
	StoredAt string          `json:"stored_at"`
}

// Get returns the cached raw response, or nil when absent.
func (c *FileCache) Get(key CacheKey) (json.RawMessage, error) {
	path, err := c.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry cacheFile
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	if len(entry.Response) == 0 {
		return nil, nil
	}
	return entry.Response, nil
}

// Put stores the response. Entries are immutable: a second write with
// different bytes for the same key is an error.
func (c *FileCache) Put(key CacheKey, response json.RawMessage) error {
	path, err := c.pathFor(key)
	if err != nil {
		return err
	}

	if existing, err := os.ReadFile(path); err == nil {
		var entry cacheFile
		if err := json.Unmarshal(existing, &entry); err != nil {
			return err
		}
		same, err := jsonEqual(entry.Response, response)
		if err != nil {
			return err
		}
		if !same {
			return ieimerr.New(ieimerr.CodeImmutabilityViolation, "LLM cache immutability violation: %s", path)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	entry := cacheFile{
		Key:      key,
		Response: response,
		StoredAt: canonicalize.FormatTime(time.Now().UTC()),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func jsonEqual(a, b json.RawMessage) (bool, error) {
	ca, err := canonicalJSON(a)
	if err != nil {
		return false, err
	}
	cb, err := canonicalJSON(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return canonicalize.JCS(v)
}

// DailyCounter enforces the per-day call cap across processes via a small
// JSON state file.
type DailyCounter struct {
	path string

	mu sync.Mutex
}

func NewDailyCounter(baseDir string) *DailyCounter {
	if baseDir == "" {
		baseDir = DefaultCacheDir()
	}
	return &DailyCounter{path: filepath.Join(baseDir, "usage", "daily_calls.json")}
}

type counterState struct {
	ByDate map[string]int `json:"by_date"`
}

func (d *DailyCounter) load() counterState {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return counterState{ByDate: map[string]int{}}
	}
	var state counterState
	if err := json.Unmarshal(data, &state); err != nil || state.ByDate == nil {
		return counterState{ByDate: map[string]int{}}
	}
	return state
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// CanConsume reports whether another call fits under the cap.
func (d *DailyCounter) CanConsume(maxCallsPerDay int) bool {
	if maxCallsPerDay <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load().ByDate[today()] < maxCallsPerDay
}

// Consume records one call.
func (d *DailyCounter) Consume() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.load()
	state.ByDate[today()]++

	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}
