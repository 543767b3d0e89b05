// Package metastore is the operational SQL index next to the file-based
// artifact store: a small KV table used for exactly-once markers plus an
// index of processed messages for queue/ops queries. Nothing in here is a
// decision input.
package metastore

import (
	"context"
	"sync"
)

// MessageRecord is one row of the message index.
type MessageRecord struct {
	MessageID     string
	RunID         string
	Fingerprint   string
	RawMIMESHA256 string
	QueueID       string
	IngestedAt    string
}

// Store is the meta-store boundary. PutIfAbsent reports true when the key
// was newly written, false when it already existed.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	PutIfAbsent(ctx context.Context, key, value string) (bool, error)
	IndexMessage(ctx context.Context, rec MessageRecord) error
	MessagesByQueue(ctx context.Context, queueID string) ([]MessageRecord, error)
}

// InMemoryStore backs tests and single-process demos.
type InMemoryStore struct {
	mu       sync.Mutex
	kv       map[string]string
	messages []MessageRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{kv: map[string]string{}}
}

func (s *InMemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *InMemoryStore) PutIfAbsent(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kv[key]; ok {
		return false, nil
	}
	s.kv[key] = value
	return true, nil
}

func (s *InMemoryStore) IndexMessage(_ context.Context, rec MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.messages {
		if existing.MessageID == rec.MessageID && existing.RunID == rec.RunID {
			return nil
		}
	}
	s.messages = append(s.messages, rec)
	return nil
}

func (s *InMemoryStore) MessagesByQueue(_ context.Context, queueID string) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []MessageRecord{}
	for _, rec := range s.messages {
		if rec.QueueID == queueID {
			out = append(out, rec)
		}
	}
	return out, nil
}
