package store

import (
	"context"
	"sync"
)

// MemoryStore keeps records in memory. Used by tests and as a sink when
// durability is not required.
type MemoryStore struct {
	records map[string][]MessageRecord
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]MessageRecord),
	}
}

// Insert appends a record
func (s *MemoryStore) Insert(_ context.Context, record MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.ConversationID] = append(s.records[record.ConversationID], record)
	return nil
}

// Load returns the records for a conversation in insertion order
func (s *MemoryStore) Load(_ context.Context, conversationID string) ([]MessageRecord, error) {
	return s.Records(conversationID), nil
}

// Records returns a copy of the records for a conversation in insertion order
func (s *MemoryStore) Records(conversationID string) []MessageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]MessageRecord, len(s.records[conversationID]))
	copy(records, s.records[conversationID])
	return records
}

// Count returns the number of records for a conversation
func (s *MemoryStore) Count(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records[conversationID])
}
