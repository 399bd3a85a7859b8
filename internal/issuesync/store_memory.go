package issuesync

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps the mirror in process memory. Used by tests and the
// memory:// backend profile; honors the same conditional-write contract as
// the durable gateways.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]IssueRecord
	now     func() string
}

func NewMemoryStore(opts StoreOptions) *MemoryStore {
	opts = opts.withDefaults()
	return &MemoryStore{
		records: map[string]IssueRecord{},
		now:     func() string { return FormatTimestamp(opts.Now()) },
	}
}

func (s *MemoryStore) QueryByScope(ctx context.Context, scope string) ([]IssueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []IssueRecord
	for _, rec := range s.records {
		if rec.FixVersion == scope {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].IssueKey < out[j].IssueKey
	})
	return out, nil
}

func (s *MemoryStore) GetLatest(ctx context.Context, issueKey string) (*IssueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[issueKey]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) PutIfNewer(ctx context.Context, rec IssueRecord) (WriteOutcome, error) {
	if rec.IssueKey == "" {
		return WriteConflict, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var stored *IssueRecord
	if existing, ok := s.records[rec.IssueKey]; ok {
		stored = &existing
	}
	if !acceptsWrite(stored, rec.UpdatedAt) {
		return WriteConflict, nil
	}
	s.records[rec.IssueKey] = rec
	return WriteApplied, nil
}

func (s *MemoryStore) Tombstone(ctx context.Context, placeholder IssueRecord) (TombstoneOutcome, error) {
	if placeholder.IssueKey == "" {
		return TombstoneSynthesized, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[placeholder.IssueKey]; ok {
		existing.Deleted = true
		existing.ReceivedAt = s.now()
		existing.LastEventType = placeholder.LastEventType
		if placeholder.IdempotencyKey != "" {
			existing.IdempotencyKey = placeholder.IdempotencyKey
		}
		s.records[placeholder.IssueKey] = existing
		return TombstonePatched, nil
	}
	placeholder.Deleted = true
	if placeholder.ReceivedAt == "" {
		placeholder.ReceivedAt = s.now()
	}
	s.records[placeholder.IssueKey] = placeholder
	return TombstoneSynthesized, nil
}

func (s *MemoryStore) DiscoverScopes(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var scopes []string
	for _, rec := range s.records {
		if rec.FixVersion != "" && !seen[rec.FixVersion] {
			seen[rec.FixVersion] = true
			scopes = append(scopes, rec.FixVersion)
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
