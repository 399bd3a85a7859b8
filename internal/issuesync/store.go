package issuesync

import (
	"context"
	"log/slog"
	"time"
)

// WriteOutcome is the result of a conditional write. A rejected condition is
// WriteConflict, not an error: the stored record already carries an equal or
// newer source timestamp.
type WriteOutcome int

const (
	WriteApplied WriteOutcome = iota
	WriteConflict
)

func (o WriteOutcome) String() string {
	if o == WriteConflict {
		return "conflict_noop"
	}
	return "applied"
}

// TombstoneOutcome reports whether a delete patched an existing record or
// had to persist a synthesized placeholder.
type TombstoneOutcome int

const (
	TombstonePatched TombstoneOutcome = iota
	TombstoneSynthesized
)

func (o TombstoneOutcome) String() string {
	if o == TombstoneSynthesized {
		return "synthesized"
	}
	return "patched"
}

// IssueStore is the durable mirror of source issue state. Both writers (the
// webhook ingestor and the reconciliation job) mutate records exclusively
// through this contract; the conditional write keeps accepted order defined
// by source timestamp rather than arrival order.
type IssueStore interface {
	// QueryByScope returns every record whose grouping key equals scope,
	// newest first, following continuation tokens until exhausted.
	QueryByScope(ctx context.Context, scope string) ([]IssueRecord, error)

	// GetLatest returns the stored record for one issue key, or nil.
	GetLatest(ctx context.Context, issueKey string) (*IssueRecord, error)

	// PutIfNewer writes rec unless the stored record is strictly newer, or
	// is a tombstone with an equal timestamp. Rejection is WriteConflict.
	PutIfNewer(ctx context.Context, rec IssueRecord) (WriteOutcome, error)

	// Tombstone marks the stored record deleted, refreshing received_at and
	// last_event_type; with no stored record it persists the placeholder so
	// deletes arriving before any create stay observable.
	Tombstone(ctx context.Context, placeholder IssueRecord) (TombstoneOutcome, error)

	// DiscoverScopes lists the distinct grouping keys present in the store.
	DiscoverScopes(ctx context.Context) ([]string, error)

	Close() error
}

// StoreOptions configure the concrete gateways.
type StoreOptions struct {
	Retry  Policy
	Logger *slog.Logger
	Now    func() time.Time
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// acceptsWrite is the single acceptance rule shared by every gateway: a
// candidate replaces the stored record when none exists, when it is strictly
// newer, or when timestamps are equal and the stored record is not a
// tombstone. An equal-timestamp write can never resurrect a deleted issue.
func acceptsWrite(stored *IssueRecord, updatedAt string) bool {
	if stored == nil {
		return true
	}
	if stored.UpdatedAt < updatedAt {
		return true
	}
	return stored.UpdatedAt == updatedAt && !stored.Deleted
}
