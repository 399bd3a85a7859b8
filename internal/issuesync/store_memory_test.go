package issuesync

import (
	"context"
	"testing"
	"time"
)

func memRecord(key, updatedAt, scope string) IssueRecord {
	return IssueRecord{
		IssueKey:   key,
		IssueID:    key,
		Status:     "Open",
		Assignee:   AssigneeUnassigned,
		FixVersion: scope,
		UpdatedAt:  updatedAt,
		ReceivedAt: FormatTimestamp(testNow),
	}
}

func TestMemoryStoreMonotonicity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(StoreOptions{})

	if outcome, err := store.PutIfNewer(ctx, memRecord("MOB-1", "2024-06-01T12:00:00.000Z", "2.0.0")); err != nil || outcome != WriteApplied {
		t.Fatalf("first write: outcome=%v err=%v", outcome, err)
	}
	// Older update arrives late: rejected without error.
	if outcome, err := store.PutIfNewer(ctx, memRecord("MOB-1", "2024-06-01T11:00:00.000Z", "2.0.0")); err != nil || outcome != WriteConflict {
		t.Fatalf("stale write: outcome=%v err=%v", outcome, err)
	}
	// Newer update wins.
	if outcome, err := store.PutIfNewer(ctx, memRecord("MOB-1", "2024-06-01T13:00:00.000Z", "2.0.0")); err != nil || outcome != WriteApplied {
		t.Fatalf("newer write: outcome=%v err=%v", outcome, err)
	}
	rec, err := store.GetLatest(ctx, "MOB-1")
	if err != nil || rec == nil {
		t.Fatalf("get: rec=%v err=%v", rec, err)
	}
	if rec.UpdatedAt != "2024-06-01T13:00:00.000Z" {
		t.Fatalf("stored timestamp regressed: %q", rec.UpdatedAt)
	}
}

func TestMemoryStoreEqualTimestampRedelivery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(StoreOptions{})
	rec := memRecord("MOB-1", "2024-06-01T12:00:00.000Z", "2.0.0")

	if outcome, _ := store.PutIfNewer(ctx, rec); outcome != WriteApplied {
		t.Fatalf("first delivery should apply")
	}
	// Redelivery of the same event carries an equal timestamp and a live
	// stored record: accepted, still a single record, state unchanged.
	if outcome, err := store.PutIfNewer(ctx, rec); err != nil || outcome != WriteApplied {
		t.Fatalf("redelivery: outcome=%v err=%v", outcome, err)
	}
	records, err := store.QueryByScope(ctx, "2.0.0")
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one record after redelivery, got %d (err=%v)", len(records), err)
	}
}

func TestMemoryStoreEqualTimestampDoesNotResurrectTombstone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(StoreOptions{})
	rec := memRecord("MOB-1", "2024-06-01T12:00:00.000Z", "2.0.0")

	if _, err := store.PutIfNewer(ctx, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if outcome, err := store.Tombstone(ctx, IssueRecord{IssueKey: "MOB-1", LastEventType: "jira:issue_deleted"}); err != nil || outcome != TombstonePatched {
		t.Fatalf("tombstone: outcome=%v err=%v", outcome, err)
	}
	// A redelivered create with the same timestamp must not bring it back.
	if outcome, err := store.PutIfNewer(ctx, rec); err != nil || outcome != WriteConflict {
		t.Fatalf("equal-timestamp resurrect: outcome=%v err=%v", outcome, err)
	}
	stored, _ := store.GetLatest(ctx, "MOB-1")
	if stored == nil || !stored.Deleted {
		t.Fatalf("tombstone lost: %+v", stored)
	}
	// A genuinely newer update may replace the tombstone.
	newer := memRecord("MOB-1", "2024-06-01T13:00:00.000Z", "2.0.0")
	if outcome, _ := store.PutIfNewer(ctx, newer); outcome != WriteApplied {
		t.Fatalf("newer write should replace the tombstone")
	}
	stored, _ = store.GetLatest(ctx, "MOB-1")
	if stored.Deleted {
		t.Fatalf("newer live record should clear the tombstone")
	}
}

func TestMemoryStoreTombstoneSynthesizesPlaceholder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(StoreOptions{Now: func() time.Time { return testNow }})

	placeholder := memRecord("MOB-9", "2024-06-01T12:00:00.000Z", ScopeUnassigned)
	placeholder.LastEventType = "jira:issue_deleted"
	outcome, err := store.Tombstone(ctx, placeholder)
	if err != nil || outcome != TombstoneSynthesized {
		t.Fatalf("synthesize: outcome=%v err=%v", outcome, err)
	}
	stored, _ := store.GetLatest(ctx, "MOB-9")
	if stored == nil || !stored.Deleted {
		t.Fatalf("expected synthesized tombstone, got %+v", stored)
	}
	if stored.ReceivedAt == "" {
		t.Fatalf("synthesized tombstone missing received_at")
	}
}

func TestMemoryStoreTombstonePatchKeepsTimestamp(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(StoreOptions{})
	rec := memRecord("MOB-1", "2024-06-01T12:00:00.000Z", "2.0.0")
	rec.Status = "Done"
	if _, err := store.PutIfNewer(ctx, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Tombstone(ctx, IssueRecord{IssueKey: "MOB-1", LastEventType: EventReconciliationMissing, IdempotencyKey: "r-1"}); err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	stored, _ := store.GetLatest(ctx, "MOB-1")
	if stored.UpdatedAt != "2024-06-01T12:00:00.000Z" || stored.Status != "Done" {
		t.Fatalf("patch must preserve the record body: %+v", stored)
	}
	if stored.LastEventType != EventReconciliationMissing || stored.IdempotencyKey != "r-1" {
		t.Fatalf("patch must refresh event context: %+v", stored)
	}
}

func TestMemoryStoreQueryByScopeOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(StoreOptions{})
	for _, rec := range []IssueRecord{
		memRecord("MOB-1", "2024-06-01T10:00:00.000Z", "2.0.0"),
		memRecord("MOB-2", "2024-06-01T12:00:00.000Z", "2.0.0"),
		memRecord("MOB-3", "2024-06-01T11:00:00.000Z", "2.0.0"),
		memRecord("OTH-1", "2024-06-01T13:00:00.000Z", "3.0.0"),
	} {
		if _, err := store.PutIfNewer(ctx, rec); err != nil {
			t.Fatalf("seed %s: %v", rec.IssueKey, err)
		}
	}
	records, err := store.QueryByScope(ctx, "2.0.0")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	got := make([]string, 0, len(records))
	for _, rec := range records {
		got = append(got, rec.IssueKey)
	}
	want := []string{"MOB-2", "MOB-3", "MOB-1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMemoryStoreDiscoverScopes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(StoreOptions{})
	for _, rec := range []IssueRecord{
		memRecord("A-1", "2024-06-01T10:00:00.000Z", "2.0.0"),
		memRecord("B-1", "2024-06-01T10:00:00.000Z", "1.0.0"),
		memRecord("C-1", "2024-06-01T10:00:00.000Z", "2.0.0"),
	} {
		if _, err := store.PutIfNewer(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	scopes, err := store.DiscoverScopes(ctx)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(scopes) != 2 || scopes[0] != "1.0.0" || scopes[1] != "2.0.0" {
		t.Fatalf("unexpected scopes: %v", scopes)
	}
}

func TestMemoryStoreRejectsEmptyKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(StoreOptions{})
	if _, err := store.PutIfNewer(ctx, IssueRecord{}); err == nil {
		t.Fatalf("expected error for missing issue key")
	}
	if _, err := store.Tombstone(ctx, IssueRecord{}); err == nil {
		t.Fatalf("expected error for missing issue key")
	}
}
