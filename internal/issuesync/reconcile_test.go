package issuesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type fakeSource struct {
	issuesByJQL map[string][]json.RawMessage
	errsByJQL   map[string]error
	queries     []string
}

func (f *fakeSource) Search(ctx context.Context, jql string) ([]json.RawMessage, error) {
	f.queries = append(f.queries, jql)
	if err, ok := f.errsByJQL[jql]; ok {
		return nil, err
	}
	return f.issuesByJQL[jql], nil
}

func sourceIssue(key, updated string, fixVersions ...string) json.RawMessage {
	var versions []map[string]string
	for _, fv := range fixVersions {
		versions = append(versions, map[string]string{"name": fv})
	}
	doc := map[string]any{
		"key": key,
		"id":  key,
		"fields": map[string]any{
			"updated":     updated,
			"status":      map[string]string{"name": "Open"},
			"fixVersions": versions,
		},
	}
	raw, _ := json.Marshal(doc)
	return raw
}

func testReconciler(t *testing.T, source *fakeSource, store IssueStore, fixVersions []string) *Reconciler {
	t.Helper()
	rec, err := NewReconciler(ReconcilerOptions{
		Source:      source,
		Store:       store,
		FixVersions: fixVersions,
		Now:         func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return rec
}

func TestReconcileCreatesMissingRecords(t *testing.T) {
	source := &fakeSource{issuesByJQL: map[string][]json.RawMessage{
		"fixVersion = '2.0.0' ORDER BY key": {
			sourceIssue("MOB-1", "2024-06-01T12:00:00.000Z", "2.0.0"),
			sourceIssue("MOB-2", "2024-06-01T11:00:00.000Z", "2.0.0"),
		},
	}}
	store := NewMemoryStore(StoreOptions{})
	report, err := testReconciler(t, source, store, []string{"2.0.0"}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.OK() {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}
	result := report.Stats[0]
	if result.Fetched != 2 || result.Created != 2 || result.Updated != 0 || result.Deleted != 0 || result.Unchanged != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	records, _ := store.QueryByScope(context.Background(), "2.0.0")
	if len(records) != 2 {
		t.Fatalf("expected 2 records in store, got %d", len(records))
	}
	for _, rec := range records {
		if rec.LastEventType != EventReconciliation {
			t.Fatalf("expected reconciliation event type, got %q", rec.LastEventType)
		}
	}
}

func TestReconcileUnchangedSkipsWrites(t *testing.T) {
	source := &fakeSource{issuesByJQL: map[string][]json.RawMessage{
		"fixVersion = '2.0.0' ORDER BY key": {sourceIssue("MOB-1", "2024-06-01T12:00:00.000Z", "2.0.0")},
	}}
	store := NewMemoryStore(StoreOptions{})
	if _, err := store.PutIfNewer(context.Background(), memRecord("MOB-1", "2024-06-01T12:00:00.000Z", "2.0.0")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	report, err := testReconciler(t, source, store, []string{"2.0.0"}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	result := report.Stats[0]
	if result.Unchanged != 1 || result.Created != 0 || result.Updated != 0 || result.Deleted != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	// The stored record keeps its original event context.
	stored, _ := store.GetLatest(context.Background(), "MOB-1")
	if stored.LastEventType == EventReconciliation {
		t.Fatalf("unchanged record must not be rewritten")
	}
}

func TestReconcileUpdatesStaleRecords(t *testing.T) {
	source := &fakeSource{issuesByJQL: map[string][]json.RawMessage{
		"fixVersion = '2.0.0' ORDER BY key": {sourceIssue("MOB-1", "2024-06-01T13:00:00.000Z", "2.0.0")},
	}}
	store := NewMemoryStore(StoreOptions{})
	if _, err := store.PutIfNewer(context.Background(), memRecord("MOB-1", "2024-06-01T12:00:00.000Z", "2.0.0")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	report, err := testReconciler(t, source, store, []string{"2.0.0"}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	result := report.Stats[0]
	if result.Updated != 1 || result.Created != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestReconcileTombstonesMissingIssues(t *testing.T) {
	// The source reports nothing for the scope; every live stored record is
	// tombstoned, already-deleted ones are left alone.
	source := &fakeSource{issuesByJQL: map[string][]json.RawMessage{}}
	store := NewMemoryStore(StoreOptions{Now: func() time.Time { return testNow }})
	ctx := context.Background()
	for _, key := range []string{"MOB-1", "MOB-2"} {
		if _, err := store.PutIfNewer(ctx, memRecord(key, "2024-06-01T12:00:00.000Z", "2.0.0")); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := store.Tombstone(ctx, IssueRecord{IssueKey: "MOB-2", LastEventType: "jira:issue_deleted"}); err != nil {
		t.Fatalf("seed tombstone: %v", err)
	}

	report, err := testReconciler(t, source, store, []string{"2.0.0"}).Run(ctx, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	result := report.Stats[0]
	if result.Fetched != 0 || result.Deleted != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	stored, _ := store.GetLatest(ctx, "MOB-1")
	if !stored.Deleted || stored.LastEventType != EventReconciliationMissing {
		t.Fatalf("expected reconciliation tombstone: %+v", stored)
	}
}

func TestReconcileScopeFailureDoesNotBlockOthers(t *testing.T) {
	source := &fakeSource{
		issuesByJQL: map[string][]json.RawMessage{
			"fixVersion = '2.0.0' ORDER BY key": {sourceIssue("MOB-1", "2024-06-01T12:00:00.000Z", "2.0.0")},
		},
		errsByJQL: map[string]error{
			"fixVersion = '1.0.0' ORDER BY key": errors.New("source timeout"),
		},
	}
	store := NewMemoryStore(StoreOptions{})
	report, err := testReconciler(t, source, store, []string{"1.0.0", "2.0.0"}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.OK() {
		t.Fatalf("expected a scope error")
	}
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "1.0.0") {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}
	if len(report.Stats) != 1 || report.Stats[0].Scope != "2.0.0" || report.Stats[0].Created != 1 {
		t.Fatalf("healthy scope must still run: %+v", report.Stats)
	}
}

func TestReconcileExplicitScopesWinOverConfigured(t *testing.T) {
	source := &fakeSource{issuesByJQL: map[string][]json.RawMessage{}}
	store := NewMemoryStore(StoreOptions{})
	_, err := testReconciler(t, source, store, []string{"configured"}).Run(context.Background(), []string{"explicit"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(source.queries) != 1 || !strings.Contains(source.queries[0], "explicit") {
		t.Fatalf("expected explicit scope query, got %v", source.queries)
	}
}

func TestReconcileDiscoversScopesWhenUnconfigured(t *testing.T) {
	source := &fakeSource{issuesByJQL: map[string][]json.RawMessage{}}
	store := NewMemoryStore(StoreOptions{})
	ctx := context.Background()
	for i, scope := range []string{"2.0.0", "1.0.0"} {
		if _, err := store.PutIfNewer(ctx, memRecord(fmt.Sprintf("MOB-%d", i+1), "2024-06-01T12:00:00.000Z", scope)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	report, err := testReconciler(t, source, store, nil).Run(ctx, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Stats) != 2 {
		t.Fatalf("expected both discovered scopes, got %+v", report.Stats)
	}
	if report.Stats[0].Scope != "1.0.0" || report.Stats[1].Scope != "2.0.0" {
		t.Fatalf("scopes must run in sorted order: %+v", report.Stats)
	}
}

func TestReconcileNoScopesIsSetupError(t *testing.T) {
	source := &fakeSource{}
	store := NewMemoryStore(StoreOptions{})
	if _, err := testReconciler(t, source, store, nil).Run(context.Background(), nil); err == nil {
		t.Fatalf("expected setup error with no scopes")
	}
}

func TestReconcileCustomJQLTemplate(t *testing.T) {
	source := &fakeSource{issuesByJQL: map[string][]json.RawMessage{}}
	store := NewMemoryStore(StoreOptions{})
	rec, err := NewReconciler(ReconcilerOptions{
		Source:      source,
		Store:       store,
		JQLTemplate: "project = MOB AND fixVersion = '{fixVersion}'",
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	if _, err := rec.Run(context.Background(), []string{"2.0.0"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "project = MOB AND fixVersion = '2.0.0'"
	if len(source.queries) != 1 || source.queries[0] != want {
		t.Fatalf("got %v, want %q", source.queries, want)
	}
}
