package issuesync

import (
	"encoding/json"
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestNormalizeTimestamp(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"epoch millis float", float64(1717243200000), "2024-06-01T12:00:00.000Z"},
		{"epoch millis int64", int64(1717243200000), "2024-06-01T12:00:00.000Z"},
		{"epoch millis string", "1717243200000", "2024-06-01T12:00:00.000Z"},
		{"rfc3339", "2024-06-01T12:00:00Z", "2024-06-01T12:00:00.000Z"},
		{"rfc3339 with offset", "2024-06-01T14:00:00+02:00", "2024-06-01T12:00:00.000Z"},
		{"jira layout", "2024-06-01T12:00:00.123+0000", "2024-06-01T12:00:00.123Z"},
		{"jira layout with offset", "2024-06-01T14:00:00.500+0200", "2024-06-01T12:00:00.500Z"},
		{"unparseable preserved", "yesterday at noon", "yesterday at noon"},
		{"empty", "", ""},
		{"nil", nil, ""},
		{"zero millis", float64(0), ""},
	}
	for _, tc := range cases {
		if got := NormalizeTimestamp(tc.in); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTimestampOrderIsLexicographic(t *testing.T) {
	earlier := FormatTimestamp(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	later := FormatTimestamp(time.Date(2024, 6, 1, 12, 0, 0, 5e6, time.UTC))
	if !(earlier < later) {
		t.Fatalf("expected %q < %q", earlier, later)
	}
}

func TestBuildRecordFullDocument(t *testing.T) {
	raw := []byte(`{
		"id": "10001",
		"key": "MOB-1",
		"fields": {
			"updated": "2024-06-01T12:00:00.000+0000",
			"status": {"name": "In Progress"},
			"assignee": {"accountId": "acct-42", "displayName": "Sam"},
			"project": {"key": "MOB"},
			"fixVersions": [{"name": "2.0.0"}, {"name": "2.1.0"}]
		}
	}`)
	rec, err := BuildRecord(RecordSource{Raw: raw, EventType: "jira:issue_updated", IdempotencyKey: "d-1", Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.IssueKey != "MOB-1" || rec.IssueID != "10001" {
		t.Fatalf("identity mismatch: %+v", rec)
	}
	if rec.Status != "In Progress" || rec.Assignee != "acct-42" || rec.ProjectKey != "MOB" {
		t.Fatalf("field mapping mismatch: %+v", rec)
	}
	if rec.FixVersion != "2.0.0" {
		t.Fatalf("expected first fix version as primary scope, got %q", rec.FixVersion)
	}
	if len(rec.FixVersions) != 2 {
		t.Fatalf("expected both fix versions retained, got %v", rec.FixVersions)
	}
	if rec.UpdatedAt != "2024-06-01T12:00:00.000Z" {
		t.Fatalf("updated_at not normalized: %q", rec.UpdatedAt)
	}
	if rec.ReceivedAt != FormatTimestamp(testNow) {
		t.Fatalf("received_at mismatch: %q", rec.ReceivedAt)
	}
	if rec.Deleted {
		t.Fatalf("fresh record must not be a tombstone")
	}
	if rec.LastEventType != "jira:issue_updated" || rec.IdempotencyKey != "d-1" {
		t.Fatalf("event context missing: %+v", rec)
	}
}

func TestBuildRecordDefaults(t *testing.T) {
	rec, err := BuildRecord(RecordSource{Raw: []byte(`{"key": "MOB-2", "fields": {}}`), Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusUnknown {
		t.Fatalf("expected status default, got %q", rec.Status)
	}
	if rec.Assignee != AssigneeUnassigned {
		t.Fatalf("expected assignee default, got %q", rec.Assignee)
	}
	if rec.FixVersion != ScopeUnassigned {
		t.Fatalf("expected scope default, got %q", rec.FixVersion)
	}
	if rec.UpdatedAt != FormatTimestamp(testNow) {
		t.Fatalf("expected receipt-time fallback, got %q", rec.UpdatedAt)
	}
}

func TestBuildRecordFallbacks(t *testing.T) {
	rec, err := BuildRecord(RecordSource{
		Raw:             []byte(`{"key": "MOB-3", "fields": {}}`),
		FallbackUpdated: "2024-06-01T12:00:00.000Z",
		FallbackScope:   "2.0.0",
		Now:             testNow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.UpdatedAt != "2024-06-01T12:00:00.000Z" {
		t.Fatalf("expected fallback timestamp, got %q", rec.UpdatedAt)
	}
	if rec.FixVersion != "2.0.0" {
		t.Fatalf("expected fallback scope, got %q", rec.FixVersion)
	}
}

func TestBuildRecordCreatedFallsBackBeforeFallbackUpdated(t *testing.T) {
	rec, err := BuildRecord(RecordSource{
		Raw:             []byte(`{"key": "MOB-4", "fields": {"created": "2024-05-01T00:00:00Z"}}`),
		FallbackUpdated: "2024-06-01T12:00:00.000Z",
		Now:             testNow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.UpdatedAt != "2024-05-01T00:00:00.000Z" {
		t.Fatalf("expected created to win over the payload fallback, got %q", rec.UpdatedAt)
	}
}

func TestBuildRecordRequiresIdentity(t *testing.T) {
	if _, err := BuildRecord(RecordSource{Raw: []byte(`{"fields": {}}`), Now: testNow}); err == nil {
		t.Fatalf("expected identity validation error")
	}
	if _, err := BuildRecord(RecordSource{Now: testNow}); err == nil {
		t.Fatalf("expected missing document error")
	}
	if _, err := BuildRecord(RecordSource{Raw: []byte(`"nope"`), Now: testNow}); err == nil {
		t.Fatalf("expected malformed document error")
	}
}

func TestBuildRecordNumericID(t *testing.T) {
	rec, err := BuildRecord(RecordSource{Raw: []byte(`{"id": 10001, "fields": {}}`), Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.IssueKey != "10001" || rec.IssueID != "10001" {
		t.Fatalf("expected numeric id to serve as identity, got %+v", rec)
	}
}

func TestFlexStringRejectsObjects(t *testing.T) {
	var s flexString
	if err := json.Unmarshal([]byte(`{"v": 1}`), &s); err == nil {
		t.Fatalf("expected error for non-scalar id")
	}
}
