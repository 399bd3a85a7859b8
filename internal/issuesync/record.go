package issuesync

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const (
	// ScopeUnassigned groups issues that carry no fix version.
	ScopeUnassigned = "UNASSIGNED"

	AssigneeUnassigned = "UNASSIGNED"
	StatusUnknown      = "UNKNOWN"

	EventReconciliation        = "reconciliation"
	EventReconciliationMissing = "reconciliation_missing"
)

// TimestampLayout is the canonical stored form of source timestamps: UTC with
// fixed-width millisecond precision, so lexicographic order is chronological.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// IssueRecord is the locally mirrored state of one source issue. The stored
// update timestamp for a given issue key is monotonically non-decreasing
// across all writers; the store's conditional write enforces it.
type IssueRecord struct {
	IssueKey   string `json:"issue_key" dynamodbav:"issue_key"`
	IssueID    string `json:"issue_id" dynamodbav:"issue_id"`
	ProjectKey string `json:"project_key,omitempty" dynamodbav:"project_key,omitempty"`
	Status     string `json:"status" dynamodbav:"status"`
	Assignee   string `json:"assignee" dynamodbav:"assignee"`

	// FixVersion is the primary grouping key: the first fix version in
	// source-API order. TODO(product): confirm the tie-break for
	// multi-version issues.
	FixVersion     string         `json:"fix_version" dynamodbav:"fix_version"`
	FixVersions    []string       `json:"fix_versions,omitempty" dynamodbav:"fix_versions,omitempty"`
	UpdatedAt      string         `json:"updated_at" dynamodbav:"updated_at"`
	ReceivedAt     string         `json:"received_at" dynamodbav:"received_at"`
	Issue          map[string]any `json:"issue,omitempty" dynamodbav:"issue,omitempty"`
	Deleted        bool           `json:"deleted" dynamodbav:"deleted"`
	LastEventType  string         `json:"last_event_type,omitempty" dynamodbav:"last_event_type,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" dynamodbav:"idempotency_key,omitempty"`
}

// RecordSource carries one raw issue document plus the context needed to
// turn it into an IssueRecord.
type RecordSource struct {
	Raw json.RawMessage

	// FallbackUpdated is used when the document has no updated/created field
	// (webhook payload timestamp). FallbackScope is the grouping key when the
	// document lists no fix versions (reconciliation scope).
	FallbackUpdated string
	FallbackScope   string

	EventType      string
	IdempotencyKey string
	Now            time.Time
}

type jiraIssueDoc struct {
	ID     flexString      `json:"id"`
	Key    string          `json:"key"`
	Fields jiraIssueFields `json:"fields"`
}

type jiraIssueFields struct {
	Updated     string        `json:"updated"`
	Created     string        `json:"created"`
	Status      *jiraNamed    `json:"status"`
	Assignee    *jiraAssignee `json:"assignee"`
	Project     *jiraProject  `json:"project"`
	FixVersions []jiraNamed   `json:"fixVersions"`
}

type jiraNamed struct {
	Name string `json:"name"`
}

type jiraAssignee struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
}

type jiraProject struct {
	Key string `json:"key"`
}

// flexString accepts a JSON string or number; Jira serves issue ids as
// strings but integrations occasionally deliver them numeric.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*s = ""
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*s = flexString(text)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		*s = flexString(num.String())
		return nil
	}
	return &ValidationError{Field: "issue.id", Reason: "expected string or number"}
}

// BuildRecord converts a raw source issue document into an IssueRecord.
// The document must carry an issue key or id; everything else defaults.
func BuildRecord(src RecordSource) (IssueRecord, error) {
	if len(src.Raw) == 0 {
		return IssueRecord{}, &ValidationError{Field: "issue", Reason: "missing issue document"}
	}
	var issue jiraIssueDoc
	if err := json.Unmarshal(src.Raw, &issue); err != nil {
		return IssueRecord{}, &ValidationError{Field: "issue", Reason: "not a valid issue document"}
	}

	key := strings.TrimSpace(issue.Key)
	if key == "" {
		key = strings.TrimSpace(string(issue.ID))
	}
	if key == "" {
		return IssueRecord{}, &ValidationError{Field: "issue.key", Reason: "missing issue identifier"}
	}
	id := strings.TrimSpace(string(issue.ID))
	if id == "" {
		id = key
	}

	updatedAt := NormalizeTimestamp(issue.Fields.Updated)
	if updatedAt == "" {
		updatedAt = NormalizeTimestamp(issue.Fields.Created)
	}
	if updatedAt == "" {
		updatedAt = src.FallbackUpdated
	}
	if updatedAt == "" {
		updatedAt = FormatTimestamp(src.Now)
	}

	var fixVersions []string
	for _, fv := range issue.Fields.FixVersions {
		if fv.Name != "" {
			fixVersions = append(fixVersions, fv.Name)
		}
	}
	primary := src.FallbackScope
	if len(fixVersions) > 0 {
		primary = fixVersions[0]
	}
	if primary == "" {
		primary = ScopeUnassigned
	}

	status := StatusUnknown
	if issue.Fields.Status != nil && issue.Fields.Status.Name != "" {
		status = issue.Fields.Status.Name
	}
	assignee := AssigneeUnassigned
	if issue.Fields.Assignee != nil {
		if issue.Fields.Assignee.AccountID != "" {
			assignee = issue.Fields.Assignee.AccountID
		} else if issue.Fields.Assignee.DisplayName != "" {
			assignee = issue.Fields.Assignee.DisplayName
		}
	}
	projectKey := ""
	if issue.Fields.Project != nil {
		projectKey = issue.Fields.Project.Key
	}

	var embedded map[string]any
	_ = json.Unmarshal(src.Raw, &embedded)

	return IssueRecord{
		IssueKey:       key,
		IssueID:        id,
		ProjectKey:     projectKey,
		Status:         status,
		Assignee:       assignee,
		FixVersion:     primary,
		FixVersions:    fixVersions,
		UpdatedAt:      updatedAt,
		ReceivedAt:     FormatTimestamp(src.Now),
		Issue:          embedded,
		Deleted:        false,
		LastEventType:  src.EventType,
		IdempotencyKey: src.IdempotencyKey,
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999-0700",
	"2006-01-02T15:04:05-0700",
}

// NormalizeTimestamp converts a source timestamp (epoch milliseconds or a
// known textual layout) to TimestampLayout. Unparseable text is preserved
// as-is; nil and empty input yield "".
func NormalizeTimestamp(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case float64:
		if v <= 0 {
			return ""
		}
		return FormatTimestamp(time.UnixMilli(int64(v)))
	case int64:
		if v <= 0 {
			return ""
		}
		return FormatTimestamp(time.UnixMilli(v))
	case int:
		return NormalizeTimestamp(int64(v))
	case json.Number:
		if millis, err := v.Int64(); err == nil {
			return NormalizeTimestamp(millis)
		}
		return NormalizeTimestamp(v.String())
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return ""
		}
		if millis, err := strconv.ParseInt(text, 10, 64); err == nil {
			return NormalizeTimestamp(millis)
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, text); err == nil {
				return FormatTimestamp(t)
			}
		}
		return text
	default:
		return ""
	}
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
