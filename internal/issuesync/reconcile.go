package issuesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// DefaultJQLTemplate builds the scope query sent to the source system. The
// {fix_version} placeholder is replaced per scope.
const DefaultJQLTemplate = "fixVersion = '{fix_version}' ORDER BY key"

// SourceSearcher is the slice of the source client the reconciler needs.
type SourceSearcher interface {
	Search(ctx context.Context, jql string) ([]json.RawMessage, error)
}

// ReconciliationResult summarizes one scope's pass.
type ReconciliationResult struct {
	Scope     string `json:"fixVersion"`
	Fetched   int    `json:"fetched"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Deleted   int    `json:"deleted"`
	Unchanged int    `json:"unchanged"`
}

// Report aggregates every scope's result plus the per-scope failures. A
// failed scope never blocks the remaining scopes.
type Report struct {
	Stats  []ReconciliationResult `json:"stats"`
	Errors []string               `json:"errors,omitempty"`
}

// OK reports whether every scope completed without error.
func (r Report) OK() bool {
	return len(r.Errors) == 0
}

// ReconcilerOptions wire the reconciler's collaborators.
type ReconcilerOptions struct {
	Source      SourceSearcher
	Store       IssueStore
	Metrics     *Metrics
	Logger      *slog.Logger
	JQLTemplate string
	FixVersions []string
	Now         func() time.Time
}

// Reconciler periodically converges the durable store onto the authoritative
// source state, one scope at a time: upsert everything the source reports,
// tombstone everything the source no longer lists.
type Reconciler struct {
	source      SourceSearcher
	store       IssueStore
	metrics     *Metrics
	logger      *slog.Logger
	jqlTemplate string
	fixVersions []string
	now         func() time.Time
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Source == nil || opts.Store == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	template := strings.TrimSpace(opts.JQLTemplate)
	if template == "" {
		template = DefaultJQLTemplate
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		source:      opts.Source,
		store:       opts.Store,
		metrics:     opts.Metrics,
		logger:      logger,
		jqlTemplate: template,
		fixVersions: opts.FixVersions,
		now:         now,
	}, nil
}

// Run reconciles every resolved scope. The returned error is reserved for
// setup failures (no scopes resolvable); per-scope failures land in
// Report.Errors and the remaining scopes still run.
func (r *Reconciler) Run(ctx context.Context, explicit []string) (Report, error) {
	scopes, err := r.resolveScopes(ctx, explicit)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, scope := range scopes {
		result, err := r.reconcileScope(ctx, scope)
		if err != nil {
			r.logger.Error("scope reconciliation failed", "fix_version", scope, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", scope, err))
			continue
		}
		report.Stats = append(report.Stats, result)
		r.logger.Info("scope reconciled",
			"fix_version", scope,
			"fetched", result.Fetched,
			"created", result.Created,
			"updated", result.Updated,
			"deleted", result.Deleted,
			"unchanged", result.Unchanged)
	}
	for _, result := range report.Stats {
		r.metrics.RecordReconciliation(ctx, result)
	}
	return report, nil
}

func (r *Reconciler) resolveScopes(ctx context.Context, explicit []string) ([]string, error) {
	scopes := trimNonEmpty(explicit)
	if len(scopes) == 0 {
		scopes = trimNonEmpty(r.fixVersions)
	}
	if len(scopes) == 0 {
		discovered, err := r.store.DiscoverScopes(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover scopes: %w", err)
		}
		scopes = discovered
		sort.Strings(scopes)
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("%w: no scopes to reconcile", ErrInvalidInput)
	}
	return scopes, nil
}

func (r *Reconciler) reconcileScope(ctx context.Context, scope string) (ReconciliationResult, error) {
	result := ReconciliationResult{Scope: scope}

	jql := strings.NewReplacer(
		"{fix_version}", scope,
		"{fixVersion}", scope,
	).Replace(r.jqlTemplate)
	fetched, err := r.source.Search(ctx, jql)
	if err != nil {
		return result, fmt.Errorf("jira: %w", err)
	}
	result.Fetched = len(fetched)

	stored, err := r.store.QueryByScope(ctx, scope)
	if err != nil {
		return result, fmt.Errorf("store: %w", err)
	}
	storedByKey := make(map[string]IssueRecord, len(stored))
	for _, rec := range stored {
		storedByKey[rec.IssueKey] = rec
	}

	seen := make(map[string]bool, len(fetched))
	for _, raw := range fetched {
		rec, err := BuildRecord(RecordSource{
			Raw:           raw,
			FallbackScope: scope,
			EventType:     EventReconciliation,
			Now:           r.now(),
		})
		if err != nil {
			r.logger.Warn("skipping malformed source issue", "fix_version", scope, "error", err)
			continue
		}
		seen[rec.IssueKey] = true

		existing, found := storedByKey[rec.IssueKey]
		if found && existing.UpdatedAt == rec.UpdatedAt && !existing.Deleted {
			result.Unchanged++
			continue
		}
		outcome, err := r.store.PutIfNewer(ctx, rec)
		if err != nil {
			return result, fmt.Errorf("store: put %s: %w", rec.IssueKey, err)
		}
		if outcome == WriteConflict {
			result.Unchanged++
			continue
		}
		if found {
			result.Updated++
		} else {
			result.Created++
		}
	}

	for key, rec := range storedByKey {
		if seen[key] || rec.Deleted {
			continue
		}
		placeholder := rec
		placeholder.LastEventType = EventReconciliationMissing
		placeholder.IdempotencyKey = ""
		if _, err := r.store.Tombstone(ctx, placeholder); err != nil {
			return result, fmt.Errorf("store: tombstone %s: %w", key, err)
		}
		result.Deleted++
	}
	return result, nil
}

func trimNonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
