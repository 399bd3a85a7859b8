package issuesync

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics publishes sync counters through the global meter provider. A nil
// *Metrics is safe to use and records nothing.
type Metrics struct {
	fetched   metric.Int64Counter
	created   metric.Int64Counter
	updated   metric.Int64Counter
	deleted   metric.Int64Counter
	unchanged metric.Int64Counter

	webhookProcessed metric.Int64Counter
	webhookIgnored   metric.Int64Counter
	webhookRejected  metric.Int64Counter
}

func NewMetrics(namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "issuesync"
	}
	meter := otel.GetMeterProvider().Meter(namespace)

	m := &Metrics{}
	var err error
	if m.fetched, err = meter.Int64Counter("reconciliation.fetched"); err != nil {
		return nil, err
	}
	if m.created, err = meter.Int64Counter("reconciliation.created"); err != nil {
		return nil, err
	}
	if m.updated, err = meter.Int64Counter("reconciliation.updated"); err != nil {
		return nil, err
	}
	if m.deleted, err = meter.Int64Counter("reconciliation.deleted"); err != nil {
		return nil, err
	}
	if m.unchanged, err = meter.Int64Counter("reconciliation.unchanged"); err != nil {
		return nil, err
	}
	if m.webhookProcessed, err = meter.Int64Counter("webhook.processed"); err != nil {
		return nil, err
	}
	if m.webhookIgnored, err = meter.Int64Counter("webhook.ignored"); err != nil {
		return nil, err
	}
	if m.webhookRejected, err = meter.Int64Counter("webhook.rejected"); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordReconciliation publishes one scope's counters, tagged with the scope
// so dashboards can break results down per fix version.
func (m *Metrics) RecordReconciliation(ctx context.Context, result ReconciliationResult) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("fix_version", result.Scope))
	m.fetched.Add(ctx, int64(result.Fetched), attrs)
	m.created.Add(ctx, int64(result.Created), attrs)
	m.updated.Add(ctx, int64(result.Updated), attrs)
	m.deleted.Add(ctx, int64(result.Deleted), attrs)
	m.unchanged.Add(ctx, int64(result.Unchanged), attrs)
}

// RecordWebhook counts one delivery by disposition: processed, ignored, or
// rejected.
func (m *Metrics) RecordWebhook(ctx context.Context, disposition string) {
	if m == nil {
		return
	}
	switch disposition {
	case "processed":
		m.webhookProcessed.Add(ctx, 1)
	case "ignored":
		m.webhookIgnored.Add(ctx, 1)
	case "rejected":
		m.webhookRejected.Add(ctx, 1)
	}
}
