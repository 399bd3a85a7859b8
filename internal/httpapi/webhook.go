package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/releasecopilot/issuesync/internal/issuesync"
)

// Event types accepted for ingestion. Anything else is acknowledged and
// dropped so the source never retries deliveries we will not use.
const (
	eventIssueCreated = "jira:issue_created"
	eventIssueUpdated = "jira:issue_updated"
	eventIssueDeleted = "jira:issue_deleted"
)

const secretHeader = "X-Webhook-Secret"

type webhookPayload struct {
	WebhookEvent string          `json:"webhookEvent"`
	Timestamp    any             `json:"timestamp"`
	Issue        json.RawMessage `json:"issue"`
	Changelog    *struct {
		ID any `json:"id"`
	} `json:"changelog"`

	DeliveryID      string `json:"deliveryId"`
	DeliverySnakeID string `json:"delivery_id"`
	EventID         string `json:"eventId"`
	EventSnakeID    string `json:"event_id"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	expected, err := s.webhookSecret(ctx)
	if err != nil {
		// Fail closed: a delivery must never be accepted while the secret
		// cannot be verified.
		s.logger.Error("webhook secret resolution failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "secret resolution failed")
		return
	}
	if expected != "" {
		presented := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			s.metrics.RecordWebhook(ctx, "rejected")
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook secret")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	body = decodeMaybeBase64(body)

	if err := validateWebhookBody(body); err != nil {
		s.metrics.RecordWebhook(ctx, "rejected")
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.metrics.RecordWebhook(ctx, "rejected")
		writeError(w, http.StatusBadRequest, "bad_request", "payload is not valid JSON")
		return
	}

	switch payload.WebhookEvent {
	case eventIssueCreated, eventIssueUpdated:
		s.handleUpsert(w, r, payload)
	case eventIssueDeleted:
		s.handleDelete(w, r, payload)
	default:
		s.metrics.RecordWebhook(ctx, "ignored")
		s.logger.Info("ignoring webhook event", "event", payload.WebhookEvent)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"ok":      true,
			"ignored": true,
			"reason":  "unhandled event type",
		})
	}
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request, payload webhookPayload) {
	ctx := r.Context()
	now := time.Now()
	rec, err := issuesync.BuildRecord(issuesync.RecordSource{
		Raw:             payload.Issue,
		FallbackUpdated: issuesync.NormalizeTimestamp(payload.Timestamp),
		EventType:       payload.WebhookEvent,
		IdempotencyKey:  deriveIdempotencyKey(payload),
		Now:             now,
	})
	if err != nil {
		s.metrics.RecordWebhook(ctx, "rejected")
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	outcome, err := s.store.PutIfNewer(ctx, rec)
	if err != nil {
		s.logger.Error("webhook upsert failed", "issue_key", rec.IssueKey, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "store write failed")
		return
	}
	s.metrics.RecordWebhook(ctx, "processed")
	s.logger.Info("webhook processed",
		"event", payload.WebhookEvent,
		"issue_key", rec.IssueKey,
		"outcome", outcome.String())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":        true,
		"issue_key": rec.IssueKey,
		"issue_id":  rec.IssueID,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, payload webhookPayload) {
	ctx := r.Context()
	now := time.Now()
	placeholder, err := issuesync.BuildRecord(issuesync.RecordSource{
		Raw:             payload.Issue,
		FallbackUpdated: issuesync.NormalizeTimestamp(payload.Timestamp),
		EventType:       payload.WebhookEvent,
		IdempotencyKey:  deriveIdempotencyKey(payload),
		Now:             now,
	})
	if err != nil {
		s.metrics.RecordWebhook(ctx, "rejected")
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	placeholder.Deleted = true
	outcome, err := s.store.Tombstone(ctx, placeholder)
	if err != nil {
		s.logger.Error("webhook delete failed", "issue_key", placeholder.IssueKey, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "store write failed")
		return
	}
	s.metrics.RecordWebhook(ctx, "processed")
	s.logger.Info("webhook processed",
		"event", payload.WebhookEvent,
		"issue_key", placeholder.IssueKey,
		"outcome", outcome.String())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":        true,
		"issue_key": placeholder.IssueKey,
		"deleted":   true,
	})
}

func (s *Server) webhookSecret(ctx context.Context) (string, error) {
	if s.cfg.SecretProvider != nil {
		return s.cfg.SecretProvider(ctx)
	}
	return s.cfg.WebhookSecret, nil
}

// deriveIdempotencyKey identifies a delivery so redelivered events converge
// on the same stored record: explicit delivery/event ids first, then the
// changelog id, then issue key + source timestamp.
func deriveIdempotencyKey(payload webhookPayload) string {
	for _, id := range []string{payload.DeliveryID, payload.DeliverySnakeID, payload.EventID, payload.EventSnakeID} {
		if id != "" {
			return id
		}
	}
	if payload.Changelog != nil {
		switch id := payload.Changelog.ID.(type) {
		case string:
			if id != "" {
				return id
			}
		case float64:
			return fmt.Sprintf("%.0f", id)
		}
	}
	key := issueKeyOf(payload.Issue)
	if key == "" {
		return ""
	}
	if ts := issuesync.NormalizeTimestamp(payload.Timestamp); ts != "" {
		return key + ":" + ts
	}
	return key + ":" + payload.WebhookEvent
}

func issueKeyOf(raw json.RawMessage) string {
	var doc struct {
		Key string `json:"key"`
		ID  any    `json:"id"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	if doc.Key != "" {
		return doc.Key
	}
	switch id := doc.ID.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	}
	return ""
}

// decodeMaybeBase64 unwraps bodies that arrive base64-encoded, as some
// gateway integrations deliver them. A body already starting with JSON
// structure is passed through untouched.
func decodeMaybeBase64(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] == '{' || trimmed[0] == '[' {
		return body
	}
	decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return body
	}
	return decoded
}

func validateWebhookBody(body []byte) error {
	schema, err := compiledWebhookSchema()
	if err != nil {
		return err
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.New("payload is not valid JSON")
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("payload failed validation: %s", firstLine(err.Error()))
	}
	return nil
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}
