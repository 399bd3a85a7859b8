package issuesync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretValueClient is the slice of the Secrets Manager client the cache
// needs; tests substitute a fake.
type SecretValueClient interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretCache resolves secret payloads once per process and serves them from
// memory afterwards. Reset drops the cache; tests use it between cases.
type SecretCache struct {
	client SecretValueClient

	mu     sync.Mutex
	values map[string]string
}

func NewSecretCache(client SecretValueClient) *SecretCache {
	return &SecretCache{
		client: client,
		values: map[string]string{},
	}
}

// Resolve returns the raw SecretString for secretID, fetching it at most
// once per process lifetime.
func (c *SecretCache) Resolve(ctx context.Context, secretID string) (string, error) {
	secretID = strings.TrimSpace(secretID)
	if secretID == "" {
		return "", ErrInvalidInput
	}
	c.mu.Lock()
	if cached, ok := c.values[secretID]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	if c.client == nil {
		return "", &AuthError{Reason: "no secret client configured"}
	}
	out, err := c.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("resolve secret %s: %w", secretID, err)
	}
	value := aws.ToString(out.SecretString)

	c.mu.Lock()
	c.values[secretID] = value
	c.mu.Unlock()
	return value, nil
}

// Reset clears all cached values.
func (c *SecretCache) Reset() {
	c.mu.Lock()
	c.values = map[string]string{}
	c.mu.Unlock()
}

// ExtractSecretToken pulls a single token out of a secret payload. The
// payload may be a plain string, a JSON string, or a JSON object; objects
// prefer the token/secret/value keys, then any string value.
func ExtractSecretToken(secretString string) string {
	secretString = strings.TrimSpace(secretString)
	if secretString == "" {
		return ""
	}
	var decoded any
	if err := json.Unmarshal([]byte(secretString), &decoded); err != nil {
		return secretString
	}
	switch v := decoded.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"token", "secret", "value"} {
			if text, ok := v[key].(string); ok && text != "" {
				return text
			}
		}
		for _, value := range v {
			if text, ok := value.(string); ok && text != "" {
				return text
			}
		}
	}
	return ""
}

// ParseJiraCredentials decodes a Jira credential secret. Keys follow the
// deployment convention (JIRA_* upper case) with lower-case aliases.
func ParseJiraCredentials(secretString string) (JiraCredentials, error) {
	secretString = strings.TrimSpace(secretString)
	if secretString == "" {
		return JiraCredentials{}, &AuthError{Reason: "empty credential secret"}
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(secretString), &payload); err != nil {
		return JiraCredentials{}, &AuthError{Reason: "credential secret is not a JSON object"}
	}
	creds := JiraCredentials{
		AccessToken:  firstString(payload, "JIRA_ACCESS_TOKEN", "access_token"),
		RefreshToken: firstString(payload, "JIRA_REFRESH_TOKEN", "refresh_token"),
		ClientID:     firstString(payload, "JIRA_CLIENT_ID", "client_id"),
		ClientSecret: firstString(payload, "JIRA_CLIENT_SECRET", "client_secret"),
		Email:        firstString(payload, "JIRA_EMAIL", "email", "username"),
		APIToken:     firstString(payload, "JIRA_API_TOKEN", "api_token"),
	}
	if raw := firstString(payload, "JIRA_TOKEN_EXPIRY", "token_expiry"); raw != "" {
		if expiry, err := strconv.ParseInt(raw, 10, 64); err == nil {
			creds.TokenExpiry = expiry
		}
	}
	if !creds.UsesOAuth() && !creds.UsesBasic() {
		return JiraCredentials{}, &AuthError{Reason: "credential secret carries neither oauth nor basic material"}
	}
	return creds, nil
}

func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := payload[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}
