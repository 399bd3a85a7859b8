package issuesync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultTokenEndpoint = "https://auth.atlassian.com/oauth/token"
	defaultSearchPath    = "/rest/api/3/search"
	defaultMaxResults    = 100

	// Refresh OAuth tokens slightly before they expire.
	tokenExpirySlack = 30 * time.Second
)

// JiraCredentials holds authentication material for the source system:
// either an OAuth client with a refresh token, or basic email + API token.
type JiraCredentials struct {
	AccessToken  string
	RefreshToken string
	TokenExpiry  int64
	ClientID     string
	ClientSecret string
	Email        string
	APIToken     string
}

func (c JiraCredentials) UsesOAuth() bool {
	return c.ClientID != "" && (c.RefreshToken != "" || c.AccessToken != "")
}

func (c JiraCredentials) UsesBasic() bool {
	return c.Email != "" && c.APIToken != ""
}

type JiraClientOptions struct {
	BaseURL       string
	Credentials   JiraCredentials
	HTTPClient    *http.Client
	MaxResults    int
	Retry         Policy
	Logger        *slog.Logger
	TokenEndpoint string
	Now           func() time.Time
}

// JiraClient pages through the source system's search API. Each page fetch
// and token refresh goes through the shared retry policy; authentication
// rejections propagate immediately.
type JiraClient struct {
	baseURL       string
	creds         JiraCredentials
	httpClient    *http.Client
	maxResults    int
	retry         Policy
	logger        *slog.Logger
	tokenEndpoint string
	now           func() time.Time

	// tokenMu guards the token fields; the client is shared across
	// concurrent requests and a refresh must be single-flight.
	tokenMu      sync.Mutex
	accessToken  string
	refreshToken string
	tokenExpiry  int64
}

func NewJiraClient(opts JiraClientOptions) *JiraClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokenEndpoint := strings.TrimSpace(opts.TokenEndpoint)
	if tokenEndpoint == "" {
		tokenEndpoint = defaultTokenEndpoint
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &JiraClient{
		baseURL:       baseURL,
		creds:         opts.Credentials,
		httpClient:    httpClient,
		maxResults:    maxResults,
		retry:         opts.Retry,
		logger:        logger,
		tokenEndpoint: tokenEndpoint,
		now:           now,
		accessToken:   opts.Credentials.AccessToken,
		refreshToken:  opts.Credentials.RefreshToken,
		tokenExpiry:   opts.Credentials.TokenExpiry,
	}
}

type searchResponse struct {
	Issues []json.RawMessage `json:"issues"`
	Total  int               `json:"total"`
}

// Search returns the raw issue documents matching jql, following startAt
// pagination until the reported total is covered.
func (c *JiraClient) Search(ctx context.Context, jql string) ([]json.RawMessage, error) {
	var issues []json.RawMessage
	startAt := 0
	for {
		q := url.Values{}
		q.Set("jql", jql)
		q.Set("maxResults", strconv.Itoa(c.maxResults))
		q.Set("fields", "*all")
		q.Set("startAt", strconv.Itoa(startAt))

		var page searchResponse
		err := Retry(ctx, c.retry, c.logger, "jira search page", func() error {
			return c.doJSON(ctx, http.MethodGet, c.baseURL+defaultSearchPath+"?"+q.Encode(), nil, &page)
		})
		if err != nil {
			return nil, fmt.Errorf("search %q at %d: %w", jql, startAt, err)
		}
		issues = append(issues, page.Issues...)
		if len(page.Issues) == 0 || startAt+c.maxResults >= page.Total {
			return issues, nil
		}
		startAt += c.maxResults
	}
}

func (c *JiraClient) doJSON(ctx context.Context, method, requestURL string, body any, out any) error {
	headers, err := c.authHeaders(ctx)
	if err != nil {
		return err
	}
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Reason: fmt.Sprintf("source rejected request: status=%d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    truncate(string(payload), 200),
			RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After")),
		}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (c *JiraClient) authHeaders(ctx context.Context) (map[string]string, error) {
	if c.creds.UsesOAuth() {
		token, err := c.bearerToken(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	}
	if c.creds.UsesBasic() {
		token := base64.StdEncoding.EncodeToString([]byte(c.creds.Email + ":" + c.creds.APIToken))
		return map[string]string{"Authorization": "Basic " + token}, nil
	}
	return nil, &AuthError{Reason: "no source credentials available"}
}

// bearerToken returns a valid access token, refreshing it when absent or
// within the expiry slack. The mutex is held across the refresh so
// concurrent callers wait for one refresh instead of racing their own.
func (c *JiraClient) bearerToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.accessToken != "" && c.now().Unix() < c.tokenExpiry-int64(tokenExpirySlack.Seconds()) {
		return c.accessToken, nil
	}
	if err := c.refreshAccessToken(ctx); err != nil {
		return "", err
	}
	return c.accessToken, nil
}

// refreshAccessToken exchanges the refresh token for a new access token.
// Callers must hold tokenMu.
func (c *JiraClient) refreshAccessToken(ctx context.Context) error {
	if c.creds.ClientID == "" || c.creds.ClientSecret == "" || c.refreshToken == "" {
		return &AuthError{Reason: "oauth refresh flow is not configured"}
	}
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     c.creds.ClientID,
		"client_secret": c.creds.ClientSecret,
		"refresh_token": c.refreshToken,
	}
	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	err := Retry(ctx, c.retry, c.logger, "jira token refresh", func() error {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint, bytes.NewReader(encoded))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest {
			return &AuthError{Reason: fmt.Sprintf("token refresh rejected: status=%d", resp.StatusCode)}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &HTTPError{
				StatusCode: resp.StatusCode,
				Message:    truncate(string(body), 200),
				RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After")),
			}
		}
		return json.Unmarshal(body, &token)
	})
	if err != nil {
		return err
	}
	if token.AccessToken == "" {
		return &AuthError{Reason: "token refresh returned no access token"}
	}
	c.accessToken = token.AccessToken
	if token.RefreshToken != "" {
		c.refreshToken = token.RefreshToken
	}
	c.tokenExpiry = c.now().Unix() + token.ExpiresIn
	c.logger.Info("refreshed source oauth token", "expires_in", token.ExpiresIn)
	return nil
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}
