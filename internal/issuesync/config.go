package issuesync

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures the environment surface shared by the webhook and
// reconciliation binaries.
type Config struct {
	StoreDSN    string
	JiraBaseURL string
	JQLTemplate string
	FixVersions []string
	MaxResults  int

	Retry Policy

	MetricsNamespace string

	WebhookSecret    string
	WebhookSecretARN string
	JiraSecretARN    string

	Addr         string
	MaxBodyBytes int64
}

// ConfigFromEnv reads the ISSUESYNC_* environment. Invalid numeric or
// duration values fall back to defaults with a logged warning.
func ConfigFromEnv() Config {
	return Config{
		StoreDSN:    strings.TrimSpace(os.Getenv("ISSUESYNC_TABLE_DSN")),
		JiraBaseURL: strings.TrimSpace(os.Getenv("ISSUESYNC_JIRA_BASE_URL")),
		JQLTemplate: stringEnv("ISSUESYNC_JQL_TEMPLATE", DefaultJQLTemplate),
		FixVersions: csvEnv("ISSUESYNC_FIX_VERSIONS"),
		MaxResults:  intEnv("ISSUESYNC_MAX_RESULTS", defaultMaxResults),
		Retry: Policy{
			MaxAttempts: intEnv("ISSUESYNC_MAX_ATTEMPTS", defaultMaxAttempts),
			BaseDelay:   durationEnv("ISSUESYNC_BASE_DELAY", defaultBaseDelay),
			MaxDelay:    durationEnv("ISSUESYNC_MAX_DELAY", defaultMaxDelay),
		},
		MetricsNamespace: stringEnv("ISSUESYNC_METRICS_NAMESPACE", "ReleaseCopilot/JiraSync"),
		WebhookSecret:    os.Getenv("ISSUESYNC_WEBHOOK_SECRET"),
		WebhookSecretARN: strings.TrimSpace(os.Getenv("ISSUESYNC_WEBHOOK_SECRET_ARN")),
		JiraSecretARN:    strings.TrimSpace(os.Getenv("ISSUESYNC_JIRA_SECRET_ARN")),
		Addr:             stringEnv("ISSUESYNC_ADDR", ":8080"),
		MaxBodyBytes:     int64Env("ISSUESYNC_MAX_BODY_BYTES", 1<<20),
	}
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func csvEnv(name string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
