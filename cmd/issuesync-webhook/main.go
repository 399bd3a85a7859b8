package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/releasecopilot/issuesync/internal/httpapi"
	"github.com/releasecopilot/issuesync/internal/issuesync"
	"github.com/releasecopilot/issuesync/internal/telemetry"
)

const serviceVersion = "dev"

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := issuesync.ConfigFromEnv()

	shutdown, err := telemetry.Init(ctx, "issuesync-webhook", serviceVersion)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdown(ctx) }()

	store, err := issuesync.BuildIssueStoreFromDSN(ctx, cfg.StoreDSN, issuesync.StoreOptions{
		Retry:  cfg.Retry,
		Logger: logger,
	})
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	metrics, err := issuesync.NewMetrics(cfg.MetricsNamespace)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(1)
	}

	secrets := buildSecretCache(ctx, logger, cfg)
	serverCfg := httpapi.ServerConfig{
		WebhookSecret: cfg.WebhookSecret,
		MaxBodyBytes:  cfg.MaxBodyBytes,
	}
	if cfg.WebhookSecretARN != "" {
		arn := cfg.WebhookSecretARN
		serverCfg.SecretProvider = func(ctx context.Context) (string, error) {
			raw, err := secrets.Resolve(ctx, arn)
			if err != nil {
				return "", err
			}
			return issuesync.ExtractSecretToken(raw), nil
		}
	}

	reconciler := buildReconciler(ctx, logger, cfg, store, metrics, secrets)
	server := httpapi.NewServer(store, reconciler, metrics, logger, serverCfg)

	logger.Info("issuesync webhook listening", "addr", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, server); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func buildSecretCache(ctx context.Context, logger *slog.Logger, cfg issuesync.Config) *issuesync.SecretCache {
	if cfg.WebhookSecretARN == "" && cfg.JiraSecretARN == "" {
		return issuesync.NewSecretCache(nil)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("aws config load failed", "error", err)
		os.Exit(1)
	}
	return issuesync.NewSecretCache(secretsmanager.NewFromConfig(awsCfg))
}

// buildReconciler wires the on-demand reconcile endpoint when source access
// is configured; without it the endpoint reports itself unavailable.
func buildReconciler(ctx context.Context, logger *slog.Logger, cfg issuesync.Config, store issuesync.IssueStore, metrics *issuesync.Metrics, secrets *issuesync.SecretCache) *issuesync.Reconciler {
	if cfg.JiraBaseURL == "" || cfg.JiraSecretARN == "" {
		logger.Info("reconciliation disabled: source access not configured")
		return nil
	}
	raw, err := secrets.Resolve(ctx, cfg.JiraSecretARN)
	if err != nil {
		logger.Error("jira credential resolution failed", "error", err)
		os.Exit(1)
	}
	creds, err := issuesync.ParseJiraCredentials(raw)
	if err != nil {
		logger.Error("jira credential parse failed", "error", err)
		os.Exit(1)
	}
	source := issuesync.NewJiraClient(issuesync.JiraClientOptions{
		BaseURL:     cfg.JiraBaseURL,
		Credentials: creds,
		MaxResults:  cfg.MaxResults,
		Retry:       cfg.Retry,
		Logger:      logger,
	})
	reconciler, err := issuesync.NewReconciler(issuesync.ReconcilerOptions{
		Source:      source,
		Store:       store,
		Metrics:     metrics,
		Logger:      logger,
		JQLTemplate: cfg.JQLTemplate,
		FixVersions: cfg.FixVersions,
	})
	if err != nil {
		logger.Error("reconciler init failed", "error", err)
		os.Exit(1)
	}
	return reconciler
}
