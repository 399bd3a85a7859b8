package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/releasecopilot/issuesync/internal/issuesync"
	"github.com/releasecopilot/issuesync/internal/telemetry"
)

const serviceVersion = "dev"

func main() {
	fixVersionsFlag := flag.String("fix-versions", "", "comma-separated scopes to reconcile (default: configured, then discovered)")
	flag.Parse()

	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := issuesync.ConfigFromEnv()

	shutdown, err := telemetry.Init(ctx, "issuesync-reconcile", serviceVersion)
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

	creds, err := resolveCredentials(ctx, cfg)
	if err != nil {
		logger.Error("jira credential resolution failed", "error", err)
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

	var explicit []string
	if *fixVersionsFlag != "" {
		explicit = strings.Split(*fixVersionsFlag, ",")
	}
	report, err := reconciler.Run(ctx, explicit)
	if err != nil {
		logger.Error("reconciliation failed", "error", err)
		os.Exit(1)
	}

	errs := report.Errors
	if errs == nil {
		errs = []string{}
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(map[string]any{
		"ok":     report.OK(),
		"stats":  report.Stats,
		"errors": errs,
	})
	if !report.OK() {
		os.Exit(1)
	}
}

func resolveCredentials(ctx context.Context, cfg issuesync.Config) (issuesync.JiraCredentials, error) {
	if cfg.JiraSecretARN == "" {
		return issuesync.JiraCredentials{}, issuesync.ErrInvalidInput
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return issuesync.JiraCredentials{}, err
	}
	secrets := issuesync.NewSecretCache(secretsmanager.NewFromConfig(awsCfg))
	raw, err := secrets.Resolve(ctx, cfg.JiraSecretARN)
	if err != nil {
		return issuesync.JiraCredentials{}, err
	}
	return issuesync.ParseJiraCredentials(raw)
}
