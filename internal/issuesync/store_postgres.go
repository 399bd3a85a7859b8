package issuesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresIssueTableName   = "issuesync_issues"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is an alternative durable gateway for deployments without
// DynamoDB. The conditional write is expressed as an upsert whose UPDATE arm
// carries the same acceptance predicate, so the monotonicity contract is
// identical across backends.
type PostgresStore struct {
	dsn       string
	tableName string
	retry     Policy
	logger    *slog.Logger
	now       func() time.Time
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string, opts StoreOptions) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts = opts.withDefaults()
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresIssueTableName,
		retry:     opts.Retry,
		logger:    opts.Logger,
		now:       opts.Now,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(s.tableName)
		createTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				issue_key TEXT PRIMARY KEY,
				updated_at TEXT NOT NULL,
				fix_version TEXT NOT NULL,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				record JSONB NOT NULL
			)`, table)
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		createIndex := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (fix_version, updated_at DESC)",
			postgresQuoteIdentifier(s.tableName+"_fix_version_idx"),
			table,
		)
		if _, err := db.ExecContext(ctx, createIndex); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) QueryByScope(ctx context.Context, scope string) ([]IssueRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT record FROM %s WHERE fix_version = $1 ORDER BY updated_at DESC, issue_key ASC",
		postgresQuoteIdentifier(s.tableName),
	)
	var records []IssueRecord
	err := Retry(ctx, s.retry, s.logger, "postgres query scope", func() error {
		opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()
		rows, err := s.db.QueryContext(opCtx, query, scope)
		if err != nil {
			return err
		}
		defer rows.Close()
		records = records[:0]
		for rows.Next() {
			var payload []byte
			if err := rows.Scan(&payload); err != nil {
				return err
			}
			var rec IssueRecord
			if err := json.Unmarshal(payload, &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query scope %q: %w", scope, err)
	}
	return records, nil
}

func (s *PostgresStore) GetLatest(ctx context.Context, issueKey string) (*IssueRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT record FROM %s WHERE issue_key = $1",
		postgresQuoteIdentifier(s.tableName),
	)
	var rec *IssueRecord
	err := Retry(ctx, s.retry, s.logger, "postgres get", func() error {
		opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()
		var payload []byte
		err := s.db.QueryRowContext(opCtx, query, issueKey).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			rec = nil
			return nil
		}
		if err != nil {
			return err
		}
		var decoded IssueRecord
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return err
		}
		rec = &decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", issueKey, err)
	}
	return rec, nil
}

func (s *PostgresStore) PutIfNewer(ctx context.Context, rec IssueRecord) (WriteOutcome, error) {
	if rec.IssueKey == "" {
		return WriteConflict, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return WriteConflict, err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return WriteConflict, fmt.Errorf("encode %q: %w", rec.IssueKey, err)
	}
	table := postgresQuoteIdentifier(s.tableName)
	query := fmt.Sprintf(`
		INSERT INTO %s (issue_key, updated_at, fix_version, deleted, record)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (issue_key) DO UPDATE
		SET updated_at = EXCLUDED.updated_at,
			fix_version = EXCLUDED.fix_version,
			deleted = EXCLUDED.deleted,
			record = EXCLUDED.record
		WHERE %s.updated_at < EXCLUDED.updated_at
		   OR (%s.updated_at = EXCLUDED.updated_at AND NOT %s.deleted)`,
		table, table, table, table)

	var applied bool
	err = Retry(ctx, s.retry, s.logger, "postgres put", func() error {
		opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()
		result, err := s.db.ExecContext(opCtx, query, rec.IssueKey, rec.UpdatedAt, rec.FixVersion, rec.Deleted, string(payload))
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		applied = affected > 0
		return nil
	})
	if err != nil {
		return WriteConflict, fmt.Errorf("put %q: %w", rec.IssueKey, err)
	}
	if !applied {
		s.logger.Info("skipping outdated write",
			"issue_key", rec.IssueKey,
			"updated_at", rec.UpdatedAt)
		return WriteConflict, nil
	}
	return WriteApplied, nil
}

func (s *PostgresStore) Tombstone(ctx context.Context, placeholder IssueRecord) (TombstoneOutcome, error) {
	if placeholder.IssueKey == "" {
		return TombstoneSynthesized, ErrInvalidInput
	}
	existing, err := s.GetLatest(ctx, placeholder.IssueKey)
	if err != nil {
		return TombstoneSynthesized, err
	}
	if existing == nil {
		placeholder.Deleted = true
		if placeholder.ReceivedAt == "" {
			placeholder.ReceivedAt = FormatTimestamp(s.now())
		}
		if _, err := s.PutIfNewer(ctx, placeholder); err != nil {
			return TombstoneSynthesized, err
		}
		return TombstoneSynthesized, nil
	}

	patched := *existing
	patched.Deleted = true
	patched.ReceivedAt = FormatTimestamp(s.now())
	patched.LastEventType = placeholder.LastEventType
	if placeholder.IdempotencyKey != "" {
		patched.IdempotencyKey = placeholder.IdempotencyKey
	}
	payload, err := json.Marshal(patched)
	if err != nil {
		return TombstonePatched, fmt.Errorf("encode %q: %w", patched.IssueKey, err)
	}
	query := fmt.Sprintf(
		"UPDATE %s SET deleted = TRUE, record = $2 WHERE issue_key = $1",
		postgresQuoteIdentifier(s.tableName),
	)
	err = Retry(ctx, s.retry, s.logger, "postgres tombstone", func() error {
		opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()
		_, err := s.db.ExecContext(opCtx, query, patched.IssueKey, string(payload))
		return err
	})
	if err != nil {
		return TombstonePatched, fmt.Errorf("tombstone %q: %w", patched.IssueKey, err)
	}
	return TombstonePatched, nil
}

func (s *PostgresStore) DiscoverScopes(ctx context.Context) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT DISTINCT fix_version FROM %s WHERE fix_version <> '' ORDER BY fix_version",
		postgresQuoteIdentifier(s.tableName),
	)
	var scopes []string
	err := Retry(ctx, s.retry, s.logger, "postgres discover scopes", func() error {
		opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()
		rows, err := s.db.QueryContext(opCtx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		scopes = scopes[:0]
		for rows.Next() {
			var scope string
			if err := rows.Scan(&scope); err != nil {
				return err
			}
			scopes = append(scopes, scope)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("discover scopes: %w", err)
	}
	return scopes, nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
