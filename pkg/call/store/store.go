// Package store persists completed-call transcripts to Postgres. The store
// is optional: with no DSN configured every operation is a cheap no-op, so
// single-box deployments run without a database.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/callwise/callwise/pkg/call/detect"
	"github.com/callwise/callwise/pkg/call/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound reports that no transcript exists for the call.
var ErrNotFound = errors.New("transcript not found")

// saveAttempts bounds retried writes; transcript persistence races call
// teardown, so failures are retried briefly and then surfaced.
const saveAttempts = 3

// Store writes and reads call transcripts.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects, runs migrations, and returns a ready store. An empty DSN
// returns a disabled store whose operations succeed without doing anything.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn == "" {
		logger.Info("transcript store disabled, no dsn configured")
		return &Store{logger: logger}, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open transcript store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping transcript store: %w", err)
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("transcript store ready")
	return &Store{pool: pool, logger: logger}, nil
}

func migrate(pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Enabled reports whether a database is attached.
func (s *Store) Enabled() bool { return s.pool != nil }

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Save upserts the transcript record and the session snapshot. Idempotent by
// call identifier, so retried teardown paths cannot duplicate rows.
func (s *Store) Save(ctx context.Context, rec *session.Record, snapshot []byte) error {
	if s.pool == nil {
		return nil
	}

	nodePath, err := json.Marshal(rec.NodePath)
	if err != nil {
		return fmt.Errorf("save transcript %q: %w", rec.CallID, err)
	}
	turns, err := json.Marshal(rec.Turns)
	if err != nil {
		return fmt.Errorf("save transcript %q: %w", rec.CallID, err)
	}
	vars, err := json.Marshal(rec.Variables)
	if err != nil {
		return fmt.Errorf("save transcript %q: %w", rec.CallID, err)
	}

	backoff := retry.WithMaxRetries(saveAttempts-1, retry.NewExponential(100*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, execErr := s.pool.Exec(ctx, `
			INSERT INTO call_transcripts
				(call_id, account_id, graph_id, node_path, turns, variables,
				 detection, detection_confidence, snapshot, started_at, ended_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (call_id) DO UPDATE SET
				node_path = EXCLUDED.node_path,
				turns = EXCLUDED.turns,
				variables = EXCLUDED.variables,
				detection = EXCLUDED.detection,
				detection_confidence = EXCLUDED.detection_confidence,
				snapshot = EXCLUDED.snapshot,
				ended_at = EXCLUDED.ended_at`,
			rec.CallID, rec.AccountID, rec.GraphID, nodePath, turns, vars,
			string(rec.Detection), rec.Confidence, snapshot, rec.StartTime, rec.EndTime)
		if execErr != nil {
			return retry.RetryableError(execErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save transcript %q: %w", rec.CallID, err)
	}
	s.logger.Debug("transcript saved", "call_id", rec.CallID, "turns", len(rec.Turns))
	return nil
}

// Load reads a transcript record back.
func (s *Store) Load(ctx context.Context, callID string) (*session.Record, error) {
	if s.pool == nil {
		return nil, ErrNotFound
	}

	var (
		rec                   session.Record
		nodePath, turns, vars []byte
		detection             string
	)
	row := s.pool.QueryRow(ctx, `
		SELECT call_id, account_id, graph_id, node_path, turns, variables,
		       detection, detection_confidence, started_at, ended_at
		FROM call_transcripts WHERE call_id = $1`, callID)
	err := row.Scan(&rec.CallID, &rec.AccountID, &rec.GraphID, &nodePath, &turns,
		&vars, &detection, &rec.Confidence, &rec.StartTime, &rec.EndTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load transcript %q: %w", callID, err)
	}

	if err := json.Unmarshal(nodePath, &rec.NodePath); err != nil {
		return nil, fmt.Errorf("load transcript %q: %w", callID, err)
	}
	if err := json.Unmarshal(turns, &rec.Turns); err != nil {
		return nil, fmt.Errorf("load transcript %q: %w", callID, err)
	}
	if err := json.Unmarshal(vars, &rec.Variables); err != nil {
		return nil, fmt.Errorf("load transcript %q: %w", callID, err)
	}
	rec.Detection = detect.Kind(detection)
	return &rec, nil
}

// LoadSnapshot reads the serialized session state for a call, suitable for
// session.Restore.
func (s *Store) LoadSnapshot(ctx context.Context, callID string) ([]byte, error) {
	if s.pool == nil {
		return nil, ErrNotFound
	}
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM call_transcripts WHERE call_id = $1`, callID).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %q: %w", callID, err)
	}
	return snapshot, nil
}
