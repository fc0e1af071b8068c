// Package postgres provides the Postgres-backed cursor store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/meridian-data/chatfeed/internal/ingest"
)

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the subset of pgxpool.Pool the store needs; pgxmock implements
// it for tests.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// CursorStore implements ingest.CursorStore on Postgres. Every mutation for
// a source runs inside one transaction, which is what makes the
// publish-then-commit sequencing crash-safe.
type CursorStore struct {
	pool   pgxPool
	logger *zap.Logger
}

// NewCursorStore connects a pool and pings it to fail fast on bad config.
func NewCursorStore(ctx context.Context, cfg Config, logger *zap.Logger) (*CursorStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewCursorStoreWithPool(pool, logger)
}

// NewCursorStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewCursorStoreWithPool(pool pgxPool, logger *zap.Logger) (*CursorStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CursorStore{pool: pool, logger: logger}, nil
}

// Close releases the underlying pool.
func (s *CursorStore) Close() {
	s.pool.Close()
}

// UpsertSource registers a source, updating display name and priority on
// conflict. The enabled flag is only set on first insert so an operator
// decision to disable a source survives restarts.
func (s *CursorStore) UpsertSource(ctx context.Context, src ingest.Source) error {
	query := `
		INSERT INTO sources (source_id, display_name, enabled, priority)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    priority = EXCLUDED.priority;
	`
	if _, err := s.pool.Exec(ctx, query, src.ID, src.DisplayName, src.Enabled, src.Priority); err != nil {
		return fmt.Errorf("upsert source %s: %w", src.ID, err)
	}
	return nil
}

// ListSources returns all sources ordered by priority, then id.
func (s *CursorStore) ListSources(ctx context.Context) ([]ingest.Source, error) {
	query := `
		SELECT source_id, display_name, enabled, priority
		FROM sources
		ORDER BY priority DESC, source_id;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []ingest.Source
	for rows.Next() {
		var src ingest.Source
		if err := rows.Scan(&src.ID, &src.DisplayName, &src.Enabled, &src.Priority); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return sources, nil
}

// SetSourceEnabled flips the enabled flag of a source.
func (s *CursorStore) SetSourceEnabled(ctx context.Context, sourceID string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sources SET enabled = $2 WHERE source_id = $1;`, sourceID, enabled)
	if err != nil {
		return fmt.Errorf("set source %s enabled=%t: %w", sourceID, enabled, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set source %s enabled: %w", sourceID, ingest.ErrCursorNotFound)
	}
	return nil
}

// GetCursor returns the committed position of a source.
func (s *CursorStore) GetCursor(ctx context.Context, sourceID string) (ingest.Cursor, error) {
	query := `
		SELECT source_id, last_message_id, last_committed_at, pending_batch_token
		FROM cursors
		WHERE source_id = $1;
	`
	var cur ingest.Cursor
	err := s.pool.QueryRow(ctx, query, sourceID).Scan(
		&cur.SourceID,
		&cur.LastMessageID,
		&cur.LastCommittedAt,
		&cur.PendingBatch,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Cursor{}, ingest.ErrCursorNotFound
		}
		return ingest.Cursor{}, fmt.Errorf("get cursor %s: %w", sourceID, err)
	}
	return cur, nil
}

// OpenOutbox records the batch boundary before the first publish and stamps
// the cursor's pending batch token, all in one transaction. Re-opening
// replaces any previous open record for the source.
func (s *CursorStore) OpenOutbox(ctx context.Context, rec ingest.OutboxRecord) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		outboxQuery := `
			INSERT INTO outbox (source_id, from_message_id, to_message_id, batch_token, opened_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (source_id) DO UPDATE
			SET from_message_id = EXCLUDED.from_message_id,
			    to_message_id = EXCLUDED.to_message_id,
			    batch_token = EXCLUDED.batch_token,
			    opened_at = EXCLUDED.opened_at;
		`
		if _, err := tx.Exec(ctx, outboxQuery,
			rec.SourceID, rec.FromMessageID, rec.ToMessageID, rec.BatchToken, rec.OpenedAt,
		); err != nil {
			return fmt.Errorf("open outbox: %w", err)
		}

		cursorQuery := `
			INSERT INTO cursors (source_id, last_message_id, last_committed_at, pending_batch_token)
			VALUES ($1, 0, $2, $3)
			ON CONFLICT (source_id) DO UPDATE
			SET pending_batch_token = EXCLUDED.pending_batch_token;
		`
		if _, err := tx.Exec(ctx, cursorQuery, rec.SourceID, rec.OpenedAt, rec.BatchToken); err != nil {
			return fmt.Errorf("stamp pending batch token: %w", err)
		}
		return nil
	})
}

// CommitBatch atomically advances the cursor and clears the outbox record.
// GREATEST keeps the cursor monotonic even if a stale commit replays.
func (s *CursorStore) CommitBatch(ctx context.Context, sourceID string, toMessageID int64, committedAt time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		cursorQuery := `
			INSERT INTO cursors (source_id, last_message_id, last_committed_at, pending_batch_token)
			VALUES ($1, $2, $3, NULL)
			ON CONFLICT (source_id) DO UPDATE
			SET last_message_id = GREATEST(cursors.last_message_id, EXCLUDED.last_message_id),
			    last_committed_at = EXCLUDED.last_committed_at,
			    pending_batch_token = NULL;
		`
		if _, err := tx.Exec(ctx, cursorQuery, sourceID, toMessageID, committedAt); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM outbox WHERE source_id = $1;`, sourceID); err != nil {
			return fmt.Errorf("clear outbox: %w", err)
		}
		return nil
	})
}

// ClearOutbox drops the open record without advancing the cursor.
func (s *CursorStore) ClearOutbox(ctx context.Context, sourceID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM outbox WHERE source_id = $1;`, sourceID); err != nil {
			return fmt.Errorf("clear outbox: %w", err)
		}
		query := `UPDATE cursors SET pending_batch_token = NULL WHERE source_id = $1;`
		if _, err := tx.Exec(ctx, query, sourceID); err != nil {
			return fmt.Errorf("clear pending batch token: %w", err)
		}
		return nil
	})
}

// OpenOutboxes lists every open record for startup reconciliation.
func (s *CursorStore) OpenOutboxes(ctx context.Context) ([]ingest.OutboxRecord, error) {
	query := `
		SELECT source_id, from_message_id, to_message_id, batch_token, opened_at
		FROM outbox
		ORDER BY source_id;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list open outboxes: %w", err)
	}
	defer rows.Close()

	var records []ingest.OutboxRecord
	for rows.Next() {
		var rec ingest.OutboxRecord
		if err := rows.Scan(&rec.SourceID, &rec.FromMessageID, &rec.ToMessageID, &rec.BatchToken, &rec.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox records: %w", err)
	}
	return records, nil
}

func (s *CursorStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
