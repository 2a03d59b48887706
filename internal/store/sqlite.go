package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/dhtscout/metadl/internal/backlog"
)

// sqliteSchema defines one table for the raw sighting log and one for backlog
// entries. The unique index on (fingerprint, observed_at) is what makes
// repeated ingestion of the same log idempotent: duplicate pairs are dropped
// by INSERT OR IGNORE before they can inflate any occurrence count.
// Timestamps are stored as integer nanoseconds since the Unix epoch so MAX()
// and equality behave exactly.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sighting_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint TEXT    NOT NULL,
	observed_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS sighting_log_uq
	ON sighting_log (fingerprint, observed_at);

CREATE TABLE IF NOT EXISTS backlog_entries (
	fingerprint      TEXT PRIMARY KEY,
	occurrence_count INTEGER NOT NULL DEFAULT 0,
	last_seen_at     INTEGER NOT NULL,
	claim_state      TEXT    NOT NULL DEFAULT 'unclaimed',
	claimed_at       INTEGER,
	outcome          TEXT    NOT NULL DEFAULT 'pending',
	resource_name    TEXT,
	resource_length  INTEGER,
	resource_comment TEXT,
	completed_at     INTEGER
);

CREATE INDEX IF NOT EXISTS backlog_entries_claim_idx
	ON backlog_entries (claim_state, occurrence_count DESC, fingerprint ASC);
`

// SQLiteStore implements the Store interface on an embedded single-file
// SQLite database.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// applies the usual production pragmas. Use path ":memory:" only from a
// single connection; tests should point at a temp file instead.
func NewSQLiteStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// InitSchema creates the sighting log and backlog tables plus their indexes.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("%w: create schema: %v", ErrUnavailable, err)
	}
	s.logger.Info("sqlite schema ready")
	return nil
}

// RecordSightings appends the batch to the sighting log (duplicates dropped by
// the unique index), inserts backlog entries for first-seen fingerprints and
// recomputes count/last-seen for the rest from the full log.
func (s *SQLiteStore) RecordSightings(ctx context.Context, sightings []backlog.Sighting) (int, int, error) {
	if len(sightings) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	batch := make([]string, 0, len(sightings))
	seen := make(map[string]struct{}, len(sightings))
	for _, sg := range sightings {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO sighting_log (fingerprint, observed_at) VALUES (?, ?)`,
			sg.Fingerprint, sg.ObservedAt.UTC().UnixNano(),
		); err != nil {
			return 0, 0, fmt.Errorf("%w: insert sighting: %v", ErrUnavailable, err)
		}
		if _, dup := seen[sg.Fingerprint]; !dup {
			seen[sg.Fingerprint] = struct{}{}
			batch = append(batch, sg.Fingerprint)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO backlog_entries (fingerprint, occurrence_count, last_seen_at, claim_state, outcome)
		SELECT fingerprint, COUNT(*), MAX(observed_at), 'unclaimed', 'pending'
		FROM sighting_log
		WHERE fingerprint NOT IN (SELECT fingerprint FROM backlog_entries)
		GROUP BY fingerprint`)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: insert backlog entries: %v", ErrUnavailable, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("rows affected: %w", err)
	}

	// Raise count and last-seen for fingerprints this batch touched that
	// already had an entry. The recompute reads the full deduplicated log,
	// so values are monotonically non-decreasing by construction.
	query, args, err := sqlx.In(`
		UPDATE backlog_entries
		SET occurrence_count = (
			SELECT COUNT(*) FROM sighting_log
			WHERE sighting_log.fingerprint = backlog_entries.fingerprint),
		    last_seen_at = MAX(last_seen_at, (
			SELECT MAX(observed_at) FROM sighting_log
			WHERE sighting_log.fingerprint = backlog_entries.fingerprint))
		WHERE fingerprint IN (?)`, batch)
	if err != nil {
		return 0, 0, fmt.Errorf("build update query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, 0, fmt.Errorf("%w: update backlog entries: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}

	created := int(inserted)
	updated := len(batch) - created
	return created, updated, nil
}

// ClaimNext picks the best unclaimed candidate and flips it to claimed with a
// conditional update. If a concurrent caller got there first, the affected
// row count is zero and the loop moves on to the next candidate, so no two
// callers ever hold the same entry.
func (s *SQLiteStore) ClaimNext(ctx context.Context) (*backlog.Entry, error) {
	for {
		var row sqliteEntryRow
		err := s.db.GetContext(ctx, &row, `
			SELECT * FROM backlog_entries
			WHERE claim_state = ?
			ORDER BY occurrence_count DESC, fingerprint ASC
			LIMIT 1`, backlog.ClaimUnclaimed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoWork
		}
		if err != nil {
			return nil, fmt.Errorf("%w: select candidate: %v", ErrUnavailable, err)
		}

		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			UPDATE backlog_entries
			SET claim_state = ?, claimed_at = ?
			WHERE fingerprint = ? AND claim_state = ?`,
			backlog.ClaimClaimed, now.UnixNano(), row.Fingerprint, backlog.ClaimUnclaimed)
		if err != nil {
			return nil, fmt.Errorf("%w: claim %s: %v", ErrUnavailable, row.Fingerprint, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			// Lost the race for this candidate; try the next one.
			continue
		}

		entry := row.toEntry()
		entry.ClaimState = backlog.ClaimClaimed
		entry.ClaimedAt = now
		s.logger.Debug("claimed backlog entry",
			zap.String("fingerprint", entry.Fingerprint),
			zap.Int("occurrence_count", entry.OccurrenceCount),
		)
		return entry, nil
	}
}

// RecordOutcome writes the terminal state for a fingerprint.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, rec backlog.OutcomeRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backlog_entries
		SET outcome = ?, resource_name = ?, resource_length = ?, resource_comment = ?, completed_at = ?
		WHERE fingerprint = ?`,
		rec.Outcome, rec.ResourceName, rec.ResourceLength, rec.ResourceComment,
		time.Now().UTC().UnixNano(), rec.Fingerprint)
	if err != nil {
		return false, fmt.Errorf("%w: record outcome %s: %v", ErrUnavailable, rec.Fingerprint, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Close shuts down the underlying connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Entry returns the stored entry for a fingerprint. Intended for tests and
// operational inspection; the scheduler never reads entries directly.
func (s *SQLiteStore) Entry(ctx context.Context, fp string) (*backlog.Entry, error) {
	var row sqliteEntryRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM backlog_entries WHERE fingerprint = ?`, fp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no entry for %s", fp)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select entry: %v", ErrUnavailable, err)
	}
	return row.toEntry(), nil
}

// sqliteEntryRow mirrors the backlog_entries table, with nullable columns
// kept nullable so pre-claim rows scan cleanly.
type sqliteEntryRow struct {
	Fingerprint     string         `db:"fingerprint"`
	OccurrenceCount int            `db:"occurrence_count"`
	LastSeenAt      int64          `db:"last_seen_at"`
	ClaimState      string         `db:"claim_state"`
	ClaimedAt       sql.NullInt64  `db:"claimed_at"`
	Outcome         string         `db:"outcome"`
	ResourceName    sql.NullString `db:"resource_name"`
	ResourceLength  sql.NullInt64  `db:"resource_length"`
	ResourceComment sql.NullString `db:"resource_comment"`
	CompletedAt     sql.NullInt64  `db:"completed_at"`
}

func (r *sqliteEntryRow) toEntry() *backlog.Entry {
	e := &backlog.Entry{
		Fingerprint:     r.Fingerprint,
		OccurrenceCount: r.OccurrenceCount,
		LastSeenAt:      time.Unix(0, r.LastSeenAt).UTC(),
		ClaimState:      backlog.ClaimState(r.ClaimState),
		Outcome:         backlog.Outcome(r.Outcome),
		ResourceName:    r.ResourceName.String,
		ResourceLength:  r.ResourceLength.Int64,
		ResourceComment: r.ResourceComment.String,
	}
	if r.ClaimedAt.Valid {
		e.ClaimedAt = time.Unix(0, r.ClaimedAt.Int64).UTC()
	}
	if r.CompletedAt.Valid {
		e.CompletedAt = time.Unix(0, r.CompletedAt.Int64).UTC()
	}
	return e
}
