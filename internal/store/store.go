// Package store mirrors ring-buffer contents to an embedded on-disk
// time-series table so history survives restarts within the retention
// window.
//
// The mirror is an optional collaborator: the in-memory bounded buffers
// remain the binding contract whether or not it is enabled. It uses DuckDB
// as the backing database, keyed by (tag_id, ts_ms).
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/opsgrid/tagdvr/internal/errors"
	"github.com/opsgrid/tagdvr/internal/logging"
	"github.com/opsgrid/tagdvr/internal/tag"
)

var log = logging.Component("store")

// Config holds store configuration options.
type Config struct {
	// Path is the database file path. Empty means in-memory (tests).
	Path string

	// RetentionHours is how long mirrored samples are kept.
	RetentionHours int

	// QueryTimeout is the default timeout for queries.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetentionHours: 24,
		QueryTimeout:   30 * time.Second,
	}
}

// Store wraps the DuckDB connection.
type Store struct {
	db  *sql.DB
	cfg Config
}

const schema = `
CREATE TABLE IF NOT EXISTS tag_samples (
	tag_id   VARCHAR NOT NULL,
	ts_ms    BIGINT  NOT NULL,
	quality  SMALLINT NOT NULL,
	num      DOUBLE,
	text     VARCHAR,
	PRIMARY KEY (tag_id, ts_ms)
);
`

// Open opens (or creates) the mirror database and ensures the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, err.Error())
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(errors.ErrDatabase, "create schema: %v", err)
	}

	log.Info("mirror opened", "path", cfg.Path, "retention_hours", cfg.RetentionHours)
	return &Store{db: db, cfg: cfg}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RestoreRecent loads all samples newer than sinceMs, ordered by tag then
// timestamp, for replay into the DVR engine at startup.
func (s *Store) RestoreRecent(ctx context.Context, sinceMs int64) ([]tag.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tag_id, ts_ms, quality, num, text
		FROM tag_samples
		WHERE ts_ms >= ?
		ORDER BY tag_id, ts_ms
	`, sinceMs)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrDatabase, "restore query: %v", err)
	}
	defer rows.Close()

	var out []tag.Value
	for rows.Next() {
		var (
			v       tag.Value
			quality int16
			num     sql.NullFloat64
			text    sql.NullString
		)
		if err := rows.Scan(&v.TagID, &v.TimestampMs, &quality, &num, &text); err != nil {
			return nil, errors.Wrapf(errors.ErrDatabase, "restore scan: %v", err)
		}
		v.Quality = tag.Quality(quality)
		v.Numeric = num.Float64
		v.Text = text.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// Prune deletes samples older than the retention horizon. Returns the
// number of rows deleted.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionHours) * time.Hour).UnixMilli()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM tag_samples WHERE ts_ms < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrDatabase, "prune: %v", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debug("mirror pruned", "rows", n, "cutoff_ms", cutoff)
	}
	return n, nil
}

// CountSamples returns the number of mirrored samples (diagnostics).
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tag_samples`).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrDatabase, "count: %v", err)
	}
	return n, nil
}
