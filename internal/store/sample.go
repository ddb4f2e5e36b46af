package store

import (
	"database/sql"
	"strings"

	"github.com/opsgrid/tagdvr/internal/errors"
	"github.com/opsgrid/tagdvr/internal/tag"
)

// maxSamplesPerInsert bounds parameters per statement: 5 columns * 200
// rows = 1000 parameters, conservative for DuckDB.
const maxSamplesPerInsert = 200

// InsertBatch inserts samples using multi-row INSERT, chunked for large
// batches. Re-polled (tag_id, ts_ms) pairs are replaced rather than
// duplicated.
func (s *Store) InsertBatch(values []tag.Value) error {
	if len(values) == 0 {
		return nil
	}

	if len(values) <= maxSamplesPerInsert {
		query, args := buildMultiRowInsert(values)
		if _, err := s.db.Exec(query, args...); err != nil {
			return errors.Wrapf(errors.ErrDatabase, "insert batch: %v", err)
		}
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrapf(errors.ErrDatabase, "begin: %v", err)
	}
	defer tx.Rollback()

	for i := 0; i < len(values); i += maxSamplesPerInsert {
		end := i + maxSamplesPerInsert
		if end > len(values) {
			end = len(values)
		}
		query, args := buildMultiRowInsert(values[i:end])
		if _, err := tx.Exec(query, args...); err != nil {
			return errors.Wrapf(errors.ErrDatabase, "insert chunk: %v", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(errors.ErrDatabase, "commit: %v", err)
	}
	return nil
}

// buildMultiRowInsert builds one INSERT OR REPLACE statement covering all
// given values.
func buildMultiRowInsert(values []tag.Value) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT OR REPLACE INTO tag_samples (tag_id, ts_ms, quality, num, text) VALUES ")

	args := make([]interface{}, 0, len(values)*5)
	for i, v := range values {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")

		var text sql.NullString
		if v.Text != "" {
			text = sql.NullString{String: v.Text, Valid: true}
		}
		args = append(args, v.TagID, v.TimestampMs, int16(v.Quality), v.Numeric, text)
	}
	return sb.String(), args
}
