package store

import (
	"database/sql"
	"strings"
	"testing"

	"github.com/opsgrid/tagdvr/internal/tag"
)

func TestBuildMultiRowInsert(t *testing.T) {
	values := []tag.Value{
		{TagID: "boiler.temp", TimestampMs: 1000, Quality: tag.QualityGood, Numeric: 72.5},
		{TagID: "boiler.status", TimestampMs: 1001, Quality: tag.QualityGood, Text: "running"},
		{TagID: "boiler.temp", TimestampMs: 2000, Quality: tag.QualityBad},
	}

	query, args := buildMultiRowInsert(values)

	if !strings.HasPrefix(query, "INSERT OR REPLACE INTO tag_samples") {
		t.Errorf("unexpected query prefix: %s", query)
	}
	if got := strings.Count(query, "(?, ?, ?, ?, ?)"); got != 3 {
		t.Errorf("expected 3 row placeholders, got %d", got)
	}
	if len(args) != 15 {
		t.Fatalf("expected 15 args, got %d", len(args))
	}

	// First row.
	if args[0] != "boiler.temp" || args[1] != int64(1000) {
		t.Errorf("first row key = (%v, %v)", args[0], args[1])
	}
	if args[2] != int16(tag.QualityGood) {
		t.Errorf("first row quality = %v", args[2])
	}
	if args[3] != 72.5 {
		t.Errorf("first row numeric = %v", args[3])
	}
	if ns := args[4].(sql.NullString); ns.Valid {
		t.Errorf("numeric sample should have NULL text, got %q", ns.String)
	}

	// Text sample carries its string.
	if ns := args[9].(sql.NullString); !ns.Valid || ns.String != "running" {
		t.Errorf("text sample = %+v", ns)
	}

	// Bad-quality sample is still persisted.
	if args[12] != int16(tag.QualityBad) {
		t.Errorf("third row quality = %v", args[12])
	}
}

func TestBuildMultiRowInsert_SingleRow(t *testing.T) {
	query, args := buildMultiRowInsert([]tag.Value{
		{TagID: "t1", TimestampMs: 5, Quality: tag.QualityGood, Numeric: 1},
	})
	if strings.Contains(query, "), (") {
		t.Errorf("single row should have one tuple: %s", query)
	}
	if len(args) != 5 {
		t.Errorf("expected 5 args, got %d", len(args))
	}
}
