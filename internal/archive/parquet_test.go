package archive

import (
	"bytes"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/opsgrid/tagdvr/internal/tag"
)

func TestWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, DefaultOptions())

	values := []tag.Value{
		{TagID: "pump.flow", TimestampMs: 1000, Quality: tag.QualityGood, Numeric: 12.5},
		{TagID: "pump.flow", TimestampMs: 2000, Quality: tag.QualityGood, Numeric: 13.1},
		{TagID: "pump.state", TimestampMs: 1500, Quality: tag.QualityGood, Text: "running"},
	}
	if err := w.Write(values); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if w.RowCount() != 3 {
		t.Errorf("row count = %d, want 3", w.RowCount())
	}

	rows, err := parquet.Read[SampleRow](bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0].TagID != "pump.flow" || rows[0].Numeric != 12.5 {
		t.Errorf("first row = %+v", rows[0])
	}
	if rows[2].Text != "running" {
		t.Errorf("text row = %+v", rows[2])
	}
}

func TestWriterClosed(t *testing.T) {
	w := NewWriter(&bytes.Buffer{}, DefaultOptions())
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := w.Write([]tag.Value{{TagID: "x", TimestampMs: 1}})
	if err != ErrWriterClosed {
		t.Errorf("write after close = %v, want ErrWriterClosed", err)
	}
}

func TestParseCompressionType(t *testing.T) {
	cases := map[string]CompressionType{
		"snappy":  CompressionSnappy,
		"zstd":    CompressionZstd,
		"lz4":     CompressionLZ4,
		"gzip":    CompressionGzip,
		"none":    CompressionNone,
		"bogus":   CompressionZstd,
		"":        CompressionZstd,
	}
	for in, want := range cases {
		if got := ParseCompressionType(in); got != want {
			t.Errorf("ParseCompressionType(%q) = %v, want %v", in, got, want)
		}
	}
}
