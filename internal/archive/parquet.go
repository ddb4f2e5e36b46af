// Package archive exports buffered tag history to Parquet files for
// offline analysis. Exports are point-in-time snapshots of the in-memory
// buffers; they do not participate in retention or replay.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/opsgrid/tagdvr/internal/tag"
)

// Options configures the Parquet export.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize is the target number of rows per row group
	RowGroupSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default export options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// SampleRow represents one tag sample in Parquet format.
type SampleRow struct {
	TagID       string  `parquet:"tag_id,zstd"`
	TimestampMs int64   `parquet:"timestamp_ms"`
	Quality     int32   `parquet:"quality"`
	Numeric     float64 `parquet:"numeric"`
	Text        string  `parquet:"text,optional,zstd"`
}

// SampleToRow converts a tag value to a SampleRow.
func SampleToRow(v *tag.Value) SampleRow {
	return SampleRow{
		TagID:       v.TagID,
		TimestampMs: v.TimestampMs,
		Quality:     int32(v.Quality),
		Numeric:     v.Numeric,
		Text:        v.Text,
	}
}

// Writer streams sample rows to one Parquet output.
type Writer struct {
	mu       sync.Mutex
	writer   *parquet.GenericWriter[SampleRow]
	rowCount int64
	closed   bool
}

// NewWriter creates a Parquet writer over an arbitrary output, typically
// an HTTP response body or a file.
func NewWriter(out io.Writer, opts Options) *Writer {
	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	return &Writer{
		writer: parquet.NewGenericWriter[SampleRow](out, writerOpts...),
	}
}

// NewFileWriter creates a Parquet writer backed by a file, creating
// parent directories as needed. The returned closer owns the file.
func NewFileWriter(path string, opts Options) (*Writer, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create file: %w", err)
	}
	return NewWriter(f, opts), f, nil
}

// Write appends samples to the output.
func (w *Writer) Write(values []tag.Value) error {
	if len(values) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]SampleRow, len(values))
	for i := range values {
		rows[i] = SampleToRow(&values[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes row groups and writes the file footer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
