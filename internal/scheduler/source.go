package scheduler

import (
	"context"

	"github.com/opsgrid/tagdvr/internal/tag"
)

// ValueSource is the capability the scheduler consumes: read one tag's
// current value. Implementations wrap protocol clients (SNMP, simulation)
// and own their own timeouts; the scheduler adds a per-read deadline via
// ctx but does not forcibly abort in-flight I/O.
//
// A returned error wrapping errors.ErrConnectionFailed marks the whole
// connection as failed for that tick; any other error counts against the
// single tag only.
type ValueSource interface {
	Read(ctx context.Context, t tag.Tag) (tag.Value, error)
}

// SourceProvider resolves the value source for a connection.
type SourceProvider interface {
	Source(connectionID string) (ValueSource, bool)
}

// SourceMap is a static SourceProvider.
type SourceMap map[string]ValueSource

// Source implements SourceProvider.
func (m SourceMap) Source(connectionID string) (ValueSource, bool) {
	s, ok := m[connectionID]
	return s, ok
}

// Recorder receives successfully polled values; the DVR engine implements
// it.
type Recorder interface {
	AppendBatch(values []tag.Value)
}

// Publisher receives live poll events; the fan-out bus implements it.
type Publisher interface {
	PublishValues(connectionID string, timestampMs int64, values []tag.Value)
}
