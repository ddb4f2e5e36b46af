// Package testing provides test utilities for the tagdvr project.
package testing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsgrid/tagdvr/internal/tag"
)

// FakeSource is a scriptable ValueSource for scheduler and engine tests.
// By default every read succeeds with an incrementing value; individual
// tags can be failed, delayed, or given fixed values.
type FakeSource struct {
	mu sync.Mutex

	// failures maps tagID -> error returned for that tag.
	failures map[string]error

	// fixed maps tagID -> value returned for that tag.
	fixed map[string]float64

	// connErr, when set, is returned for every tag.
	connErr error

	// delay is applied to every read.
	delay time.Duration

	reads   atomic.Int64
	counter atomic.Int64
}

// NewFakeSource creates a FakeSource.
func NewFakeSource() *FakeSource {
	return &FakeSource{
		failures: make(map[string]error),
		fixed:    make(map[string]float64),
	}
}

// FailTag makes reads of tagID return err (nil to restore success).
func (f *FakeSource) FailTag(tagID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, tagID)
	} else {
		f.failures[tagID] = err
	}
}

// SetValue fixes the value returned for tagID.
func (f *FakeSource) SetValue(tagID string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixed[tagID] = v
}

// FailConnection makes every read return err (nil to restore).
func (f *FakeSource) FailConnection(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connErr = err
}

// SetDelay applies a delay to every read.
func (f *FakeSource) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Reads returns the total number of Read calls.
func (f *FakeSource) Reads() int64 {
	return f.reads.Load()
}

// Read implements the scheduler's ValueSource.
func (f *FakeSource) Read(ctx context.Context, t tag.Tag) (tag.Value, error) {
	f.reads.Add(1)

	f.mu.Lock()
	delay := f.delay
	connErr := f.connErr
	tagErr := f.failures[t.ID]
	fixed, hasFixed := f.fixed[t.ID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return tag.Value{}, ctx.Err()
		}
	}

	if connErr != nil {
		return tag.Value{}, connErr
	}
	if tagErr != nil {
		return tag.Value{}, tagErr
	}

	val := float64(f.counter.Add(1))
	if hasFixed {
		val = fixed
	}

	return tag.Value{
		TagID:       t.ID,
		TimestampMs: time.Now().UnixMilli(),
		Quality:     tag.QualityGood,
		Numeric:     val,
	}, nil
}
