package reqlog

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/provisor/scimhub/logging"
	"github.com/provisor/scimhub/store"
)

// fakeLogStore records batches and can be told to fail.
type fakeLogStore struct {
	mu       sync.Mutex
	batches  [][]store.RequestLog
	failures int
}

func (f *fakeLogStore) InsertRequestLogs(ctx context.Context, recs []store.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("database unavailable")
	}
	f.batches = append(f.batches, recs)
	return nil
}

func (f *fakeLogStore) CountRequestLogs(ctx context.Context, endpointID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		for _, r := range b {
			if r.EndpointID == endpointID {
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeLogStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func (f *fakeLogStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func record(i int) store.RequestLog {
	return store.RequestLog{
		EndpointID: "ep-1",
		Method:     "GET",
		URL:        "/Users",
		Status:     200,
		Created:    time.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestFlushOnBatchSize(t *testing.T) {
	fake := &fakeLogStore{}
	w := NewWriter(fake, logging.Discard(), 5, time.Hour)
	defer w.Close()

	for i := 0; i < 5; i++ {
		w.Enqueue(record(i))
	}
	waitFor(t, func() bool { return fake.total() == 5 })
	if fake.batchCount() != 1 {
		t.Errorf("batches = %d, want 1", fake.batchCount())
	}
}

func TestFlushOnInterval(t *testing.T) {
	fake := &fakeLogStore{}
	w := NewWriter(fake, logging.Discard(), 1000, 20*time.Millisecond)
	defer w.Close()

	w.Enqueue(record(0))
	w.Enqueue(record(1))
	waitFor(t, func() bool { return fake.total() == 2 })
}

func TestCloseDrainsPending(t *testing.T) {
	fake := &fakeLogStore{}
	w := NewWriter(fake, logging.Discard(), 1000, time.Hour)

	for i := 0; i < 3; i++ {
		w.Enqueue(record(i))
	}
	if fake.total() != 0 {
		t.Fatalf("flushed before close: %d", fake.total())
	}
	w.Close()
	if fake.total() != 3 {
		t.Errorf("drained = %d, want 3", fake.total())
	}
}

func TestFlushRetriesTransientFailure(t *testing.T) {
	fake := &fakeLogStore{failures: 2}
	w := NewWriter(fake, logging.Discard(), 1, time.Hour)
	defer w.Close()

	w.Enqueue(record(0))
	waitFor(t, func() bool { return fake.total() == 1 })
}

func TestFlushDropsAfterExhaustedRetries(t *testing.T) {
	fake := &fakeLogStore{failures: 100}
	logger := logging.New(logging.NewConfig(logging.LevelError, logging.ModeJSON), io.Discard)
	w := NewWriter(fake, logger, 1, time.Hour)

	w.Enqueue(record(0))
	waitFor(t, func() bool { return w.Pending() == 0 })
	w.Close()

	if fake.total() != 0 {
		t.Errorf("records written despite permanent failure: %d", fake.total())
	}
	// The drop is recorded in the ring at ERROR.
	entries := logger.Ring().Query(logging.EntryFilter{MinLevel: logging.LevelError}, 10)
	found := false
	for _, e := range entries {
		if e.Category == string(logging.CategoryDatabase) {
			found = true
		}
	}
	if !found {
		t.Error("expected an ERROR entry for the dropped batch")
	}
}
