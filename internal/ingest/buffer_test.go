package ingest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"trial-engine/internal/models"
)

type captureWriter struct {
	mu      sync.Mutex
	batches [][]models.Event
	flushed chan struct{}
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{flushed: make(chan struct{}, 16)}
}

func (w *captureWriter) InsertEventBatch(ctx context.Context, events []models.Event) (int, error) {
	w.mu.Lock()
	batch := make([]models.Event, len(events))
	copy(batch, events)
	w.batches = append(w.batches, batch)
	w.mu.Unlock()
	w.flushed <- struct{}{}
	return len(events), nil
}

func (w *captureWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func testBuffer(store EventWriter, queueCap, flushSize int, flushEvery time.Duration) *Buffer {
	return &Buffer{
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		store:      store,
		queue:      make(chan models.Event, queueCap),
		flushSize:  flushSize,
		flushEvery: flushEvery,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

func testEvent(name string) models.Event {
	return models.Event{
		ProjectID:   uuid.New(),
		TrialUserID: uuid.New(),
		EventName:   name,
		CreatedAt:   time.Now(),
	}
}

func TestBuffer_FlushesWhenBatchFills(t *testing.T) {
	w := newCaptureWriter()
	b := testBuffer(w, 100, 2, time.Hour)
	b.Start()
	defer b.Stop()

	b.Enqueue(testEvent("page_view"))
	b.Enqueue(testEvent("page_view"))

	select {
	case <-w.flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a size-triggered flush")
	}

	if w.total() != 2 {
		t.Errorf("expected 2 events flushed, got %d", w.total())
	}
}

func TestBuffer_FlushesOnTicker(t *testing.T) {
	w := newCaptureWriter()
	b := testBuffer(w, 100, 500, 50*time.Millisecond)
	b.Start()
	defer b.Stop()

	b.Enqueue(testEvent("signup"))

	select {
	case <-w.flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a time-triggered flush")
	}

	if w.total() != 1 {
		t.Errorf("expected 1 event flushed, got %d", w.total())
	}
}

func TestBuffer_StopDrainsQueue(t *testing.T) {
	w := newCaptureWriter()
	b := testBuffer(w, 100, 500, time.Hour)
	b.Start()

	for i := 0; i < 10; i++ {
		if !b.Enqueue(testEvent("click")) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	b.Stop()

	if w.total() != 10 {
		t.Errorf("expected all 10 events flushed on stop, got %d", w.total())
	}
}

func TestBuffer_EnqueueDropsWhenFull(t *testing.T) {
	w := newCaptureWriter()
	// writer nunca inicia, a fila enche
	b := testBuffer(w, 1, 500, time.Hour)

	if !b.Enqueue(testEvent("a")) {
		t.Fatal("first enqueue should succeed")
	}
	if b.Enqueue(testEvent("b")) {
		t.Error("second enqueue should be dropped, not block")
	}
	if b.Pending() != 1 {
		t.Errorf("expected 1 pending, got %d", b.Pending())
	}
}
