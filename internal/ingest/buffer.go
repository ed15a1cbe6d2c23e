// Package ingest buffers raw track events so request handlers never pay for
// a database round trip per event; rows land in Postgres through COPY.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"trial-engine/internal/models"
)

// EventWriter is implemented by the store.
type EventWriter interface {
	InsertEventBatch(ctx context.Context, events []models.Event) (int, error)
}

type Buffer struct {
	log        *slog.Logger
	store      EventWriter
	queue      chan models.Event
	flushSize  int
	flushEvery time.Duration
	stopChan   chan struct{}
	doneChan   chan struct{}
}

func NewBuffer(log *slog.Logger, store EventWriter) *Buffer {
	return &Buffer{
		log:        log,
		store:      store,
		queue:      make(chan models.Event, 10000),
		flushSize:  500,
		flushEvery: 5 * time.Second,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

func (b *Buffer) Start() {
	go b.run()
}

// Enqueue is non-blocking. A full queue drops the event; losing an analytics
// row under overload beats stalling the ingestion endpoint.
func (b *Buffer) Enqueue(ev models.Event) bool {
	select {
	case b.queue <- ev:
		return true
	default:
		b.log.Warn("event_queue_full", "event_name", ev.EventName)
		return false
	}
}

func (b *Buffer) Pending() int {
	return len(b.queue)
}

// Stop flushes whatever is buffered and waits for the writer to exit.
func (b *Buffer) Stop() {
	close(b.stopChan)
	<-b.doneChan
}

func (b *Buffer) run() {
	defer close(b.doneChan)

	ticker := time.NewTicker(b.flushEvery)
	defer ticker.Stop()

	batch := make([]models.Event, 0, b.flushSize)

	for {
		select {
		case ev := <-b.queue:
			batch = append(batch, ev)
			if len(batch) >= b.flushSize {
				b.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(batch)
				batch = batch[:0]
			}

		case <-b.stopChan:
			// drain what is already queued
			for {
				select {
				case ev := <-b.queue:
					batch = append(batch, ev)
				default:
					if len(batch) > 0 {
						b.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (b *Buffer) flush(batch []models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	inserted, err := b.store.InsertEventBatch(ctx, batch)
	if err != nil {
		b.log.Warn("event_flush_failed", "count", len(batch), "error", err)
		return
	}
	b.log.Debug("event_flush_complete", "rows", inserted)
}
