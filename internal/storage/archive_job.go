package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"trial-engine/internal/models"
)

// EventSource is the slice of the repository the archive job reads from.
type EventSource interface {
	ListEventsBefore(ctx context.Context, before time.Time, limit int) ([]models.Event, error)
	DeleteEventsByID(ctx context.Context, ids []int64) (int64, error)
}

// ArchiveJob exports raw events past retention to object storage as JSONL
// and prunes the rows, keeping the events table from growing forever.
type ArchiveJob struct {
	log       *slog.Logger
	events    EventSource
	objects   ObjectStore
	retention time.Duration
	batchSize int
	stopChan  chan bool
}

func NewArchiveJob(log *slog.Logger, events EventSource, objects ObjectStore, retentionDays int) *ArchiveJob {
	if retentionDays < 1 {
		retentionDays = 90
	}
	return &ArchiveJob{
		log:       log,
		events:    events,
		objects:   objects,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		batchSize: 1000,
		stopChan:  make(chan bool, 1),
	}
}

func (aj *ArchiveJob) Start() {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	// Run immediately on start
	go aj.runArchiveCycle(context.Background())

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Hour)
			aj.runArchiveCycle(ctx)
			cancel()
		case <-aj.stopChan:
			return
		}
	}
}

func (aj *ArchiveJob) Stop() {
	select {
	case aj.stopChan <- true:
	default:
	}
}

func (aj *ArchiveJob) runArchiveCycle(ctx context.Context) {
	aj.log.Info("event_archive_cycle_started")

	cutoff := time.Now().Add(-aj.retention)
	archived := 0

	for {
		select {
		case <-ctx.Done():
			aj.log.Info("event_archive_cycle_cancelled")
			return
		default:
		}

		events, err := aj.events.ListEventsBefore(ctx, cutoff, aj.batchSize)
		if err != nil {
			aj.log.Warn("failed_to_fetch_events_batch", "error", err)
			return
		}
		if len(events) == 0 {
			break
		}

		url, err := aj.uploadBatch(ctx, events)
		if err != nil {
			aj.log.Warn("event_archive_upload_failed", "count", len(events), "error", err)
			return
		}

		ids := make([]int64, 0, len(events))
		for _, ev := range events {
			ids = append(ids, ev.ID)
		}
		deleted, err := aj.events.DeleteEventsByID(ctx, ids)
		if err != nil {
			// Uploaded but not pruned; next cycle re-exports the same rows,
			// which is harmless duplication in the archive.
			aj.log.Warn("event_archive_prune_failed", "error", err)
			return
		}

		archived += int(deleted)
		aj.log.Debug("event_archive_batch_done", "rows", deleted, "object", url)

		if len(events) < aj.batchSize {
			break
		}

		// Small delay between batches
		time.Sleep(100 * time.Millisecond)
	}

	aj.log.Info("event_archive_cycle_completed", "archived", archived)
}

func (aj *ArchiveJob) uploadBatch(ctx context.Context, events []models.Event) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return "", fmt.Errorf("encode event %d: %w", ev.ID, err)
		}
	}

	first := events[0]
	key := fmt.Sprintf("events/%s/%d_%d.jsonl",
		first.CreatedAt.UTC().Format("2006-01-02"),
		first.ID,
		events[len(events)-1].ID,
	)

	return aj.objects.PutObject(ctx, key, "application/x-ndjson", buf.Bytes())
}
