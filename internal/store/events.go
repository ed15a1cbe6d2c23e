package store

import (
	"context"
	"encoding/json"
	"time"

	"trial-engine/internal/db"
	"trial-engine/internal/models"
)

var eventColumns = []string{"project_id", "trial_user_id", "event_name", "properties", "created_at"}

// InsertEventBatch writes raw events via COPY. Called by the ingest buffer,
// never by request handlers directly.
func (s *Store) InsertEventBatch(ctx context.Context, events []models.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	values := make([][]interface{}, 0, len(events))
	for _, ev := range events {
		props := ev.Properties
		if props == nil {
			props = map[string]any{}
		}
		raw, err := json.Marshal(props)
		if err != nil {
			s.log.Warn("event_properties_marshal_failed", "event_name", ev.EventName, "error", err)
			raw = []byte("{}")
		}
		values = append(values, []interface{}{ev.ProjectID, ev.TrialUserID, ev.EventName, raw, ev.CreatedAt})
	}

	return s.db.BatchInsert(ctx, "events", eventColumns, values, db.DefaultBatchConfig())
}

// ListEventsBefore feeds the archive job: oldest rows first, bounded.
func (s *Store) ListEventsBefore(ctx context.Context, before time.Time, limit int) ([]models.Event, error) {
	if limit < 1 {
		limit = 1000
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, project_id, trial_user_id, event_name, properties, created_at
		 FROM events
		 WHERE created_at < $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var props []byte
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.TrialUserID, &ev.EventName, &props, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(props) > 0 {
			_ = json.Unmarshal(props, &ev.Properties)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteEventsByID prunes rows that were exported to object storage.
func (s *Store) DeleteEventsByID(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM events WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
