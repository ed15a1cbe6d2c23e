package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"trial-engine/internal/models"
)

// Store is the narrow repository surface the engine needs. The Postgres
// implementation lives in internal/store; tests substitute an in-memory one.
type Store interface {
	ListActiveTriggers(ctx context.Context) ([]models.Trigger, error)

	// ListNeverReturnedUsers returns the project's trial users with
	// first_seen_at <= firstSeenBefore and last_seen_at exactly equal to
	// first_seen_at.
	ListNeverReturnedUsers(ctx context.Context, projectID uuid.UUID, firstSeenBefore time.Time) ([]models.TrialUser, error)

	FindNudge(ctx context.Context, triggerID, trialUserID uuid.UUID) (*models.Nudge, error)

	// InsertNudge persists a pending nudge. It returns created=false when a
	// row for the (trigger, user) pair already exists; the unique constraint
	// makes the check-and-insert atomic under concurrent passes.
	InsertNudge(ctx context.Context, n models.Nudge) (created bool, err error)

	UpdateNudgeStatus(ctx context.Context, id uuid.UUID, status string, sentAt *time.Time, lastError *string) error
}
