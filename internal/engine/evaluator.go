package engine

import (
	"context"
	"fmt"
	"time"

	"trial-engine/internal/models"
)

const defaultInactivityHours = 24

// Evaluator maps a trigger plus the current time to the trial users that
// satisfy its condition. Implementations must be side-effect free; all
// state changes happen downstream of evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, trg models.Trigger, now time.Time) ([]models.TrialUser, error)
}

// newEvaluators builds the registry of known trigger types. An unknown type
// simply has no entry and matches nobody, so old engine builds survive new
// trigger kinds authored upstream.
func newEvaluators(store Store) map[string]Evaluator {
	return map[string]Evaluator{
		models.TriggerNoReturnAfterSignup: &inactivityEvaluator{store: store},
	}
}

// inactivityEvaluator matches users who signed up before the cutoff and
// never came back even once (last_seen_at still equals first_seen_at).
type inactivityEvaluator struct {
	store Store
}

func (e *inactivityEvaluator) Evaluate(ctx context.Context, trg models.Trigger, now time.Time) ([]models.TrialUser, error) {
	hours, err := inactivityHours(trg.Params)
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-time.Duration(hours) * time.Hour)
	users, err := e.store.ListNeverReturnedUsers(ctx, trg.ProjectID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list never-returned users: %w", err)
	}
	return users, nil
}

// inactivityHours validates the params at evaluation time rather than
// trusting the stored jsonb.
func inactivityHours(p models.TriggerParams) (int, error) {
	if p.Hours == nil {
		return defaultInactivityHours, nil
	}
	if *p.Hours <= 0 {
		return 0, fmt.Errorf("params.hours must be positive, got %d", *p.Hours)
	}
	return *p.Hours, nil
}
