// Package engine implements the trigger evaluation and nudge dispatch pass.
// One RunOnce call is a self-contained computation: it loads the active
// triggers, evaluates each one, reserves a nudge per matched user and
// dispatches it, returning a summary of everything it did.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trial-engine/internal/mailer"
	"trial-engine/internal/models"
)

type Options struct {
	Workers  int     // concurrent (trigger, user) units; default 16
	MailRate float64 // outbound emails per second
	Breaker  *mailer.CircuitBreaker
	Now      func() time.Time
}

type Engine struct {
	log        *slog.Logger
	store      Store
	evaluators map[string]Evaluator
	dispatcher *Dispatcher
	workers    int
	now        func() time.Time
}

func New(log *slog.Logger, store Store, m mailer.Mailer, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 16
	}
	// Bound fan-out so a big backlog can't stampede the mail provider.
	if opts.Workers > 64 {
		opts.Workers = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		log:        log,
		store:      store,
		evaluators: newEvaluators(store),
		dispatcher: NewDispatcher(log, store, m, opts.MailRate, opts.Breaker, opts.Now),
		workers:    opts.Workers,
		now:        opts.Now,
	}
}

// RunOnce executes one full pass over all projects' active triggers.
// Only a failure to list the triggers aborts the pass; every other failure
// is isolated to its trigger or its (trigger, user) unit and counted.
// Overlapping passes are safe: the nudge uniqueness constraint is the only
// shared-state guard needed.
func (e *Engine) RunOnce(ctx context.Context) (models.RunSummary, error) {
	now := e.now()
	e.log.Info("cron_pass_started")

	triggers, err := e.store.ListActiveTriggers(ctx)
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("list active triggers: %w", err)
	}

	var (
		counts summaryCounters
		wg     sync.WaitGroup
		sem    = make(chan struct{}, e.workers)
	)

	for _, trg := range triggers {
		counts.triggers.Add(1)

		ev, ok := e.evaluators[trg.Type]
		if !ok {
			// Forward-compatible: a trigger kind this build doesn't know
			// matches nobody.
			e.log.Debug("unknown_trigger_type", "trigger_id", trg.ID, "type", trg.Type)
			continue
		}

		users, err := ev.Evaluate(ctx, trg, now)
		if err != nil {
			counts.triggerFailures.Add(1)
			e.log.Warn("trigger_evaluation_failed",
				"trigger_id", trg.ID,
				"project_id", trg.ProjectID,
				"error", err,
			)
			continue
		}
		counts.matched.Add(int64(len(users)))

		for _, user := range users {
			if ctx.Err() != nil {
				// Stop launching new units; in-flight ones finish on a
				// detached context inside the dispatcher.
				e.log.Warn("cron_pass_cancelled", "error", ctx.Err())
				wg.Wait()
				return counts.snapshot(), nil
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(trg models.Trigger, user models.TrialUser) {
				defer wg.Done()
				defer func() { <-sem }()
				e.runUnit(ctx, trg, user, now, &counts)
			}(trg, user)
		}
	}

	wg.Wait()

	summary := counts.snapshot()
	e.log.Info("cron_pass_completed",
		"triggers", summary.Triggers,
		"matched", summary.Matched,
		"created", summary.Created,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"skipped_duplicate", summary.SkippedDuplicate,
		"skipped_no_email", summary.SkippedNoEmail,
	)
	return summary, nil
}

// runUnit handles one (trigger, user) pair: reserve, then dispatch.
func (e *Engine) runUnit(ctx context.Context, trg models.Trigger, user models.TrialUser, now time.Time, counts *summaryCounters) {
	// Cheap existence probe first; the insert below is the authoritative gate.
	if existing, err := e.store.FindNudge(ctx, trg.ID, user.ID); err == nil && existing != nil {
		counts.skippedDuplicate.Add(1)
		return
	}

	nudge := models.Nudge{
		ID:           uuid.New(),
		ProjectID:    trg.ProjectID,
		TriggerID:    trg.ID,
		TrialUserID:  user.ID,
		ScheduledFor: now,
		Status:       models.NudgeStatusPending,
	}

	created, err := e.store.InsertNudge(ctx, nudge)
	if err != nil {
		counts.unitFailures.Add(1)
		e.log.Warn("nudge_insert_failed",
			"trigger_id", trg.ID,
			"trial_user_id", user.ID,
			"error", err,
		)
		return
	}
	if !created {
		// Lost the race against an overlapping pass. Normal, not an error.
		counts.skippedDuplicate.Add(1)
		return
	}
	counts.created.Add(1)

	switch e.dispatcher.Dispatch(ctx, nudge, trg, user) {
	case OutcomeSent:
		counts.sent.Add(1)
	case OutcomeFailed:
		counts.failed.Add(1)
	case OutcomeSkippedNoEmail:
		counts.skippedNoEmail.Add(1)
	}
}

// summaryCounters aggregates across concurrent units; snapshot() turns it
// into the plain RunSummary value callers see.
type summaryCounters struct {
	triggers         atomic.Int64
	triggerFailures  atomic.Int64
	unitFailures     atomic.Int64
	matched          atomic.Int64
	created          atomic.Int64
	sent             atomic.Int64
	failed           atomic.Int64
	skippedDuplicate atomic.Int64
	skippedNoEmail   atomic.Int64
}

func (c *summaryCounters) snapshot() models.RunSummary {
	return models.RunSummary{
		Triggers:         int(c.triggers.Load()),
		TriggerFailures:  int(c.triggerFailures.Load()),
		UnitFailures:     int(c.unitFailures.Load()),
		Matched:          int(c.matched.Load()),
		Created:          int(c.created.Load()),
		Sent:             int(c.sent.Load()),
		Failed:           int(c.failed.Load()),
		SkippedDuplicate: int(c.skippedDuplicate.Load()),
		SkippedNoEmail:   int(c.skippedNoEmail.Load()),
	}
}
