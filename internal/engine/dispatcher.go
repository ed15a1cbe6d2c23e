package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"trial-engine/internal/logging"
	"trial-engine/internal/mailer"
	"trial-engine/internal/models"
)

// Outcome classifies one dispatch attempt.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeFailed
	OutcomeSkippedNoEmail
)

const sendTimeout = 30 * time.Second

var errCircuitOpen = errors.New("mail transport circuit open")

// Dispatcher takes a freshly created pending nudge and drives it to its
// terminal status. One attempt per pass; failed is terminal, never retried.
type Dispatcher struct {
	log     *slog.Logger
	store   Store
	mailer  mailer.Mailer
	limiter *rate.Limiter
	breaker *mailer.CircuitBreaker
	now     func() time.Time
}

func NewDispatcher(log *slog.Logger, store Store, m mailer.Mailer, mailRate float64, breaker *mailer.CircuitBreaker, now func() time.Time) *Dispatcher {
	if mailRate <= 0 {
		mailRate = 10
	}
	if breaker == nil {
		breaker = mailer.NewCircuitBreaker()
	}
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		log:     log,
		store:   store,
		mailer:  m,
		limiter: rate.NewLimiter(rate.Limit(mailRate), 1),
		breaker: breaker,
		now:     now,
	}
}

// Dispatch sends the nudge and persists its terminal transition. The nudge
// row was written as pending before this call, so a crash anywhere in here
// leaves a row the next pass will treat as already-existing; nothing is ever
// sent twice for the same pair.
func (d *Dispatcher) Dispatch(ctx context.Context, nudge models.Nudge, trg models.Trigger, user models.TrialUser) Outcome {
	if user.Email == nil || *user.Email == "" {
		// Observed behavior: the row stays pending forever. The reconcile
		// job and the stuck-nudges endpoint keep these visible.
		d.log.Info("nudge_skipped_no_email",
			"nudge_id", nudge.ID,
			"trigger_id", trg.ID,
			"trial_user_id", user.ID,
		)
		return OutcomeSkippedNoEmail
	}

	// Detach from pass cancellation: once a unit is in flight it must reach
	// a terminal status instead of orphaning a pending row.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	err := d.send(sendCtx, *user.Email, trg)
	if err != nil {
		msg := err.Error()
		if updErr := d.store.UpdateNudgeStatus(sendCtx, nudge.ID, models.NudgeStatusFailed, nil, &msg); updErr != nil {
			d.log.Error("nudge_status_update_failed",
				"nudge_id", nudge.ID,
				"status", models.NudgeStatusFailed,
				"error", updErr,
			)
		}
		d.log.Warn("nudge_send_failed",
			"nudge_id", nudge.ID,
			"trigger_id", trg.ID,
			"to", logging.MaskEmail(*user.Email),
			"error", err,
		)
		return OutcomeFailed
	}

	sentAt := d.now()
	if updErr := d.store.UpdateNudgeStatus(sendCtx, nudge.ID, models.NudgeStatusSent, &sentAt, nil); updErr != nil {
		// The mail left; the row is stuck pending until reconciliation
		// notices. Never resend.
		d.log.Error("nudge_status_update_failed",
			"nudge_id", nudge.ID,
			"status", models.NudgeStatusSent,
			"error", updErr,
		)
	}

	d.log.Info("nudge_sent",
		"nudge_id", nudge.ID,
		"trigger_id", trg.ID,
		"to", logging.MaskEmail(*user.Email),
	)
	return OutcomeSent
}

func (d *Dispatcher) send(ctx context.Context, to string, trg models.Trigger) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	if !d.breaker.Allow() {
		// Counts as a transport failure: one attempt per pass, and leaving
		// the row pending would silently grow the stuck set.
		return errCircuitOpen
	}

	if err := d.mailer.Send(ctx, to, trg.EmailSubject, trg.EmailBody); err != nil {
		d.breaker.RecordFailure()
		return err
	}
	d.breaker.RecordSuccess()
	return nil
}
