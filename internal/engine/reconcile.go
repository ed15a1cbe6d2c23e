package engine

import (
	"context"
	"log/slog"
	"time"
)

// StuckStore is the slice of the repository the reconcile job needs.
type StuckStore interface {
	CountStuckPendingNudges(ctx context.Context, olderThan time.Time) (int64, error)
}

// ReconcileJob periodically surfaces nudges that never left pending (a crash
// between reserve and terminal write, or a user with no email). It only
// reports; by design nothing here retries a send.
type ReconcileJob struct {
	log        *slog.Logger
	store      StuckStore
	stuckAfter time.Duration
	stopChan   chan bool
}

func NewReconcileJob(log *slog.Logger, store StuckStore, stuckAfter time.Duration) *ReconcileJob {
	if stuckAfter <= 0 {
		stuckAfter = 6 * time.Hour
	}
	return &ReconcileJob{
		log:        log,
		store:      store,
		stuckAfter: stuckAfter,
		stopChan:   make(chan bool, 1),
	}
}

func (j *ReconcileJob) Start() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	// Run immediately on start
	go j.runCycle(context.Background())

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			j.runCycle(ctx)
			cancel()
		case <-j.stopChan:
			return
		}
	}
}

func (j *ReconcileJob) Stop() {
	select {
	case j.stopChan <- true:
	default:
	}
}

func (j *ReconcileJob) runCycle(ctx context.Context) {
	olderThan := time.Now().Add(-j.stuckAfter)

	stuck, err := j.store.CountStuckPendingNudges(ctx, olderThan)
	if err != nil {
		j.log.Warn("stuck_nudge_check_failed", "error", err)
		return
	}

	if stuck > 0 {
		j.log.Warn("stuck_pending_nudges",
			"count", stuck,
			"older_than_hours", j.stuckAfter.Hours(),
		)
		return
	}
	j.log.Debug("stuck_nudge_check_clean")
}
