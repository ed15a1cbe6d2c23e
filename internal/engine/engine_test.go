package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"trial-engine/internal/models"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func newTestEngine(st *memStore, m *fakeMailer) *Engine {
	return New(testLogger(), st, m, Options{
		Workers:  4,
		MailRate: 10000, // sem throttle nos testes
		Now:      func() time.Time { return testNow },
	})
}

// seedInactive adds a user who signed up 48h ago and never came back.
func seedInactive(st *memStore, projectID uuid.UUID, email string) models.TrialUser {
	signup := testNow.Add(-48 * time.Hour)
	u := models.TrialUser{
		ProjectID:      projectID,
		ExternalUserID: "u_" + uuid.NewString()[:8],
		FirstSeenAt:    signup,
		LastSeenAt:     signup,
	}
	if email != "" {
		u.Email = strPtr(email)
	}
	return st.addUser(u)
}

func TestRunOnce_SendsNudgeToInactiveUser(t *testing.T) {
	st := newMemStore()
	fm := &fakeMailer{}

	projectID := uuid.New()
	trg := st.addTrigger(models.Trigger{
		ProjectID:    projectID,
		Type:         models.TriggerNoReturnAfterSignup,
		Active:       true,
		EmailSubject: "volte para o trial",
		EmailBody:    "<p>oi</p>",
	})
	user := seedInactive(st, projectID, "ana@example.com")

	summary, err := newTestEngine(st, fm).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Triggers != 1 || summary.Matched != 1 || summary.Created != 1 || summary.Sent != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if fm.sentCount() != 1 {
		t.Errorf("expected 1 mail sent, got %d", fm.sentCount())
	}

	n := st.nudgeFor(trg.ID, user.ID)
	if n == nil {
		t.Fatal("expected a nudge row")
	}
	if n.Status != models.NudgeStatusSent {
		t.Errorf("expected status sent, got %s", n.Status)
	}
	if n.SentAt == nil || !n.SentAt.Equal(testNow) {
		t.Errorf("expected sent_at %v, got %v", testNow, n.SentAt)
	}
	if n.LastError != nil {
		t.Errorf("expected no last_error, got %v", *n.LastError)
	}
}

func TestRunOnce_SecondPassIsIdempotent(t *testing.T) {
	st := newMemStore()
	fm := &fakeMailer{}

	projectID := uuid.New()
	st.addTrigger(models.Trigger{
		ProjectID:    projectID,
		Type:         models.TriggerNoReturnAfterSignup,
		Active:       true,
		EmailSubject: "s",
		EmailBody:    "b",
	})
	seedInactive(st, projectID, "ana@example.com")

	eng := newTestEngine(st, fm)

	if _, err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	second, err := eng.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if second.SkippedDuplicate != 1 {
		t.Errorf("expected 1 skipped_duplicate, got %d", second.SkippedDuplicate)
	}
	if second.Created != 0 || second.Sent != 0 {
		t.Errorf("second pass must not create or send, got %+v", second)
	}
	if fm.sentCount() != 1 {
		t.Errorf("user nudged twice: %d mails", fm.sentCount())
	}
}

func TestRunOnce_NoEmailStaysPending(t *testing.T) {
	st := newMemStore()
	fm := &fakeMailer{}

	projectID := uuid.New()
	trg := st.addTrigger(models.Trigger{
		ProjectID:    projectID,
		Type:         models.TriggerNoReturnAfterSignup,
		Active:       true,
		EmailSubject: "s",
		EmailBody:    "b",
	})
	user := seedInactive(st, projectID, "")

	summary, err := newTestEngine(st, fm).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.SkippedNoEmail != 1 || summary.Created != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if fm.sentCount() != 0 {
		t.Errorf("mailer should not be called, got %d sends", fm.sentCount())
	}

	n := st.nudgeFor(trg.ID, user.ID)
	if n == nil || n.Status != models.NudgeStatusPending {
		t.Fatalf("expected pending nudge, got %+v", n)
	}
}

func TestRunOnce_ReturnedUserNotMatched(t *testing.T) {
	st := newMemStore()
	fm := &fakeMailer{}

	projectID := uuid.New()
	st.addTrigger(models.Trigger{
		ProjectID:    projectID,
		Type:         models.TriggerNoReturnAfterSignup,
		Active:       true,
		EmailSubject: "s",
		EmailBody:    "b",
	})

	// signed up long ago but came back yesterday
	signup := testNow.Add(-72 * time.Hour)
	st.addUser(models.TrialUser{
		ProjectID:      projectID,
		ExternalUserID: "returned",
		Email:          strPtr("volta@example.com"),
		FirstSeenAt:    signup,
		LastSeenAt:     testNow.Add(-24 * time.Hour),
	})

	summary, err := newTestEngine(st, fm).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Matched != 0 || st.nudgeCount() != 0 {
		t.Errorf("returned user must not match: %+v, nudges=%d", summary, st.nudgeCount())
	}
}

func TestRunOnce_TransportFailureIsTerminal(t *testing.T) {
	st := newMemStore()
	fm := &fakeMailer{}
	fm.setErr(errors.New("provider 500"))

	projectID := uuid.New()
	trg := st.addTrigger(models.Trigger{
		ProjectID:    projectID,
		Type:         models.TriggerNoReturnAfterSignup,
		Active:       true,
		EmailSubject: "s",
		EmailBody:    "b",
	})
	user := seedInactive(st, projectID, "ana@example.com")

	eng := newTestEngine(st, fm)

	summary, err := eng.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected 1 failed, got %+v", summary)
	}

	n := st.nudgeFor(trg.ID, user.ID)
	if n == nil || n.Status != models.NudgeStatusFailed {
		t.Fatalf("expected failed nudge, got %+v", n)
	}
	if n.LastError == nil || *n.LastError != "provider 500" {
		t.Errorf("expected last_error recorded, got %v", n.LastError)
	}

	// transporte volta ao normal; a falha continua terminal
	fm.setErr(nil)
	second, err := eng.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.SkippedDuplicate != 1 || fm.sentCount() != 0 {
		t.Errorf("failed nudge must never be retried: %+v, sends=%d", second, fm.sentCount())
	}
}

func TestRunOnce_EvaluationFailureIsolated(t *testing.T) {
	st := newMemStore()
	fm := &fakeMailer{}

	brokenProject := uuid.New()
	st.addTrigger(models.Trigger{
		ProjectID:    brokenProject,
		Type:         models.TriggerNoReturnAfterSignup,
		Active:       true,
		Params:       models.TriggerParams{Hours: intPtr(-5)},
		EmailSubject: "s",
		EmailBody:    "b",
	})

	goodProject := uuid.New()
	st.addTrigger(models.Trigger{
		ProjectID:    goodProject,
		Type:         models.TriggerNoReturnAfterSignup,
		Active:       true,
		EmailSubject: "s",
		EmailBody:    "b",
	})
	seedInactive(st, goodProject, "ok@example.com")

	summary, err := newTestEngine(st, fm).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("one bad trigger must not abort the pass: %v", err)
	}
	if summary.TriggerFailures != 1 {
		t.Errorf("expected 1 trigger failure, got %+v", summary)
	}
	if summary.Sent != 1 {
		t.Errorf("healthy trigger should still send, got %+v", summary)
	}
}

func TestRunOnce_UnknownTriggerTypeMatchesNobody(t *testing.T) {
	st := newMemStore()
	fm := &fakeMailer{}

	projectID := uuid.New()
	st.addTrigger(models.Trigger{
		ProjectID:    projectID,
		Type:         "payment_failed",
		Active:       true,
		EmailSubject: "s",
		EmailBody:    "b",
	})
	seedInactive(st, projectID, "ana@example.com")

	summary, err := newTestEngine(st, fm).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Triggers != 1 || summary.Matched != 0 || summary.TriggerFailures != 0 {
		t.Errorf("unknown type must be a silent no-op: %+v", summary)
	}
}

func TestRunOnce_ListTriggersErrorAborts(t *testing.T) {
	st := newMemStore()
	st.listTriggersErr = errors.New("db down")

	_, err := newTestEngine(st, &fakeMailer{}).RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error when trigger listing fails")
	}
}

func TestRunOnce_InsertFailureCounted(t *testing.T) {
	st := newMemStore()
	fm := &fakeMailer{}

	projectID := uuid.New()
	st.addTrigger(models.Trigger{
		ProjectID:    projectID,
		Type:         models.TriggerNoReturnAfterSignup,
		Active:       true,
		EmailSubject: "s",
		EmailBody:    "b",
	})
	seedInactive(st, projectID, "ana@example.com")
	st.insertErr = errors.New("write timeout")

	summary, err := newTestEngine(st, fm).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.UnitFailures != 1 || summary.Created != 0 {
		t.Errorf("insert failure must be counted, not sent: %+v", summary)
	}
	if fm.sentCount() != 0 {
		t.Errorf("must not send without a reserved nudge, got %d", fm.sentCount())
	}
}

func TestRunOnce_CancelledContextStopsLaunching(t *testing.T) {
	st := newMemStore()
	fm := &fakeMailer{}

	projectID := uuid.New()
	st.addTrigger(models.Trigger{
		ProjectID:    projectID,
		Type:         models.TriggerNoReturnAfterSignup,
		Active:       true,
		EmailSubject: "s",
		EmailBody:    "b",
	})
	seedInactive(st, projectID, "ana@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := newTestEngine(st, fm).RunOnce(ctx)
	if err != nil {
		t.Fatalf("cancellation is not an error: %v", err)
	}
	if summary.Created != 0 || summary.Sent != 0 {
		t.Errorf("no units should launch after cancel: %+v", summary)
	}
}

func TestRunOnce_ConcurrentPassesNudgeOnce(t *testing.T) {
	st := newMemStore()
	fm := &fakeMailer{}

	projectID := uuid.New()
	st.addTrigger(models.Trigger{
		ProjectID:    projectID,
		Type:         models.TriggerNoReturnAfterSignup,
		Active:       true,
		EmailSubject: "s",
		EmailBody:    "b",
	})
	const userCount = 20
	for i := 0; i < userCount; i++ {
		seedInactive(st, projectID, "user"+strconv.Itoa(i)+"@example.com")
	}

	eng := newTestEngine(st, fm)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.RunOnce(context.Background()); err != nil {
				t.Errorf("pass failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if fm.sentCount() != userCount {
		t.Errorf("expected exactly %d mails across overlapping passes, got %d", userCount, fm.sentCount())
	}
	if st.nudgeCount() != userCount {
		t.Errorf("expected %d nudge rows, got %d", userCount, st.nudgeCount())
	}
}
