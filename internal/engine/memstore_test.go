package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"trial-engine/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store for tests. InsertNudge holds the same
// contract as the Postgres one: the pair check and the insert are atomic.
type memStore struct {
	mu       sync.Mutex
	triggers []models.Trigger
	users    map[uuid.UUID][]models.TrialUser
	nudges   map[string]*models.Nudge

	listTriggersErr error
	listUsersErr    error
	insertErr       error
	updateErr       error
}

func newMemStore() *memStore {
	return &memStore{
		users:  make(map[uuid.UUID][]models.TrialUser),
		nudges: make(map[string]*models.Nudge),
	}
}

func pairKey(triggerID, trialUserID uuid.UUID) string {
	return triggerID.String() + "/" + trialUserID.String()
}

func (s *memStore) ListActiveTriggers(ctx context.Context) ([]models.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listTriggersErr != nil {
		return nil, s.listTriggersErr
	}
	out := make([]models.Trigger, 0, len(s.triggers))
	for _, trg := range s.triggers {
		if trg.Active {
			out = append(out, trg)
		}
	}
	return out, nil
}

func (s *memStore) ListNeverReturnedUsers(ctx context.Context, projectID uuid.UUID, firstSeenBefore time.Time) ([]models.TrialUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listUsersErr != nil {
		return nil, s.listUsersErr
	}
	var out []models.TrialUser
	for _, u := range s.users[projectID] {
		if !u.FirstSeenAt.After(firstSeenBefore) && u.LastSeenAt.Equal(u.FirstSeenAt) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *memStore) FindNudge(ctx context.Context, triggerID, trialUserID uuid.UUID) (*models.Nudge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nudges[pairKey(triggerID, trialUserID)]; ok {
		cp := *n
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) InsertNudge(ctx context.Context, n models.Nudge) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	key := pairKey(n.TriggerID, n.TrialUserID)
	if _, ok := s.nudges[key]; ok {
		return false, nil
	}
	cp := n
	s.nudges[key] = &cp
	return true, nil
}

func (s *memStore) UpdateNudgeStatus(ctx context.Context, id uuid.UUID, status string, sentAt *time.Time, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	for _, n := range s.nudges {
		if n.ID == id {
			n.Status = status
			n.SentAt = sentAt
			n.LastError = lastError
			return nil
		}
	}
	return nil
}

func (s *memStore) addTrigger(trg models.Trigger) models.Trigger {
	if trg.ID == uuid.Nil {
		trg.ID = uuid.New()
	}
	s.mu.Lock()
	s.triggers = append(s.triggers, trg)
	s.mu.Unlock()
	return trg
}

func (s *memStore) addUser(u models.TrialUser) models.TrialUser {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	s.mu.Lock()
	s.users[u.ProjectID] = append(s.users[u.ProjectID], u)
	s.mu.Unlock()
	return u
}

func (s *memStore) nudgeFor(triggerID, trialUserID uuid.UUID) *models.Nudge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nudges[pairKey(triggerID, trialUserID)]; ok {
		cp := *n
		return &cp
	}
	return nil
}

func (s *memStore) nudgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nudges)
}

// fakeMailer records sends and can be told to fail.
type fakeMailer struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, html string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to)
	return nil
}

func (m *fakeMailer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *fakeMailer) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}
