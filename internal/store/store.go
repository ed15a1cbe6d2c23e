// Package store is the Postgres repository behind the engine, the ingestion
// endpoints and the admin surface. Queries go through pgx; the nudge
// uniqueness constraint lives here.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"trial-engine/internal/db"
	"trial-engine/internal/models"
	"trial-engine/internal/security"
)

type Store struct {
	db     *db.DB
	log    *slog.Logger
	encKey []byte // nil means emails are stored as plaintext
}

func New(log *slog.Logger, dbConn *db.DB, encKey []byte) *Store {
	return &Store{
		db:     dbConn,
		log:    log,
		encKey: encKey,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

// sealEmail encrypts an address for storage when an encryption key is
// configured; nil stays nil.
func (s *Store) sealEmail(email *string) (*string, error) {
	if email == nil || *email == "" || len(s.encKey) != 32 {
		return email, nil
	}
	sealed, err := security.EncryptEmail(*email, s.encKey)
	if err != nil {
		return nil, fmt.Errorf("seal email: %w", err)
	}
	return &sealed, nil
}

// openEmail is the inverse of sealEmail. A value that fails to decrypt is
// treated as legacy plaintext (rows written before the key was configured).
func (s *Store) openEmail(stored *string) *string {
	if stored == nil || *stored == "" || len(s.encKey) != 32 {
		return stored
	}
	plain, err := security.DecryptEmail(*stored, s.encKey)
	if err != nil {
		return stored
	}
	return &plain
}

// ---- projects ----

func (s *Store) CreateProject(ctx context.Context, name string) (models.Project, error) {
	p := models.Project{
		ID:        uuid.New(),
		Name:      name,
		PublicKey: newPublicKey(),
		CreatedAt: time.Now(),
	}

	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO projects (id, name, public_key, created_at)
		 VALUES ($1, $2, $3, $4)`,
		p.ID, p.Name, p.PublicKey, p.CreatedAt,
	)
	if err != nil {
		return models.Project{}, err
	}
	return p, nil
}

func (s *Store) GetProjectByPublicKey(ctx context.Context, publicKey string) (*models.Project, error) {
	var p models.Project
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, name, public_key, created_at
		 FROM projects
		 WHERE public_key = $1`,
		publicKey,
	).Scan(&p.ID, &p.Name, &p.PublicKey, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, name, public_key, created_at
		 FROM projects
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.PublicKey, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func newPublicKey() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "pk_" + hex.EncodeToString(buf)
}

// ---- trial users ----

// UpsertTrialUser is the single write path of ingestion: first contact
// creates the row with first_seen_at == last_seen_at; every later contact
// bumps last_seen_at and fills the email if it was missing.
func (s *Store) UpsertTrialUser(ctx context.Context, projectID uuid.UUID, externalUserID string, email *string, now time.Time) (models.TrialUser, error) {
	sealed, err := s.sealEmail(email)
	if err != nil {
		return models.TrialUser{}, err
	}

	var u models.TrialUser
	err = s.db.Pool.QueryRow(ctx,
		`INSERT INTO trial_users (id, project_id, external_user_id, email, first_seen_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (project_id, external_user_id) DO UPDATE SET
		     last_seen_at = EXCLUDED.last_seen_at,
		     email = COALESCE(EXCLUDED.email, trial_users.email)
		 RETURNING id, project_id, external_user_id, email, first_seen_at, last_seen_at`,
		uuid.New(), projectID, externalUserID, sealed, now,
	).Scan(&u.ID, &u.ProjectID, &u.ExternalUserID, &u.Email, &u.FirstSeenAt, &u.LastSeenAt)
	if err != nil {
		return models.TrialUser{}, err
	}

	u.Email = s.openEmail(u.Email)
	return u, nil
}

func (s *Store) ListNeverReturnedUsers(ctx context.Context, projectID uuid.UUID, firstSeenBefore time.Time) ([]models.TrialUser, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, project_id, external_user_id, email, first_seen_at, last_seen_at
		 FROM trial_users
		 WHERE project_id = $1
		 AND first_seen_at <= $2
		 AND last_seen_at = first_seen_at`,
		projectID, firstSeenBefore,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TrialUser
	for rows.Next() {
		var u models.TrialUser
		if err := rows.Scan(&u.ID, &u.ProjectID, &u.ExternalUserID, &u.Email, &u.FirstSeenAt, &u.LastSeenAt); err != nil {
			return nil, err
		}
		u.Email = s.openEmail(u.Email)
		out = append(out, u)
	}
	return out, rows.Err()
}

// ---- triggers ----

func (s *Store) CreateTrigger(ctx context.Context, trg models.Trigger) (models.Trigger, error) {
	if trg.ID == uuid.Nil {
		trg.ID = uuid.New()
	}
	if trg.CreatedAt.IsZero() {
		trg.CreatedAt = time.Now()
	}

	params, err := json.Marshal(trg.Params)
	if err != nil {
		return models.Trigger{}, fmt.Errorf("marshal trigger params: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO triggers (id, project_id, type, active, params, email_subject, email_body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		trg.ID, trg.ProjectID, trg.Type, trg.Active, params, trg.EmailSubject, trg.EmailBody, trg.CreatedAt,
	)
	if err != nil {
		return models.Trigger{}, err
	}
	return trg, nil
}

func (s *Store) ListActiveTriggers(ctx context.Context) ([]models.Trigger, error) {
	return s.listTriggers(ctx,
		`SELECT id, project_id, type, active, params, email_subject, email_body, created_at
		 FROM triggers
		 WHERE active = true`,
	)
}

func (s *Store) ListTriggersByProject(ctx context.Context, projectID uuid.UUID) ([]models.Trigger, error) {
	return s.listTriggers(ctx,
		`SELECT id, project_id, type, active, params, email_subject, email_body, created_at
		 FROM triggers
		 WHERE project_id = $1
		 ORDER BY created_at DESC`,
		projectID,
	)
}

func (s *Store) listTriggers(ctx context.Context, query string, args ...any) ([]models.Trigger, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Trigger
	for rows.Next() {
		var trg models.Trigger
		var params []byte
		if err := rows.Scan(&trg.ID, &trg.ProjectID, &trg.Type, &trg.Active, &params, &trg.EmailSubject, &trg.EmailBody, &trg.CreatedAt); err != nil {
			return nil, err
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &trg.Params); err != nil {
				// Bad params fail at evaluation time, not at load time
				s.log.Warn("trigger_params_unmarshal_failed", "trigger_id", trg.ID, "error", err)
			}
		}
		out = append(out, trg)
	}
	return out, rows.Err()
}

// SetTriggerActive flips a trigger on or off. Triggers are deactivated, not
// deleted, so nudge history keeps valid foreign keys.
func (s *Store) SetTriggerActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE triggers SET active = $2 WHERE id = $1`,
		id, active,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ---- nudges ----

func (s *Store) FindNudge(ctx context.Context, triggerID, trialUserID uuid.UUID) (*models.Nudge, error) {
	var n models.Nudge
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, project_id, trigger_id, trial_user_id, scheduled_for, status, sent_at, last_error
		 FROM nudges
		 WHERE trigger_id = $1 AND trial_user_id = $2`,
		triggerID, trialUserID,
	).Scan(&n.ID, &n.ProjectID, &n.TriggerID, &n.TrialUserID, &n.ScheduledFor, &n.Status, &n.SentAt, &n.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// InsertNudge reserves the (trigger, user) pair. ON CONFLICT DO NOTHING makes
// the reservation atomic: a lost race reports created=false, never an error.
func (s *Store) InsertNudge(ctx context.Context, n models.Nudge) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`INSERT INTO nudges (id, project_id, trigger_id, trial_user_id, scheduled_for, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (trigger_id, trial_user_id) DO NOTHING`,
		n.ID, n.ProjectID, n.TriggerID, n.TrialUserID, n.ScheduledFor, n.Status,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateNudgeStatus(ctx context.Context, id uuid.UUID, status string, sentAt *time.Time, lastError *string) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE nudges
		 SET status = $2, sent_at = $3, last_error = $4
		 WHERE id = $1`,
		id, status, sentAt, lastError,
	)
	return err
}

func (s *Store) ListNudgesByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]models.Nudge, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, project_id, trigger_id, trial_user_id, scheduled_for, status, sent_at, last_error
		 FROM nudges
		 WHERE project_id = $1
		 ORDER BY scheduled_for DESC
		 LIMIT $2`,
		projectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNudges(rows)
}

// ListStuckPendingNudges is the reconciliation query of the admin surface:
// pending rows old enough that no in-flight pass can still own them.
func (s *Store) ListStuckPendingNudges(ctx context.Context, olderThan time.Time, limit int) ([]models.Nudge, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, project_id, trigger_id, trial_user_id, scheduled_for, status, sent_at, last_error
		 FROM nudges
		 WHERE status = 'pending'
		 AND scheduled_for < $1
		 ORDER BY scheduled_for ASC
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNudges(rows)
}

func (s *Store) CountStuckPendingNudges(ctx context.Context, olderThan time.Time) (int64, error) {
	var count int64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT count(*)
		 FROM nudges
		 WHERE status = 'pending'
		 AND scheduled_for < $1`,
		olderThan,
	).Scan(&count)
	return count, err
}

func scanNudges(rows pgx.Rows) ([]models.Nudge, error) {
	var out []models.Nudge
	for rows.Next() {
		var n models.Nudge
		if err := rows.Scan(&n.ID, &n.ProjectID, &n.TriggerID, &n.TrialUserID, &n.ScheduledFor, &n.Status, &n.SentAt, &n.LastError); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
