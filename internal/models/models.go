package models

import (
	"time"

	"github.com/google/uuid"
)

type Project struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// TrialUser is one tracked end-user of a project's product.
// A user who never came back has last_seen_at == first_seen_at exactly.
type TrialUser struct {
	ID             uuid.UUID `json:"id"`
	ProjectID      uuid.UUID `json:"project_id"`
	ExternalUserID string    `json:"external_user_id"`
	Email          *string   `json:"email,omitempty"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

const TriggerNoReturnAfterSignup = "no_return_after_signup"

// TriggerParams holds the per-kind parameters stored as jsonb.
// Only the inactivity kind uses Hours today; new kinds add their own fields.
type TriggerParams struct {
	Hours *int `json:"hours,omitempty"`
}

type Trigger struct {
	ID           uuid.UUID     `json:"id"`
	ProjectID    uuid.UUID     `json:"project_id"`
	Type         string        `json:"type"`
	Active       bool          `json:"active"`
	Params       TriggerParams `json:"params"`
	EmailSubject string        `json:"email_subject"`
	EmailBody    string        `json:"email_body"`
	CreatedAt    time.Time     `json:"created_at"`
}

const (
	NudgeStatusPending = "pending"
	NudgeStatusSent    = "sent"
	NudgeStatusFailed  = "failed"
)

// Nudge records one dispatch intent. At most one row ever exists per
// (trigger_id, trial_user_id) pair; the row is written as pending before
// any send attempt and transitions at most once to sent or failed.
type Nudge struct {
	ID           uuid.UUID  `json:"id"`
	ProjectID    uuid.UUID  `json:"project_id"`
	TriggerID    uuid.UUID  `json:"trigger_id"`
	TrialUserID  uuid.UUID  `json:"trial_user_id"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       string     `json:"status"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
}

type Event struct {
	ID          int64          `json:"id"`
	ProjectID   uuid.UUID      `json:"project_id"`
	TrialUserID uuid.UUID      `json:"trial_user_id"`
	EventName   string         `json:"event_name"`
	Properties  map[string]any `json:"properties"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RunSummary is the per-pass counter set returned by the engine.
// It is a plain value; nothing here survives the pass.
type RunSummary struct {
	Triggers         int `json:"triggers"`
	TriggerFailures  int `json:"trigger_failures"`
	UnitFailures     int `json:"unit_failures"`
	Matched          int `json:"matched"`
	Created          int `json:"created"`
	Sent             int `json:"sent"`
	Failed           int `json:"failed"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	SkippedNoEmail   int `json:"skipped_no_email"`
}
