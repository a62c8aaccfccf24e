// Package reminder holds the medication reminder domain: the record shape,
// its dispatch states, frequency policies and message rendering, plus the
// owner-scoped write path used by the CRUD layer.
package reminder

import (
	"strings"
	"time"
)

// State is the dispatch state of the current occurrence.
type State string

const (
	StatePending        State = "pending"
	StateSent           State = "sent"
	StateFailedRetry    State = "failed-retry"
	StateFailedTerminal State = "failed-terminal"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateSent, StateFailedRetry, StateFailedTerminal:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition happens from s.
// A recurring reminder left in StateSent is not terminal: see EligibleAt.
func (s State) Terminal() bool { return s == StateSent || s == StateFailedTerminal }

// Reminder is one medication-notification schedule.
type Reminder struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	SubjectID string `json:"subject_id,omitempty"`

	PatientName    string `json:"patient_name"`
	MedicationName string `json:"medication_name"`
	Dosage         string `json:"dosage"`

	RecipientContact string `json:"recipient_contact"`

	// NextDueAt is the occurrence to fire. Timezone names the IANA zone that
	// recurrence arithmetic runs in; NextDueAt carries that zone's offset.
	NextDueAt time.Time `json:"next_due_at"`
	Timezone  string    `json:"timezone,omitempty"`
	Frequency Frequency `json:"frequency"`

	State        State     `json:"dispatch_state"`
	RetryCount   int       `json:"retry_count"`
	RetryAt      time.Time `json:"retry_at,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
	LastSentAt   time.Time `json:"last_sent_at,omitzero"`
	SkippedTotal int       `json:"skipped_total"`

	// Dispatch lease. Only the dispatch loop touches these.
	ClaimedBy    string    `json:"-"`
	ClaimedUntil time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location returns the zone recurrence runs in. An unknown or empty
// Timezone falls back to the zone carried by NextDueAt.
func (r Reminder) Location() *time.Location {
	if tz := strings.TrimSpace(r.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	if r.NextDueAt.IsZero() {
		return time.UTC
	}
	return r.NextDueAt.Location()
}

// EligibleAt is when the dispatch loop may next pick the reminder up.
// ok is false for terminal reminders. A recurring reminder whose delivery was
// recorded but never rescheduled stays eligible so a poll can move it on.
func (r Reminder) EligibleAt() (t time.Time, ok bool) {
	switch r.State {
	case StatePending:
		return r.NextDueAt, true
	case StateSent:
		if r.Stranded() {
			return r.NextDueAt, true
		}
	case StateFailedRetry:
		if r.RetryAt.IsZero() {
			return r.NextDueAt, true
		}
		return r.RetryAt, true
	}
	return time.Time{}, false
}

// Stranded reports a recurring reminder resting in StateSent: its occurrence
// was delivered but the move to the next one did not land.
func (r Reminder) Stranded() bool {
	return r.State == StateSent && r.Frequency.Recurring()
}

// Claimed reports whether a live dispatch lease exists at now.
func (r Reminder) Claimed(now time.Time) bool {
	return r.ClaimedBy != "" && now.Before(r.ClaimedUntil)
}

// SameInstant compares occurrences. Occurrences are second precision.
func SameInstant(a, b time.Time) bool {
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}

// Subject is the minimal elder record needed for ownership checks.
type Subject struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

// AuditEntry records one store mutation.
type AuditEntry struct {
	At         time.Time
	ReminderID string
	OwnerID    string
	Action     string
	Detail     string
}
