// Package store persists reminders and their per-occurrence dispatch state.
//
// Every dispatch-side write is a compare-and-swap on (id, occurrence, state):
// when the row no longer matches, the call fails with reminder.ErrConflict and
// changes nothing. That check is the only cross-worker safety mechanism.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"medremind/internal/reminder"
	logx "medremind/pkg/logx"
)

// Store is the full persistence API used by the dispatch loop, the reminder
// service and the status surface.
type Store interface {
	// Update keeps the dispatch lease and a sent state when the edit leaves
	// next_due_at unchanged; otherwise the lease is dropped.
	reminder.Repository

	// GetDue returns reminders eligible at before, earliest next_due_at first.
	// Eligible means pending and due, failed-retry with retry_at passed, or
	// recurring and still sent (see reminder.Stranded), with no live lease.
	// limit <= 0 means no cap.
	GetDue(ctx context.Context, before time.Time, limit int) ([]reminder.Reminder, error)
	// Claim takes a dispatch lease on one occurrence.
	Claim(ctx context.Context, id string, occurrence time.Time, l Lease) error
	// MarkSent records delivery of occurrence. A second call for the same
	// occurrence fails with ErrConflict. The lease is kept until Reschedule.
	MarkSent(ctx context.Context, id string, occurrence, at time.Time) error
	// Reschedule moves a sent occurrence on to next as pending and drops the lease.
	Reschedule(ctx context.Context, id string, occurrence, next time.Time, skipped int) error
	MarkFailed(ctx context.Context, id string, occurrence time.Time, f Failure) error

	PutSubject(ctx context.Context, s reminder.Subject) error
	DeleteSubject(ctx context.Context, ownerID, subjectID string) error
	// DeleteOwner removes every subject and reminder of an account.
	DeleteOwner(ctx context.Context, ownerID string) error

	CountDue(ctx context.Context, before time.Time) (int, error)
	CountState(ctx context.Context, state reminder.State) (int, error)
	Audit(ctx context.Context, reminderID string, limit int) ([]reminder.AuditEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// Lease is a short exclusive hold on one occurrence.
type Lease struct {
	Worker string
	Now    time.Time
	Until  time.Time
}

// Failure describes a failed delivery attempt.
type Failure struct {
	Reason   string
	RetryAt  time.Time
	Terminal bool
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on restart
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "postgres": PostgreSQL through pgx
type Config struct {
	Driver          string
	Path            string // sqlite
	DSN             string // postgres
	BusyTimeout     time.Duration
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open initializes the configured store. Empty driver means memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(log), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

const (
	actionCreate     = "create"
	actionUpdate     = "update"
	actionDelete     = "delete"
	actionClaim      = "claim"
	actionSent       = "sent"
	actionReschedule = "reschedule"
	actionFailed     = "failed"
)
