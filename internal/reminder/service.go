package reminder

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"medremind/internal/clock"
	"medremind/internal/schedule"
	logx "medremind/pkg/logx"
)

// Repository is the owner-scoped slice of the reminder store.
// Every method except SubjectOwner filters by owner.
type Repository interface {
	Create(ctx context.Context, r Reminder) error
	Update(ctx context.Context, r Reminder) error
	Get(ctx context.Context, ownerID, id string) (Reminder, error)
	List(ctx context.Context, ownerID string, f ListFilter) ([]Reminder, error)
	Delete(ctx context.Context, ownerID, id string) error
	SubjectOwner(ctx context.Context, subjectID string) (string, error)
}

// ListFilter narrows List. Zero value lists everything the owner has.
type ListFilter struct {
	SubjectID string
	State     State
}

// Input is what the authenticated CRUD layer hands over.
//
// Either NextDueAt or SendTime ("HH:MM", resolved to the next such wall-clock
// time in Timezone) must be set.
type Input struct {
	SubjectID        string `json:"subject_id,omitempty"`
	PatientName      string `json:"patient_name"`
	MedicationName   string `json:"medication_name"`
	Dosage           string `json:"dosage"`
	RecipientContact string `json:"recipient_contact"`

	NextDueAt time.Time `json:"next_due_at,omitzero"`
	SendTime  string    `json:"send_time,omitempty"`
	Timezone  string    `json:"timezone,omitempty"`
	Frequency string    `json:"frequency"`
}

// Service validates and persists owner-initiated reminder changes.
type Service struct {
	repo  Repository
	clock clock.Clock
	log   logx.Logger
	newID func() string
}

func NewService(repo Repository, clk clock.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System(time.UTC)
	}
	return &Service{repo: repo, clock: clk, log: log, newID: uuid.NewString}
}

func (s *Service) Create(ctx context.Context, ownerID string, in Input) (Reminder, error) {
	r := Reminder{ID: s.newID(), OwnerID: strings.TrimSpace(ownerID)}
	if err := s.apply(ctx, &r, in); err != nil {
		return Reminder{}, err
	}
	now := s.clock.Now()
	r.State = StatePending
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.repo.Create(ctx, r); err != nil {
		return Reminder{}, err
	}
	s.log.Info("reminder created",
		logx.Owner(r.OwnerID),
		logx.String("reminder_id", r.ID),
		logx.String("frequency", r.Frequency.String()),
		logx.Time("next_due_at", r.NextDueAt),
	)
	return r, nil
}

// Update replaces payload and schedule. The current occurrence starts over
// as pending with a clean retry budget, unless the edit keeps next_due_at and
// that occurrence was already delivered. A dispatch lease on an unchanged
// occurrence is left to the store to keep.
func (s *Service) Update(ctx context.Context, ownerID, id string, in Input) (Reminder, error) {
	cur, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return Reminder{}, err
	}
	r := cur
	if err := s.apply(ctx, &r, in); err != nil {
		return Reminder{}, err
	}
	r.State = StatePending
	r.RetryCount = 0
	r.RetryAt = time.Time{}
	r.LastError = ""
	r.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, r); err != nil {
		return Reminder{}, err
	}
	s.log.Info("reminder updated", logx.Owner(r.OwnerID), logx.String("reminder_id", r.ID))
	if stored, err := s.repo.Get(ctx, r.OwnerID, r.ID); err == nil {
		r = stored
	}
	return r, nil
}

func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.repo.Delete(ctx, ownerID, id); err != nil {
		return err
	}
	s.log.Info("reminder deleted", logx.Owner(ownerID), logx.String("reminder_id", id))
	return nil
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (Reminder, error) {
	return s.repo.Get(ctx, ownerID, id)
}

func (s *Service) List(ctx context.Context, ownerID string, f ListFilter) ([]Reminder, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, Invalid("owner_id", "required")
	}
	return s.repo.List(ctx, ownerID, f)
}

func (s *Service) apply(ctx context.Context, r *Reminder, in Input) error {
	if r.OwnerID == "" {
		return Invalid("owner_id", "required")
	}
	if strings.TrimSpace(in.MedicationName) == "" {
		return Invalid("medication_name", "required")
	}
	contact := strings.TrimSpace(in.RecipientContact)
	if contact == "" {
		return Invalid("recipient_contact", "required")
	}
	freq, err := ParseFrequency(in.Frequency)
	if err != nil {
		return err
	}

	loc := s.clock.Location()
	if tz := strings.TrimSpace(in.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Invalid("timezone", "unknown zone %q", tz)
		}
		loc = l
	}

	var due time.Time
	switch {
	case !in.NextDueAt.IsZero():
		due = in.NextDueAt
	case strings.TrimSpace(in.SendTime) != "":
		hh, mm, err := schedule.ParseClock(in.SendTime)
		if err != nil {
			return Invalid("send_time", "%v", err)
		}
		due = ScheduleAt(s.clock.Now(), loc, hh, mm)
	default:
		return Invalid("next_due_at", "required (or send_time)")
	}

	subject := strings.TrimSpace(in.SubjectID)
	if subject != "" {
		owner, err := s.repo.SubjectOwner(ctx, subject)
		if errors.Is(err, ErrNotFound) {
			return Invalid("subject_id", "unknown subject %q", subject)
		}
		if err != nil {
			return err
		}
		if owner != r.OwnerID {
			// Same answer as a missing subject; never leak other owners' ids.
			return Invalid("subject_id", "unknown subject %q", subject)
		}
	}

	r.SubjectID = subject
	r.PatientName = strings.TrimSpace(in.PatientName)
	r.MedicationName = strings.TrimSpace(in.MedicationName)
	r.Dosage = strings.TrimSpace(in.Dosage)
	r.RecipientContact = contact
	r.Frequency = freq
	r.Timezone = loc.String()
	r.NextDueAt = due.In(loc).Truncate(time.Second)
	return nil
}

// ScheduleAt resolves a wall-clock time to today in loc, or tomorrow if that
// moment is not after now.
func ScheduleAt(now time.Time, loc *time.Location, hour, minute int) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	n := now.In(loc)
	t := time.Date(n.Year(), n.Month(), n.Day(), hour, minute, 0, 0, loc)
	if !t.After(n) {
		t = time.Date(n.Year(), n.Month(), n.Day()+1, hour, minute, 0, 0, loc)
	}
	return t
}
