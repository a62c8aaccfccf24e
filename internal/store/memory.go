package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"medremind/internal/reminder"
	logx "medremind/pkg/logx"
)

// Memory is a process-local Store. Its CAS semantics match the SQL backends,
// so every worker sharing one Memory is safe against double dispatch.
type Memory struct {
	log logx.Logger

	mu        sync.Mutex
	reminders map[string]reminder.Reminder
	subjects  map[string]reminder.Subject
	audit     []reminder.AuditEntry
	closed    bool
}

func NewMemory(log logx.Logger) *Memory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Memory{
		log:       log,
		reminders: map[string]reminder.Reminder{},
		subjects:  map[string]reminder.Subject{},
	}
}

func (m *Memory) record(r reminder.Reminder, action, detail string) {
	m.audit = append(m.audit, reminder.AuditEntry{
		At:         time.Now(),
		ReminderID: r.ID,
		OwnerID:    r.OwnerID,
		Action:     action,
		Detail:     detail,
	})
	m.log.Info("reminder "+action,
		logx.Owner(r.OwnerID),
		logx.String("reminder_id", r.ID),
		logx.String("state", string(r.State)),
		logx.String("detail", detail),
	)
}

func (m *Memory) check() error {
	if m.closed {
		return reminder.Unavailable(fmt.Errorf("memory store closed"))
	}
	return nil
}

func (m *Memory) Create(_ context.Context, r reminder.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.reminders[r.ID]; ok {
		return fmt.Errorf("%w: reminder %s already exists", reminder.ErrConflict, r.ID)
	}
	if r.SubjectID != "" {
		if s, ok := m.subjects[r.SubjectID]; !ok || s.OwnerID != r.OwnerID {
			return reminder.Invalid("subject_id", "unknown subject %q", r.SubjectID)
		}
	}
	if r.State == "" {
		r.State = reminder.StatePending
	}
	m.reminders[r.ID] = r
	m.record(r, actionCreate, r.Frequency.String())
	return nil
}

func (m *Memory) Update(_ context.Context, r reminder.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	cur, ok := m.reminders[r.ID]
	if !ok || cur.OwnerID != r.OwnerID {
		return reminder.ErrNotFound
	}
	r.CreatedAt = cur.CreatedAt
	r.SkippedTotal = cur.SkippedTotal
	r.LastSentAt = cur.LastSentAt
	r.ClaimedBy, r.ClaimedUntil = "", time.Time{}
	if reminder.SameInstant(cur.NextDueAt, r.NextDueAt) {
		// Same occurrence: an in-flight dispatch keeps its lease and a
		// delivered occurrence stays delivered.
		r.ClaimedBy, r.ClaimedUntil = cur.ClaimedBy, cur.ClaimedUntil
		if cur.State == reminder.StateSent {
			r.State = cur.State
		}
	}
	m.reminders[r.ID] = r
	m.record(r, actionUpdate, r.Frequency.String())
	return nil
}

func (m *Memory) Get(_ context.Context, ownerID, id string) (reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return reminder.Reminder{}, err
	}
	r, ok := m.reminders[id]
	if !ok || r.OwnerID != ownerID {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	return r, nil
}

func (m *Memory) List(_ context.Context, ownerID string, f reminder.ListFilter) ([]reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]reminder.Reminder, 0)
	for _, r := range m.reminders {
		if r.OwnerID != ownerID {
			continue
		}
		if f.SubjectID != "" && r.SubjectID != f.SubjectID {
			continue
		}
		if f.State != "" && r.State != f.State {
			continue
		}
		out = append(out, r)
	}
	sortByDue(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	r, ok := m.reminders[id]
	if !ok || r.OwnerID != ownerID {
		return reminder.ErrNotFound
	}
	delete(m.reminders, id)
	m.record(r, actionDelete, "owner")
	return nil
}

func (m *Memory) SubjectOwner(_ context.Context, subjectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", err
	}
	s, ok := m.subjects[subjectID]
	if !ok {
		return "", reminder.ErrNotFound
	}
	return s.OwnerID, nil
}

func (m *Memory) PutSubject(_ context.Context, s reminder.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if cur, ok := m.subjects[s.ID]; ok && cur.OwnerID != s.OwnerID {
		return fmt.Errorf("%w: subject %s belongs to another owner", reminder.ErrConflict, s.ID)
	}
	m.subjects[s.ID] = s
	return nil
}

func (m *Memory) DeleteSubject(_ context.Context, ownerID, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	s, ok := m.subjects[subjectID]
	if !ok || s.OwnerID != ownerID {
		return reminder.ErrNotFound
	}
	delete(m.subjects, subjectID)
	for id, r := range m.reminders {
		if r.SubjectID == subjectID {
			delete(m.reminders, id)
			m.record(r, actionDelete, "subject cascade")
		}
	}
	return nil
}

func (m *Memory) DeleteOwner(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for id, s := range m.subjects {
		if s.OwnerID == ownerID {
			delete(m.subjects, id)
		}
	}
	for id, r := range m.reminders {
		if r.OwnerID == ownerID {
			delete(m.reminders, id)
			m.record(r, actionDelete, "owner cascade")
		}
	}
	return nil
}

func (m *Memory) GetDue(_ context.Context, before time.Time, limit int) ([]reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]reminder.Reminder, 0)
	for _, r := range m.reminders {
		if eligible(r, before) {
			out = append(out, r)
		}
	}
	sortByDue(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func eligible(r reminder.Reminder, now time.Time) bool {
	at, ok := r.EligibleAt()
	if !ok || at.After(now) {
		return false
	}
	return !r.Claimed(now)
}

// dispatchable returns the reminder if occurrence is still its live,
// non-terminal occurrence.
func (m *Memory) dispatchable(id string, occurrence time.Time) (reminder.Reminder, error) {
	r, ok := m.reminders[id]
	if !ok {
		return reminder.Reminder{}, reminder.ErrConflict
	}
	if !reminder.SameInstant(r.NextDueAt, occurrence) {
		return reminder.Reminder{}, reminder.ErrConflict
	}
	if r.State != reminder.StatePending && r.State != reminder.StateFailedRetry {
		return reminder.Reminder{}, reminder.ErrConflict
	}
	return r, nil
}

func (m *Memory) Claim(_ context.Context, id string, occurrence time.Time, l Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	r, err := m.dispatchable(id, occurrence)
	if err != nil {
		return err
	}
	if r.Claimed(l.Now) && r.ClaimedBy != l.Worker {
		return reminder.ErrConflict
	}
	r.ClaimedBy = l.Worker
	r.ClaimedUntil = l.Until
	m.reminders[id] = r
	m.record(r, actionClaim, l.Worker)
	return nil
}

func (m *Memory) MarkSent(_ context.Context, id string, occurrence, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	r, err := m.dispatchable(id, occurrence)
	if err != nil {
		return err
	}
	r.State = reminder.StateSent
	r.LastSentAt = at
	r.RetryCount = 0
	r.RetryAt = time.Time{}
	r.LastError = ""
	r.UpdatedAt = at
	m.reminders[id] = r
	m.record(r, actionSent, occurrence.Format(time.RFC3339))
	return nil
}

func (m *Memory) Reschedule(_ context.Context, id string, occurrence, next time.Time, skipped int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	r, ok := m.reminders[id]
	if !ok || r.State != reminder.StateSent || !reminder.SameInstant(r.NextDueAt, occurrence) {
		return reminder.ErrConflict
	}
	r.NextDueAt = next
	r.State = reminder.StatePending
	r.ClaimedBy = ""
	r.ClaimedUntil = time.Time{}
	r.SkippedTotal += skipped
	r.UpdatedAt = time.Now()
	m.reminders[id] = r
	m.record(r, actionReschedule, fmt.Sprintf("next=%s skipped=%d", next.Format(time.RFC3339), skipped))
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id string, occurrence time.Time, f Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	r, err := m.dispatchable(id, occurrence)
	if err != nil {
		return err
	}
	r.RetryCount++
	r.LastError = f.Reason
	r.ClaimedBy = ""
	r.ClaimedUntil = time.Time{}
	if f.Terminal {
		r.State = reminder.StateFailedTerminal
		r.RetryAt = time.Time{}
	} else {
		r.State = reminder.StateFailedRetry
		r.RetryAt = f.RetryAt
	}
	r.UpdatedAt = time.Now()
	m.reminders[id] = r
	m.record(r, actionFailed, f.Reason)
	return nil
}

func (m *Memory) CountDue(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range m.reminders {
		if at, ok := r.EligibleAt(); ok && !at.After(before) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountState(_ context.Context, state reminder.State) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range m.reminders {
		if r.State == state {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Audit(_ context.Context, reminderID string, limit int) ([]reminder.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]reminder.AuditEntry, 0)
	for i := len(m.audit) - 1; i >= 0; i-- {
		if reminderID != "" && m.audit[i].ReminderID != reminderID {
			continue
		}
		out = append(out, m.audit[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func sortByDue(rs []reminder.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].NextDueAt.Equal(rs[j].NextDueAt) {
			return rs[i].NextDueAt.Before(rs[j].NextDueAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
