package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"medremind/internal/reminder"
	logx "medremind/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect isolates the few differences between SQLite and PostgreSQL.
type dialect struct {
	name       string
	migrations string
	// numbered placeholders ($1) instead of '?'
	numbered bool
	// classify maps driver errors onto the reminder error taxonomy.
	classify func(error) error
}

// errCorrupt marks a row that was read but does not decode. Listing skips
// such rows so one bad record cannot stall dispatch for everyone.
var errCorrupt = errors.New("corrupt reminder row")

// sqlStore implements Store on database/sql. Queries are written with '?'
// and rebound per dialect.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

const reminderCols = `id, owner_id, subject_id, patient_name, medication_name, dosage, recipient_contact,
	next_due_at, timezone, frequency, state, retry_count, retry_ms, last_error, last_sent_ms,
	skipped_total, claimed_by, claimed_until_ms, created_at, updated_at`

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.classify == nil {
		d.classify = classifyGeneric
	}
	return &sqlStore{db: db, d: d, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.d.migrations)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, reminder.ErrConflict) || errors.Is(err, reminder.ErrNotFound) || errors.Is(err, reminder.ErrValidation) {
		return err
	}
	return fmt.Errorf("store %s: %w", op, s.d.classify(err))
}

// ---- scanning ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(sc rowScanner) (reminder.Reminder, error) {
	var (
		r                              reminder.Reminder
		subject, claimedBy             sql.NullString
		retryMS, sentMS, claimedMS     sql.NullInt64
		due, freq, state, created, upd string
	)
	if err := sc.Scan(&r.ID, &r.OwnerID, &subject, &r.PatientName, &r.MedicationName, &r.Dosage, &r.RecipientContact,
		&due, &r.Timezone, &freq, &state, &r.RetryCount, &retryMS, &r.LastError, &sentMS,
		&r.SkippedTotal, &claimedBy, &claimedMS, &created, &upd); err != nil {
		return reminder.Reminder{}, err
	}
	r.SubjectID = subject.String
	r.ClaimedBy = claimedBy.String
	r.State = reminder.State(state)

	f, err := reminder.ParseFrequency(freq)
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("%w: %s: frequency: %v", errCorrupt, r.ID, err)
	}
	r.Frequency = f

	t, err := time.Parse(time.RFC3339Nano, due)
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("%w: %s: next_due_at: %v", errCorrupt, r.ID, err)
	}
	r.NextDueAt = t.In(r.Location())
	r.RetryAt = fromMS(retryMS)
	r.LastSentAt = fromMS(sentMS)
	r.ClaimedUntil = fromMS(claimedMS)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, upd)
	return r, nil
}

func fromMS(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func toMS(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func ts(t time.Time) string { return t.Format(time.RFC3339Nano) }

// ---- audit ----

func (s *sqlStore) audit(ctx context.Context, tx *sql.Tx, id, owner, action, detail string) error {
	_, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO reminder_audit(at, reminder_id, owner_id, action, detail) VALUES(?,?,?,?,?)`),
		ts(time.Now()), id, owner, action, detail,
	)
	if err != nil {
		return err
	}
	s.log.Info("reminder "+action, logx.Owner(owner), logx.String("reminder_id", id), logx.String("detail", detail))
	return nil
}

// mutate runs one guarded UPDATE ... RETURNING owner_id plus its audit row in
// a transaction. No returned row means the guard failed: noRow is returned.
func (s *sqlStore) mutate(ctx context.Context, op, id, action, detail string, noRow error, query string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	if err := tx.QueryRowContext(ctx, s.q(query), args...).Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return noRow
		}
		return s.wrap(op, err)
	}
	if err := s.audit(ctx, tx, id, owner, action, detail); err != nil {
		return s.wrap(op, err)
	}
	return s.wrap(op, tx.Commit())
}

// ---- owner paths ----

func (s *sqlStore) Create(ctx context.Context, r reminder.Reminder) error {
	if r.State == "" {
		r.State = reminder.StatePending
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("create", err)
	}
	defer func() { _ = tx.Rollback() }()

	if r.SubjectID != "" {
		var owner string
		err := tx.QueryRowContext(ctx, s.q(`SELECT owner_id FROM subjects WHERE id = ?`), r.SubjectID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != r.OwnerID) {
			return reminder.Invalid("subject_id", "unknown subject %q", r.SubjectID)
		}
		if err != nil {
			return s.wrap("create", err)
		}
	}

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO reminders(`+reminderCols+`, due_ms)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		r.ID, r.OwnerID, nullStr(r.SubjectID), r.PatientName, r.MedicationName, r.Dosage, r.RecipientContact,
		ts(r.NextDueAt), r.Timezone, r.Frequency.String(), string(r.State), r.RetryCount, toMS(r.RetryAt), r.LastError, toMS(r.LastSentAt),
		r.SkippedTotal, nullStr(r.ClaimedBy), toMS(r.ClaimedUntil), ts(r.CreatedAt), ts(r.UpdatedAt),
		r.NextDueAt.UnixMilli(),
	)
	if err != nil {
		return s.wrap("create", err)
	}
	if err := s.audit(ctx, tx, r.ID, r.OwnerID, actionCreate, r.Frequency.String()); err != nil {
		return s.wrap("create", err)
	}
	return s.wrap("create", tx.Commit())
}

// Update compares against the stored due_ms: SET expressions read the row
// as it was before the statement.
func (s *sqlStore) Update(ctx context.Context, r reminder.Reminder) error {
	due := r.NextDueAt.UnixMilli()
	return s.mutate(ctx, "update", r.ID, actionUpdate, r.Frequency.String(), reminder.ErrNotFound,
		`UPDATE reminders SET subject_id = ?, patient_name = ?, medication_name = ?, dosage = ?, recipient_contact = ?,
			next_due_at = ?, due_ms = ?, timezone = ?, frequency = ?,
			state = CASE WHEN due_ms = ? AND state = 'sent' THEN state ELSE ? END,
			retry_count = ?, retry_ms = ?, last_error = ?,
			claimed_by = CASE WHEN due_ms = ? THEN claimed_by ELSE NULL END,
			claimed_until_ms = CASE WHEN due_ms = ? THEN claimed_until_ms ELSE NULL END,
			updated_at = ?
		 WHERE id = ? AND owner_id = ?
		 RETURNING owner_id`,
		nullStr(r.SubjectID), r.PatientName, r.MedicationName, r.Dosage, r.RecipientContact,
		ts(r.NextDueAt), due, r.Timezone, r.Frequency.String(),
		due, string(r.State),
		r.RetryCount, toMS(r.RetryAt), r.LastError,
		due, due,
		ts(r.UpdatedAt),
		r.ID, r.OwnerID,
	)
}

func (s *sqlStore) Get(ctx context.Context, ownerID, id string) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+reminderCols+` FROM reminders WHERE id = ? AND owner_id = ?`), id, ownerID)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	if err != nil {
		return reminder.Reminder{}, s.wrap("get", err)
	}
	return r, nil
}

func (s *sqlStore) List(ctx context.Context, ownerID string, f reminder.ListFilter) ([]reminder.Reminder, error) {
	query := `SELECT ` + reminderCols + ` FROM reminders WHERE owner_id = ?`
	args := []any{ownerID}
	if f.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, f.SubjectID)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	query += ` ORDER BY due_ms ASC, id ASC`
	return s.queryReminders(ctx, "list", query, args...)
}

func (s *sqlStore) queryReminders(ctx context.Context, op, query string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	defer rows.Close()
	out := make([]reminder.Reminder, 0)
	for rows.Next() {
		r, err := scanReminder(rows)
		if errors.Is(err, errCorrupt) {
			s.log.Warn("skipping unreadable reminder", logx.String("op", op), logx.Err(err))
			continue
		}
		if err != nil {
			return nil, s.wrap(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(op, err)
	}
	return out, nil
}

func (s *sqlStore) Delete(ctx context.Context, ownerID, id string) error {
	return s.mutate(ctx, "delete", id, actionDelete, "owner", reminder.ErrNotFound,
		`DELETE FROM reminders WHERE id = ? AND owner_id = ? RETURNING owner_id`, id, ownerID)
}

func (s *sqlStore) SubjectOwner(ctx context.Context, subjectID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT owner_id FROM subjects WHERE id = ?`), subjectID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", reminder.ErrNotFound
	}
	if err != nil {
		return "", s.wrap("subject owner", err)
	}
	return owner, nil
}

func (s *sqlStore) PutSubject(ctx context.Context, sub reminder.Subject) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO subjects(id, owner_id, name, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name WHERE subjects.owner_id = excluded.owner_id`),
		sub.ID, sub.OwnerID, sub.Name, ts(time.Now()),
	)
	if err != nil {
		return s.wrap("put subject", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: subject %s belongs to another owner", reminder.ErrConflict, sub.ID)
	}
	return nil
}

func (s *sqlStore) DeleteSubject(ctx context.Context, ownerID, subjectID string) error {
	return s.cascade(ctx, "delete subject", "subject cascade",
		`SELECT id FROM reminders WHERE subject_id = ? AND owner_id = ?`,
		`DELETE FROM reminders WHERE subject_id = ? AND owner_id = ?`,
		`DELETE FROM subjects WHERE id = ? AND owner_id = ?`,
		ownerID, subjectID, true)
}

func (s *sqlStore) DeleteOwner(ctx context.Context, ownerID string) error {
	return s.cascade(ctx, "delete owner", "owner cascade",
		`SELECT id FROM reminders WHERE owner_id = ?`,
		`DELETE FROM reminders WHERE owner_id = ?`,
		`DELETE FROM subjects WHERE owner_id = ?`,
		ownerID, "", false)
}

// cascade deletes reminders explicitly instead of trusting FK enforcement,
// which SQLite only applies per connection.
func (s *sqlStore) cascade(ctx context.Context, op, detail, selQ, delQ, subQ, ownerID, subjectID string, mustExist bool) error {
	args := []any{ownerID}
	if subjectID != "" {
		args = []any{subjectID, ownerID}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.q(selQ), args...)
	if err != nil {
		return s.wrap(op, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return s.wrap(op, err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return s.wrap(op, err)
	}

	if _, err := tx.ExecContext(ctx, s.q(delQ), args...); err != nil {
		return s.wrap(op, err)
	}
	res, err := tx.ExecContext(ctx, s.q(subQ), args...)
	if err != nil {
		return s.wrap(op, err)
	}
	if n, err := res.RowsAffected(); mustExist && err == nil && n == 0 {
		return reminder.ErrNotFound
	}
	for _, id := range ids {
		if err := s.audit(ctx, tx, id, ownerID, actionDelete, detail); err != nil {
			return s.wrap(op, err)
		}
	}
	return s.wrap(op, tx.Commit())
}

// ---- dispatch paths ----

const dispatchable = `state IN ('pending', 'failed-retry')`

// selectable adds recurring rows whose reschedule never landed.
const selectable = `(` + dispatchable + ` OR (state = 'sent' AND frequency <> 'none'))`

func (s *sqlStore) GetDue(ctx context.Context, before time.Time, limit int) ([]reminder.Reminder, error) {
	ms := before.UnixMilli()
	query := `SELECT ` + reminderCols + ` FROM reminders
		WHERE ` + selectable + `
		  AND COALESCE(retry_ms, due_ms) <= ?
		  AND (claimed_until_ms IS NULL OR claimed_until_ms <= ?)
		ORDER BY due_ms ASC, id ASC`
	args := []any{ms, ms}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryReminders(ctx, "get due", query, args...)
}

func (s *sqlStore) Claim(ctx context.Context, id string, occurrence time.Time, l Lease) error {
	return s.mutate(ctx, "claim", id, actionClaim, l.Worker, reminder.ErrConflict,
		`UPDATE reminders SET claimed_by = ?, claimed_until_ms = ?
		 WHERE id = ? AND due_ms = ? AND `+dispatchable+`
		   AND (claimed_until_ms IS NULL OR claimed_until_ms <= ? OR claimed_by = ?)
		 RETURNING owner_id`,
		l.Worker, l.Until.UnixMilli(), id, occurrence.UnixMilli(), l.Now.UnixMilli(), l.Worker,
	)
}

func (s *sqlStore) MarkSent(ctx context.Context, id string, occurrence, at time.Time) error {
	return s.mutate(ctx, "mark sent", id, actionSent, ts(occurrence), reminder.ErrConflict,
		`UPDATE reminders SET state = 'sent', last_sent_ms = ?, retry_count = 0, retry_ms = NULL, last_error = '',
			updated_at = ?
		 WHERE id = ? AND due_ms = ? AND `+dispatchable+`
		 RETURNING owner_id`,
		at.UnixMilli(), ts(at), id, occurrence.UnixMilli(),
	)
}

func (s *sqlStore) Reschedule(ctx context.Context, id string, occurrence, next time.Time, skipped int) error {
	return s.mutate(ctx, "reschedule", id, actionReschedule,
		fmt.Sprintf("next=%s skipped=%d", next.Format(time.RFC3339), skipped), reminder.ErrConflict,
		`UPDATE reminders SET next_due_at = ?, due_ms = ?, state = 'pending', skipped_total = skipped_total + ?,
			claimed_by = NULL, claimed_until_ms = NULL, updated_at = ?
		 WHERE id = ? AND due_ms = ? AND state = 'sent'
		 RETURNING owner_id`,
		ts(next), next.UnixMilli(), skipped, ts(time.Now()), id, occurrence.UnixMilli(),
	)
}

func (s *sqlStore) MarkFailed(ctx context.Context, id string, occurrence time.Time, f Failure) error {
	state := reminder.StateFailedRetry
	retry := toMS(f.RetryAt)
	if f.Terminal {
		state = reminder.StateFailedTerminal
		retry = sql.NullInt64{}
	}
	return s.mutate(ctx, "mark failed", id, actionFailed, f.Reason, reminder.ErrConflict,
		`UPDATE reminders SET state = ?, retry_count = retry_count + 1, retry_ms = ?, last_error = ?,
			claimed_by = NULL, claimed_until_ms = NULL, updated_at = ?
		 WHERE id = ? AND due_ms = ? AND `+dispatchable+`
		 RETURNING owner_id`,
		string(state), retry, f.Reason, ts(time.Now()), id, occurrence.UnixMilli(),
	)
}

// ---- status ----

func (s *sqlStore) CountDue(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM reminders
		WHERE `+selectable+` AND COALESCE(retry_ms, due_ms) <= ?`), before.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, s.wrap("count due", err)
	}
	return n, nil
}

func (s *sqlStore) CountState(ctx context.Context, state reminder.State) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM reminders WHERE state = ?`), string(state)).Scan(&n)
	if err != nil {
		return 0, s.wrap("count state", err)
	}
	return n, nil
}

func (s *sqlStore) Audit(ctx context.Context, reminderID string, limit int) ([]reminder.AuditEntry, error) {
	query := `SELECT at, reminder_id, owner_id, action, detail FROM reminder_audit`
	var args []any
	if reminderID != "" {
		query += ` WHERE reminder_id = ?`
		args = append(args, reminderID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.wrap("audit", err)
	}
	defer rows.Close()
	out := make([]reminder.AuditEntry, 0)
	for rows.Next() {
		var (
			e  reminder.AuditEntry
			at string
		)
		if err := rows.Scan(&at, &e.ReminderID, &e.OwnerID, &e.Action, &e.Detail); err != nil {
			return nil, s.wrap("audit", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, s.wrap("audit", rows.Err())
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return reminder.Unavailable(err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
