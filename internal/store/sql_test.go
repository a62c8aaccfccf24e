package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medremind/internal/reminder"
	logx "medremind/pkg/logx"
)

func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newSQLStore(db, postgresDialect(), logx.Nop()), mock
}

func TestPostgresPlaceholderRebind(t *testing.T) {
	st, _ := newMockStore(t)
	got := st.q(`UPDATE reminders SET state = ? WHERE id = ? AND state IN ('pending', 'failed-retry') AND due_ms = ?`)
	assert.Equal(t, `UPDATE reminders SET state = $1 WHERE id = $2 AND state IN ('pending', 'failed-retry') AND due_ms = $3`, got)

	lite := newSQLStore(nil, sqliteDialect(), logx.Nop())
	assert.Equal(t, "a = ?", lite.q("a = ?"))
}

func TestPostgresMarkSentWritesAudit(t *testing.T) {
	st, mock := newMockStore(t)
	occ := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE reminders SET state = 'sent'")).
		WithArgs(occ.UnixMilli(), sqlmock.AnyArg(), "r1", occ.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("u1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reminder_audit")).
		WithArgs(sqlmock.AnyArg(), "r1", "u1", actionSent, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, st.MarkSent(context.Background(), "r1", occ, occ))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkSentConflictOnNoRow(t *testing.T) {
	st, mock := newMockStore(t)
	occ := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE reminders SET state = 'sent'")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "r1", occ.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))
	mock.ExpectRollback()

	err := st.MarkSent(context.Background(), "r1", occ, occ)
	assert.ErrorIs(t, err, reminder.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetDueScansRows(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2024, 1, 1, 13, 0, 30, 0, time.UTC)

	cols := []string{"id", "owner_id", "subject_id", "patient_name", "medication_name", "dosage", "recipient_contact",
		"next_due_at", "timezone", "frequency", "state", "retry_count", "retry_ms", "last_error", "last_sent_ms",
		"skipped_total", "claimed_by", "claimed_until_ms", "created_at", "updated_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("r1", "u1", nil, "Ana", "Metformin", "500mg", "+15550100",
			"2024-01-01T08:00:00-05:00", "America/New_York", "daily", "pending", int64(0), nil, "", nil,
			int64(0), nil, nil, "2023-12-31T10:00:00Z", "2023-12-31T10:00:00Z").
		AddRow("r2", "u1", "elder-1", "Ana", "Aspirin", "81mg", "tg:42",
			"2024-01-01T08:00:00-05:00", "America/New_York", "bogus", "pending", int64(0), nil, "", nil,
			int64(0), nil, nil, "2023-12-31T10:00:00Z", "2023-12-31T10:00:00Z")

	mock.ExpectQuery(regexp.QuoteMeta("FROM reminders")).
		WithArgs(now.UnixMilli(), now.UnixMilli(), 50).
		WillReturnRows(rows)

	got, err := st.GetDue(context.Background(), now, 50)
	require.NoError(t, err)
	// r2 carries an unparseable frequency and is skipped, not fatal.
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, reminder.FreqDaily, got[0].Frequency.Kind)
	assert.Equal(t, "America/New_York", got[0].NextDueAt.Location().String())
	assert.True(t, got[0].NextDueAt.Equal(time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetDueUnavailable(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM reminders")).
		WillReturnError(errors.New("dial tcp 10.0.0.5:5432: connect: connection refused"))

	_, err := st.GetDue(context.Background(), time.Now(), 10)
	assert.ErrorIs(t, err, reminder.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetDueKeepsQueryErrors(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM reminders")).
		WillReturnError(&pgconn.PgError{Code: "42703", Message: `column "due_ms" does not exist`})

	_, err := st.GetDue(context.Background(), time.Now(), 10)
	require.Error(t, err)
	assert.False(t, errors.Is(err, reminder.ErrStoreUnavailable))
	assert.Contains(t, err.Error(), "get due")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateDuplicateIsConflict(t *testing.T) {
	st, mock := newMockStore(t)
	r := testReminder("r1", "u1", time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reminders")).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := st.Create(context.Background(), r)
	assert.ErrorIs(t, err, reminder.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyPostgresConnectionClass(t *testing.T) {
	err := classifyPostgres(&pgconn.PgError{Code: "08006"})
	assert.ErrorIs(t, err, reminder.ErrStoreUnavailable)

	err = classifyPostgres(&pgconn.PgError{Code: "22P02"})
	assert.False(t, errors.Is(err, reminder.ErrStoreUnavailable))
}
