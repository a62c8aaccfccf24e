package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"medremind/internal/reminder"
	logx "medremind/pkg/logx"

	_ "modernc.org/sqlite"
)

func sqliteDialect() dialect {
	return dialect{name: "sqlite", migrations: "sqlite.sql", classify: classifySQLite}
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)"
	if cfg.BusyTimeout > 0 {
		dsn += fmt.Sprintf("&_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, sqliteDialect(), log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func classifySQLite(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint failed"):
		return fmt.Errorf("%w: %v", reminder.ErrConflict, err)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "unable to open database"),
		strings.Contains(msg, "disk i/o error"):
		return reminder.Unavailable(err)
	}
	return classifyGeneric(err)
}

// classifyGeneric treats connection-level failures as store unavailability.
func classifyGeneric(err error) error {
	switch {
	case errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded):
		return reminder.Unavailable(err)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) {
		return reminder.Unavailable(err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "bad connection") || strings.Contains(msg, "database is closed") {
		return reminder.Unavailable(err)
	}
	return err
}
