// Package sqlite provides the SQLite-backed Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully static
// and works in scratch/alpine Docker images without a C compiler.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deseer/ws-dispatcher/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			qq_id                 INTEGER PRIMARY KEY,
			nickname              TEXT    NOT NULL DEFAULT '',
			is_admin              INTEGER NOT NULL DEFAULT 0,
			is_privileged         INTEGER NOT NULL DEFAULT 0,
			selected_styles       TEXT    NOT NULL DEFAULT '{}',
			allowed_switch_groups TEXT    NOT NULL DEFAULT '[]',
			created_at            TEXT    NOT NULL,
			updated_at            TEXT    NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS message_logs (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id        INTEGER NOT NULL,
			group_id       INTEGER,
			command        TEXT    NOT NULL,
			command_set_id TEXT,
			target_ws      TEXT,
			status         TEXT    NOT NULL,
			error_message  TEXT,
			ts             TEXT    NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_ml_user ON message_logs(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ml_ts ON message_logs(ts)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---- users ----

func (s *DB) GetOrCreateUser(ctx context.Context, qqID int64, nickname string) (*store.User, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (qq_id, nickname, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(qq_id) DO UPDATE SET
			nickname   = CASE WHEN users.nickname = '' AND excluded.nickname != ''
			                  THEN excluded.nickname ELSE users.nickname END,
			updated_at = excluded.updated_at
	`, qqID, nickname, now, now)
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, qqID)
}

func (s *DB) GetUser(ctx context.Context, qqID int64) (*store.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT qq_id, nickname, is_admin, is_privileged,
		       selected_styles, allowed_switch_groups, created_at, updated_at
		  FROM users WHERE qq_id = ?`, qqID)
	return scanUser(row.Scan)
}

func (s *DB) SetSelectedStyle(ctx context.Context, qqID int64, categoryID, setID string) error {
	return s.updateUser(ctx, qqID, func(u *store.User) {
		if u.SelectedStyles == nil {
			u.SelectedStyles = make(map[string]string)
		}
		u.SelectedStyles[categoryID] = setID
	})
}

func (s *DB) SetSwitchGroup(ctx context.Context, qqID int64, categoryID string, allowed bool) error {
	return s.updateUser(ctx, qqID, func(u *store.User) {
		groups := u.AllowedSwitchGroups[:0:0]
		for _, g := range u.AllowedSwitchGroups {
			if g != categoryID {
				groups = append(groups, g)
			}
		}
		if allowed {
			groups = append(groups, categoryID)
		}
		u.AllowedSwitchGroups = groups
	})
}

func (s *DB) SetPrivileged(ctx context.Context, qqID int64, on bool) error {
	return s.updateUser(ctx, qqID, func(u *store.User) {
		u.IsPrivileged = on
	})
}

// updateUser runs a read-modify-write on one user row inside a transaction,
// creating the row with defaults first when absent. Last write wins.
func (s *DB) updateUser(ctx context.Context, qqID int64, mutate func(*store.User)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (qq_id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(qq_id) DO NOTHING
	`, qqID, now, now); err != nil {
		return err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT qq_id, nickname, is_admin, is_privileged,
		       selected_styles, allowed_switch_groups, created_at, updated_at
		  FROM users WHERE qq_id = ?`, qqID)
	u, err := scanUser(row.Scan)
	if err != nil {
		return err
	}

	mutate(u)

	styles, err := json.Marshal(u.SelectedStyles)
	if err != nil {
		return err
	}
	groups, err := json.Marshal(u.AllowedSwitchGroups)
	if err != nil {
		return err
	}
	if u.SelectedStyles == nil {
		styles = []byte("{}")
	}
	if u.AllowedSwitchGroups == nil {
		groups = []byte("[]")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET is_privileged = ?, selected_styles = ?,
		                 allowed_switch_groups = ?, updated_at = ?
		 WHERE qq_id = ?
	`, boolInt(u.IsPrivileged), string(styles), string(groups), now, qqID); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- message log ----

func (s *DB) AppendMessageLog(ctx context.Context, row *store.MessageLog) error {
	ts := row.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var groupID any
	if row.GroupID != 0 {
		groupID = row.GroupID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_logs (user_id, group_id, command, command_set_id,
		                          target_ws, status, error_message, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, row.UserID, groupID, row.Command, nullStr(row.CommandSetID),
		nullStr(row.TargetWS), string(row.Status), nullStr(row.ErrorMessage),
		ts.Format(time.RFC3339))
	return err
}

func (s *DB) RecentMessageLogs(ctx context.Context, limit int) ([]store.MessageLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, group_id, command, command_set_id,
		       target_ws, status, error_message, ts
		  FROM message_logs
		 ORDER BY ts DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []store.MessageLog
	for rows.Next() {
		var (
			l       store.MessageLog
			groupID sql.NullInt64
			setID   sql.NullString
			target  sql.NullString
			errMsg  sql.NullString
			ts      string
		)
		if err := rows.Scan(&l.ID, &l.UserID, &groupID, &l.Command, &setID,
			&target, &l.Status, &errMsg, &ts); err != nil {
			return nil, err
		}
		l.GroupID = groupID.Int64
		l.CommandSetID = setID.String
		l.TargetWS = target.String
		l.ErrorMessage = errMsg.String
		l.Timestamp, _ = time.Parse(time.RFC3339, ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *DB) Close() error { return s.db.Close() }

// ---- internal helpers ----

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

func scanUser(scan scanFn) (*store.User, error) {
	var (
		u         store.User
		admin     int
		priv      int
		styles    string
		groups    string
		createdAt string
		updatedAt string
	)
	err := scan(&u.QQID, &u.Nickname, &admin, &priv, &styles, &groups, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.IsAdmin = admin != 0
	u.IsPrivileged = priv != 0
	if err := json.Unmarshal([]byte(styles), &u.SelectedStyles); err != nil {
		u.SelectedStyles = map[string]string{}
	}
	if err := json.Unmarshal([]byte(groups), &u.AllowedSwitchGroups); err != nil {
		u.AllowedSwitchGroups = nil
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &u, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
