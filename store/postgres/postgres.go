// Package postgres provides the PostgreSQL-backed Store implementation.
// It uses pgx/v5 (pure Go, no CGO) and runs embedded migrations at startup.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deseer/ws-dispatcher/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// ---- users ----

func (d *DB) GetOrCreateUser(ctx context.Context, qqID int64, nickname string) (*store.User, error) {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO users (qq_id, nickname)
		VALUES ($1, $2)
		ON CONFLICT (qq_id) DO UPDATE SET
			nickname   = CASE WHEN users.nickname = '' AND EXCLUDED.nickname != ''
			                  THEN EXCLUDED.nickname ELSE users.nickname END,
			updated_at = now()
	`, qqID, nickname)
	if err != nil {
		return nil, err
	}
	return d.GetUser(ctx, qqID)
}

func (d *DB) GetUser(ctx context.Context, qqID int64) (*store.User, error) {
	var (
		u      store.User
		styles []byte
		groups []byte
	)
	err := d.pool.QueryRow(ctx, `
		SELECT qq_id, nickname, is_admin, is_privileged,
		       selected_styles, allowed_switch_groups, created_at, updated_at
		  FROM users WHERE qq_id = $1`, qqID,
	).Scan(&u.QQID, &u.Nickname, &u.IsAdmin, &u.IsPrivileged,
		&styles, &groups, &u.CreatedAt, &u.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(styles, &u.SelectedStyles); err != nil {
		u.SelectedStyles = map[string]string{}
	}
	if err := json.Unmarshal(groups, &u.AllowedSwitchGroups); err != nil {
		u.AllowedSwitchGroups = nil
	}
	return &u, nil
}

func (d *DB) SetSelectedStyle(ctx context.Context, qqID int64, categoryID, setID string) error {
	style, err := json.Marshal(map[string]string{categoryID: setID})
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO users (qq_id, selected_styles)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (qq_id) DO UPDATE SET
			selected_styles = users.selected_styles || EXCLUDED.selected_styles,
			updated_at      = now()
	`, qqID, string(style))
	return err
}

func (d *DB) SetSwitchGroup(ctx context.Context, qqID int64, categoryID string, allowed bool) error {
	u, err := d.GetOrCreateUser(ctx, qqID, "")
	if err != nil {
		return err
	}
	groups := u.AllowedSwitchGroups[:0:0]
	for _, g := range u.AllowedSwitchGroups {
		if g != categoryID {
			groups = append(groups, g)
		}
	}
	if allowed {
		groups = append(groups, categoryID)
	}
	raw, err := json.Marshal(groups)
	if err != nil {
		return err
	}
	if groups == nil {
		raw = []byte("[]")
	}
	_, err = d.pool.Exec(ctx, `
		UPDATE users SET allowed_switch_groups = $2::jsonb, updated_at = now()
		 WHERE qq_id = $1
	`, qqID, string(raw))
	return err
}

func (d *DB) SetPrivileged(ctx context.Context, qqID int64, on bool) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO users (qq_id, is_privileged)
		VALUES ($1, $2)
		ON CONFLICT (qq_id) DO UPDATE SET
			is_privileged = EXCLUDED.is_privileged,
			updated_at    = now()
	`, qqID, on)
	return err
}

// ---- message log ----

func (d *DB) AppendMessageLog(ctx context.Context, row *store.MessageLog) error {
	ts := row.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var groupID any
	if row.GroupID != 0 {
		groupID = row.GroupID
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO message_logs (user_id, group_id, command, command_set_id,
		                          target_ws, status, error_message, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, row.UserID, groupID, row.Command, nullStr(row.CommandSetID),
		nullStr(row.TargetWS), string(row.Status), nullStr(row.ErrorMessage), ts)
	return err
}

func (d *DB) RecentMessageLogs(ctx context.Context, limit int) ([]store.MessageLog, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, user_id, COALESCE(group_id, 0), command,
		       COALESCE(command_set_id, ''), COALESCE(target_ws, ''),
		       status, COALESCE(error_message, ''), ts
		  FROM message_logs
		 ORDER BY ts DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []store.MessageLog
	for rows.Next() {
		var l store.MessageLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.GroupID, &l.Command,
			&l.CommandSetID, &l.TargetWS, &l.Status, &l.ErrorMessage, &l.Timestamp); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
