package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the default Store, a single-file database next to the
// daemon's config.
type SQLite struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS auth (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	email      TEXT NOT NULL,
	credential TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	character_id TEXT NOT NULL,
	guild_id     TEXT NOT NULL,
	handle       TEXT NOT NULL,
	name         TEXT NOT NULL,
	greeting     TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	last_used_at TEXT NOT NULL,
	PRIMARY KEY (character_id, guild_id)
);
CREATE TABLE IF NOT EXISTS social_channels (
	channel_id         TEXT PRIMARY KEY,
	guild_id           TEXT NOT NULL,
	character_id       TEXT NOT NULL,
	enabled            INTEGER NOT NULL,
	cooldown_seconds   INTEGER NOT NULL,
	last_engagement_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// OpenSQLite opens (creating if needed) the snapshot database at path.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init state schema: %w", err)
	}
	slog.Info("state db opened", "path", path)
	return &SQLite{db: db, path: path}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Load reads the full snapshot. A fresh database yields an empty snapshot,
// not an error.
func (s *SQLite) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	err := s.db.QueryRowContext(ctx, "SELECT email, credential FROM auth WHERE id = 1").
		Scan(&snap.AuthEmail, &snap.AuthCredential)
	if err != nil && err != sql.ErrNoRows {
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT character_id, guild_id, handle, name, greeting, created_at, last_used_at FROM sessions")
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var rec SessionRecord
		var created, used string
		if err := rows.Scan(&rec.CharacterID, &rec.GuildID, &rec.Handle, &rec.Name, &rec.Greeting, &created, &used); err != nil {
			return nil, &PersistenceError{Op: "load", Err: err}
		}
		rec.CreatedAt = parseTime(created)
		rec.LastUsedAt = parseTime(used)
		snap.Sessions = append(snap.Sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	chRows, err := s.db.QueryContext(ctx,
		"SELECT channel_id, guild_id, character_id, enabled, cooldown_seconds, last_engagement_at FROM social_channels")
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	defer chRows.Close()
	for chRows.Next() {
		var rec ChannelRecord
		var enabled int
		var last string
		if err := chRows.Scan(&rec.ChannelID, &rec.GuildID, &rec.CharacterID, &enabled, &rec.CooldownSeconds, &last); err != nil {
			return nil, &PersistenceError{Op: "load", Err: err}
		}
		rec.Enabled = enabled != 0
		if last != "" {
			rec.LastEngagementAt = parseTime(last)
		}
		snap.Channels = append(snap.Channels, rec)
	}
	if err := chRows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	var savedAt string
	err = s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'saved_at'").Scan(&savedAt)
	if err == nil {
		snap.SavedAt = parseTime(savedAt)
	} else if err != sql.ErrNoRows {
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	return snap, nil
}

// Save replaces the stored snapshot in a single transaction.
func (s *SQLite) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	defer tx.Rollback()

	for _, table := range []string{"auth", "sessions", "social_channels"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return &PersistenceError{Op: "save", Err: err}
		}
	}

	if snap.AuthCredential != "" {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO auth (id, email, credential) VALUES (1, ?, ?)",
			snap.AuthEmail, snap.AuthCredential)
		if err != nil {
			return &PersistenceError{Op: "save", Err: err}
		}
	}

	for _, rec := range snap.Sessions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (character_id, guild_id, handle, name, greeting, created_at, last_used_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.CharacterID, rec.GuildID, rec.Handle, rec.Name, rec.Greeting,
			formatTime(rec.CreatedAt), formatTime(rec.LastUsedAt))
		if err != nil {
			return &PersistenceError{Op: "save", Err: err}
		}
	}

	for _, rec := range snap.Channels {
		enabled := 0
		if rec.Enabled {
			enabled = 1
		}
		last := ""
		if !rec.LastEngagementAt.IsZero() {
			last = formatTime(rec.LastEngagementAt)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO social_channels (channel_id, guild_id, character_id, enabled, cooldown_seconds, last_engagement_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ChannelID, rec.GuildID, rec.CharacterID, enabled, rec.CooldownSeconds, last)
		if err != nil {
			return &PersistenceError{Op: "save", Err: err}
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('saved_at', ?)",
		formatTime(time.Now().UTC()))
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
