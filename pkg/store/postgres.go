package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is an optional Store for deployments that already run a
// Postgres instance and want the daemon's state alongside it.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to pgURL and ensures the schema exists.
func NewPostgres(ctx context.Context, pgURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) init(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS persona_auth (
			id         INT PRIMARY KEY CHECK (id = 1),
			email      TEXT NOT NULL,
			credential TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS persona_sessions (
			character_id TEXT NOT NULL,
			guild_id     TEXT NOT NULL,
			handle       TEXT NOT NULL,
			name         TEXT NOT NULL,
			greeting     TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (character_id, guild_id)
		);
		CREATE TABLE IF NOT EXISTS persona_social_channels (
			channel_id         TEXT PRIMARY KEY,
			guild_id           TEXT NOT NULL,
			character_id       TEXT NOT NULL,
			enabled            BOOLEAN NOT NULL,
			cooldown_seconds   INT NOT NULL,
			last_engagement_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS persona_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("init postgres schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Load reads the full snapshot.
func (p *Postgres) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	err := p.pool.QueryRow(ctx, "SELECT email, credential FROM persona_auth WHERE id = 1").
		Scan(&snap.AuthEmail, &snap.AuthCredential)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	rows, err := p.pool.Query(ctx,
		"SELECT character_id, guild_id, handle, name, greeting, created_at, last_used_at FROM persona_sessions")
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.CharacterID, &rec.GuildID, &rec.Handle, &rec.Name, &rec.Greeting, &rec.CreatedAt, &rec.LastUsedAt); err != nil {
			return nil, &PersistenceError{Op: "load", Err: err}
		}
		snap.Sessions = append(snap.Sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	chRows, err := p.pool.Query(ctx,
		"SELECT channel_id, guild_id, character_id, enabled, cooldown_seconds, last_engagement_at FROM persona_social_channels")
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	defer chRows.Close()
	for chRows.Next() {
		var rec ChannelRecord
		var last *time.Time
		if err := chRows.Scan(&rec.ChannelID, &rec.GuildID, &rec.CharacterID, &rec.Enabled, &rec.CooldownSeconds, &last); err != nil {
			return nil, &PersistenceError{Op: "load", Err: err}
		}
		if last != nil {
			rec.LastEngagementAt = *last
		}
		snap.Channels = append(snap.Channels, rec)
	}
	if err := chRows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	var savedAt string
	err = p.pool.QueryRow(ctx, "SELECT value FROM persona_meta WHERE key = 'saved_at'").Scan(&savedAt)
	if err == nil {
		snap.SavedAt = parseTime(savedAt)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	return snap, nil
}

// Save replaces the stored snapshot in a single transaction.
func (p *Postgres) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"persona_auth", "persona_sessions", "persona_social_channels"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
			return &PersistenceError{Op: "save", Err: err}
		}
	}

	if snap.AuthCredential != "" {
		_, err := tx.Exec(ctx,
			"INSERT INTO persona_auth (id, email, credential) VALUES (1, $1, $2)",
			snap.AuthEmail, snap.AuthCredential)
		if err != nil {
			return &PersistenceError{Op: "save", Err: err}
		}
	}

	for _, rec := range snap.Sessions {
		_, err := tx.Exec(ctx,
			`INSERT INTO persona_sessions (character_id, guild_id, handle, name, greeting, created_at, last_used_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.CharacterID, rec.GuildID, rec.Handle, rec.Name, rec.Greeting, rec.CreatedAt, rec.LastUsedAt)
		if err != nil {
			return &PersistenceError{Op: "save", Err: err}
		}
	}

	for _, rec := range snap.Channels {
		var last *time.Time
		if !rec.LastEngagementAt.IsZero() {
			last = &rec.LastEngagementAt
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO persona_social_channels (channel_id, guild_id, character_id, enabled, cooldown_seconds, last_engagement_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.ChannelID, rec.GuildID, rec.CharacterID, rec.Enabled, rec.CooldownSeconds, last)
		if err != nil {
			return &PersistenceError{Op: "save", Err: err}
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO persona_meta (key, value) VALUES ('saved_at', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		formatTime(time.Now().UTC()))
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}
