// Package store persists the daemon's durable state: the backend
// credential, live character sessions, and per-channel Social Mode
// settings. State is saved and loaded as one atomic snapshot so a
// restart never observes a half-written mix of old and new rows.
package store

import (
	"context"
	"fmt"
	"time"
)

// SessionRecord is a persisted character session.
type SessionRecord struct {
	CharacterID string
	GuildID     string
	Handle      string
	Name        string
	Greeting    string
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

// ChannelRecord is a persisted Social Mode channel configuration.
type ChannelRecord struct {
	ChannelID        string
	GuildID          string
	CharacterID      string
	Enabled          bool
	CooldownSeconds  int
	LastEngagementAt time.Time // zero when the channel never engaged
}

// Snapshot is the complete durable state of the daemon.
type Snapshot struct {
	AuthEmail      string
	AuthCredential string
	Sessions       []SessionRecord
	Channels       []ChannelRecord
	SavedAt        time.Time
}

// Store loads and saves snapshots. Save replaces the previous snapshot
// wholesale; partial writes must never become visible.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// PersistenceError wraps storage failures so callers can distinguish
// them from domain errors and retry.
type PersistenceError struct {
	Op  string // "load" or "save"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
