package character

import (
	"errors"
	"fmt"
)

// Sentinel errors for the auth and session layer.
var (
	// ErrNotAuthenticated is returned when an operation needs a verified
	// backend credential and none exists.
	ErrNotAuthenticated = errors.New("not authenticated with character backend")

	// ErrAlreadyAuthenticated is returned by StartLogin when a credential
	// is already established.
	ErrAlreadyAuthenticated = errors.New("already authenticated")

	// ErrBackendTimeout marks a transient transport timeout. Social Mode
	// absorbs these as skipped messages.
	ErrBackendTimeout = errors.New("character backend timeout")

	// ErrNoSession is returned by Reset/Delete when no session exists for
	// the requested character.
	ErrNoSession = errors.New("no session for character")
)

// SessionError wraps a remote session creation or send failure with the
// backend's reported cause. Callers decide the retry policy.
type SessionError struct {
	CharacterID string
	GuildID     string
	Op          string // "create", "send", "reset", "delete"
	Err         error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s for character %s: %v", e.Op, e.CharacterID, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }
