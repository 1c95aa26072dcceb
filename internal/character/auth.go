package character

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// AuthState enumerates where a login attempt stands.
type AuthState int

const (
	AuthNotStarted AuthState = iota
	AuthAwaitingVerification
	AuthAuthenticated
	AuthFailed
)

func (s AuthState) String() string {
	switch s {
	case AuthNotStarted:
		return "not_started"
	case AuthAwaitingVerification:
		return "awaiting_verification"
	case AuthAuthenticated:
		return "authenticated"
	case AuthFailed:
		return "failed"
	default:
		return fmt.Sprintf("AuthState(%d)", int(s))
	}
}

// Failure reasons surfaced when a login attempt ends in AuthFailed.
const (
	FailExpired      = "expired"
	FailInvalidLink  = "invalid_link"
	FailBackendError = "backend_error"
)

// Flow runs the email-link login state machine against a Backend.
// All methods are safe for concurrent use.
type Flow struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time // injectable for tests

	mu           sync.Mutex
	state        AuthState
	email        string
	pendingToken string
	requestedAt  time.Time
	credential   string
	failReason   string
}

// NewFlow creates a login flow. ttl bounds how long a verification link
// stays usable after RequestLogin.
func NewFlow(backend Backend, ttl time.Duration) *Flow {
	return &Flow{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
		state:   AuthNotStarted,
	}
}

// State reports the current auth state and, when failed, the reason.
func (f *Flow) State() (AuthState, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.failReason
}

// Credential returns the long-lived credential, or "" when not authenticated.
func (f *Flow) Credential() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != AuthAuthenticated {
		return ""
	}
	return f.credential
}

// Restore installs a previously persisted credential, jumping straight to
// the authenticated state. Used on startup after a snapshot load.
func (f *Flow) Restore(email, credential string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.email = email
	f.credential = credential
	f.state = AuthAuthenticated
	f.failReason = ""
}

// StartLogin begins a login attempt. Allowed from NotStarted and Failed;
// an in-flight attempt must finish or fail first, and an authenticated
// flow refuses with ErrAlreadyAuthenticated.
func (f *Flow) StartLogin(ctx context.Context, email string) error {
	f.mu.Lock()
	switch f.state {
	case AuthAuthenticated:
		f.mu.Unlock()
		return ErrAlreadyAuthenticated
	case AuthAwaitingVerification:
		f.mu.Unlock()
		return fmt.Errorf("login already in progress for %s", f.email)
	}
	f.mu.Unlock()

	token, err := f.backend.RequestLogin(ctx, email)
	if err != nil {
		f.mu.Lock()
		f.state = AuthFailed
		f.failReason = FailBackendError
		f.mu.Unlock()
		return fmt.Errorf("start login: %w", err)
	}

	f.mu.Lock()
	f.state = AuthAwaitingVerification
	f.email = email
	f.pendingToken = token
	f.requestedAt = f.now()
	f.failReason = ""
	f.mu.Unlock()

	slog.Info("login requested, awaiting verification", "email", email)
	return nil
}

// CompleteVerification consumes the verification link the user received.
// Only valid from AwaitingVerification. An expired or mismatched link moves
// the flow to Failed; the user must start over with StartLogin.
func (f *Flow) CompleteVerification(ctx context.Context, link string) error {
	f.mu.Lock()
	if f.state != AuthAwaitingVerification {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("no login awaiting verification (state %s)", state)
	}
	if f.now().Sub(f.requestedAt) > f.ttl {
		f.state = AuthFailed
		f.failReason = FailExpired
		f.pendingToken = ""
		f.mu.Unlock()
		return fmt.Errorf("verification link expired after %s", f.ttl)
	}
	if !strings.Contains(link, f.pendingToken) {
		f.state = AuthFailed
		f.failReason = FailInvalidLink
		f.pendingToken = ""
		f.mu.Unlock()
		return fmt.Errorf("verification link does not match pending login")
	}
	f.mu.Unlock()

	credential, err := f.backend.Verify(ctx, link)
	if err != nil {
		f.mu.Lock()
		f.state = AuthFailed
		f.failReason = FailBackendError
		f.pendingToken = ""
		f.mu.Unlock()
		return fmt.Errorf("complete verification: %w", err)
	}

	f.mu.Lock()
	f.state = AuthAuthenticated
	f.credential = credential
	f.pendingToken = ""
	f.failReason = ""
	email := f.email
	f.mu.Unlock()

	slog.Info("login verified", "email", email)
	return nil
}

// Logout drops the credential and returns the flow to NotStarted.
func (f *Flow) Logout() {
	f.mu.Lock()
	f.state = AuthNotStarted
	f.credential = ""
	f.pendingToken = ""
	f.failReason = ""
	f.mu.Unlock()
}

// Email returns the address the current or last attempt used.
func (f *Flow) Email() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.email
}
