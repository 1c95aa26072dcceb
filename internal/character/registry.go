package character

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/neuralcord/persona/internal/ratelimit"
)

// BucketKey is the rate-limit bucket all character-backend calls draw from.
const BucketKey = "character"

// Session is a live chat session bound to one character within one guild.
type Session struct {
	CharacterID string
	GuildID     string
	Handle      string
	Name        string
	Greeting    string
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

// SessionKey identifies a session slot. One session per character per guild.
type SessionKey struct {
	CharacterID string
	GuildID     string
}

// Authenticator gates session creation on a completed login.
type Authenticator interface {
	Credential() string
}

// Registry owns all live sessions. Creation for a given (character, guild)
// pair is serialized so concurrent requests produce exactly one remote
// session; distinct pairs proceed in parallel.
type Registry struct {
	backend Backend
	auth    Authenticator
	limiter *ratelimit.Limiter
	maxWait time.Duration

	mu       sync.Mutex
	sessions map[SessionKey]*Session
	locks    map[SessionKey]*sync.Mutex
}

// NewRegistry creates a session registry. maxWait bounds how long a call
// blocks on the character rate bucket before giving up.
func NewRegistry(backend Backend, auth Authenticator, limiter *ratelimit.Limiter, maxWait time.Duration) *Registry {
	return &Registry{
		backend:  backend,
		auth:     auth,
		limiter:  limiter,
		maxWait:  maxWait,
		sessions: make(map[SessionKey]*Session),
		locks:    make(map[SessionKey]*sync.Mutex),
	}
}

// keyLock returns the per-pair creation lock, making it on first use.
func (r *Registry) keyLock(key SessionKey) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// Get returns the live session for the pair, or nil.
func (r *Registry) Get(characterID, guildID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[SessionKey{characterID, guildID}]
}

// GetOrCreate returns the existing session for (characterID, guildID) or
// creates one. Requires a completed login; unauthenticated calls fail with
// ErrNotAuthenticated before touching the backend.
func (r *Registry) GetOrCreate(ctx context.Context, characterID, guildID string) (*Session, error) {
	key := SessionKey{characterID, guildID}

	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if s, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	if r.auth.Credential() == "" {
		return nil, ErrNotAuthenticated
	}
	if err := r.limiter.Acquire(ctx, BucketKey, r.maxWait); err != nil {
		return nil, err
	}

	info, err := r.backend.CreateSession(ctx, characterID)
	if err != nil {
		return nil, &SessionError{CharacterID: characterID, GuildID: guildID, Op: "create", Err: err}
	}

	now := time.Now()
	s := &Session{
		CharacterID: characterID,
		GuildID:     guildID,
		Handle:      info.Handle,
		Name:        info.Name,
		Greeting:    info.Greeting,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	r.mu.Lock()
	r.sessions[key] = s
	r.mu.Unlock()

	slog.Info("character session created", "character", characterID, "guild", guildID, "handle", info.Handle)
	return s, nil
}

// Send routes text through the pair's session and returns the character's
// reply. The session must already exist.
func (r *Registry) Send(ctx context.Context, characterID, guildID, text string) (string, error) {
	s := r.Get(characterID, guildID)
	if s == nil {
		return "", ErrNoSession
	}
	if err := r.limiter.Acquire(ctx, BucketKey, r.maxWait); err != nil {
		return "", err
	}
	reply, err := r.backend.SendMessage(ctx, s.Handle, text)
	if err != nil {
		return "", &SessionError{CharacterID: characterID, GuildID: guildID, Op: "send", Err: err}
	}
	r.mu.Lock()
	s.LastUsedAt = time.Now()
	r.mu.Unlock()
	return reply, nil
}

// Reset clears the pair's conversation history on the backend.
func (r *Registry) Reset(ctx context.Context, characterID, guildID string) error {
	s := r.Get(characterID, guildID)
	if s == nil {
		return ErrNoSession
	}
	if err := r.limiter.Acquire(ctx, BucketKey, r.maxWait); err != nil {
		return err
	}
	if err := r.backend.ResetSession(ctx, s.Handle); err != nil {
		return &SessionError{CharacterID: characterID, GuildID: guildID, Op: "reset", Err: err}
	}
	return nil
}

// Delete tears down the pair's session. Remote teardown failures are logged
// but the local entry is removed regardless, so a wedged backend session
// cannot pin the slot forever.
func (r *Registry) Delete(ctx context.Context, characterID, guildID string) error {
	key := SessionKey{characterID, guildID}

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return ErrNoSession
	}
	delete(r.sessions, key)
	r.mu.Unlock()

	if err := r.backend.DeleteSession(ctx, s.Handle); err != nil {
		slog.Warn("remote session teardown failed", "character", characterID, "guild", guildID, "error", err)
	}
	return nil
}

// Snapshot copies all live sessions for persistence.
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Restore installs previously persisted sessions, replacing current state.
func (r *Registry) Restore(sessions []Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[SessionKey]*Session, len(sessions))
	for i := range sessions {
		s := sessions[i]
		r.sessions[SessionKey{s.CharacterID, s.GuildID}] = &s
	}
}
