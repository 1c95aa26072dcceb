package social

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/neuralcord/persona/internal/character"
	"github.com/neuralcord/persona/internal/filter"
	"github.com/neuralcord/persona/internal/ratelimit"
	"github.com/neuralcord/persona/pkg/channel"
	"github.com/neuralcord/persona/pkg/store"
)

// DefaultWindowSize bounds the rolling context window per channel.
const DefaultWindowSize = 15

// ChannelConfig is the per-channel Social Mode configuration.
type ChannelConfig struct {
	ChannelID        string
	GuildID          string
	CharacterID      string
	Enabled          bool
	Cooldown         time.Duration
	LastEngagementAt time.Time
}

// Decider produces an engagement verdict from a message window.
// Satisfied by *filter.Client.
type Decider interface {
	Decide(ctx context.Context, window []filter.ContextMessage, persona string) (filter.Verdict, error)
}

// SessionSource supplies character sessions. Satisfied by *character.Registry.
type SessionSource interface {
	GetOrCreate(ctx context.Context, characterID, guildID string) (*character.Session, error)
	Send(ctx context.Context, characterID, guildID, text string) (string, error)
}

// Poster posts a response back to the platform. Satisfied by channel.Channel.
type Poster interface {
	Send(ctx context.Context, resp channel.Response) error
}

// Notifier delivers operator-facing alerts, typically to an admin room.
type Notifier func(ctx context.Context, text string)

type channelState struct {
	mu       sync.Mutex
	cfg      ChannelConfig
	window   []channel.Message
	inFlight bool
}

// Engine watches configured channels and decides, message by message,
// whether the persona should join the conversation.
type Engine struct {
	decider  Decider
	sessions SessionSource
	poster   Poster
	notify   Notifier
	engaged  func(channelID, characterID, reason string)
	persona  string
	winSize  int
	now      func() time.Time

	mu       sync.RWMutex
	channels map[string]*channelState
}

// NewEngine creates an engagement engine. persona is the display name the
// filter checks for direct mentions. notify may be nil.
func NewEngine(decider Decider, sessions SessionSource, poster Poster, notify Notifier, persona string) *Engine {
	if notify == nil {
		notify = func(context.Context, string) {}
	}
	return &Engine{
		decider:  decider,
		sessions: sessions,
		poster:   poster,
		notify:   notify,
		persona:  persona,
		winSize:  DefaultWindowSize,
		now:      time.Now,
		channels: make(map[string]*channelState),
	}
}

// OnEngage registers fn to run after each engagement reply lands on the
// platform. Must be set before messages start flowing.
func (e *Engine) OnEngage(fn func(channelID, characterID, reason string)) {
	e.engaged = fn
}

// SetWindowSize overrides the rolling window bound. Values below one are
// ignored. Must be set before messages start flowing.
func (e *Engine) SetWindowSize(n int) {
	if n > 0 {
		e.winSize = n
	}
}

// Watch registers a channel for Social Mode. An existing registration is
// replaced but keeps its accumulated window and last engagement time.
func (e *Engine) Watch(cfg ChannelConfig) error {
	if cfg.Cooldown < 0 {
		return fmt.Errorf("cooldown must be non-negative, got %s", cfg.Cooldown)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.channels[cfg.ChannelID]; ok {
		st.mu.Lock()
		if cfg.LastEngagementAt.IsZero() {
			cfg.LastEngagementAt = st.cfg.LastEngagementAt
		}
		st.cfg = cfg
		st.mu.Unlock()
		return nil
	}
	e.channels[cfg.ChannelID] = &channelState{cfg: cfg}
	return nil
}

// Unwatch removes a channel entirely, dropping its window.
func (e *Engine) Unwatch(channelID string) {
	e.mu.Lock()
	delete(e.channels, channelID)
	e.mu.Unlock()
}

// SetEnabled toggles Social Mode for a watched channel.
func (e *Engine) SetEnabled(channelID string, enabled bool) error {
	st := e.state(channelID)
	if st == nil {
		return fmt.Errorf("channel %s is not watched", channelID)
	}
	st.mu.Lock()
	st.cfg.Enabled = enabled
	st.mu.Unlock()
	return nil
}

// SetCooldown updates a watched channel's cooldown.
func (e *Engine) SetCooldown(channelID string, cooldown time.Duration) error {
	if cooldown < 0 {
		return fmt.Errorf("cooldown must be non-negative, got %s", cooldown)
	}
	st := e.state(channelID)
	if st == nil {
		return fmt.Errorf("channel %s is not watched", channelID)
	}
	st.mu.Lock()
	st.cfg.Cooldown = cooldown
	st.mu.Unlock()
	return nil
}

// Config returns a watched channel's current configuration.
func (e *Engine) Config(channelID string) (ChannelConfig, bool) {
	st := e.state(channelID)
	if st == nil {
		return ChannelConfig{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cfg, true
}

func (e *Engine) state(channelID string) *channelState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.channels[channelID]
}

// HandleMessage feeds one inbound message through the engagement pipeline.
// Messages on unwatched or disabled channels are ignored. The method never
// blocks the caller on a rate limit: an exhausted filter bucket means this
// message is silently skipped.
func (e *Engine) HandleMessage(ctx context.Context, msg channel.Message) error {
	st := e.state(msg.ChannelID)
	if st == nil {
		return nil
	}

	st.mu.Lock()
	if !st.cfg.Enabled {
		st.mu.Unlock()
		return nil
	}

	if !Eligible(st.cfg.LastEngagementAt, st.cfg.Cooldown, e.now()) {
		st.mu.Unlock()
		slog.Debug("social: cooldown active", "channel", msg.ChannelID)
		return nil
	}

	st.window = append(st.window, msg)
	if len(st.window) > e.winSize {
		st.window = st.window[len(st.window)-e.winSize:]
	}
	if st.inFlight {
		st.mu.Unlock()
		slog.Debug("social: evaluation already in flight", "channel", msg.ChannelID)
		return nil
	}
	st.inFlight = true
	cfg := st.cfg
	window := make([]filter.ContextMessage, len(st.window))
	for i, m := range st.window {
		window[i] = filter.ContextMessage{Author: m.AuthorName, Content: m.Content}
	}
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.inFlight = false
		st.mu.Unlock()
	}()

	verdict, err := e.decider.Decide(ctx, window, e.persona)
	if err != nil {
		if errors.Is(err, ratelimit.ErrExceeded) {
			slog.Debug("social: filter bucket empty, skipping", "channel", msg.ChannelID)
			return nil
		}
		return err
	}
	if !verdict.Engage {
		return nil
	}
	slog.Info("social: engaging", "channel", msg.ChannelID, "reason", verdict.Reason)

	return e.engage(ctx, st, cfg, window, verdict.Reason)
}

// Context budget for what gets forwarded to the character on engagement.
const (
	maxContextChars = 1000
	maxMessageChars = 200
)

// renderContext flattens the window into "author: content" lines, newest
// kept, oldest dropped once the character budget runs out.
func renderContext(window []filter.ContextMessage) string {
	var lines []string
	total := 0
	for i := len(window) - 1; i >= 0; i-- {
		content := window[i].Content
		if len(content) > maxMessageChars {
			content = clip(content, maxMessageChars-3) + "..."
		}
		line := window[i].Author + ": " + content
		if total+len(line) > maxContextChars && len(lines) > 0 {
			break
		}
		lines = append(lines, line)
		total += len(line)
	}
	// lines were collected newest-first
	var sb strings.Builder
	sb.WriteString("[Recent conversation]\n")
	for i := len(lines) - 1; i >= 0; i-- {
		sb.WriteString(lines[i])
		sb.WriteByte('\n')
	}
	return sb.String()
}

// clip returns the longest prefix of s at most n bytes long that does not
// split a multi-byte rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// engage runs the character exchange and posts the reply. The channel's
// last engagement time moves only after the reply lands on the platform.
func (e *Engine) engage(ctx context.Context, st *channelState, cfg ChannelConfig, window []filter.ContextMessage, reason string) error {
	if _, err := e.sessions.GetOrCreate(ctx, cfg.CharacterID, cfg.GuildID); err != nil {
		return e.handleSessionFailure(ctx, st, cfg, err)
	}

	reply, err := e.sessions.Send(ctx, cfg.CharacterID, cfg.GuildID, renderContext(window))
	if err != nil {
		return e.handleSessionFailure(ctx, st, cfg, err)
	}

	if err := e.poster.Send(ctx, channel.Response{ChannelID: cfg.ChannelID, Content: reply}); err != nil {
		// The post failed, so no engagement happened from the channel's
		// point of view and the cooldown stays where it was.
		return fmt.Errorf("post engagement reply: %w", err)
	}

	st.mu.Lock()
	st.cfg.LastEngagementAt = e.now()
	st.mu.Unlock()
	if e.engaged != nil {
		e.engaged(cfg.ChannelID, cfg.CharacterID, reason)
	}
	return nil
}

// handleSessionFailure sorts backend failures into transient skips and
// persistent faults. Persistent faults disable the channel so a broken
// login or dead session cannot burn the rate budget on every message.
func (e *Engine) handleSessionFailure(ctx context.Context, st *channelState, cfg ChannelConfig, err error) error {
	switch {
	case errors.Is(err, ratelimit.ErrExceeded):
		slog.Debug("social: character bucket empty, skipping", "channel", cfg.ChannelID)
		return nil
	case errors.Is(err, character.ErrBackendTimeout):
		slog.Warn("social: character backend timed out", "channel", cfg.ChannelID, "error", err)
		return nil
	case errors.Is(err, character.ErrNotAuthenticated):
		e.disable(ctx, st, cfg, "not authenticated with character backend")
		return nil
	}
	var serr *character.SessionError
	if errors.As(err, &serr) {
		e.disable(ctx, st, cfg, fmt.Sprintf("session %s failed: %v", serr.Op, serr.Err))
		return nil
	}
	return err
}

func (e *Engine) disable(ctx context.Context, st *channelState, cfg ChannelConfig, reason string) {
	st.mu.Lock()
	st.cfg.Enabled = false
	st.mu.Unlock()
	slog.Error("social: disabling channel", "channel", cfg.ChannelID, "reason", reason)
	e.notify(ctx, fmt.Sprintf("Social Mode disabled in %s: %s", cfg.ChannelID, reason))
}

// Snapshot exports all channel configurations for persistence. Windows are
// in-memory only and start empty after a restart.
func (e *Engine) Snapshot() []store.ChannelRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]store.ChannelRecord, 0, len(e.channels))
	for _, st := range e.channels {
		st.mu.Lock()
		cfg := st.cfg
		st.mu.Unlock()
		out = append(out, store.ChannelRecord{
			ChannelID:        cfg.ChannelID,
			GuildID:          cfg.GuildID,
			CharacterID:      cfg.CharacterID,
			Enabled:          cfg.Enabled,
			CooldownSeconds:  int(cfg.Cooldown / time.Second),
			LastEngagementAt: cfg.LastEngagementAt,
		})
	}
	return out
}

// Restore installs persisted channel configurations, replacing current ones.
func (e *Engine) Restore(records []store.ChannelRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = make(map[string]*channelState, len(records))
	for _, rec := range records {
		e.channels[rec.ChannelID] = &channelState{cfg: ChannelConfig{
			ChannelID:        rec.ChannelID,
			GuildID:          rec.GuildID,
			CharacterID:      rec.CharacterID,
			Enabled:          rec.Enabled,
			Cooldown:         time.Duration(rec.CooldownSeconds) * time.Second,
			LastEngagementAt: rec.LastEngagementAt,
		}}
	}
}
