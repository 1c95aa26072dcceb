package daemon

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neuralcord/persona/internal/character"
	"github.com/neuralcord/persona/internal/filter"
	"github.com/neuralcord/persona/internal/ratelimit"
	"github.com/neuralcord/persona/internal/social"
	"github.com/neuralcord/persona/pkg/channel"
)

type stubBackend struct {
	reply string
	cred  string
}

func (s *stubBackend) SetCredential(cred string) { s.cred = cred }

func (s *stubBackend) RequestLogin(ctx context.Context, email string) (string, error) {
	return "tok", nil
}
func (s *stubBackend) Verify(ctx context.Context, link string) (string, error) {
	return "cred", nil
}
func (s *stubBackend) CreateSession(ctx context.Context, characterID string) (character.SessionInfo, error) {
	return character.SessionInfo{Handle: "h-" + characterID, Name: characterID, Greeting: "hi"}, nil
}
func (s *stubBackend) SendMessage(ctx context.Context, handle, text string) (string, error) {
	return s.reply, nil
}
func (s *stubBackend) ResetSession(ctx context.Context, handle string) error  { return nil }
func (s *stubBackend) DeleteSession(ctx context.Context, handle string) error { return nil }

type recordingPoster struct {
	mu    sync.Mutex
	posts []channel.Response
}

func (p *recordingPoster) Send(ctx context.Context, resp channel.Response) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, resp)
	return nil
}

type stubGenerator struct{}

func (stubGenerator) Name() string { return "stub" }
func (stubGenerator) Generate(ctx context.Context, model, prompt string) (string, error) {
	return "IGNORE", nil
}

func newTestDaemon(t *testing.T, authed bool) *Daemon {
	t.Helper()
	backend := &stubBackend{reply: "character says hi"}
	limiter := ratelimit.New(map[string]ratelimit.Config{
		character.BucketKey: {Capacity: 100, RefillPerSec: 100},
		filter.BucketKey:    {Capacity: 100, RefillPerSec: 100},
	})
	auth := character.NewFlow(backend, time.Hour)
	if authed {
		auth.Restore("user@example.com", "cred")
	}
	registry := character.NewRegistry(backend, auth, limiter, time.Second)
	decider := filter.New(stubGenerator{}, limiter, filter.Config{})

	d := &Daemon{
		cfg: &Config{
			Persona: "Mira",
			Social:  SocialConfig{DefaultCooldown: "30s"},
		},
		events:      NewEventBus(),
		limiter:     limiter,
		backend:     backend,
		auth:        auth,
		registry:    registry,
		filter:      decider,
		poster:      &recordingPoster{},
		activeChars: make(map[string]string),
		queue:       make(chan channel.Message, 8),
		startedAt:   time.Now(),
	}
	d.engine = social.NewEngine(decider, registry, d.poster, d.notifyAdmin, "Mira")
	return d
}

func cmdMsg(content string) channel.Message {
	return channel.Message{
		ChannelID:  "!room:example.org",
		GuildID:    "example.org",
		AuthorID:   "@alice:example.org",
		AuthorName: "alice",
		Content:    content,
	}
}

func TestHelpListsCommands(t *testing.T) {
	d := newTestDaemon(t, true)
	out := d.runCommand(context.Background(), cmdMsg("/help"))
	for _, cmd := range []string{"/login", "/chat", "/watch", "/cooldown"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("help missing %s", cmd)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	d := newTestDaemon(t, true)
	out := d.runCommand(context.Background(), cmdMsg("/frobnicate"))
	if !strings.Contains(out, "Unknown command") {
		t.Fatalf("got %q", out)
	}
}

func TestChatRequiresBinding(t *testing.T) {
	d := newTestDaemon(t, true)
	out := d.runCommand(context.Background(), cmdMsg("/chat hello there"))
	if !strings.Contains(out, "/character") {
		t.Fatalf("expected binding hint, got %q", out)
	}
}

func TestCharacterBindThenChat(t *testing.T) {
	d := newTestDaemon(t, true)
	ctx := context.Background()

	d.runCommand(ctx, cmdMsg("/character char1"))
	out := d.runCommand(ctx, cmdMsg("/chat hello there"))
	if out != "character says hi" {
		t.Fatalf("got %q", out)
	}
}

func TestCharacterNotAuthenticated(t *testing.T) {
	d := newTestDaemon(t, false)
	ctx := context.Background()

	out := d.runCommand(ctx, cmdMsg("/character char1"))
	if !strings.Contains(out, "/login") {
		t.Fatalf("expected login hint, got %q", out)
	}
	// The failed bind must not stick.
	out = d.runCommand(ctx, cmdMsg("/chat hello"))
	if !strings.Contains(out, "/character") {
		t.Fatalf("expected binding hint, got %q", out)
	}
}

func TestTalkTargetsSpecificCharacter(t *testing.T) {
	d := newTestDaemon(t, true)
	out := d.runCommand(context.Background(), cmdMsg("/talk char9 hello there"))
	if out != "character says hi" {
		t.Fatalf("got %q", out)
	}
	if d.registry.Get("char9", "example.org") == nil {
		t.Fatal("no session created for char9")
	}
}

func TestForgetClearsBinding(t *testing.T) {
	d := newTestDaemon(t, true)
	ctx := context.Background()

	d.runCommand(ctx, cmdMsg("/character char1"))
	out := d.runCommand(ctx, cmdMsg("/forget char1"))
	if !strings.Contains(out, "removed") {
		t.Fatalf("got %q", out)
	}
	if d.activeCharacter("!room:example.org") != "" {
		t.Fatal("binding survived /forget")
	}
}

func TestLoginVerifyFlow(t *testing.T) {
	d := newTestDaemon(t, false)
	ctx := context.Background()

	out := d.runCommand(ctx, cmdMsg("/login user@example.com"))
	if !strings.Contains(out, "/verify") {
		t.Fatalf("got %q", out)
	}
	out = d.runCommand(ctx, cmdMsg("/verify https://backend/verify?t=tok"))
	if out != "Logged in." {
		t.Fatalf("got %q", out)
	}
	if cred := d.auth.Credential(); cred != "cred" {
		t.Fatalf("credential = %q", cred)
	}
	// The backend client must pick up the credential for bearer auth.
	if got := d.backend.(*stubBackend).cred; got != "cred" {
		t.Fatalf("backend credential = %q", got)
	}
}

func TestWatchStatusCooldownFlow(t *testing.T) {
	d := newTestDaemon(t, true)
	ctx := context.Background()

	out := d.runCommand(ctx, cmdMsg("/watch char1 45s"))
	if !strings.Contains(out, "45s") {
		t.Fatalf("got %q", out)
	}

	out = d.runCommand(ctx, cmdMsg("/status"))
	if !strings.Contains(out, "char1") || !strings.Contains(out, "on") {
		t.Fatalf("got %q", out)
	}

	out = d.runCommand(ctx, cmdMsg("/cooldown 2m"))
	if !strings.Contains(out, "2m") {
		t.Fatalf("got %q", out)
	}

	// Bare seconds work too.
	out = d.runCommand(ctx, cmdMsg("/cooldown 90"))
	if !strings.Contains(out, "1m30s") {
		t.Fatalf("got %q", out)
	}

	out = d.runCommand(ctx, cmdMsg("/social off"))
	if !strings.Contains(out, "off") {
		t.Fatalf("got %q", out)
	}
	cfg, _ := d.engine.Config("!room:example.org")
	if cfg.Enabled {
		t.Fatal("channel still enabled")
	}

	out = d.runCommand(ctx, cmdMsg("/unwatch"))
	if !strings.Contains(out, "removed") {
		t.Fatalf("got %q", out)
	}
	if _, ok := d.engine.Config("!room:example.org"); ok {
		t.Fatal("channel still watched")
	}
}

func TestCooldownWithoutWatch(t *testing.T) {
	d := newTestDaemon(t, true)
	out := d.runCommand(context.Background(), cmdMsg("/cooldown 1m"))
	if !strings.Contains(out, "/watch") {
		t.Fatalf("got %q", out)
	}
}

func TestAdminGating(t *testing.T) {
	d := newTestDaemon(t, true)
	d.cfg.AdminUsers = []string{"@admin:example.org"}

	out := d.runCommand(context.Background(), cmdMsg("/watch char1"))
	if !strings.Contains(out, "not allowed") {
		t.Fatalf("non-admin ran /watch: %q", out)
	}

	msg := cmdMsg("/watch char1")
	msg.AuthorID = "@admin:example.org"
	out = d.runCommand(context.Background(), msg)
	if !strings.Contains(out, "Social Mode on") {
		t.Fatalf("admin blocked: %q", out)
	}
}

func TestUserErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{character.ErrNotAuthenticated, "/login"},
		{character.ErrNoSession, "No session"},
		{ratelimit.ErrExceeded, "Try again shortly"},
		{character.ErrBackendTimeout, "timed out"},
		{errors.New("weird"), "Something went wrong"},
	}
	for _, tt := range tests {
		if got := userError(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("userError(%v) = %q, want substring %q", tt.err, got, tt.want)
		}
	}
}
