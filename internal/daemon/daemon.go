// Package daemon wires the platform channel, the engagement engine, the
// character backend, and the snapshot store into one long-running process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neuralcord/persona/internal/character"
	"github.com/neuralcord/persona/internal/channel/matrix"
	"github.com/neuralcord/persona/internal/filter"
	"github.com/neuralcord/persona/internal/ratelimit"
	"github.com/neuralcord/persona/internal/social"
	"github.com/neuralcord/persona/pkg/channel"
	"github.com/neuralcord/persona/pkg/store"
)

// queueSize bounds inbound messages waiting for a worker. A full queue
// drops new messages rather than backing up the sync loop.
const queueSize = 256

// workerCount is how many messages are processed concurrently.
const workerCount = 4

// credentialSink receives the backend bearer credential once verification
// completes. Satisfied by *character.HTTPBackend.
type credentialSink interface {
	SetCredential(cred string)
}

type Daemon struct {
	cfg    *Config
	events *EventBus
	state  store.Store

	limiter  *ratelimit.Limiter
	backend  credentialSink
	auth     *character.Flow
	registry *character.Registry
	filter   *filter.Client
	engine   *social.Engine
	matrix   *matrix.Channel
	poster   social.Poster

	// per-channel character binding for direct /chat conversations
	charMu      sync.Mutex
	activeChars map[string]string

	queue      chan channel.Message
	httpServer *http.Server
	startedAt  time.Time
}

// New builds the daemon from configuration and restores persisted state.
func New(ctx context.Context, cfg *Config, st store.Store) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}

	limiter := ratelimit.New(map[string]ratelimit.Config{
		filter.BucketKey: {
			Capacity:     cfg.RateLimits.Filter.Capacity,
			RefillPerSec: cfg.RateLimits.Filter.RefillPerSec,
		},
		character.BucketKey: {
			Capacity:     cfg.RateLimits.Character.Capacity,
			RefillPerSec: cfg.RateLimits.Character.RefillPerSec,
		},
	})

	backend := character.NewHTTPBackend(cfg.Character.BaseURL, cfg.Character.Credential)
	auth := character.NewFlow(backend, Duration(cfg.Character.VerificationTTL, 10*time.Minute))
	if cfg.Character.Credential != "" {
		auth.Restore("", cfg.Character.Credential)
	}
	registry := character.NewRegistry(backend, auth, limiter,
		Duration(cfg.Character.MaxWait, 10*time.Second))

	var gen filter.Generator
	if cfg.Filter.AnthropicAPIKey != "" {
		gen = filter.NewAnthropic(cfg.Filter.AnthropicAPIKey)
	} else {
		gen = filter.NewOllama(cfg.Filter.BaseURL)
	}
	model := cfg.Filter.Model
	if cfg.Filter.AnthropicAPIKey != "" && cfg.Filter.AnthropicModel != "" {
		model = cfg.Filter.AnthropicModel
	}
	decider := filter.New(gen, limiter, filter.Config{
		Model:   model,
		Timeout: Duration(cfg.Filter.Timeout, 30*time.Second),
	})

	mx := matrix.New(matrix.Config{
		Homeserver:   cfg.Matrix.Homeserver,
		UserID:       cfg.Matrix.UserID,
		Password:     cfg.Matrix.Password,
		ServerName:   cfg.Matrix.ServerName,
		AllowedUsers: cfg.Matrix.AllowedUsers,
		DataDir:      cfg.Matrix.DataDir,
	})

	d := &Daemon{
		cfg:         cfg,
		events:      NewEventBus(),
		state:       st,
		limiter:     limiter,
		backend:     backend,
		auth:        auth,
		registry:    registry,
		filter:      decider,
		matrix:      mx,
		poster:      mx,
		activeChars: make(map[string]string),
		queue:       make(chan channel.Message, queueSize),
		startedAt:   time.Now(),
	}
	d.engine = social.NewEngine(decider, registry, d.poster, d.notifyAdmin, cfg.Persona)
	d.engine.SetWindowSize(cfg.Social.WindowSize)
	d.engine.OnEngage(func(channelID, characterID, reason string) {
		d.events.Publish(Event{
			Type:    EventEngagement,
			Channel: channelID,
			Message: fmt.Sprintf("%s engaged: %s", characterID, reason),
		})
	})

	if err := d.restore(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// restore loads the persisted snapshot and rehydrates auth, sessions,
// and channel configurations.
func (d *Daemon) restore(ctx context.Context) error {
	snap, err := d.state.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	if snap.AuthCredential != "" {
		d.auth.Restore(snap.AuthEmail, snap.AuthCredential)
		d.backend.SetCredential(snap.AuthCredential)
	}

	sessions := make([]character.Session, len(snap.Sessions))
	for i, rec := range snap.Sessions {
		sessions[i] = character.Session{
			CharacterID: rec.CharacterID,
			GuildID:     rec.GuildID,
			Handle:      rec.Handle,
			Name:        rec.Name,
			Greeting:    rec.Greeting,
			CreatedAt:   rec.CreatedAt,
			LastUsedAt:  rec.LastUsedAt,
		}
	}
	d.registry.Restore(sessions)
	d.engine.Restore(snap.Channels)

	if len(snap.Sessions) > 0 || len(snap.Channels) > 0 {
		slog.Info("state restored",
			"sessions", len(snap.Sessions),
			"channels", len(snap.Channels),
			"saved_at", snap.SavedAt,
		)
	}
	return nil
}

// snapshot assembles the current durable state.
func (d *Daemon) snapshot() *store.Snapshot {
	snap := &store.Snapshot{
		AuthEmail:      d.auth.Email(),
		AuthCredential: d.auth.Credential(),
		Channels:       d.engine.Snapshot(),
	}
	for _, s := range d.registry.Snapshot() {
		snap.Sessions = append(snap.Sessions, store.SessionRecord{
			CharacterID: s.CharacterID,
			GuildID:     s.GuildID,
			Handle:      s.Handle,
			Name:        s.Name,
			Greeting:    s.Greeting,
			CreatedAt:   s.CreatedAt,
			LastUsedAt:  s.LastUsedAt,
		})
	}
	return snap
}

// Run starts the daemon and blocks until ctx is cancelled or a fatal
// error occurs. State is saved one final time on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Observability server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/v1/events", d.handleEvents)
	d.httpServer = &http.Server{Addr: d.cfg.HTTPAddr, Handler: mux}
	g.Go(func() error {
		err := d.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.httpServer.Shutdown(shutdownCtx)
	})

	// Message workers
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg := <-d.queue:
					if err := d.handleMessage(ctx, msg); err != nil {
						slog.Error("message handling failed", "channel", msg.ChannelID, "error", err)
						d.events.Publish(Event{Type: EventError, Channel: msg.ChannelID, Message: err.Error(), Level: "error"})
					}
				}
			}
		})
	}

	// Platform sync loop
	g.Go(func() error {
		return d.matrix.Start(ctx, d.enqueue)
	})

	// Periodic snapshots
	g.Go(func() error {
		d.snapshotWorker(ctx)
		return nil
	})

	d.events.Publish(Event{Type: EventStatus, Message: "daemon started"})
	slog.Info("persona daemon running", "persona", d.cfg.Persona, "http", d.cfg.HTTPAddr)

	err := g.Wait()

	d.matrix.Stop()
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := d.save(saveCtx); serr != nil {
		slog.Error("final state save failed", "error", serr)
	}
	d.state.Close()
	return err
}

// enqueue hands an inbound message to the worker pool. The sync loop must
// never block, so a full queue means the message is dropped.
func (d *Daemon) enqueue(ctx context.Context, msg channel.Message) error {
	select {
	case d.queue <- msg:
	default:
		slog.Warn("message queue full, dropping message", "channel", msg.ChannelID)
	}
	return nil
}

// handleMessage routes one message: slash commands first, then the
// engagement engine.
func (d *Daemon) handleMessage(ctx context.Context, msg channel.Message) error {
	if strings.HasPrefix(msg.Content, "/") {
		return d.handleCommand(ctx, msg)
	}
	return d.engine.HandleMessage(ctx, msg)
}

// notifyAdmin delivers an operator alert to the admin room, if configured.
func (d *Daemon) notifyAdmin(ctx context.Context, text string) {
	d.events.Publish(Event{Type: EventError, Message: text, Level: "warn"})
	if d.cfg.AdminRoom == "" {
		return
	}
	if err := d.poster.Send(ctx, channel.Response{ChannelID: d.cfg.AdminRoom, Content: text}); err != nil {
		slog.Error("admin notification failed", "error", err)
	}
}

// save persists a snapshot, retrying once on failure.
func (d *Daemon) save(ctx context.Context) error {
	snap := d.snapshot()
	err := d.state.Save(ctx, snap)
	if err == nil {
		return nil
	}
	slog.Warn("state save failed, retrying", "error", err)
	if err := d.state.Save(ctx, snap); err != nil {
		return err
	}
	return nil
}

// snapshotWorker saves state on a fixed interval until ctx is cancelled.
func (d *Daemon) snapshotWorker(ctx context.Context) {
	interval := Duration(d.cfg.State.SaveInterval, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.save(ctx); err != nil {
				slog.Error("periodic state save failed", "error", err)
				d.events.Publish(Event{Type: EventError, Message: "state save failed: " + err.Error(), Level: "error"})
			}
		}
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(d.startedAt).Round(time.Second))
}

func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, done := d.events.Subscribe()
	defer d.events.Unsubscribe(done)

	for _, e := range d.events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.MarshalEvent())
			flusher.Flush()
		}
	}
}
