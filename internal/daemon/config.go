package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the daemon configuration.
type Config struct {
	// Identity — the persona's display name, used for mention detection.
	Persona string `json:"persona"`

	// Matrix channel
	Matrix MatrixConfig `json:"matrix"`

	// Character backend
	Character CharacterConfig `json:"character"`

	// Engagement filter
	Filter FilterConfig `json:"filter"`

	// Rate limiting, one bucket per remote API
	RateLimits RateLimitsConfig `json:"rate_limits"`

	// Social Mode defaults
	Social SocialConfig `json:"social"`

	// State persistence
	State StateConfig `json:"state"`

	// Observability HTTP server (health + event stream)
	HTTPAddr string `json:"http_addr,omitempty"`

	// Room that receives operator alerts; also the only room whose users
	// may run admin commands when AdminUsers is empty.
	AdminRoom  string   `json:"admin_room,omitempty"`
	AdminUsers []string `json:"admin_users,omitempty"`
}

// MatrixConfig holds Matrix connection settings.
type MatrixConfig struct {
	Homeserver   string   `json:"homeserver"`  // e.g. http://synapse:8008
	UserID       string   `json:"user_id"`     // localpart, e.g. "persona"
	Password     string   `json:"password"`    // bot password
	ServerName   string   `json:"server_name"` // e.g. matrix.example.com
	AllowedUsers []string `json:"allowed_users"`
	DataDir      string   `json:"data_dir"`
}

// CharacterConfig holds character-backend settings.
type CharacterConfig struct {
	BaseURL         string `json:"base_url"`
	Credential      string `json:"credential,omitempty"` // can use "$CHARACTER_CREDENTIAL"
	VerificationTTL string `json:"verification_ttl,omitempty"`
	MaxWait         string `json:"max_wait,omitempty"` // rate bucket wait for user-initiated calls
}

// FilterConfig holds engagement-filter settings.
type FilterConfig struct {
	BaseURL string `json:"base_url"` // Ollama-compatible endpoint
	Model   string `json:"model,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	// Anthropic fallback: when set, verdicts come from the Anthropic API
	// instead of the local model.
	AnthropicAPIKey string `json:"anthropic_api_key,omitempty"`
	AnthropicModel  string `json:"anthropic_model,omitempty"`
}

// BucketConfig configures one token bucket.
type BucketConfig struct {
	Capacity     int     `json:"capacity"`
	RefillPerSec float64 `json:"refill_per_sec"`
}

// RateLimitsConfig holds the per-API token buckets.
type RateLimitsConfig struct {
	Filter    BucketConfig `json:"filter"`
	Character BucketConfig `json:"character"`
}

// SocialConfig holds Social Mode defaults applied by /watch.
type SocialConfig struct {
	DefaultCooldown string `json:"default_cooldown,omitempty"` // e.g. "30s"
	WindowSize      int    `json:"window_size,omitempty"`
}

// StateConfig selects and configures the snapshot store.
type StateConfig struct {
	Backend      string `json:"backend,omitempty"` // "sqlite" (default) or "postgres"
	SQLitePath   string `json:"sqlite_path,omitempty"`
	PostgresURL  string `json:"postgres_url,omitempty"`
	SaveInterval string `json:"save_interval,omitempty"` // e.g. "1m"
}

// LoadConfig reads config from a file path or environment.
// If path is empty, uses defaults suitable for container deployment.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Resolve env var references in all $-prefixed values
	cfg.Persona = resolveEnv(cfg.Persona)
	cfg.Matrix.Homeserver = resolveEnv(cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = resolveEnv(cfg.Matrix.UserID)
	cfg.Matrix.Password = resolveEnv(cfg.Matrix.Password)
	cfg.Matrix.ServerName = resolveEnv(cfg.Matrix.ServerName)
	cfg.Matrix.DataDir = resolveEnv(cfg.Matrix.DataDir)
	cfg.Character.BaseURL = resolveEnv(cfg.Character.BaseURL)
	cfg.Character.Credential = resolveEnv(cfg.Character.Credential)
	cfg.Filter.BaseURL = resolveEnv(cfg.Filter.BaseURL)
	cfg.Filter.AnthropicAPIKey = resolveEnv(cfg.Filter.AnthropicAPIKey)
	cfg.State.SQLitePath = resolveEnv(cfg.State.SQLitePath)
	cfg.State.PostgresURL = resolveEnv(cfg.State.PostgresURL)
	cfg.AdminRoom = resolveEnv(cfg.AdminRoom)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Persona == "" {
		return fmt.Errorf("persona name is required")
	}
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if c.Character.BaseURL == "" {
		return fmt.Errorf("character.base_url is required")
	}
	if c.RateLimits.Filter.Capacity <= 0 || c.RateLimits.Character.Capacity <= 0 {
		return fmt.Errorf("rate limit capacities must be positive")
	}
	if c.Social.WindowSize < 0 {
		return fmt.Errorf("social.window_size must be non-negative")
	}
	for _, field := range []struct {
		name, val string
	}{
		{"character.verification_ttl", c.Character.VerificationTTL},
		{"character.max_wait", c.Character.MaxWait},
		{"filter.timeout", c.Filter.Timeout},
		{"social.default_cooldown", c.Social.DefaultCooldown},
		{"state.save_interval", c.State.SaveInterval},
	} {
		if field.val == "" {
			continue
		}
		if _, err := time.ParseDuration(field.val); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	switch c.State.Backend {
	case "", "sqlite":
		if c.State.SQLitePath == "" {
			return fmt.Errorf("state.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if c.State.PostgresURL == "" {
			return fmt.Errorf("state.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	return nil
}

// Duration parses s, falling back to def when s is empty.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

func defaultConfig() *Config {
	return &Config{
		Persona: envOr("PERSONA_NAME", "Mira"),
		Matrix: MatrixConfig{
			Homeserver: envOr("PERSONA_MATRIX_HOMESERVER", ""),
			UserID:     envOr("PERSONA_MATRIX_USER", "persona"),
			Password:   envOr("PERSONA_MATRIX_PASSWORD", ""),
			ServerName: envOr("PERSONA_MATRIX_SERVER_NAME", ""),
			DataDir:    envOr("PERSONA_DATA_DIR", "data"),
		},
		Character: CharacterConfig{
			BaseURL:         envOr("PERSONA_CHARACTER_URL", ""),
			Credential:      envOr("PERSONA_CHARACTER_CREDENTIAL", ""),
			VerificationTTL: envOr("PERSONA_VERIFICATION_TTL", "10m"),
			MaxWait:         envOr("PERSONA_CHARACTER_MAX_WAIT", "10s"),
		},
		Filter: FilterConfig{
			BaseURL: envOr("PERSONA_FILTER_URL", "http://localhost:11434"),
			Model:   envOr("PERSONA_FILTER_MODEL", "mistral"),
			Timeout: envOr("PERSONA_FILTER_TIMEOUT", "30s"),
		},
		RateLimits: RateLimitsConfig{
			Filter:    BucketConfig{Capacity: 10, RefillPerSec: 0.5},
			Character: BucketConfig{Capacity: 5, RefillPerSec: 0.2},
		},
		Social: SocialConfig{
			DefaultCooldown: envOr("PERSONA_SOCIAL_COOLDOWN", "30s"),
		},
		State: StateConfig{
			Backend:      envOr("PERSONA_STATE_BACKEND", "sqlite"),
			SQLitePath:   envOr("PERSONA_STATE_PATH", "data/state.db"),
			PostgresURL:  envOr("PERSONA_PG_URL", ""),
			SaveInterval: envOr("PERSONA_SAVE_INTERVAL", "1m"),
		},
		HTTPAddr:  envOr("PERSONA_HTTP_ADDR", ":8080"),
		AdminRoom: envOr("PERSONA_ADMIN_ROOM", ""),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
