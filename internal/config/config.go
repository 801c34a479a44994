package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent-racer/interactive/pkg/protocol"
	"github.com/agent-racer/interactive/pkg/state"
)

type Config struct {
	Auth     AuthConfig     `yaml:"auth"`
	Session  SessionConfig  `yaml:"session"`
	Server   ServerConfig   `yaml:"server"`
	Audience AudienceConfig `yaml:"audience"`
}

// AuthConfig points at the identity service used for short code login and
// token refresh.
type AuthConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Scopes       []string      `yaml:"scopes"`
	TokenDir     string        `yaml:"token_dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LoginTimeout time.Duration `yaml:"login_timeout"`
}

type SessionConfig struct {
	Endpoint      string                    `yaml:"endpoint"`
	VersionID     string                    `yaml:"version_id"`
	ShareCode     string                    `yaml:"share_code"`
	GoInteractive bool                      `yaml:"go_interactive"`
	CallTimeout   time.Duration             `yaml:"call_timeout"`
	StaleMargin   time.Duration             `yaml:"stale_margin"`
	DebugLevel    string                    `yaml:"debug_level"`
	Cascade       string                    `yaml:"cascade"`
	Throttles     map[string]ThrottleConfig `yaml:"throttles"`
}

type ThrottleConfig struct {
	Capacity  uint32 `yaml:"capacity"`
	DrainRate uint32 `yaml:"drain_rate"`
}

// ServerConfig configures the mock interactive service.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	VersionID      string        `yaml:"version_id"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	ApproveAfter   int           `yaml:"approve_after"`
	MaxConns       int           `yaml:"max_conns"`
}

// AudienceConfig drives the simulated participants of the mock service.
type AudienceConfig struct {
	Participants   int           `yaml:"participants"`
	Tick           time.Duration `yaml:"tick"`
	JoinChance     float64       `yaml:"join_chance"`
	LeaveChance    float64       `yaml:"leave_chance"`
	InputChance    float64       `yaml:"input_chance"`
	Seed           int64         `yaml:"seed"`
	ParticipantCap int           `yaml:"participant_cap"`
}

func defaultConfig() *Config {
	return &Config{
		Auth: AuthConfig{
			BaseURL:      "http://127.0.0.1:8080",
			ClientID:     "interactive-cli",
			Scopes:       []string{"interactive:robot:self"},
			PollInterval: 2 * time.Second,
			LoginTimeout: 2 * time.Minute,
		},
		Session: SessionConfig{
			Endpoint:    "ws://127.0.0.1:8080/gameClient",
			VersionID:   "1",
			CallTimeout: 10 * time.Second,
			StaleMargin: time.Minute,
			DebugLevel:  "warning",
			Cascade:     "reassign",
		},
		Server: ServerConfig{
			Port:         8080,
			Host:         "127.0.0.1",
			VersionID:    "1",
			TokenTTL:     time.Hour,
			ApproveAfter: 1,
			MaxConns:     16,
		},
		Audience: AudienceConfig{
			Participants:   8,
			Tick:           500 * time.Millisecond,
			JoinChance:     0.1,
			LeaveChance:    0.02,
			InputChance:    0.4,
			ParticipantCap: 64,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to the defaults when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate checks the values that cannot be caught by the yaml decoder.
func (c *Config) Validate() error {
	if _, err := c.Session.Throttle(); err != nil {
		return err
	}
	if _, err := state.ParseCascadePolicy(c.Session.Cascade); err != nil {
		return err
	}
	if c.Audience.Tick <= 0 {
		return fmt.Errorf("audience.tick must be positive")
	}
	for name, p := range map[string]float64{
		"join_chance":  c.Audience.JoinChance,
		"leave_chance": c.Audience.LeaveChance,
		"input_chance": c.Audience.InputChance,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("audience.%s = %v, want 0..1", name, p)
		}
	}
	return nil
}

// Throttle maps the configured throttles onto their targets.
func (s SessionConfig) Throttle() (map[protocol.ThrottleTarget]protocol.Throttle, error) {
	out := make(map[protocol.ThrottleTarget]protocol.Throttle, len(s.Throttles))
	for name, t := range s.Throttles {
		target, ok := protocol.ParseThrottleTarget(name)
		if !ok {
			return nil, fmt.Errorf("unknown throttle target %q", name)
		}
		out[target] = protocol.Throttle{Capacity: t.Capacity, DrainRate: t.DrainRate}
	}
	return out, nil
}

// CascadePolicy returns the parsed scene deletion policy.
func (s SessionConfig) CascadePolicy() state.CascadePolicy {
	p, err := state.ParseCascadePolicy(s.Cascade)
	if err != nil {
		return state.CascadeReassign
	}
	return p
}
