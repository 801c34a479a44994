package interactive

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agent-racer/interactive/pkg/auth"
	"github.com/agent-racer/interactive/pkg/protocol"
	"github.com/agent-racer/interactive/pkg/state"
	"github.com/agent-racer/interactive/pkg/transport"
)

const (
	defaultCallTimeout = 10 * time.Second
	defaultStaleMargin = time.Minute
)

// Config describes one session.
type Config struct {
	// Endpoint is the websocket URL of the interactive service.
	Endpoint string
	// VersionID identifies the published controls version.
	VersionID string
	// ShareCode unlocks versions that are not published.
	ShareCode string

	// Token is the bearer credential presented at connect time.
	Token auth.Token
	// Auth refreshes Token when it is stale. Optional when Token is fresh.
	Auth *auth.Manager
	// StaleMargin is how close to expiry a token counts as stale.
	StaleMargin time.Duration
	// OnTokenRefresh is called with every refreshed token so the host can
	// persist it.
	OnTokenRefresh func(auth.Token)

	// Transport defaults to a gorilla/websocket transport.
	Transport transport.Transport

	// GoInteractive sends ready after the handshake.
	GoInteractive bool
	// Throttles are sent after every successful connect.
	Throttles map[protocol.ThrottleTarget]protocol.Throttle
	// Cascade chooses what happens to groups of a deleted scene.
	Cascade state.CascadePolicy

	// CallTimeout bounds every method call made on the host's behalf and
	// the handshake itself.
	CallTimeout time.Duration

	// Logger receives session logs. DebugLevel gates them.
	Logger     *slog.Logger
	DebugLevel DebugLevel
	// Registerer receives the session metrics. Nil keeps them private.
	Registerer prometheus.Registerer

	// Now overrides the local clock.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.StaleMargin <= 0 {
		c.StaleMargin = defaultStaleMargin
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c *Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint: %v", ErrInvalidConfig, err)
	}
	if c.Transport == nil && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: endpoint scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if c.VersionID == "" {
		return fmt.Errorf("%w: version id is required", ErrInvalidConfig)
	}
	if !c.Token.Valid() && (c.Token.RefreshToken == "" || c.Auth == nil) {
		return fmt.Errorf("%w: a token or a refresh token with an auth manager is required", ErrInvalidConfig)
	}
	return nil
}
