package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

const (
	shortCodePath  = "/oauth/shortcode"
	checkPath      = "/oauth/shortcode/check/"
	tokenPath      = "/oauth/token"
	defaultPoll    = 2 * time.Second
	defaultTimeout = 10 * time.Second
	tracerName     = "github.com/agent-racer/interactive/pkg/auth"
)

// Config configures a Manager.
type Config struct {
	// BaseURL of the identity service, e.g. "https://auth.example.com".
	BaseURL      string
	ClientID     string
	ClientSecret string
	// PollInterval between short code checks. Default 2s.
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
	// Now overrides the clock used for staleness checks.
	Now func() time.Time
}

// ShortCode is what the user enters on the approval page.
type ShortCode struct {
	Code      string
	Handle    string
	ExpiresIn time.Duration
}

// Manager owns the token lifecycle for one client. It holds no global state;
// create one per identity service.
type Manager struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
	tracer trace.Tracer

	mu      sync.Mutex
	handles map[string]*oauth2.Config
}

// NewManager creates a manager for cfg.
func NewManager(cfg Config) *Manager {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPoll
	}
	m := &Manager{
		cfg:     cfg,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
		now:     cfg.Now,
		tracer:  otel.Tracer(tracerName),
		handles: make(map[string]*oauth2.Config),
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: defaultTimeout}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Manager) oauthConfig(clientID string, scopes []string) *oauth2.Config {
	if clientID == "" {
		clientID = m.cfg.ClientID
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: m.cfg.ClientSecret,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  m.cfg.BaseURL + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (m *Manager) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

// IsStale checks tok against the manager's clock.
func (m *Manager) IsStale(tok Token, margin time.Duration) bool {
	return IsStale(tok, m.now(), margin)
}

type shortCodeRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Scope        string `json:"scope"`
}

type shortCodeResponse struct {
	Code      string `json:"code"`
	Handle    string `json:"handle"`
	ExpiresIn int    `json:"expires_in"`
}

// BeginShortCode asks the identity service for a code the user approves on
// another device. An empty clientID uses the configured one.
func (m *Manager) BeginShortCode(ctx context.Context, clientID string, scopes []string) (ShortCode, error) {
	oc := m.oauthConfig(clientID, scopes)
	var resp shortCodeResponse
	err := m.post(ctx, shortCodePath, shortCodeRequest{
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		Scope:        strings.Join(scopes, " "),
	}, &resp)
	if err != nil {
		return ShortCode{}, fmt.Errorf("%w: requesting short code: %v", ErrUnavailable, err)
	}
	if resp.Handle == "" || resp.Code == "" {
		return ShortCode{}, fmt.Errorf("%w: short code response missing code or handle", ErrUnavailable)
	}

	m.mu.Lock()
	m.handles[resp.Handle] = oc
	m.mu.Unlock()

	m.logger.Info("short code issued", "code", resp.Code, "expires_in", resp.ExpiresIn)
	return ShortCode{
		Code:      resp.Code,
		Handle:    resp.Handle,
		ExpiresIn: time.Duration(resp.ExpiresIn) * time.Second,
	}, nil
}

// WaitForShortCode polls until the code behind handle is approved, then
// exchanges the authorization code for a token.
func (m *Manager) WaitForShortCode(ctx context.Context, handle string, timeout time.Duration) (tok Token, err error) {
	ctx, span := m.tracer.Start(ctx, "auth.wait_short_code", trace.WithAttributes(attribute.String("auth.handle", handle)))
	defer func() { endSpan(span, err) }()

	m.mu.Lock()
	oc, ok := m.handles[handle]
	m.mu.Unlock()
	if !ok {
		oc = m.oauthConfig("", nil)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		status, body, err := m.get(waitCtx, checkPath+url.PathEscape(handle))
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return Token{}, fmt.Errorf("%w after %v", ErrTimeout, timeout)
			}
			if ctx.Err() != nil {
				return Token{}, ctx.Err()
			}
			return Token{}, fmt.Errorf("%w: checking short code: %v", ErrUnavailable, err)
		}

		switch status {
		case http.StatusOK:
			var check struct {
				Code string `json:"code"`
			}
			if err := json.Unmarshal(body, &check); err != nil || check.Code == "" {
				return Token{}, fmt.Errorf("%w: malformed short code check response", ErrUnavailable)
			}
			m.forget(handle)
			return m.exchange(ctx, oc, check.Code)
		case http.StatusNoContent:
			m.logger.Debug("short code pending", "handle", handle)
		case http.StatusForbidden:
			m.forget(handle)
			return Token{}, ErrDenied
		case http.StatusNotFound:
			m.forget(handle)
			return Token{}, fmt.Errorf("%w: handle expired", ErrTimeout)
		default:
			return Token{}, fmt.Errorf("%w: short code check returned %d", ErrUnavailable, status)
		}

		select {
		case <-time.After(m.cfg.PollInterval):
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Token{}, ctx.Err()
			}
			return Token{}, fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
	}
}

func (m *Manager) forget(handle string) {
	m.mu.Lock()
	delete(m.handles, handle)
	m.mu.Unlock()
}

func (m *Manager) exchange(ctx context.Context, oc *oauth2.Config, code string) (Token, error) {
	t, err := oc.Exchange(m.oauthContext(ctx), code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
			return Token{}, fmt.Errorf("%w: code exchange: %v", ErrDenied, err)
		}
		return Token{}, fmt.Errorf("%w: code exchange: %v", ErrUnavailable, err)
	}
	return fromOAuth2(t), nil
}

// Refresh exchanges the refresh token of tok for a new token. The old token
// stays usable by the caller until this returns.
func (m *Manager) Refresh(ctx context.Context, tok Token) (fresh Token, err error) {
	ctx, span := m.tracer.Start(ctx, "auth.refresh")
	defer func() { endSpan(span, err) }()

	if tok.RefreshToken == "" {
		return Token{}, fmt.Errorf("%w: no refresh token", ErrExpired)
	}
	stale := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       time.Unix(1, 0),
	}
	t, err := m.oauthConfig("", nil).TokenSource(m.oauthContext(ctx), stale).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			switch re.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return Token{}, fmt.Errorf("%w: %v", ErrExpired, err)
			}
		}
		return Token{}, fmt.Errorf("%w: refresh: %v", ErrUnavailable, err)
	}
	m.logger.Info("token refreshed", "expires_at", t.Expiry)
	return fromOAuth2(t), nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
