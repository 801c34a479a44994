package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const shortCodeTTL = 5 * time.Minute

type grantState int

const (
	grantPending grantState = iota
	grantApproved
	grantDenied
)

type grant struct {
	code     string
	clientID string
	scope    string
	checks   int
	state    grantState
	authCode string
	expires  time.Time
}

// Identity is a small short code identity provider. A pending code is
// approved automatically after approveAfter checks; zero leaves approval to
// Approve or the approve endpoint.
type Identity struct {
	mu           sync.Mutex
	ttl          time.Duration
	approveAfter int
	now          func() time.Time

	grants   map[string]*grant // by handle
	byCode   map[string]string // short code -> handle
	authCode map[string]string // authorization code -> client id
	access   map[string]time.Time
	refresh  map[string]string // refresh token -> client id
}

func NewIdentity(ttl time.Duration, approveAfter int) *Identity {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Identity{
		ttl:          ttl,
		approveAfter: approveAfter,
		now:          time.Now,
		grants:       make(map[string]*grant),
		byCode:       make(map[string]string),
		authCode:     make(map[string]string),
		access:       make(map[string]time.Time),
		refresh:      make(map[string]string),
	}
}

// Routes mounts the OAuth endpoints.
func (id *Identity) Routes(r chi.Router) {
	r.Post("/oauth/shortcode", id.handleShortCode)
	r.Get("/oauth/shortcode/check/{handle}", id.handleCheck)
	r.Post("/oauth/shortcode/{code}/approve", id.handleDecision(true))
	r.Post("/oauth/shortcode/{code}/deny", id.handleDecision(false))
	r.Post("/oauth/token", id.handleToken)
}

// TokenResponse is the body of a successful token request.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Issue mints a token pair for clientID.
func (id *Identity) Issue(clientID string) TokenResponse {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.issueLocked(clientID)
}

func (id *Identity) issueLocked(clientID string) TokenResponse {
	access := uuid.NewString()
	refresh := uuid.NewString()
	id.access[access] = id.now().Add(id.ttl)
	id.refresh[refresh] = clientID
	return TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		RefreshToken: refresh,
		ExpiresIn:    int64(id.ttl / time.Second),
	}
}

// Valid reports whether an access token or "Bearer" header value is known
// and unexpired.
func (id *Identity) Valid(token string) bool {
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return false
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	exp, ok := id.access[token]
	return ok && id.now().Before(exp)
}

// Approve decides the pending short code. It reports false for unknown
// codes.
func (id *Identity) Approve(code string, allow bool) bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	g, ok := id.grants[id.byCode[strings.ToUpper(code)]]
	if !ok || g.state != grantPending {
		return false
	}
	id.decideLocked(g, allow)
	return true
}

func (id *Identity) decideLocked(g *grant, allow bool) {
	if !allow {
		g.state = grantDenied
		return
	}
	g.state = grantApproved
	g.authCode = uuid.NewString()
	id.authCode[g.authCode] = g.clientID
}

func (id *Identity) handleShortCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		Scope        string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		http.Error(w, "client_id required", http.StatusBadRequest)
		return
	}

	handle := uuid.NewString()
	code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])

	id.mu.Lock()
	id.grants[handle] = &grant{
		code:     code,
		clientID: req.ClientID,
		scope:    req.Scope,
		expires:  id.now().Add(shortCodeTTL),
	}
	id.byCode[code] = handle
	id.mu.Unlock()

	log.Printf("Short code %s issued to %s", code, req.ClientID)
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       code,
		"handle":     handle,
		"expires_in": int64(shortCodeTTL / time.Second),
	})
}

func (id *Identity) handleCheck(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	id.mu.Lock()
	g, ok := id.grants[handle]
	if ok && id.now().After(g.expires) {
		delete(id.grants, handle)
		delete(id.byCode, g.code)
		ok = false
	}
	if !ok {
		id.mu.Unlock()
		http.Error(w, "unknown handle", http.StatusNotFound)
		return
	}
	if g.state == grantPending {
		g.checks++
		if id.approveAfter > 0 && g.checks >= id.approveAfter {
			id.decideLocked(g, true)
		}
	}
	st, authCode := g.state, g.authCode
	if st != grantPending {
		delete(id.grants, handle)
		delete(id.byCode, g.code)
	}
	id.mu.Unlock()

	switch st {
	case grantPending:
		w.WriteHeader(http.StatusNoContent)
	case grantDenied:
		http.Error(w, "denied", http.StatusForbidden)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"code": authCode})
	}
}

func (id *Identity) handleDecision(allow bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !id.Approve(chi.URLParam(r, "code"), allow) {
			http.Error(w, "unknown code", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (id *Identity) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request")
		return
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		clientID, ok := id.authCode[code]
		if !ok {
			oauthError(w, "invalid_grant")
			return
		}
		delete(id.authCode, code)
		writeJSON(w, http.StatusOK, id.issueLocked(clientID))
	case "refresh_token":
		old := r.PostForm.Get("refresh_token")
		clientID, ok := id.refresh[old]
		if !ok {
			oauthError(w, "invalid_grant")
			return
		}
		delete(id.refresh, old)
		writeJSON(w, http.StatusOK, id.issueLocked(clientID))
	default:
		oauthError(w, "unsupported_grant_type")
	}
}

func oauthError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}
