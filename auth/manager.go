// Package auth owns the credential pair lifecycle: login, transparent
// refresh with at most one replay per request, and logout. Credentials are
// persisted in a Keyring so an authenticated session survives restarts.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/studiolens/visionchat/events"
	"github.com/studiolens/visionchat/logger"
)

// Sentinel errors surfaced by the Manager.
var (
	// ErrAuthRejected is returned when the server rejects a login or
	// registration.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrSessionExpired is terminal: the refresh token no longer works,
	// local credentials are cleared, and the caller must not retry.
	ErrSessionExpired = errors.New("session expired")
)

// DefaultRequestTimeout bounds every outbound HTTP call.
const DefaultRequestTimeout = 30 * time.Second

// TokenPair is the live credential pair for the session. The access token
// has a server-defined expiry the client never learns; the refresh token is
// longer-lived.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// User is the authenticated user's profile as reported by the server.
type User struct {
	ID         int        `json:"id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	IsActive   bool       `json:"is_active"`
	IsVerified bool       `json:"is_verified"`
	CreatedAt  time.Time  `json:"created_at"`
	LastLogin  *time.Time `json:"last_login"`
}

// Config configures the credential Manager.
type Config struct {
	// BaseURL is the authentication service root, e.g. "http://localhost:8000".
	BaseURL string

	// Keyring stores the credential pair. Defaults to an in-memory keyring.
	Keyring Keyring

	// Timeout bounds each request. Defaults to DefaultRequestTimeout.
	Timeout time.Duration

	// Bus, when set, receives credential lifecycle events.
	Bus *events.Bus
}

// Manager owns exactly one credential pair per session. It is mutated only
// by login, refresh, and logout, and destroyed on logout or on terminal
// refresh failure.
type Manager struct {
	baseURL string
	keyring Keyring
	bus     *events.Bus

	// bare performs auth-protocol calls (login, refresh, logout) without
	// the refresh-and-retry transport, which would otherwise recurse.
	bare *http.Client

	// authed attaches the bearer token and performs the transparent
	// refresh-and-retry-once protocol on every request.
	authed *http.Client

	mu   sync.RWMutex
	pair TokenPair
}

// NewManager creates a credential manager and restores any persisted pair
// from the keyring, so IsAuthenticated reflects the prior session.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Keyring == nil {
		cfg.Keyring = NewMemoryKeyring()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRequestTimeout
	}

	m := &Manager{
		baseURL: cfg.BaseURL,
		keyring: cfg.Keyring,
		bus:     cfg.Bus,
		bare:    &http.Client{Timeout: cfg.Timeout},
	}
	m.authed = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &retryTransport{mgr: m, base: http.DefaultTransport},
	}

	access, err := cfg.Keyring.Get(KeyAccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to restore credentials: %w", err)
	}
	refresh, err := cfg.Keyring.Get(KeyRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to restore credentials: %w", err)
	}
	m.pair = TokenPair{AccessToken: access, RefreshToken: refresh}

	return m, nil
}

// Client returns the HTTP client that attaches credentials and performs the
// transparent refresh-and-retry protocol. Every component issuing
// authorized requests goes through it.
func (m *Manager) Client() *http.Client {
	return m.authed
}

// IsAuthenticated reports whether an access token is held. It is
// synchronous and never validates the token against the server; validation
// happens opportunistically via CurrentUser or VerifyToken.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair.AccessToken != ""
}

// AccessToken returns the current access token, or "".
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair.AccessToken
}

// Tokens returns a copy of the current pair.
func (m *Manager) Tokens() TokenPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair
}

// Login authenticates with the server and stores the fresh credential pair.
func (m *Manager) Login(ctx context.Context, username, password string) (TokenPair, error) {
	body := map[string]string{"username": username, "password": password}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := m.postJSON(ctx, "/auth/login", body, &result); err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	pair := TokenPair{AccessToken: result.AccessToken, RefreshToken: result.RefreshToken}
	m.storePair(pair)
	m.publish(events.EventLoggedIn, username)
	logger.Info("logged in", "username", username)
	return pair, nil
}

// Register creates a new account. It does not log in.
func (m *Manager) Register(ctx context.Context, username, email, password string) error {
	body := map[string]string{"username": username, "email": email, "password": password}
	if err := m.postJSON(ctx, "/auth/register", body, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	return nil
}

// Logout invalidates the pair server-side (best effort) and clears local
// state unconditionally, even when the server call fails.
func (m *Manager) Logout(ctx context.Context) error {
	refresh := m.Tokens().RefreshToken

	var serverErr error
	if refresh != "" {
		serverErr = m.postJSON(ctx, "/auth/logout", map[string]string{"refresh_token": refresh}, nil)
		if serverErr != nil {
			logger.Warn("server-side logout failed", "error", serverErr)
		}
	}

	m.clearPair()
	m.publish(events.EventLoggedOut, nil)
	logger.Info("logged out")
	return serverErr
}

// Refresh exchanges the refresh token for a new access token. Failure is
// terminal: the pair is cleared and ErrSessionExpired returned.
func (m *Manager) Refresh(ctx context.Context) error {
	refresh := m.Tokens().RefreshToken
	if refresh == "" {
		m.expireSession()
		return ErrSessionExpired
	}

	var result struct {
		AccessToken string `json:"access_token"`
	}
	if err := m.postJSON(ctx, "/auth/refresh", map[string]string{"refresh_token": refresh}, &result); err != nil {
		logger.Warn("token refresh failed", "error", err)
		m.expireSession()
		return ErrSessionExpired
	}

	m.mu.Lock()
	m.pair.AccessToken = result.AccessToken
	m.mu.Unlock()
	if err := m.keyring.Set(KeyAccessToken, result.AccessToken); err != nil {
		logger.Warn("failed to persist refreshed token", "error", err)
	}

	m.publish(events.EventTokenRefreshed, nil)
	logger.Debug("access token refreshed")
	return nil
}

// CurrentUser fetches the authenticated user's profile. The request runs
// through the refresh-and-retry transport.
func (m *Manager) CurrentUser(ctx context.Context) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/auth/me", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.authed.Do(req)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching profile: unexpected status %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &user, nil
}

// VerifyToken asks the server to validate the current access token.
func (m *Manager) VerifyToken(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/auth/verify", nil)
	if err != nil {
		return err
	}
	resp, err := m.authed.Do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("token verification failed: status %d", resp.StatusCode)
	}
	return nil
}

// ClearCredentials drops the pair locally without a server call. Used when
// opportunistic validation demotes the authenticated status.
func (m *Manager) ClearCredentials() {
	m.clearPair()
}

func (m *Manager) storePair(pair TokenPair) {
	m.mu.Lock()
	m.pair = pair
	m.mu.Unlock()

	if err := m.keyring.Set(KeyAccessToken, pair.AccessToken); err != nil {
		logger.Warn("failed to persist access token", "error", err)
	}
	if err := m.keyring.Set(KeyRefreshToken, pair.RefreshToken); err != nil {
		logger.Warn("failed to persist refresh token", "error", err)
	}
}

func (m *Manager) clearPair() {
	m.mu.Lock()
	m.pair = TokenPair{}
	m.mu.Unlock()

	if err := m.keyring.Delete(KeyAccessToken); err != nil {
		logger.Warn("failed to clear access token", "error", err)
	}
	if err := m.keyring.Delete(KeyRefreshToken); err != nil {
		logger.Warn("failed to clear refresh token", "error", err)
	}
}

// expireSession clears credentials and announces the terminal condition.
func (m *Manager) expireSession() {
	m.clearPair()
	m.publish(events.EventSessionExpired, nil)
	logger.Warn("session expired, credentials cleared")
}

// postJSON issues an auth-protocol request on the bare client and decodes a
// 2xx response into out (when non-nil).
func (m *Manager) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.bare.Do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errorDetail(resp.Body))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// errorDetail extracts the server's human-readable error message, if any.
func errorDetail(r io.Reader) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&body); err != nil || body.Detail == "" {
		return "no detail"
	}
	return body.Detail
}

func (m *Manager) publish(eventType events.EventType, data any) {
	if m.bus != nil {
		m.bus.Publish(events.NewEvent(eventType, data))
	}
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
