package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// authServer is a scriptable authentication backend.
type authServer struct {
	mu                 sync.Mutex
	srv                *httptest.Server
	validAccess        string
	validRefresh       string
	refreshCalls       int
	logoutCalls        int
	failRefresh        bool
	failLogout         bool
	alwaysUnauthorized bool
}

func newAuthServer(t *testing.T) *authServer {
	t.Helper()
	s := &authServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *authServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.URL.Path {
	case "/auth/login":
		var body struct{ Username, Password string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "bad credentials"})
			return
		}
		s.validAccess = "access-1"
		s.validRefresh = "refresh-1"
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
		})

	case "/auth/refresh":
		s.refreshCalls++
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if s.failRefresh || body.RefreshToken != s.validRefresh {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.validAccess = "access-2"
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "access-2"})

	case "/auth/logout":
		s.logoutCalls++
		if s.failLogout {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)

	case "/auth/me":
		if !s.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": 7, "username": "alice", "email": "alice@example.com",
			"is_active": true, "is_verified": true,
			"created_at": "2026-01-15T10:00:00Z",
		})

	case "/auth/verify":
		if !s.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)

	case "/auth/register":
		w.WriteHeader(http.StatusCreated)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *authServer) authorized(r *http.Request) bool {
	if s.alwaysUnauthorized {
		return false
	}
	return r.Header.Get("Authorization") == "Bearer "+s.validAccess
}

func (s *authServer) expireAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validAccess = "access-2"
}

func (s *authServer) refreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

func newTestManager(t *testing.T, s *authServer, keyring Keyring) *Manager {
	t.Helper()
	m, err := NewManager(Config{BaseURL: s.srv.URL, Keyring: keyring})
	require.NoError(t, err)
	return m
}

func TestManager_LoginStoresPair(t *testing.T) {
	s := newAuthServer(t)
	keyring := NewMemoryKeyring()
	m := newTestManager(t, s, keyring)

	assert.False(t, m.IsAuthenticated())

	pair, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "access-1", pair.AccessToken)
	assert.Equal(t, "refresh-1", pair.RefreshToken)
	assert.True(t, m.IsAuthenticated())

	// Both tokens are persisted under independent keys.
	access, _ := keyring.Get(KeyAccessToken)
	refresh, _ := keyring.Get(KeyRefreshToken)
	assert.Equal(t, "access-1", access)
	assert.Equal(t, "refresh-1", refresh)
}

func TestManager_LoginRejected(t *testing.T) {
	s := newAuthServer(t)
	m := newTestManager(t, s, nil)

	_, err := m.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.False(t, m.IsAuthenticated())
}

func TestManager_PairSurvivesRestart(t *testing.T) {
	s := newAuthServer(t)
	path := filepath.Join(t.TempDir(), "keyring.json")
	keyring, err := NewFileKeyring(path)
	require.NoError(t, err)

	m := newTestManager(t, s, keyring)
	_, err = m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	// A fresh manager over the same keyring restores the session.
	restored := newTestManager(t, s, keyring)
	assert.True(t, restored.IsAuthenticated())
	assert.Equal(t, "access-1", restored.Tokens().AccessToken)
}

func TestManager_LogoutClearsStateEvenWhenServerFails(t *testing.T) {
	s := newAuthServer(t)
	s.failLogout = true
	keyring := NewMemoryKeyring()
	m := newTestManager(t, s, keyring)

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	err = m.Logout(context.Background())
	assert.Error(t, err) // best-effort call failed

	assert.False(t, m.IsAuthenticated())
	access, _ := keyring.Get(KeyAccessToken)
	refresh, _ := keyring.Get(KeyRefreshToken)
	assert.Empty(t, access)
	assert.Empty(t, refresh)
}

func TestManager_TransparentRefreshRetriesOnce(t *testing.T) {
	s := newAuthServer(t)
	m := newTestManager(t, s, nil)

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	// The server rotates the valid token: the held access token is now
	// stale and the next authorized call gets a 401.
	s.expireAccess()

	user, err := m.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, 7, user.ID)

	assert.Equal(t, 1, s.refreshCount())
	assert.Equal(t, "access-2", m.Tokens().AccessToken)
	// The refresh token is untouched by a refresh.
	assert.Equal(t, "refresh-1", m.Tokens().RefreshToken)
}

func TestManager_SecondUnauthorizedTerminatesSession(t *testing.T) {
	s := newAuthServer(t)
	m := newTestManager(t, s, nil)

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	// Every authorized call fails regardless of token: the refresh
	// succeeds but the replayed request is rejected again.
	s.mu.Lock()
	s.alwaysUnauthorized = true
	s.mu.Unlock()

	_, err = m.CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, 1, s.refreshCount())
	assert.False(t, m.IsAuthenticated())
}

func TestManager_RefreshFailureTerminatesSession(t *testing.T) {
	s := newAuthServer(t)
	m := newTestManager(t, s, nil)

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	s.mu.Lock()
	s.failRefresh = true
	s.mu.Unlock()
	s.expireAccess()

	_, err = m.CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, m.IsAuthenticated())
	assert.Empty(t, m.Tokens().RefreshToken)
}

func TestManager_VerifyToken(t *testing.T) {
	s := newAuthServer(t)
	m := newTestManager(t, s, nil)

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.NoError(t, m.VerifyToken(context.Background()))
}

func TestManager_Register(t *testing.T) {
	s := newAuthServer(t)
	m := newTestManager(t, s, nil)

	err := m.Register(context.Background(), "bob", "bob@example.com", "hunter2")
	assert.NoError(t, err)
	// Registration does not log in.
	assert.False(t, m.IsAuthenticated())
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, shouldRetry(http.StatusUnauthorized, &retryMeta{}))
	assert.False(t, shouldRetry(http.StatusUnauthorized, &retryMeta{attempted: true}))
	assert.False(t, shouldRetry(http.StatusUnauthorized, nil))
	assert.False(t, shouldRetry(http.StatusOK, &retryMeta{}))
	assert.False(t, shouldRetry(http.StatusForbidden, &retryMeta{}))
}
