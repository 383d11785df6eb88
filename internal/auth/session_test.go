package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapvault/companion/internal/config"
)

type memStore struct {
	mu       sync.Mutex
	state    StoredState
	hasState bool
	saves    int
}

func (m *memStore) Save(st StoredState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
	m.hasState = true
	m.saves++
	return nil
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *memStore) Load() (StoredState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasState {
		return StoredState{}, false, nil
	}
	return m.state, m.state.complete(), nil
}

func (m *memStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StoredState{}
	m.hasState = false
	return nil
}

func testSessionConfig() config.Config {
	return config.Config{
		RemoteBaseURL:    "https://api.example.com",
		LoginBaseURL:     "https://app.example.com/login",
		CallbackScheme:   "snapvault://auth",
		CallbackCooldown: 5 * time.Second,
		RefreshTimeout:   time.Second,
	}
}

const callbackURL = "snapvault://auth?token=tok-1&refresh_token=ref-1&user_id=u1&user_name=Alice&user_email=alice%40example.com"

func TestHandleCallbackAcceptsTokenVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"token param", "snapvault://auth?token=abc&user_id=u1&user_name=n&user_email=e"},
		{"access_token param", "snapvault://auth?access_token=abc&user_id=u1&user_name=n&user_email=e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(testSessionConfig(), &memStore{})
			require.NoError(t, s.HandleCallback(tt.raw))
			assert.True(t, s.LoggedIn())
			assert.Equal(t, "abc", s.AccessToken())
		})
	}
}

func TestHandleCallbackMissingTokenIsMalformed(t *testing.T) {
	s := NewSession(testSessionConfig(), &memStore{})
	err := s.HandleCallback("snapvault://auth?user_id=u1&user_name=n&user_email=e")
	assert.ErrorIs(t, err, ErrMalformedCallback)
	assert.False(t, s.LoggedIn())
}

func TestHandleCallbackDefaultsMissingName(t *testing.T) {
	s := NewSession(testSessionConfig(), &memStore{})
	require.NoError(t, s.HandleCallback("snapvault://auth?token=abc&user_id=u1&user_email=e"))

	user, ok := s.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "unknown", user.Name)
}

func TestHandleCallbackPersistsSession(t *testing.T) {
	store := &memStore{}
	s := NewSession(testSessionConfig(), store)
	require.NoError(t, s.HandleCallback(callbackURL))

	st, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok-1", st.AccessToken)
	assert.Equal(t, "ref-1", st.RefreshToken)
	assert.Equal(t, "u1", st.UserID)
	assert.Equal(t, "Alice", st.UserName)
	assert.Equal(t, "alice@example.com", st.UserEmail)
	assert.True(t, s.HasRefreshToken())
}

func TestHandleCallbackDedupesWithinCooldown(t *testing.T) {
	store := &memStore{}
	s := NewSession(testSessionConfig(), store)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	require.NoError(t, s.HandleCallback(callbackURL))
	require.Equal(t, 1, store.saveCount())

	// Identical URL two seconds later is silently dropped, without even
	// consulting the relogin hook or touching the store.
	s.now = func() time.Time { return base.Add(2 * time.Second) }
	confirmCalled := false
	s.ConfirmRelogin = func(User) bool {
		confirmCalled = true
		return true
	}
	require.NoError(t, s.HandleCallback(callbackURL))
	assert.False(t, confirmCalled)
	assert.Equal(t, "tok-1", s.AccessToken())
	assert.Equal(t, 1, store.saveCount())

	// Past the cooldown the same URL is a genuine relogin attempt.
	s.now = func() time.Time { return base.Add(10 * time.Second) }
	require.NoError(t, s.HandleCallback(callbackURL))
	assert.True(t, confirmCalled)
}

func TestReloginDeclinedByDefault(t *testing.T) {
	s := NewSession(testSessionConfig(), &memStore{})
	require.NoError(t, s.HandleCallback(callbackURL))

	// No ConfirmRelogin hook installed: a second login is refused.
	err := s.HandleCallback("snapvault://auth?token=tok-2&user_id=u2&user_name=Bob&user_email=b")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", s.AccessToken())

	user, _ := s.CurrentUser()
	assert.Equal(t, "u1", user.ID)
}

func TestReloginConfirmedReplacesSession(t *testing.T) {
	s := NewSession(testSessionConfig(), &memStore{})
	require.NoError(t, s.HandleCallback(callbackURL))

	s.ConfirmRelogin = func(current User) bool {
		assert.Equal(t, "u1", current.ID)
		return true
	}
	require.NoError(t, s.HandleCallback("snapvault://auth?token=tok-2&user_id=u2&user_name=Bob&user_email=b"))

	assert.Equal(t, "tok-2", s.AccessToken())
	user, _ := s.CurrentUser()
	assert.Equal(t, "u2", user.ID)
}

func TestLogoutClearsStateAndStore(t *testing.T) {
	store := &memStore{}
	s := NewSession(testSessionConfig(), store)
	require.NoError(t, s.HandleCallback(callbackURL))

	s.Logout()

	assert.False(t, s.LoggedIn())
	assert.Empty(t, s.AccessToken())
	assert.False(t, s.HasRefreshToken())
	_, ok, _ := store.Load()
	assert.False(t, ok)

	// Logout also resets the dedupe window: the same URL logs in again.
	require.NoError(t, s.HandleCallback(callbackURL))
	assert.True(t, s.LoggedIn())
}

func TestRestoreCompleteRecord(t *testing.T) {
	store := &memStore{}
	require.NoError(t, store.Save(StoredState{
		AccessToken: "tok", RefreshToken: "ref",
		UserID: "u1", UserName: "Alice", UserEmail: "a@example.com",
	}))

	s := NewSession(testSessionConfig(), store)
	s.Restore()

	assert.True(t, s.LoggedIn())
	assert.Equal(t, "tok", s.AccessToken())
	user, ok := s.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "Alice", user.Name)
}

func TestRestorePartialRecordStaysLoggedOut(t *testing.T) {
	store := &memStore{}
	require.NoError(t, store.Save(StoredState{AccessToken: "tok", UserID: "u1"}))

	s := NewSession(testSessionConfig(), store)
	s.Restore()

	assert.False(t, s.LoggedIn())
	assert.Empty(t, s.AccessToken())
}

func TestLoginURLEmbedsCallbackScheme(t *testing.T) {
	s := NewSession(testSessionConfig(), &memStore{})
	assert.Equal(t, "https://app.example.com/login?callback=snapvault%3A%2F%2Fauth", s.LoginURL())
}

func newRefreshTestSession(t *testing.T, handler http.HandlerFunc) (*Session, *memStore, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := testSessionConfig()
	cfg.RemoteBaseURL = srv.URL
	store := &memStore{}
	s := NewSession(cfg, store)
	require.NoError(t, s.HandleCallback(callbackURL))
	return s, store, srv
}

func TestRefreshSuccessRotatesTokens(t *testing.T) {
	s, store, _ := newRefreshTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auth/refresh", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ref-1", body["refresh_token"])

		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "tok-new",
			"refresh_token": "ref-new",
		})
	})

	token, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-new", token)
	assert.Equal(t, "tok-new", s.AccessToken())

	st, ok, _ := store.Load()
	require.True(t, ok)
	assert.Equal(t, "tok-new", st.AccessToken)
	assert.Equal(t, "ref-new", st.RefreshToken)
}

func TestRefreshKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	s, _, _ := newRefreshTestSession(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-new"})
	})

	_, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, s.HasRefreshToken())
}

func TestRefreshRejectedForcesLogout(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		s, store, _ := newRefreshTestSession(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		})

		_, err := s.Refresh(context.Background())
		assert.ErrorIs(t, err, ErrRefreshRejected)
		assert.False(t, s.LoggedIn())
		_, ok, _ := store.Load()
		assert.False(t, ok)
	}
}

func TestRefreshServerErrorPreservesSession(t *testing.T) {
	s, _, _ := newRefreshTestSession(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshUnavailable)
	assert.True(t, s.LoggedIn())
	assert.Equal(t, "tok-1", s.AccessToken())
}

func TestRefreshTransportErrorPreservesSession(t *testing.T) {
	s, _, srv := newRefreshTestSession(t, func(w http.ResponseWriter, _ *http.Request) {})
	srv.Close()

	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshUnavailable)
	assert.True(t, s.LoggedIn())
}

func TestRefreshMissingAccessTokenIsUnavailable(t *testing.T) {
	s, _, _ := newRefreshTestSession(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"refresh_token": "ref-new"})
	})

	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshUnavailable)
	assert.True(t, s.LoggedIn())
}

func TestRefreshWithoutRefreshTokenForcesLogout(t *testing.T) {
	s := NewSession(testSessionConfig(), &memStore{})
	require.NoError(t, s.HandleCallback("snapvault://auth?token=tok&user_id=u1&user_name=n&user_email=e"))
	require.False(t, s.HasRefreshToken())

	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.False(t, s.LoggedIn())
}
