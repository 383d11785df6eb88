// Package auth holds the user's online identity: access and refresh tokens,
// the login-callback parser with its dedupe window, and the refresh protocol
// used when an upload hits a 401.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/snapvault/companion/internal/config"
	"github.com/snapvault/companion/internal/log"
	"github.com/snapvault/companion/internal/metrics"
)

var (
	// ErrMalformedCallback marks a login callback without a usable access token.
	ErrMalformedCallback = errors.New("auth: callback missing access token")
	// ErrNoRefreshToken means refresh is impossible; the session has been
	// forcibly logged out and only a full re-login can recover.
	ErrNoRefreshToken = errors.New("auth: no refresh token available")
	// ErrRefreshRejected means the refresh token itself was rejected; the
	// session has been forcibly logged out.
	ErrRefreshRejected = errors.New("auth: refresh token rejected")
	// ErrRefreshUnavailable is a transient refresh failure; the session is
	// preserved and the caller may retry later.
	ErrRefreshUnavailable = errors.New("auth: refresh temporarily unavailable")
)

// User identifies the logged-in account.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Session is the auth state machine. All mutation goes through its mutex;
// every successful token/user mutation is persisted to the store.
type Session struct {
	store          Store
	client         *http.Client
	refreshURL     string
	loginBaseURL   string
	callbackScheme string
	cooldown       time.Duration
	logger         zerolog.Logger
	now            func() time.Time

	// ConfirmRelogin is consulted when a login callback arrives while a user
	// is already logged in. Returning true replaces the session; the default
	// (nil) declines.
	ConfirmRelogin func(current User) bool

	sf singleflight.Group

	mu              sync.Mutex
	access          string
	refresh         string
	user            *User
	loggedIn        bool
	lastCallbackURL string
	lastCallbackAt  time.Time
}

// NewSession builds a session bound to the given store.
func NewSession(cfg config.Config, store Store) *Session {
	return &Session{
		store:          store,
		client:         &http.Client{Timeout: cfg.RefreshTimeout},
		refreshURL:     cfg.RemoteBaseURL + "/api/v1/auth/refresh",
		loginBaseURL:   cfg.LoginBaseURL,
		callbackScheme: cfg.CallbackScheme,
		cooldown:       cfg.CallbackCooldown,
		logger:         log.WithComponent("auth"),
		now:            time.Now,
	}
}

// Restore reconstructs the logged-in state from durable storage. A partial
// record is treated as absent: the session stays logged out.
func (s *Session) Restore() {
	st, ok, err := s.store.Load()
	if err != nil {
		s.logger.Warn().Err(err).Msg("session restore failed")
		return
	}
	if !ok {
		s.logger.Debug().Msg("no stored session")
		return
	}

	s.mu.Lock()
	s.access = st.AccessToken
	s.refresh = st.RefreshToken
	s.user = &User{ID: st.UserID, Name: st.UserName, Email: st.UserEmail}
	s.loggedIn = true
	s.mu.Unlock()

	s.logger.Info().
		Str(log.FieldUserID, st.UserID).
		Bool("has_refresh_token", st.RefreshToken != "").
		Msg("session restored")
}

// LoginURL returns the browser-openable login page URL embedding the callback
// scheme. Opening it is the caller's concern; no response is tracked here.
func (s *Session) LoginURL() string {
	return fmt.Sprintf("%s?callback=%s", s.loginBaseURL, url.QueryEscape(s.callbackScheme))
}

// HandleCallback consumes an externally delivered login callback URL. An
// identical URL within the cooldown window is a silent no-op. A callback
// arriving while logged in requires explicit confirmation before the session
// is replaced.
func (s *Session) HandleCallback(raw string) error {
	s.mu.Lock()
	now := s.now()

	if s.lastCallbackURL == raw && now.Sub(s.lastCallbackAt) < s.cooldown {
		s.mu.Unlock()
		metrics.RecordCallback("duplicate")
		s.logger.Info().Str(log.FieldEvent, "callback.duplicate").Msg("dropping repeated login callback")
		return nil
	}

	if s.loggedIn {
		confirm := s.ConfirmRelogin
		current := *s.user
		s.mu.Unlock()
		if confirm == nil || !confirm(current) {
			metrics.RecordCallback("declined")
			s.logger.Info().Str(log.FieldEvent, "callback.declined").Msg("keeping current login")
			return nil
		}
		s.Logout()
		s.mu.Lock()
	}

	s.lastCallbackURL = raw
	s.lastCallbackAt = now

	parsed, err := url.Parse(raw)
	if err != nil {
		s.mu.Unlock()
		metrics.RecordCallback("malformed")
		return fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	q := parsed.Query()

	token := q.Get("token")
	if token == "" {
		token = q.Get("access_token")
	}
	if token == "" {
		s.mu.Unlock()
		metrics.RecordCallback("malformed")
		return ErrMalformedCallback
	}

	user := User{
		ID:    q.Get("user_id"),
		Name:  q.Get("user_name"),
		Email: q.Get("user_email"),
	}
	if user.Name == "" {
		user.Name = "unknown"
	}

	s.access = token
	s.refresh = q.Get("refresh_token")
	s.user = &user
	s.loggedIn = true
	snapshot := s.storedStateLocked()
	hasRefresh := s.refresh != ""
	s.mu.Unlock()

	s.persist(snapshot)
	metrics.RecordCallback("accepted")
	s.logger.Info().
		Str(log.FieldEvent, "callback.accepted").
		Str(log.FieldUserID, user.ID).
		Bool("has_refresh_token", hasRefresh).
		Msg("login callback processed")
	return nil
}

// Logout clears the in-memory session, the durable store and the callback
// dedupe window. Safe to call in any state.
func (s *Session) Logout() {
	s.mu.Lock()
	s.access = ""
	s.refresh = ""
	s.user = nil
	s.loggedIn = false
	s.lastCallbackURL = ""
	s.lastCallbackAt = time.Time{}
	s.mu.Unlock()

	if err := s.store.Clear(); err != nil {
		s.logger.Warn().Err(err).Msg("clearing stored session failed")
	}
	s.logger.Info().Str(log.FieldEvent, "logout").Msg("session cleared")
}

// LoggedIn reports whether a non-empty access token and user are present.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// AccessToken returns the current access token, or "" when logged out.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access
}

// HasRefreshToken reports whether refresh-on-401 is possible.
func (s *Session) HasRefreshToken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh != ""
}

// CurrentUser returns the logged-in user, if any.
func (s *Session) CurrentUser() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedIn || s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers coalesce into a single request. Outcomes:
//   - no refresh token: forced logout, ErrNoRefreshToken
//   - refresh token rejected (401/403): forced logout, ErrRefreshRejected
//   - transport error, malformed body or other non-200: session preserved,
//     ErrRefreshUnavailable
//   - success: session updated and persisted, new access token returned
func (s *Session) Refresh(ctx context.Context) (string, error) {
	v, err, _ := s.sf.Do("refresh", func() (interface{}, error) {
		return s.refreshOnce(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Session) refreshOnce(ctx context.Context) (string, error) {
	s.mu.Lock()
	refresh := s.refresh
	s.mu.Unlock()

	if refresh == "" {
		metrics.RecordRefresh("no_refresh_token")
		s.logger.Warn().Str(log.FieldEvent, "refresh.impossible").Msg("no refresh token, forcing logout")
		s.Logout()
		return "", ErrNoRefreshToken
	}

	body, err := json.Marshal(map[string]string{"refresh_token": refresh})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.refreshURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		metrics.RecordRefresh("unavailable")
		return "", fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		metrics.RecordRefresh("rejected")
		s.logger.Warn().
			Str(log.FieldEvent, "refresh.rejected").
			Int(log.FieldStatus, res.StatusCode).
			Msg("refresh token invalid, forcing logout")
		s.Logout()
		return "", ErrRefreshRejected
	case res.StatusCode != http.StatusOK:
		metrics.RecordRefresh("unavailable")
		return "", fmt.Errorf("%w: unexpected status %d", ErrRefreshUnavailable, res.StatusCode)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		metrics.RecordRefresh("unavailable")
		return "", fmt.Errorf("%w: decode response: %v", ErrRefreshUnavailable, err)
	}
	if payload.AccessToken == "" {
		metrics.RecordRefresh("unavailable")
		return "", fmt.Errorf("%w: response missing access_token", ErrRefreshUnavailable)
	}

	s.mu.Lock()
	s.access = payload.AccessToken
	if payload.RefreshToken != "" {
		s.refresh = payload.RefreshToken
	}
	snapshot := s.storedStateLocked()
	s.mu.Unlock()

	s.persist(snapshot)
	metrics.RecordRefresh("success")
	s.logger.Info().Str(log.FieldEvent, "refresh.success").Msg("access token refreshed")
	return payload.AccessToken, nil
}

func (s *Session) storedStateLocked() StoredState {
	st := StoredState{
		AccessToken:  s.access,
		RefreshToken: s.refresh,
	}
	if s.user != nil {
		st.UserID = s.user.ID
		st.UserName = s.user.Name
		st.UserEmail = s.user.Email
	}
	return st
}

func (s *Session) persist(st StoredState) {
	if err := s.store.Save(st); err != nil {
		s.logger.Warn().Err(err).Msg("persisting session failed")
	}
}
