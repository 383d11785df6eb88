package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapvault/companion/internal/auth"
	"github.com/snapvault/companion/internal/config"
	"github.com/snapvault/companion/internal/core"
	"github.com/snapvault/companion/internal/health"
	"github.com/snapvault/companion/internal/mode"
	"github.com/snapvault/companion/internal/supervisor"
	"github.com/snapvault/companion/internal/uploader"
)

type memStore struct {
	mu    sync.Mutex
	state auth.StoredState
	has   bool
}

func (m *memStore) Save(st auth.StoredState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state, m.has = st, true
	return nil
}

func (m *memStore) Load() (auth.StoredState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	complete := m.has && m.state.AccessToken != "" && m.state.UserID != "" &&
		m.state.UserName != "" && m.state.UserEmail != ""
	return m.state, complete, nil
}

func (m *memStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state, m.has = auth.StoredState{}, false
	return nil
}

type stubProc struct{ done chan struct{} }

func (p *stubProc) PID() int                { return 9999 }
func (p *stubProc) Done() <-chan struct{}   { return p.done }
func (p *stubProc) Alive() bool             { return true }
func (p *stubProc) Terminate(time.Duration) { close(p.done) }
func (p *stubProc) Kill()                   {}

type stubLauncher struct{}

func (stubLauncher) Launch(context.Context, string, []string) (supervisor.Proc, error) {
	return &stubProc{done: make(chan struct{})}, nil
}

type testEnv struct {
	server  *Server
	router  http.Handler
	sup     *supervisor.Supervisor
	session *auth.Session
	modes   *mode.Controller
}

func newTestEnv(t *testing.T, initial mode.Mode, cfg config.Config) *testEnv {
	t.Helper()
	if cfg.ServerPort == 0 {
		cfg.ServerPort = 18080
	}
	if cfg.RemoteBaseURL == "" {
		cfg.RemoteBaseURL = "http://127.0.0.1:0"
	}
	cfg.LoginBaseURL = "https://app.example.com/login"
	cfg.CallbackScheme = "snapvault://auth"
	cfg.CallbackCooldown = 5 * time.Second
	cfg.RefreshTimeout = time.Second
	cfg.DataDir = t.TempDir()
	cfg.ServerExecName = "snapvault-server"

	session := auth.NewSession(cfg, &memStore{})
	sup := supervisor.New(cfg, stubLauncher{})
	sup.SetSweeper(func(context.Context, int, time.Duration) {})
	client := uploader.New(cfg, sup.Running, session)
	modes := mode.NewController(initial, sup, session)
	service := core.NewService(cfg, modes, session, sup, client)
	monitor := health.NewMonitor(cfg.LocalBaseURL())

	srv := NewServer(service, session, modes, sup, monitor, "v0.0.0-test")
	return &testEnv{server: srv, router: srv.Router(), sup: sup, session: session, modes: modes}
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func localPortOf(t *testing.T, srvURL string) int {
	t.Helper()
	u, err := url.Parse(srvURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

const loginCallback = "/auth/callback?token=tok-1&refresh_token=ref-1&user_id=u1&user_name=Alice&user_email=alice%40example.com"

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, mode.Local, config.Config{})
	rec := env.do(t, http.MethodGet, "/healthz", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "v0.0.0-test", body["version"])
}

func TestReadyzTracksLocalServer(t *testing.T) {
	env := newTestEnv(t, mode.Local, config.Config{})

	rec := env.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.sup.SetRunning(true)
	rec = env.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzTracksLoginWhenOnline(t *testing.T) {
	env := newTestEnv(t, mode.Online, config.Config{})

	rec := env.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, loginCallback, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCallbackLogsIn(t *testing.T) {
	env := newTestEnv(t, mode.Online, config.Config{})

	rec := env.do(t, http.MethodGet, loginCallback, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["logged_in"])

	rec = env.do(t, http.MethodGet, "/status", nil, "")
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["logged_in"])
	assert.Equal(t, false, body["requires_login"])
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Alice", user["name"])
}

func TestCallbackWithoutTokenIsRejected(t *testing.T) {
	env := newTestEnv(t, mode.Online, config.Config{})

	rec := env.do(t, http.MethodGet, "/auth/callback?user_id=u1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_callback", decodeBody(t, rec)["error"])
	assert.False(t, env.session.LoggedIn())
}

func TestLoginURLEndpoint(t *testing.T) {
	env := newTestEnv(t, mode.Online, config.Config{})

	rec := env.do(t, http.MethodGet, "/auth/login-url", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["url"], "callback=snapvault")
}

func TestLogoutEndpoint(t *testing.T) {
	env := newTestEnv(t, mode.Online, config.Config{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, loginCallback, nil, "").Code)

	rec := env.do(t, http.MethodPost, "/auth/logout", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.session.LoggedIn())
}

func multipartBody(t *testing.T, image []byte, label string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "image.jpg")
	require.NoError(t, err)
	_, err = part.Write(image)
	require.NoError(t, err)
	require.NoError(t, w.WriteField("label", label))
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestUploadRequiresLoginInOnlineMode(t *testing.T) {
	env := newTestEnv(t, mode.Online, config.Config{})

	body, contentType := multipartBody(t, []byte{1, 2}, "x")
	rec := env.do(t, http.MethodPost, "/v1/upload", body, contentType)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "login_required", decodeBody(t, rec)["error"])
}

func TestUploadProxiesToLocalServer(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "sunset", r.FormValue("label"))
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer local.Close()

	env := newTestEnv(t, mode.Local, config.Config{ServerPort: localPortOf(t, local.URL)})
	env.sup.SetRunning(true)

	body, contentType := multipartBody(t, []byte{1, 2, 3}, "sunset")
	rec := env.do(t, http.MethodPost, "/v1/upload", body, contentType)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestUploadWhenLocalServerDown(t *testing.T) {
	env := newTestEnv(t, mode.Local, config.Config{})

	body, contentType := multipartBody(t, []byte{1}, "x")
	rec := env.do(t, http.MethodPost, "/v1/upload", body, contentType)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "local_server_unavailable", decodeBody(t, rec)["error"])
}

func TestUploadRejectsNonMultipart(t *testing.T) {
	env := newTestEnv(t, mode.Local, config.Config{})
	env.sup.SetRunning(true)

	rec := env.do(t, http.MethodPost, "/v1/upload", strings.NewReader("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchEndpoint(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	defer local.Close()

	env := newTestEnv(t, mode.Local, config.Config{ServerPort: localPortOf(t, local.URL)})
	env.sup.SetRunning(true)

	rec := env.do(t, http.MethodPost, "/v1/search", strings.NewReader(`{"query":"cats"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec), "results")
}

func TestModeEndpointToggleAndSet(t *testing.T) {
	env := newTestEnv(t, mode.Local, config.Config{})

	// Empty body toggles.
	rec := env.do(t, http.MethodPost, "/v1/mode", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "online", body["mode"])
	assert.Equal(t, true, body["requires_login"])

	// Explicit mode sets.
	rec = env.do(t, http.MethodPost, "/v1/mode", strings.NewReader(`{"mode":"local"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "local", decodeBody(t, rec)["mode"])
	assert.Equal(t, mode.Local, env.modes.Current())

	// Unknown mode is rejected.
	rec = env.do(t, http.MethodPost, "/v1/mode", strings.NewReader(`{"mode":"cloud"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerStopEndpoint(t *testing.T) {
	env := newTestEnv(t, mode.Local, config.Config{})
	env.sup.SetRunning(true)

	rec := env.do(t, http.MethodPost, "/v1/server/stop", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.sup.Running())
}

func TestMetricsEndpointExposed(t *testing.T) {
	env := newTestEnv(t, mode.Local, config.Config{})

	rec := env.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "companiond_")
}
