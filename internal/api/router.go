// Package api exposes the loopback control plane: health and readiness,
// login-callback delivery, upload/search proxying, mode switching and
// Prometheus metrics. Capture frontends talk to the daemon exclusively
// through this surface.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snapvault/companion/internal/auth"
	"github.com/snapvault/companion/internal/core"
	"github.com/snapvault/companion/internal/health"
	"github.com/snapvault/companion/internal/log"
	"github.com/snapvault/companion/internal/mode"
	"github.com/snapvault/companion/internal/supervisor"
)

// Server bundles the handlers' dependencies.
type Server struct {
	service *core.Service
	session *auth.Session
	modes   *mode.Controller
	sup     *supervisor.Supervisor
	monitor *health.Monitor
	version string
	logger  zerolog.Logger
}

// NewServer builds the control-plane server.
func NewServer(service *core.Service, session *auth.Session, modes *mode.Controller, sup *supervisor.Supervisor, monitor *health.Monitor, version string) *Server {
	return &Server{
		service: service,
		session: session,
		modes:   modes,
		sup:     sup,
		monitor: monitor,
		version: version,
		logger:  log.WithComponent("api"),
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		// The login page redirects here in quick succession on some
		// browsers; the session's dedupe window handles repeats, the rate
		// limit handles abuse.
		r.With(httprate.LimitByIP(10, time.Minute)).Get("/callback", s.handleCallback)
		r.Get("/login-url", s.handleLoginURL)
		r.Post("/logout", s.handleLogout)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Post("/search", s.handleSearch)
		r.Post("/mode", s.handleMode)
		r.Post("/server/start", s.handleServerStart)
		r.Post("/server/stop", s.handleServerStop)
		r.Post("/server/restart", s.handleServerRestart)
	})

	return r
}
