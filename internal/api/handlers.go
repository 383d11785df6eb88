package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/snapvault/companion/internal/auth"
	"github.com/snapvault/companion/internal/mode"
	"github.com/snapvault/companion/internal/uploader"
)

// maxUploadBytes bounds the multipart body read from callers.
const maxUploadBytes = 32 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{}
	ready := true

	if s.modes.Current() == mode.Local {
		running := s.sup.Running()
		checks["local_server"] = map[string]any{"running": running}
		ready = running
	} else {
		loggedIn := s.session.LoggedIn()
		checks["auth_session"] = map[string]any{"logged_in": loggedIn}
		ready = loggedIn
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.sup.Info()
	user, loggedIn := s.session.CurrentUser()
	resp := map[string]any{
		"server":         st,
		"mode":           s.modes.Current().String(),
		"logged_in":      loggedIn,
		"requires_login": s.modes.RequiresLogin(),
	}
	if loggedIn {
		resp["user"] = user
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if err := s.session.HandleCallback(r.URL.String()); err != nil {
		if errors.Is(err, auth.ErrMalformedCallback) {
			writeError(w, http.StatusBadRequest, "malformed_callback", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "callback_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logged_in": s.session.LoggedIn()})
}

func (s *Server) handleLoginURL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"url": s.session.LoginURL()})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.session.Logout()
	writeJSON(w, http.StatusOK, map[string]any{"logged_in": false})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Login-required states must be distinguishable from transient failures,
	// so the check happens before the upload is even attempted.
	if s.modes.RequiresLogin() {
		writeError(w, http.StatusUnauthorized, "login_required", "online mode requires login")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "expected multipart form data")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", `missing "image" part`)
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable image part")
		return
	}

	resp, err := s.service.Upload(r.Context(), image, r.FormValue("label"))
	if err != nil {
		s.writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	resp, err := s.service.Search(r.Context(), req.Query, req.Limit)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	var current mode.Mode
	if req.Mode == "" {
		current = s.modes.Toggle(r.Context())
	} else {
		m, ok := mode.Parse(req.Mode)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "mode must be local or online")
			return
		}
		s.modes.Set(r.Context(), m)
		current = m
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           current.String(),
		"requires_login": s.modes.RequiresLogin(),
	})
}

func (s *Server) handleServerStart(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Start(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.sup.Info())
}

func (s *Server) handleServerStop(w http.ResponseWriter, r *http.Request) {
	s.sup.Stop(r.Context())
	writeJSON(w, http.StatusOK, s.sup.Info())
}

func (s *Server) handleServerRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Restart(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "restart_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.sup.Info())
}

// writeUploadError maps the uploader taxonomy onto HTTP statuses so callers
// can distinguish "prompt to log in" from "show retry".
func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, uploader.ErrMissingAuth):
		writeError(w, http.StatusUnauthorized, "login_required", err.Error())
	case errors.Is(err, uploader.ErrAuthExpired):
		writeError(w, http.StatusUnauthorized, "auth_expired", err.Error())
	case errors.Is(err, uploader.ErrRefreshFailed):
		writeError(w, http.StatusServiceUnavailable, "refresh_failed", err.Error())
	case errors.Is(err, uploader.ErrServerNotRunning), errors.Is(err, uploader.ErrLocalUnavailable):
		writeError(w, http.StatusServiceUnavailable, "local_server_unavailable", err.Error())
	case errors.Is(err, uploader.ErrServer):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	case errors.Is(err, uploader.ErrInvalidResponse):
		writeError(w, http.StatusBadGateway, "invalid_upstream_response", err.Error())
	case errors.Is(err, uploader.ErrNetwork):
		writeError(w, http.StatusBadGateway, "network_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": code, "message": message})
}
