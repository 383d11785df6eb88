// Package core wires mode routing, auth and the supervisor into the single
// upload entry point the outer layers call.
package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapvault/companion/internal/config"
	"github.com/snapvault/companion/internal/log"
	"github.com/snapvault/companion/internal/mode"
	"github.com/snapvault/companion/internal/supervisor"
	"github.com/snapvault/companion/internal/uploader"
)

// maxLabelLen mirrors the input limit of the capture UI.
const maxLabelLen = 16

// Tokens is the slice of the auth session the service needs.
type Tokens interface {
	AccessToken() string
}

// Service routes uploads by mode and handles local cold starts.
type Service struct {
	modes  *mode.Controller
	tokens Tokens
	sup    *supervisor.Supervisor
	client *uploader.Client
	settle time.Duration
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewService builds the upload service.
func NewService(cfg config.Config, modes *mode.Controller, tokens Tokens, sup *supervisor.Supervisor, client *uploader.Client) *Service {
	return &Service{
		modes:  modes,
		tokens: tokens,
		sup:    sup,
		client: client,
		settle: cfg.ColdStartSettle,
		logger: log.WithComponent("core"),
		sleep:  sleepCtx,
	}
}

// Upload dispatches by the current mode.
//
// Online requires a non-empty access token up front: its absence is a caller
// contract violation surfaced as ErrMissingAuth before any network attempt.
//
// Local starts the server on demand: if it is not running, one start is
// attempted and the upload waits behind a fixed settle delay because process
// startup is not synchronously observable. If the server is still not
// running afterwards, the upload fails with ErrLocalUnavailable.
func (s *Service) Upload(ctx context.Context, image []byte, label string) (uploader.Response, error) {
	label = clampLabel(label)

	switch s.modes.Current() {
	case mode.Online:
		token := s.tokens.AccessToken()
		if token == "" {
			return nil, &uploader.UploadError{Sentinel: uploader.ErrMissingAuth, Operation: "smart_upload"}
		}
		return s.client.UploadOnline(ctx, image, label, token)

	default: // mode.Local
		if !s.sup.Running() {
			s.logger.Info().Str(log.FieldEvent, "upload.cold_start").Msg("local server down, starting on demand")
			if err := s.sup.Start(ctx); err != nil {
				return nil, &uploader.UploadError{Sentinel: uploader.ErrLocalUnavailable, Operation: "smart_upload", Err: err}
			}
			if err := s.sleep(ctx, s.settle); err != nil {
				return nil, err
			}
			if !s.sup.Running() {
				return nil, &uploader.UploadError{Sentinel: uploader.ErrLocalUnavailable, Operation: "smart_upload"}
			}
		}
		return s.client.UploadLocal(ctx, image, label)
	}
}

// Search proxies a query to the local server.
func (s *Service) Search(ctx context.Context, query string, limit int) (uploader.Response, error) {
	return s.client.SearchLocal(ctx, query, limit)
}

func clampLabel(label string) string {
	runes := []rune(label)
	if len(runes) > maxLabelLen {
		return string(runes[:maxLabelLen])
	}
	return label
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
