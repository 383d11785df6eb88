// Package uploader encodes and dispatches image uploads to either the local
// server (multipart over loopback) or the remote cloud API (JSON with bearer
// auth), including the 401 refresh-and-retry protocol.
package uploader

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snapvault/companion/internal/auth"
	"github.com/snapvault/companion/internal/config"
	"github.com/snapvault/companion/internal/log"
	"github.com/snapvault/companion/internal/metrics"
)

// Response is the parsed JSON body of a successful upload.
type Response map[string]any

// Refresher exchanges a refresh token for a fresh access token on 401.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Client dispatches uploads and searches. The local/online split is the
// caller's decision; see core.Service for mode-based routing.
type Client struct {
	localBase  string
	remoteBase string
	appName    string
	local      *http.Client
	remote     *http.Client
	refresher  Refresher
	running    func() bool
	logger     zerolog.Logger
	now        func() time.Time
}

// New builds a Client. running gates local requests; refresher drives the
// 401 recovery on online uploads.
func New(cfg config.Config, running func() bool, refresher Refresher) *Client {
	return &Client{
		localBase:  cfg.LocalBaseURL(),
		remoteBase: cfg.RemoteBaseURL,
		appName:    cfg.AppName,
		local:      &http.Client{},
		remote:     &http.Client{Timeout: cfg.UploadTimeout},
		refresher:  refresher,
		running:    running,
		logger:     log.WithComponent("uploader"),
		now:        time.Now,
	}
}

// UploadLocal posts the image and label as multipart form data to the local
// server. It requires the server to be health-checked running; otherwise it
// fails without touching the network.
func (c *Client) UploadLocal(ctx context.Context, image []byte, label string) (Response, error) {
	if !c.running() {
		metrics.RecordUpload("local", "precondition")
		return nil, &UploadError{Sentinel: ErrServerNotRunning, Operation: "upload_local"}
	}

	body, contentType, err := encodeMultipart(image, label)
	if err != nil {
		return nil, &UploadError{Sentinel: ErrInvalidResponse, Operation: "upload_local", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.localBase+"/upload", body)
	if err != nil {
		return nil, &UploadError{Sentinel: ErrNetwork, Operation: "upload_local", Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	res, err := c.local.Do(req)
	if err != nil {
		metrics.RecordUpload("local", "network")
		return nil, &UploadError{Sentinel: ErrNetwork, Operation: "upload_local", Err: err}
	}
	defer res.Body.Close()

	var out Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		metrics.RecordUpload("local", "invalid_response")
		return nil, &UploadError{Sentinel: ErrInvalidResponse, Operation: "upload_local", Status: res.StatusCode, Err: err}
	}

	metrics.RecordUpload("local", "success")
	return out, nil
}

// SearchLocal queries the local server's search endpoint.
func (c *Client) SearchLocal(ctx context.Context, query string, limit int) (Response, error) {
	if !c.running() {
		return nil, &UploadError{Sentinel: ErrServerNotRunning, Operation: "search_local"}
	}
	if limit <= 0 {
		limit = 10
	}

	payload, err := json.Marshal(map[string]any{"query": query, "limit": limit})
	if err != nil {
		return nil, &UploadError{Sentinel: ErrInvalidResponse, Operation: "search_local", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.localBase+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, &UploadError{Sentinel: ErrNetwork, Operation: "search_local", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.local.Do(req)
	if err != nil {
		return nil, &UploadError{Sentinel: ErrNetwork, Operation: "search_local", Err: err}
	}
	defer res.Body.Close()

	var out Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, &UploadError{Sentinel: ErrInvalidResponse, Operation: "search_local", Status: res.StatusCode, Err: err}
	}
	return out, nil
}

// UploadOnline posts the image to the remote screenshot API with bearer auth.
// A 401 on the first attempt triggers one refresh-and-retry; a second 401
// fails hard with ErrAuthExpired.
func (c *Client) UploadOnline(ctx context.Context, image []byte, label, token string) (Response, error) {
	if token == "" {
		metrics.RecordUpload("online", "precondition")
		return nil, &UploadError{Sentinel: ErrMissingAuth, Operation: "upload_online"}
	}
	return c.uploadOnline(ctx, image, label, token, false)
}

func (c *Client) uploadOnline(ctx context.Context, image []byte, label, token string, isRetry bool) (Response, error) {
	tags := label
	if tags == "" {
		tags = "untagged"
	}
	payload, err := json.Marshal(map[string]any{
		"screenshotFileBlob":  base64.StdEncoding.EncodeToString(image),
		"screenshotTimestamp": c.now().Unix(),
		"screenshotAppName":   c.appName,
		"screenshotTags":      tags,
	})
	if err != nil {
		return nil, &UploadError{Sentinel: ErrInvalidResponse, Operation: "upload_online", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.remoteBase+"/api/v1/screenshot", bytes.NewReader(payload))
	if err != nil {
		return nil, &UploadError{Sentinel: ErrNetwork, Operation: "upload_online", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.remote.Do(req)
	if err != nil {
		metrics.RecordUpload("online", "network")
		return nil, &UploadError{Sentinel: ErrNetwork, Operation: "upload_online", Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		metrics.RecordUpload("online", "network")
		return nil, &UploadError{Sentinel: ErrNetwork, Operation: "upload_online", Err: err}
	}

	if res.StatusCode == http.StatusUnauthorized {
		if isRetry {
			metrics.RecordUpload("online", "auth_expired")
			return nil, &UploadError{Sentinel: ErrAuthExpired, Operation: "upload_online", Status: res.StatusCode}
		}
		return c.refreshAndRetry(ctx, image, label)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		metrics.RecordUpload("online", "server_error")
		return nil, &UploadError{
			Sentinel:  ErrServer,
			Operation: "upload_online",
			Status:    res.StatusCode,
			Body:      truncate(string(raw), 256),
		}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		// Some deployments answer success with plain text; wrap it.
		out = Response{"message": string(raw), "success": true}
	}

	metrics.RecordUpload("online", "success")
	c.logger.Info().
		Str(log.FieldEvent, "upload.online.success").
		Int(log.FieldStatus, res.StatusCode).
		Bool(log.FieldRetry, isRetry).
		Msg("online upload complete")
	return out, nil
}

// refreshAndRetry runs the one-shot refresh protocol after a first-attempt
// 401, then reissues the upload exactly once with the new token.
func (c *Client) refreshAndRetry(ctx context.Context, image []byte, label string) (Response, error) {
	c.logger.Info().Str(log.FieldEvent, "upload.online.refresh").Msg("access token expired, attempting refresh")

	newToken, err := c.refresher.Refresh(ctx)
	switch {
	case err == nil:
		return c.uploadOnline(ctx, image, label, newToken, true)
	case errors.Is(err, auth.ErrNoRefreshToken) || errors.Is(err, auth.ErrRefreshRejected):
		metrics.RecordUpload("online", "auth_expired")
		return nil, &UploadError{Sentinel: ErrAuthExpired, Operation: "upload_online", Err: err}
	default:
		metrics.RecordUpload("online", "refresh_failed")
		return nil, &UploadError{Sentinel: ErrRefreshFailed, Operation: "upload_online", Err: err}
	}
}

// encodeMultipart builds the two-part body: "image" (binary, jpeg) and
// "label" (raw UTF-8). A random boundary per request avoids payload collisions.
func encodeMultipart(image []byte, label string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary("snapvault-" + uuid.NewString()); err != nil {
		return nil, "", err
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="image"; filename="image.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}

	if err := w.WriteField("label", label); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}
