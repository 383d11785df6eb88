// Package health probes the supervised server's liveness and watches network
// reachability. The probe result is the only authority that flips the
// supervisor's running flag back to true after a start.
package health

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapvault/companion/internal/log"
	"github.com/snapvault/companion/internal/metrics"
)

// Monitor issues liveness probes against the local server root endpoint.
type Monitor struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger

	// OnResult receives every probe outcome; the supervisor wires its
	// SetRunning here.
	OnResult func(healthy bool)
	// ProcessAlive gates the opportunistic re-probe on reachability
	// recovery: probing a dead handle is pointless.
	ProcessAlive func() bool

	// ReachProbeAddr is the host:port dialled to detect connectivity,
	// defaulting to a public resolver.
	ReachProbeAddr string
	dial           func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewMonitor builds a monitor for the server at baseURL.
func NewMonitor(baseURL string) *Monitor {
	d := &net.Dialer{Timeout: 2 * time.Second}
	return &Monitor{
		baseURL:        baseURL,
		client:         &http.Client{Timeout: 5 * time.Second},
		logger:         log.WithComponent("health"),
		ReachProbeAddr: "1.1.1.1:443",
		dial:           d.DialContext,
	}
}

// Check issues one GET against the server root. Only HTTP 200 counts as
// healthy; transport errors and every other status are unhealthy.
func (m *Monitor) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/", nil)
	if err != nil {
		return false
	}
	res, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug().Err(err).Str(log.FieldBaseURL, m.baseURL).Msg("health probe failed")
		m.report(false)
		return false
	}
	defer res.Body.Close()

	healthy := res.StatusCode == http.StatusOK
	if !healthy {
		m.logger.Debug().
			Int(log.FieldStatus, res.StatusCode).
			Str(log.FieldBaseURL, m.baseURL).
			Msg("health probe returned non-200")
	}
	m.report(healthy)
	return healthy
}

func (m *Monitor) report(healthy bool) {
	metrics.RecordHealthProbe(healthy)
	if m.OnResult != nil {
		m.OnResult(healthy)
	}
}

// Watch polls network reachability until ctx is cancelled. When connectivity
// transitions from down to up and the server process handle is still alive,
// it re-runs Check opportunistically; it never forces a restart.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration) {
	online := m.reachable(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := m.reachable(ctx)
			if now && !online {
				m.logger.Info().Str(log.FieldEvent, "network.recovered").Msg("connectivity restored")
				if m.ProcessAlive == nil || m.ProcessAlive() {
					m.Check(ctx)
				}
			}
			if !now && online {
				m.logger.Info().Str(log.FieldEvent, "network.lost").Msg("connectivity lost")
			}
			online = now
		}
	}
}

func (m *Monitor) reachable(ctx context.Context) bool {
	conn, err := m.dial(ctx, "tcp", m.ReachProbeAddr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
