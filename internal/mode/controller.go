// Package mode routes uploads between the supervised local server and the
// remote cloud API. Mode changes synchronously drive the supervisor: going
// online stops the local server, going local starts it.
package mode

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snapvault/companion/internal/log"
)

// Mode selects the upload routing target.
type Mode int

const (
	Local Mode = iota
	Online
)

func (m Mode) String() string {
	if m == Online {
		return "online"
	}
	return "local"
}

// Parse maps a mode name to a Mode; unknown names default to Local.
func Parse(s string) (Mode, bool) {
	switch s {
	case "local":
		return Local, true
	case "online":
		return Online, true
	default:
		return Local, false
	}
}

// SupervisorControl is the slice of the supervisor the controller drives.
type SupervisorControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

// SessionInfo is the slice of the auth session the controller consults.
type SessionInfo interface {
	LoggedIn() bool
}

// Controller holds the current mode.
type Controller struct {
	sup     SupervisorControl
	session SessionInfo
	logger  zerolog.Logger

	mu   sync.Mutex
	mode Mode
}

// NewController starts in the given mode without driving the supervisor;
// initial supervisor startup is the daemon's launch sequence.
func NewController(initial Mode, sup SupervisorControl, session SessionInfo) *Controller {
	return &Controller{
		sup:     sup,
		session: session,
		logger:  log.WithComponent("mode"),
		mode:    initial,
	}
}

// Current returns the active mode.
func (c *Controller) Current() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Toggle flips Local ⇄ Online and drives the supervisor accordingly. The
// supervisor's own idempotence and port sweep keep rapid toggling safe;
// last writer wins.
func (c *Controller) Toggle(ctx context.Context) Mode {
	c.mu.Lock()
	next := Local
	if c.mode == Local {
		next = Online
	}
	prev := c.mode
	c.mode = next
	c.mu.Unlock()

	c.logger.Info().
		Str(log.FieldEvent, "mode.toggle").
		Str(log.FieldOldState, prev.String()).
		Str(log.FieldNewState, next.String()).
		Msg("routing mode changed")

	c.apply(ctx, next)
	return next
}

// Set switches to the given mode, driving the supervisor on actual change.
func (c *Controller) Set(ctx context.Context, m Mode) {
	c.mu.Lock()
	changed := c.mode != m
	c.mode = m
	c.mu.Unlock()
	if changed {
		c.apply(ctx, m)
	}
}

func (c *Controller) apply(ctx context.Context, m Mode) {
	switch m {
	case Online:
		// The remote API replaces the local server; stop it to conserve resources.
		c.sup.Stop(ctx)
	case Local:
		if err := c.sup.Start(ctx); err != nil {
			c.logger.Error().Err(err).Msg("starting local server on mode change failed")
		}
	}
}

// RequiresLogin is true exactly when online routing is selected without a
// logged-in session. Callers should short-circuit with a login prompt rather
// than attempting an upload.
func (c *Controller) RequiresLogin() bool {
	return c.Current() == Online && !c.session.LoggedIn()
}
