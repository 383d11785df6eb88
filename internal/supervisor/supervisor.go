// Package supervisor owns the lifecycle of the local indexing server: it is
// spawned as a child process, watched for exit, health-probed after a settle
// delay, and torn down with escalation. The server port is an exclusive
// resource; before every start and during teardown any process bound to it is
// reclaimed.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapvault/companion/internal/config"
	"github.com/snapvault/companion/internal/log"
	"github.com/snapvault/companion/internal/metrics"
	"github.com/snapvault/companion/internal/procutil"
)

var (
	// ErrExecutableNotFound is returned when no candidate location holds the
	// server binary.
	ErrExecutableNotFound = errors.New("server executable not found")
)

// Proc is a handle on a spawned server process. The real implementation wraps
// exec.Cmd; tests substitute fakes.
type Proc interface {
	PID() int
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	Alive() bool
	// Terminate stops the process group gracefully, escalating to a force
	// kill after grace.
	Terminate(grace time.Duration)
	Kill()
}

// Launcher spawns server processes. Substitutable for tests.
type Launcher interface {
	Launch(ctx context.Context, path string, env []string) (Proc, error)
}

// SweepFunc reclaims the server port. Substitutable for tests.
type SweepFunc func(ctx context.Context, port int, grace time.Duration)

// ProbeFunc reports whether the server answers its health endpoint.
type ProbeFunc func(ctx context.Context) bool

// State is a point-in-time snapshot of the supervised process.
type State struct {
	Running bool   `json:"running"`
	Port    int    `json:"port"`
	PID     int    `json:"pid,omitempty"`
	BaseURL string `json:"base_url"`
}

// Supervisor launches, monitors and stops the local server process.
type Supervisor struct {
	port            int
	execName        string
	searchPaths     []string
	dataDir         string
	envCandidates   []string
	startSettle     time.Duration
	stopGrace       time.Duration
	sweepGrace      time.Duration
	restartDelay    time.Duration
	shutdownDeadline time.Duration

	launcher Launcher
	sweep    SweepFunc
	probe    ProbeFunc
	logger   zerolog.Logger

	mu      sync.Mutex
	proc    Proc
	running bool
}

// New builds a Supervisor from config. The probe is attached later via
// SetProber because the health monitor needs the supervisor's base URL first.
func New(cfg config.Config, launcher Launcher) *Supervisor {
	return &Supervisor{
		port:             cfg.ServerPort,
		execName:         cfg.ServerExecName,
		searchPaths:      cfg.ExecSearchPaths,
		dataDir:          cfg.DataDir,
		envCandidates:    cfg.EnvFileCandidates,
		startSettle:      cfg.StartSettle,
		stopGrace:        cfg.StopGrace,
		sweepGrace:       cfg.SweepGrace,
		restartDelay:     cfg.RestartDelay,
		shutdownDeadline: cfg.ShutdownDeadline,
		launcher:         launcher,
		sweep:            procutil.SweepPort,
		logger:           log.WithComponent("supervisor"),
	}
}

// SetProber installs the health probe run after the start settle delay.
func (s *Supervisor) SetProber(probe ProbeFunc) {
	s.probe = probe
}

// SetSweeper overrides the port sweep implementation. Test hook.
func (s *Supervisor) SetSweeper(sweep SweepFunc) {
	s.sweep = sweep
}

// BaseURL returns the loopback URL of the supervised server.
func (s *Supervisor) BaseURL() string {
	return fmt.Sprintf("http://localhost:%d", s.port)
}

// Port returns the configured server port.
func (s *Supervisor) Port() int {
	return s.port
}

// Start spawns the server process. It is an idempotent no-op while a process
// is already tracked. Spawn success does not imply readiness: running flips
// true only after the post-settle health probe succeeds.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.proc != nil && s.proc.Alive() {
		s.mu.Unlock()
		s.logger.Debug().Str(log.FieldEvent, "start.noop").Msg("server already running")
		return nil
	}
	s.mu.Unlock()

	execPath, err := s.resolveExecutable()
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldEvent, "start.exec_missing").Msg("cannot start server")
		return err
	}

	s.reclaimOrphan()
	s.sweep(ctx, s.port, s.sweepGrace)

	env, err := s.buildEnv()
	if err != nil {
		return fmt.Errorf("build environment: %w", err)
	}

	proc, err := s.launcher.Launch(ctx, execPath, env)
	if err != nil {
		s.logger.Error().Err(err).
			Str(log.FieldEvent, "start.spawn_failed").
			Str(log.FieldPath, execPath).
			Msg("server spawn failed")
		return fmt.Errorf("spawn server: %w", err)
	}

	s.mu.Lock()
	// A racing Start may have won while we were spawning. Keep the first
	// process; the port sweep already guaranteed exclusivity for it.
	if s.proc != nil && s.proc.Alive() {
		s.mu.Unlock()
		proc.Terminate(s.stopGrace)
		return nil
	}
	s.proc = proc
	s.mu.Unlock()

	if err := writePIDFile(s.pidFilePath(), proc.PID()); err != nil {
		s.logger.Warn().Err(err).Msg("pidfile write failed")
	}

	s.logger.Info().
		Str(log.FieldEvent, "start.spawned").
		Int(log.FieldPID, proc.PID()).
		Int(log.FieldPort, s.port).
		Str(log.FieldPath, execPath).
		Msg("server process started")

	go s.reap(proc)
	go s.settleProbe(proc)

	return nil
}

// reap marks the supervisor stopped once the process exits for any reason.
func (s *Supervisor) reap(proc Proc) {
	<-proc.Done()

	s.mu.Lock()
	if s.proc == proc {
		s.proc = nil
		s.setRunningLocked(false)
	}
	s.mu.Unlock()

	s.logger.Info().
		Str(log.FieldEvent, "proc.exited").
		Int(log.FieldPID, proc.PID()).
		Msg("server process exited")
}

// settleProbe waits for the settle delay, then runs one health probe. The
// probe result is the sole authority for the running flag.
func (s *Supervisor) settleProbe(proc Proc) {
	select {
	case <-proc.Done():
		return
	case <-time.After(s.startSettle):
	}
	if s.probe == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.SetRunning(s.probe(ctx))
}

// Stop terminates the tracked process and sweeps the port as a safety net;
// the tracked handle can desync from reality when a previous run left an
// orphan holding the port. The running flag and handle are always cleared,
// even when termination cannot be confirmed.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.setRunningLocked(false)
	s.mu.Unlock()

	if proc != nil && proc.Alive() {
		s.logger.Info().
			Str(log.FieldEvent, "stop.terminate").
			Int(log.FieldPID, proc.PID()).
			Msg("terminating server process")
		proc.Terminate(s.stopGrace)
	}

	s.sweep(ctx, s.port, s.sweepGrace)
	removePIDFile(s.pidFilePath())

	s.logger.Info().Str(log.FieldEvent, "stop.done").Msg("server stop complete")
}

// Restart stops the server and starts it again after a short delay.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.Stop(ctx)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.restartDelay):
	}
	return s.Start(ctx)
}

// Shutdown is the teardown path for application exit: stop, then block until
// the process has actually exited, bounded by the shutdown deadline, then
// force-kill and sweep once more.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	s.Stop(ctx)

	if proc != nil {
		select {
		case <-proc.Done():
		case <-time.After(s.shutdownDeadline):
			s.logger.Warn().
				Str(log.FieldEvent, "shutdown.force_kill").
				Int(log.FieldPID, proc.PID()).
				Msg("server did not exit before deadline")
			proc.Kill()
		}
	}

	s.sweep(ctx, s.port, s.sweepGrace)
	s.logger.Info().Str(log.FieldEvent, "shutdown.done").Msg("supervisor teardown complete")
}

// Running reports whether the server passed its most recent health probe.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ProcessAlive reports whether a spawned process handle is still live,
// independent of health.
func (s *Supervisor) ProcessAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && s.proc.Alive()
}

// SetRunning records the outcome of a health probe.
func (s *Supervisor) SetRunning(running bool) {
	s.mu.Lock()
	s.setRunningLocked(running)
	s.mu.Unlock()
}

func (s *Supervisor) setRunningLocked(running bool) {
	if s.running != running {
		s.logger.Info().
			Str(log.FieldEvent, "state.transition").
			Bool(log.FieldOldState, s.running).
			Bool(log.FieldNewState, running).
			Msg("server running state changed")
	}
	s.running = running
	metrics.SetServerRunning(running)
}

// Info returns a snapshot of the supervised process state.
func (s *Supervisor) Info() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Running: s.running,
		Port:    s.port,
		BaseURL: fmt.Sprintf("http://localhost:%d", s.port),
	}
	if s.proc != nil {
		st.PID = s.proc.PID()
	}
	return st
}

// resolveExecutable probes the ordered candidate directories for the server
// binary and returns the first regular file found.
func (s *Supervisor) resolveExecutable() (string, error) {
	for _, dir := range s.searchPaths {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, s.execName)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %q not in %v", ErrExecutableNotFound, s.execName, s.searchPaths)
}

// buildEnv assembles the child environment: ambient process environment,
// PORT and DB_PATH overrides, then key/value pairs from the optional .env file.
func (s *Supervisor) buildEnv() ([]string, error) {
	if err := os.MkdirAll(s.dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	env := os.Environ()
	env = append(env, fmt.Sprintf("PORT=%d", s.port))
	env = append(env, fmt.Sprintf("DB_PATH=%s", filepath.Join(s.dataDir, "snapvault.db")))

	extra, _, err := config.LoadDotenv(s.envCandidates)
	if err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env, nil
}

// reclaimOrphan terminates a process recorded by a previous run's pidfile.
// The port sweep would catch it too, but the pidfile identifies the orphan
// even when it failed to bind the port.
func (s *Supervisor) reclaimOrphan() {
	pid, ok := readPIDFile(s.pidFilePath())
	if !ok {
		return
	}
	if procutil.PIDAlive(pid) {
		s.logger.Warn().
			Str(log.FieldEvent, "start.orphan").
			Int(log.FieldPID, pid).
			Msg("reclaiming orphaned server from previous run")
		procutil.KillPID(pid, s.sweepGrace)
	}
	removePIDFile(s.pidFilePath())
}

func (s *Supervisor) pidFilePath() string {
	return filepath.Join(s.dataDir, "server.pid")
}
