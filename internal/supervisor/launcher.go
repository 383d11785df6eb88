package supervisor

import (
	"bufio"
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapvault/companion/internal/log"
	"github.com/snapvault/companion/internal/procutil"
)

// ExecLauncher spawns real OS processes in their own process group and
// streams their combined output line-by-line into the logger. Output is
// diagnostic only; no control decisions are parsed from it.
type ExecLauncher struct {
	Logger zerolog.Logger
}

// NewExecLauncher returns a launcher writing child output to the given component logger.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{Logger: log.WithComponent("server")}
}

type execProc struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Launch starts the binary at path with the given environment. The context is
// only consulted for the spawn itself; the child deliberately outlives it and
// is stopped through Terminate.
func (l *ExecLauncher) Launch(_ context.Context, path string, env []string) (Proc, error) {
	cmd := exec.Command(path) // #nosec G204 -- path resolved from fixed candidate list
	cmd.Env = env
	procutil.SetGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProc{cmd: cmd, done: make(chan struct{})}

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			l.Logger.Debug().
				Int(log.FieldPID, cmd.Process.Pid).
				Msg(scanner.Text())
		}
	}()

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

func (p *execProc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProc) Done() <-chan struct{} {
	return p.done
}

func (p *execProc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProc) Terminate(grace time.Duration) {
	procutil.Terminate(p.cmd, p.done, grace)
}

func (p *execProc) Kill() {
	procutil.Kill(p.cmd)
}

// ExitErr returns the process exit error once Done is closed.
func (p *execProc) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
