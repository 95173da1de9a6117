// Package supervise runs a backend CLI process under a pseudo-terminal and
// reports its lifecycle to the bridge.
package supervise

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/shlex"

	"github.com/pontis-dev/pontis/internal/logging"
)

// Status is the lifecycle state of a supervised process.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusRunning    Status = "running"
	StatusExited     Status = "exited"
)

// Process is one supervised backend CLI under a pty.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	status   Status
	exitCode int
	onExit   func(code int)
	stopped  bool

	done chan struct{}
	log  *slog.Logger
}

// Start tokenizes command, launches it in dir under a pty, and begins
// watching for exit. extraEnv entries are appended to the parent environment.
func Start(command, dir string, extraEnv []string) (*Process, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("supervise: tokenize command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("supervise: empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, extraEnv...)

	p := &Process{
		cmd:      cmd,
		status:   StatusConnecting,
		exitCode: -1,
		done:     make(chan struct{}),
		log:      logging.Supervise().With("command", argv[0]),
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("supervise: start %q: %w", argv[0], err)
	}
	p.ptmx = ptmx
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 200})

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()
	p.log.Info("process started", "pid", cmd.Process.Pid, "dir", dir)

	go p.waitForExit()
	return p, nil
}

// OnExit registers the callback fired once when the process exits. A process
// that already exited fires the callback immediately, so registration cannot
// race an instant crash. A nil callback is allowed.
func (p *Process) OnExit(fn func(code int)) {
	p.mu.Lock()
	if p.status == StatusExited {
		code := p.exitCode
		p.mu.Unlock()
		if fn != nil {
			fn(code)
		}
		return
	}
	p.onExit = fn
	p.mu.Unlock()
}

// Status returns the current lifecycle state.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// MarkRunning records that the backend finished its handshake and is serving
// turns. Called by the adapter on the first init event.
func (p *Process) MarkRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusConnected {
		p.status = StatusRunning
	}
}

// ExitCode returns the process exit code, or -1 while it is still alive.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Pid returns the process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Write sends raw bytes to the process's stdin.
func (p *Process) Write(data []byte) (int, error) {
	return p.ptmx.Write(data)
}

// Reader exposes the process's combined output stream.
func (p *Process) Reader() io.Reader { return p.ptmx }

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Stop terminates the process: SIGTERM first, SIGKILL if it is still alive
// shortly after. Safe to call more than once and after exit.
func (p *Process) Stop() {
	p.mu.Lock()
	if p.stopped || p.status == StatusExited {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.log.Info("stopping process", "pid", p.cmd.Process.Pid)
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		p.log.Warn("process ignored SIGTERM, killing", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}

func (p *Process) waitForExit() {
	err := p.cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	_ = p.ptmx.Close()

	p.mu.Lock()
	p.status = StatusExited
	p.exitCode = code
	onExit := p.onExit
	p.mu.Unlock()

	close(p.done)
	p.log.Info("process exited", "code", code)
	if onExit != nil {
		onExit(code)
	}
}
