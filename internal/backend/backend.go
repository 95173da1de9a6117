// Package backend launches agent CLI processes and translates their native
// wire dialects into the bridge's event vocabulary.
package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pontis-dev/pontis/internal/bridge"
	"github.com/pontis-dev/pontis/internal/logging"
	"github.com/pontis-dev/pontis/internal/supervise"
)

// Sink receives the translated output of a backend process. *bridge.Binding
// satisfies everything but Running, which the adapter routes to the
// supervisor.
type Sink interface {
	EventReceived(ev bridge.Event)
	StateUpdated(patch bridge.StatePatch)
	PermissionRequested(req bridge.PermissionRequest)
	ControlResponded(id string, result json.RawMessage, errMsg string)
	Running()
}

// dialect translates between the bridge vocabulary and one backend family's
// native JSONL wire format.
type dialect interface {
	// ParseLine feeds one line of process output into the sink. Unparseable
	// lines are skipped; ParseLine never fails.
	ParseLine(line []byte, sink Sink)
	// EncodeCommand wraps a client-originated command for the process stdin.
	EncodeCommand(raw []byte) ([]byte, error)
	EncodeControl(id, method string, params json.RawMessage) ([]byte, error)
	EncodePermissionResponse(requestID, behavior string, updatedInput json.RawMessage, message string) ([]byte, error)
}

func dialectFor(kind string) (dialect, error) {
	switch kind {
	case bridge.BackendClaude:
		return &claudeDialect{log: logging.WithComponent("backend")}, nil
	case bridge.BackendCodex:
		return &codexDialect{log: logging.WithComponent("backend")}, nil
	default:
		return nil, fmt.Errorf("%w: %q", bridge.ErrUnknownBackend, kind)
	}
}

// Adapter owns one supervised backend process and implements the session's
// upstream connection.
type Adapter struct {
	kind    string
	proc    *supervise.Process
	dialect dialect

	writeMu sync.Mutex
	log     *slog.Logger
}

var _ bridge.Upstream = (*Adapter)(nil)

// Launch starts the backend CLI for a session, attaches it as the session's
// upstream, and begins translating its output. The adapter detaches itself
// when the process exits.
func Launch(session *bridge.Session, command, dir string) (*Adapter, error) {
	d, err := dialectFor(session.Backend)
	if err != nil {
		return nil, err
	}
	proc, err := supervise.Start(command, dir, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: launch %s: %w", session.Backend, err)
	}

	a := &Adapter{
		kind:    session.Backend,
		proc:    proc,
		dialect: d,
		log:     logging.WithSession(logging.WithComponent("backend"), session.ID, session.Backend),
	}
	binding := session.Attach(a)
	proc.OnExit(func(code int) {
		binding.Disconnected(fmt.Sprintf("process exited with code %d", code))
	})
	go a.readLoop(binding)
	return a, nil
}

// Send forwards a raw client command to the process in its native dialect.
func (a *Adapter) Send(raw []byte) error {
	encoded, err := a.dialect.EncodeCommand(raw)
	if err != nil {
		return fmt.Errorf("backend: encode command: %w", err)
	}
	return a.writeLine(encoded)
}

// SendControl issues a correlated request/response RPC to the process.
func (a *Adapter) SendControl(id, method string, params json.RawMessage) error {
	encoded, err := a.dialect.EncodeControl(id, method, params)
	if err != nil {
		return fmt.Errorf("backend: encode control %s: %w", method, err)
	}
	return a.writeLine(encoded)
}

// RespondPermission answers a pending tool-use permission request.
func (a *Adapter) RespondPermission(requestID, behavior string, updatedInput json.RawMessage, message string) error {
	encoded, err := a.dialect.EncodePermissionResponse(requestID, behavior, updatedInput, message)
	if err != nil {
		return fmt.Errorf("backend: encode permission response: %w", err)
	}
	return a.writeLine(encoded)
}

// Close stops the supervised process.
func (a *Adapter) Close() error {
	a.proc.Stop()
	return nil
}

// Process exposes the supervised process for lifecycle inspection.
func (a *Adapter) Process() *supervise.Process { return a.proc }

func (a *Adapter) writeLine(line []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := a.proc.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("backend: write to process: %w", err)
	}
	return nil
}

// bindingSink adapts a bridge binding to the Sink interface, routing the
// running notification to the supervisor.
type bindingSink struct {
	*bridge.Binding
	proc *supervise.Process
}

func (s bindingSink) Running() { s.proc.MarkRunning() }

func (a *Adapter) readLoop(binding *bridge.Binding) {
	sink := bindingSink{Binding: binding, proc: a.proc}
	scanner := bufio.NewScanner(a.proc.Reader())
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			// Terminal noise from the pty, not protocol traffic.
			continue
		}
		a.dialect.ParseLine(line, sink)
	}
	if err := scanner.Err(); err != nil {
		a.log.Debug("process output stream closed", "error", err)
	}
}
