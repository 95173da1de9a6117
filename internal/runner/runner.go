// Package runner launches backend CLI processes for sessions and saved runs.
package runner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pontis-dev/pontis/internal/backend"
	"github.com/pontis-dev/pontis/internal/bridge"
	"github.com/pontis-dev/pontis/internal/config"
	"github.com/pontis-dev/pontis/internal/gitinfo"
	"github.com/pontis-dev/pontis/internal/logging"
	"github.com/pontis-dev/pontis/internal/schedule"
)

// Runner starts backend processes on demand and services saved scheduled
// runs.
type Runner struct {
	backends map[string]config.BackendConfig
	registry *bridge.Registry
	log      *slog.Logger
}

// New creates a runner over the configured backend commands.
func New(backends map[string]config.BackendConfig, registry *bridge.Registry) *Runner {
	return &Runner{
		backends: backends,
		registry: registry,
		log:      logging.WithComponent("runner"),
	}
}

// StartProcess launches the backend CLI for a session in dir and attaches it.
func (r *Runner) StartProcess(sess *bridge.Session, dir string) error {
	be, ok := r.backends[sess.Backend]
	if !ok || be.Command == "" {
		return fmt.Errorf("no command configured for backend %q", sess.Backend)
	}
	adapter, err := backend.Launch(sess, be.Command, dir)
	if err != nil {
		return fmt.Errorf("launch %s: %w", sess.Backend, err)
	}
	r.log.Info("backend started",
		"session_id", sess.ID,
		"backend", sess.Backend,
		"pid", adapter.Process().Pid())
	return nil
}

// LaunchRun creates a fresh session for a saved run, starts its backend and
// injects the run's prompt. Worktree runs get an isolated checkout so
// concurrent runs cannot step on each other's working tree.
func (r *Runner) LaunchRun(run schedule.Run) error {
	dir := run.Dir
	if run.Worktree {
		wtDir, err := r.addWorktree(run)
		if err != nil {
			return err
		}
		dir = wtDir
	}

	sess, err := r.registry.Create(run.Backend, dir)
	if err != nil {
		return fmt.Errorf("create session for run %q: %w", run.Name, err)
	}
	if err := r.StartProcess(sess, dir); err != nil {
		return err
	}

	prompt, err := json.Marshal(map[string]string{"text": run.Prompt})
	if err != nil {
		return err
	}
	sess.HandleCommand(uuid.NewString(), prompt)
	r.log.Info("saved run launched", "run", run.Name, "session_id", sess.ID, "dir", dir)
	return nil
}

func (r *Runner) addWorktree(run schedule.Run) (string, error) {
	stamp := time.Now().UTC().Format("20060102-150405")
	branch := fmt.Sprintf("pontis/%s-%s", run.Name, stamp)
	path := filepath.Join(os.TempDir(), "pontis-worktrees", fmt.Sprintf("%s-%s", run.Name, stamp))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := gitinfo.AddWorktree(run.Dir, path, branch); err != nil {
		return "", fmt.Errorf("worktree for run %q: %w", run.Name, err)
	}
	return path, nil
}
