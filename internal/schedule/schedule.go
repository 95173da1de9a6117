// Package schedule runs saved agent configurations on cron expressions or on
// demand, reloading the configuration directory when it changes.
package schedule

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/pontis-dev/pontis/internal/logging"
)

// Run is one saved agent configuration.
type Run struct {
	Name     string `yaml:"name"`
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	Prompt   string `yaml:"prompt"`
	Cron     string `yaml:"cron,omitempty"`
	Worktree bool   `yaml:"worktree,omitempty"`
}

// Validate checks the fields every run needs. A run without a cron expression
// is trigger-only.
func (r Run) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("schedule: run is missing a name")
	}
	if r.Backend == "" {
		return fmt.Errorf("schedule: run %q is missing a backend", r.Name)
	}
	if r.Prompt == "" {
		return fmt.Errorf("schedule: run %q is missing a prompt", r.Name)
	}
	if r.Cron != "" {
		if _, err := cron.ParseStandard(r.Cron); err != nil {
			return fmt.Errorf("schedule: run %q has a bad cron expression: %w", r.Name, err)
		}
	}
	return nil
}

// LoadDir reads every .yaml/.yml file in dir as one Run. Invalid files are
// skipped with a warning so one bad file cannot take scheduling down.
func LoadDir(dir string) ([]Run, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("schedule: read %s: %w", dir, err)
	}

	log := logging.Schedule()
	var runs []Run
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Warn("skipping unreadable run file", "file", name, "error", err)
			continue
		}
		var run Run
		if err := yaml.Unmarshal(data, &run); err != nil {
			log.Warn("skipping malformed run file", "file", name, "error", err)
			continue
		}
		if err := run.Validate(); err != nil {
			log.Warn("skipping invalid run file", "file", name, "error", err)
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Name < runs[j].Name })
	return runs, nil
}

// Launcher starts a session for a saved run and injects its prompt.
type Launcher interface {
	LaunchRun(run Run) error
}

// Scheduler fires saved runs on their cron expressions and exposes run-now
// triggering. The configuration directory is watched and reloaded on change.
type Scheduler struct {
	dir      string
	launcher Launcher
	cron     *cron.Cron
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	runs    map[string]Run
	entries map[string]cron.EntryID

	log *slog.Logger
}

// NewScheduler creates a scheduler over the run directory.
func NewScheduler(dir string, launcher Launcher) *Scheduler {
	return &Scheduler{
		dir:      dir,
		launcher: launcher,
		cron:     cron.New(),
		runs:     make(map[string]Run),
		entries:  make(map[string]cron.EntryID),
		log:      logging.Schedule(),
	}
}

// Start loads the run directory, registers cron entries, and begins watching
// for changes.
func (s *Scheduler) Start() error {
	if err := s.Reload(); err != nil {
		return err
	}
	s.cron.Start()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("schedule: create watcher: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("schedule: create run directory: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("schedule: watch %s: %w", s.dir, err)
	}
	s.watcher = watcher
	go s.watchLoop()
	return nil
}

// Stop halts cron scheduling and the directory watcher.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// Reload re-reads the run directory and replaces all cron entries.
func (s *Scheduler) Reload() error {
	runs, err := LoadDir(s.dir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	s.runs = make(map[string]Run, len(runs))
	for _, run := range runs {
		s.runs[run.Name] = run
		if run.Cron == "" {
			continue
		}
		run := run
		id, err := s.cron.AddFunc(run.Cron, func() { s.fire(run) })
		if err != nil {
			s.log.Warn("failed to register cron entry", "run", run.Name, "error", err)
			continue
		}
		s.entries[run.Name] = id
	}
	s.log.Info("loaded saved runs", "count", len(runs), "scheduled", len(s.entries))
	return nil
}

// Trigger launches a saved run immediately.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	run, ok := s.runs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule: no run named %q", name)
	}
	return s.launcher.LaunchRun(run)
}

// Runs returns the loaded runs sorted by name.
func (s *Scheduler) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) fire(run Run) {
	s.log.Info("scheduled run firing", "run", run.Name, "backend", run.Backend)
	if err := s.launcher.LaunchRun(run); err != nil {
		s.log.Warn("scheduled run failed to launch", "run", run.Name, "error", err)
	}
}

func (s *Scheduler) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.Warn("reload after change failed", "error", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("watcher error", "error", err)
		}
	}
}
