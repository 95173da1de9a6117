package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pontis-dev/pontis/internal/bridge"
	"github.com/pontis-dev/pontis/internal/config"
	"github.com/pontis-dev/pontis/internal/gitinfo"
	"github.com/pontis-dev/pontis/internal/guard"
	"github.com/pontis-dev/pontis/internal/logging"
	"github.com/pontis-dev/pontis/internal/naming"
	"github.com/pontis-dev/pontis/internal/runner"
	"github.com/pontis-dev/pontis/internal/schedule"
	"github.com/pontis-dev/pontis/internal/store"
	"github.com/pontis-dev/pontis/internal/web"
)

var (
	serveHost  string
	servePort  int
	serveToken string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon",
	Long: `Start the Pontis daemon: the HTTP/WebSocket API, the session
registry, the permission guard and the saved-run scheduler.

Example:
  pontis serve                     # Listen on the configured address
  pontis serve --port 9000         # Override the listen port
  pontis serve --token s3cret      # Require a bearer token on the API`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen address (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token required on API requests (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveHost != "" {
		cfg.Web.Host = serveHost
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	if serveToken != "" {
		cfg.Web.Token = serveToken
	}
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("no backends configured; add a backends section to %s", config.DefaultConfigPath())
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	validator, err := buildValidator(cfg.Guard)
	if err != nil {
		return err
	}

	registry := bridge.NewRegistry(bridge.Options{
		Store:       st,
		Git:         gitinfo.New(),
		Namer:       pickNamer(cfg.Backends),
		Validator:   validator,
		AutoApprove: cfg.Guard.AutoApprove,
		AutoDeny:    cfg.Guard.AutoDeny,
		EventBuffer: cfg.Bridge.EventBuffer,
		DedupLimit:  cfg.Bridge.DedupLimit,
		MaxSessions: cfg.Bridge.MaxSessions,
		Logger:      logging.Bridge(),
	})
	defer registry.CloseAll()

	run := runner.New(cfg.Backends, registry)

	sched := schedule.NewScheduler(cfg.Schedule.Dir, run)
	if err := sched.Start(); err != nil {
		logging.Schedule().Warn("scheduler disabled", "error", err)
		sched = nil
	} else {
		defer sched.Stop()
	}

	srv := web.NewServer(cfg.Web, registry, st, sched, run, logging.Web())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logging.Get().Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// buildValidator assembles the permission pipeline from configuration:
// CEL rules first, then the remote classifier for uncertain verdicts.
func buildValidator(gc config.GuardConfig) (guard.Validator, error) {
	if !gc.Enabled {
		return nil, nil
	}
	rules, err := guard.NewRuleValidator(gc.Rules)
	if err != nil {
		return nil, fmt.Errorf("invalid guard rules: %w", err)
	}
	chain := &guard.Chain{Rules: rules}
	if gc.Remote.URL != "" {
		chain.Remote = guard.NewRemoteValidator(
			gc.Remote.URL,
			time.Duration(gc.Remote.TimeoutSeconds)*time.Second,
			gc.Remote.RequestsPerSecond,
		)
	}
	return chain, nil
}

// pickNamer returns a title namer built from the first backend that
// configures a namer command. Sessions of every backend share it.
func pickNamer(backends map[string]config.BackendConfig) bridge.Namer {
	for _, kind := range []string{"claude", "codex"} {
		if be, ok := backends[kind]; ok && be.NamerCommand != "" {
			return naming.New(be.NamerCommand)
		}
	}
	return nil
}
