package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabulist/ade/config"
	"github.com/tabulist/ade/logger"
	"github.com/tabulist/ade/server"
)

// ServeCmd starts the API server and worker pool.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ADE API server and worker pool",
	Long: `Start the HTTP API server together with the dispatcher's worker
pool. Build and run submissions stream their events back as NDJSON;
a websocket feed of all events is available at /ws.

The server watches its configuration file and reloads on change.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	s.dispatcher.Start()
	defer s.dispatcher.Stop()

	srv := server.New(s.cfg, s.store, s.dispatcher, s.layout, logger.Logger)

	// reload config on file change; limits apply to later admissions
	if path := config.ConfigFilePath(); path != "" {
		if watcher, err := config.NewWatcher(path); err == nil {
			watcher.OnReload(func(cfg *config.Config) error {
				if err := cfg.Validate(); err != nil {
					return err
				}
				s.dispatcher.UpdateLimits(cfg.Worker)
				return nil
			})
			watcher.Start()
			defer watcher.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Infow("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
