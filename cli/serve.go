package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/pharma-ledger/api"
)

// ShutdownTimeout bounds how long in-flight requests may take on shutdown.
const ShutdownTimeout = 30 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the maintenance scheduler",
		Long: `Run the HTTP API, the periodic verification and stale-repair pass, and
the notification workers until SIGINT or SIGTERM.

On shutdown the server stops accepting connections, waits for active
requests (up to 30s), drains queued notifications and closes the database.

Examples:
  pharmaledger serve
  pharmaledger serve --addr :3000 --db ./data/pharma.db
  pharmaledger serve --db-driver memory`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	handler := api.NewHandler(a.service, a.logger)
	router := api.NewRouter(handler, a.cfg.HTTP.AllowedOrigins)

	scheduler := api.NewMaintenanceScheduler(a.service, a.logger)
	scheduler.CheckInterval = a.cfg.Maintenance.Interval
	scheduler.Enabled = a.cfg.Maintenance.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", addr, "db", a.cfg.DB.Driver, "lock_backend", a.cfg.Ledger.LockBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return WrapExitError(ExitCommandError, "server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "server forced to shutdown", err)
	}

	scheduler.Stop()
	if a.dispatcher != nil {
		a.dispatcher.Close()
		stats := a.dispatcher.Stats()
		a.logger.Info("server stopped", "notifications_sent", stats.Sent, "notifications_failed", stats.Failed, "notifications_dropped", stats.Dropped)
	} else {
		a.logger.Info("server stopped")
	}
	return nil
}
