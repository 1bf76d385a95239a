package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"ride/bootstrap"
	"ride/config"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Assemble the application and serve it until SIGINT or SIGTERM.

The process exits non-zero when startup fails or when the broker connection
is lost beyond its reconnect budget.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(envFile)
}

// runServe builds the application, binds the listener and blocks until ctx
// is cancelled or a fatal dependency error arrives.
func runServe(ctx context.Context) error {
	app, err := bootstrap.New(bootstrap.WithConfigLoader(loadConfig)).Build(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	cfg := app.Config()
	logger := app.Logger()

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		_ = app.Shutdown(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.API().Serve(ln)
	}()
	logger.Infow("Listening", "addr", ln.Addr().String())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case err := <-app.Fatal():
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
