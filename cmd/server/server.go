package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Run starts the queue manager and serves HTTP on the configured port until
// ctx is cancelled, then shuts both down gracefully.
func (app *application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", app.config.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return app.serve(ctx, ln)
}

// serve runs the manager and the HTTP server on ln. It returns nil after a
// graceful shutdown triggered by ctx.
func (app *application) serve(ctx context.Context, ln net.Listener) error {
	if err := app.manager.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to start queue manager: %w", err)
	}

	server := &http.Server{
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		app.logger.Info("starting server", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("shutting down server")
	case runErr = <-serveErr:
		app.logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting submissions before the workers drain.
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("server shutdown failed", "error", err)
		runErr = errors.Join(runErr, fmt.Errorf("server shutdown failed: %w", err))
	}
	app.manager.Stop()

	app.logger.Info("server shutdown completed")
	return runErr
}
