package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// serve listens on the configured port until SIGINT or SIGTERM.
func (app *application) serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+app.Config.Port)
	if err != nil {
		app.Shutdown()
		return err
	}

	return app.run(ctx, ln)
}

// run serves on ln until ctx is done, then stops in order: websocket clients
// first, since http.Server.Shutdown does not track hijacked connections,
// then HTTP, then the background workers and the persistence writer. Every
// move accepted before run returns has been handed to the store.
func (app *application) run(ctx context.Context, ln net.Listener) error {
	app.Server = &http.Server{
		Handler:      app.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- app.Server.Serve(ln) }()

	app.Logger.Info("Starting server", zap.String("address", ln.Addr().String()))

	select {
	case err := <-serveErr:
		app.Shutdown()
		return err
	case <-ctx.Done():
	}

	app.Logger.Info("Shutting down server", zap.Int("connections", app.Hub.Connections()))
	app.Hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	err := app.Server.Shutdown(shutdownCtx)
	if err != nil {
		app.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Shut down components
	app.Shutdown()

	if serr := <-serveErr; !errors.Is(serr, http.ErrServerClosed) {
		err = errors.Join(err, serr)
	}
	if err != nil {
		return err
	}

	app.Logger.Info("Server stopped gracefully")
	return nil
}
