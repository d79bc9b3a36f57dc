package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/forechoandlook/stepflow/log"
	"github.com/forechoandlook/stepflow/server"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP, WebSocket and MCP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if port != 0 {
				a.cfg.Server.Port = port
			}
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	if a.cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := server.NewServer(a.engine, a.serverOptions()...)
	httpServer := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           srv.SetupRoutes(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go a.sessions.Janitor(janitorCtx, a.cfg.Sessions.ReapInterval)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting",
			slog.String("addr", httpServer.Addr),
			slog.Int("flows", len(a.catalog.List())),
			slog.Bool("mcp", a.cfg.MCP.Enabled))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Server failed", log.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), a.cfg.Server.ShutdownTimeout,
	)
	defer cancel()

	srv.CloseWebSockets()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Server shutdown error", log.Error(err))
		if err := httpServer.Close(); err != nil {
			a.logger.Error("Server close error", log.Error(err))
		}
		return err
	}
	a.logger.Info("Server stopped gracefully")
	return nil
}
