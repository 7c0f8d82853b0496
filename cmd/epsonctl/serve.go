package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tavru/escvpnet/internal/bridge"
	"github.com/tavru/escvpnet/internal/logging"
)

func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket bridge daemon",
		Long: `serve maintains a monitored session to the projector and exposes it to
host automation platforms: JSON status and control endpoints, a WebSocket
stream of state changes, and Prometheus metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			proj := newProjector(cfg)
			proj.Connect(ctx)
			defer proj.Disconnect()

			b := bridge.New(proj)
			go b.Run(ctx)

			server := &http.Server{
				Addr:         cfg.Server.Listen,
				Handler:      b.Handler(),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			logging.Info("bridge: listening on %s", cfg.Server.Listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "bridge listen address (overrides config)")

	return cmd
}
