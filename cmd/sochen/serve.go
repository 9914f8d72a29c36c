package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aretw0/sochen"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket server",
	Long: `Starts the engine in server mode. Observers connect to /ws to start workflows,
answer human checkpoints and receive progress events; REST endpoints expose
workflows, the dependency graph, memory search and /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Workflow loops run under a context that outlives the signal so the
		// server can drain them after the listener stops.
		loops, cancelLoops := context.WithCancel(context.WithoutCancel(ctx))
		defer cancelLoops()

		engine, logger, err := newEngine(cmd, cfg, sochen.WithBaseContext(loops))
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           engine.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("Starting Sochen Server", "address", srv.Addr, "version", sochen.Version, "dir", cfg.Storage.Dir)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("Start shutdown")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Graceful shutdown did not complete", "timeout", cfg.Server.ShutdownTimeout, "error", err)
				_ = srv.Close()
			}

			for _, id := range engine.Router().Active() {
				engine.Router().Cancel(id)
			}
			cancelLoops()
			if err := engine.Close(); err != nil {
				logger.Error("Engine close failed", "error", err)
			}
			logger.Info("Sochen Server stopped gracefully")
			return nil
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Address to listen on (overrides server.addr)")
}
