package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/fitsync/backend/cmd/fitsync/handlers"
	"github.com/kimhsiao/fitsync/backend/internal/app"
	"github.com/kimhsiao/fitsync/backend/internal/logging"
	"github.com/kimhsiao/fitsync/backend/internal/telemetry"
)

func (c *cli) serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync core with a local status server",
		Long: `serve starts the queue dispatcher and scheduler and exposes, on the
configured address:

  GET  /api/health          liveness
  GET  /api/sync/status     queue and scheduler status
  GET  /api/sync/queue      queued entries
  POST /api/sync/now        drain everything now
  POST /api/sync/clear-failed
  PUT  /api/connectivity    host-reported network state
  GET  /ws                  live status events
  GET  /metrics             Prometheus metrics (server.metrics)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.withApp(ctx, func(a *app.App) error {
				return c.serve(ctx, a)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (c *cli) serve(ctx context.Context, a *app.App) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	c.loader.Watch(a.ApplyConfig)

	srv := &http.Server{
		Addr:              c.cfg.Server.Addr,
		Handler:           newMux(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Status server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	logging.Info("Status server stopped")
	return err
}

func newMux(a *app.App) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"fitsync"}`))
	})

	handlers.NewSyncHandler(a.Queue, a.Scheduler, a.Hub, a.SetConnectivity).Register(mux)
	mux.Handle("GET /ws", a.Hub)
	if a.Config.Server.Metrics {
		mux.Handle("GET /metrics", telemetry.Handler(a.Registry))
	}
	return mux
}
