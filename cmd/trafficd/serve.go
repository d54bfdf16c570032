package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/curiousagents/traffic-core/pkg/metrics"
	"github.com/curiousagents/traffic-core/pkg/mid"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline consumers and the operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()
		return a.serve(ctx)
	},
}

// producerID is unique per process so a restarted replica does not reuse
// sequence numbers another consumer has already seen.
func producerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "trafficd"
	}
	return host + "-" + uuid.NewString()[:8]
}

// handler mounts the operator API and the metrics endpoint.
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	newAPI(a.pipeline, a.logger).register(mux)
	mux.Handle("GET /metrics", metrics.Handler(a.registry))
	return mux
}

func (a *app) serve(ctx context.Context) error {
	logger := a.logger
	handler := mid.Chain(a.handler(),
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(a.cfg.HTTP.CORSOrigin),
		mid.OTel("trafficd"),
		mid.Timeout(a.cfg.Pipeline.AwaitTimeout+5*time.Second),
	)
	srv := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: a.cfg.Pipeline.AwaitTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pipeline.Run(ctx) })
	g.Go(func() error {
		select {
		case <-a.pipeline.Ready():
		case <-ctx.Done():
			return nil
		}
		logger.Info("operator api starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	err := g.Wait()
	if err != nil {
		logger.Error("server exited with error", "err", err)
	}
	return err
}

// quiet is used by commands that print to stdout themselves.
func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
