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

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/go-imgmatch/config"
	"github.com/hubenschmidt/go-imgmatch/imaging"
	"github.com/hubenschmidt/go-imgmatch/index"
	"github.com/hubenschmidt/go-imgmatch/monitor"
	"github.com/hubenschmidt/go-imgmatch/search"
	"github.com/hubenschmidt/go-imgmatch/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := monitor.NewLogger(cfg.Observe.LogLevel, cfg.Observe.LogFormat)
	if err != nil {
		return err
	}

	idx, err := index.Open(cfg.DatabaseDSN, cfg.Index, logger)
	if err != nil {
		return err
	}
	metrics := monitor.NewCollector(cfg.Observe)
	svc, err := newService(cfg, idx, metrics, logger)
	if err != nil {
		idx.Close()
		return err
	}
	srv, err := server.New(server.Config{
		Service:        svc,
		CanUpdate:      cfg.Server.CanUpdate,
		AuthUsername:   cfg.Server.AuthUsername,
		AuthPassword:   cfg.Server.AuthPassword,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		MaxListLimit:   cfg.Server.MaxListLimit,
		Prometheus:     prometheusHandler(metrics),
		Logger:         logger,
	})
	if err != nil {
		svc.Close()
		return err
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- httpSrv.ListenAndServe() }()
	logger.Info("imgmatch server listening",
		"addr", cfg.Addr,
		"backend", index.Backend(cfg.DatabaseDSN),
		"can_update", cfg.Server.CanUpdate,
	)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func prometheusHandler(c monitor.Collector) http.Handler {
	if pc, ok := c.(*monitor.PrometheusCollector); ok {
		return pc.Handler()
	}
	return nil
}

func newService(cfg *config.Config, idx index.Index, metrics monitor.Collector, logger *slog.Logger) (*search.Service, error) {
	return search.New(search.Config{
		Index:     idx,
		Params:    cfg.Signature,
		MaxPixels: cfg.Search.MaxPixels,
		Fetcher: imaging.NewFetcher(imaging.FetcherConfig{
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   cfg.Fetch.Timeout,
			MaxBytes:  cfg.Fetch.MaxBytes,
		}),
		Cutoff:           cfg.Search.DistanceCutoff,
		Candidates:       cfg.Search.Candidates,
		AllOrientations:  cfg.Search.AllOrientations,
		IncludeMirrors:   cfg.Search.IncludeMirrors,
		CacheSize:        cfg.Search.CacheSize,
		QueryConcurrency: cfg.Search.QueryConcurrency,
		Logger:           logger,
		Metrics:          metrics,
	})
}
