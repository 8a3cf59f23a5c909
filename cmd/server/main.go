package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omochice/channel-relay/internal/config"
	"github.com/omochice/channel-relay/internal/logging"
	"github.com/omochice/channel-relay/internal/metrics"
	"github.com/omochice/channel-relay/internal/relay"
	"github.com/omochice/channel-relay/internal/transport/ws"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "relay-server: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	log := logging.New(logging.ParseLevel(cfg.Level()), cfg.LogFormat, os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(log, cfg.WriteTimeout)
	srv := ws.New(cfg.Address(), hub, log, ws.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		PingTimeout:      cfg.PingTimeout,
		WriteTimeout:     cfg.WriteTimeout,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(srv.Serve)
	if metricsSrv != nil {
		eg.Go(func() error {
			log.Info("Metrics endpoint started", "address", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down...")
		srv.Stop()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				log.Error("Metrics server shutdown error", "error", err)
			}
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	log.Info("Relay server stopped")
	return nil
}
