package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkhaus/redline/internal/access"
	"github.com/inkhaus/redline/internal/archive"
	"github.com/inkhaus/redline/internal/auth"
	"github.com/inkhaus/redline/internal/bridge"
	"github.com/inkhaus/redline/internal/config"
	"github.com/inkhaus/redline/internal/model"
	"github.com/inkhaus/redline/internal/registry"
	"github.com/inkhaus/redline/internal/router"
	"github.com/inkhaus/redline/internal/server"
	"github.com/inkhaus/redline/internal/store"
	"github.com/inkhaus/redline/internal/store/postgres"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the realtime transport server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		// Stores. Without a database URL everything lives in memory and
		// every authenticated user gets admin on every document.
		var sessions store.SessionStore
		var perms store.PermissionStore
		if cfg.DatabaseURL != "" {
			pg, err := postgres.New(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			sessions = pg
			perms = pg
			logger.Info("postgres store connected")
		} else {
			sessions = store.NewMemory()
			perms = store.OpenPermissions{}
			logger.Warn("REDLINE_DATABASE_URL not set; using in-memory store with open permissions (dev only)")
		}

		// Token verification.
		var verifier auth.Verifier
		if cfg.AuthTokens != "" {
			verifier, err = auth.NewStaticVerifier(cfg.AuthTokens)
			if err != nil {
				sessions.Close()
				return err
			}
		} else {
			verifier = auth.InsecureVerifier{}
			logger.Warn("REDLINE_AUTH_TOKENS not set; tokens are taken as user IDs (dev only)")
		}

		// Cross-process bridge.
		var pub bridge.Publisher
		var sub bridge.Subscriber
		if cfg.NATSURL != "" {
			pub, err = bridge.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				sessions.Close()
				return err
			}
			sub, err = bridge.NewNATSSubscriber(cfg.NATSURL)
			if err != nil {
				pub.Close()
				sessions.Close()
				return err
			}
			logger.Info("bridge enabled", "nats_url", cfg.NATSURL)
		} else {
			pub = &bridge.NoopPublisher{}
			sub = &bridge.NoopSubscriber{}
			logger.Info("bridge disabled (REDLINE_NATS_URL not set); single-process mode")
		}

		// Registry and bridge reference each other: envelopes received
		// from the broker fan out through the registry, locally produced
		// ones publish through the bridge.
		var br *bridge.Bridge
		reg := registry.New(registry.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatGrace:    cfg.HeartbeatGrace,
			SweepInterval:     cfg.SweepInterval,
			PersistEvery:      cfg.PersistEvery,
		}, sessions, func(ctx context.Context, documentID, origin string, env *model.Envelope) error {
			return br.Publish(ctx, documentID, origin, env)
		}, logger)

		br = bridge.New(pub, sub, reg.DeliverLocal, logger)
		if err := br.Start(); err != nil {
			pub.Close()
			sub.Close()
			sessions.Close()
			return err
		}

		gate := access.NewGate(perms, logger)
		rt := router.New(reg, gate, br.Publish, logger)
		srv := server.New(reg, rt, gate, verifier, logger)

		reg.StartSweeper()

		httpServer := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: srv.NewHTTPHandler(),
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "error", err)
			}
		}()

		// Session archival, when a destination is configured.
		var scheduler *archive.Scheduler
		if cfg.ArchiveInterval > 0 && cfg.ArchiveS3Bucket != "" {
			dest, err := archive.NewS3Destination(
				context.Background(),
				cfg.ArchiveS3Bucket,
				cfg.ArchiveS3Region,
				cfg.ArchiveS3Endpoint,
			)
			if err != nil {
				logger.Error("failed to create S3 archive destination", "error", err)
			} else {
				scheduler = archive.NewScheduler(
					sessions, []archive.Destination{dest},
					cfg.ArchiveInterval, cfg.ArchiveS3Prefix, logger,
				)
				scheduler.Start()
				logger.Info("archive scheduler started",
					"bucket", cfg.ArchiveS3Bucket, "interval", cfg.ArchiveInterval)
			}
		}

		logger.Info("redline server started", "http_addr", cfg.HTTPAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("archive scheduler stopped")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		reg.Shutdown(shutdownCtx)
		logger.Info("registry drained")

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		logger.Info("HTTP server stopped")

		if err := br.Close(); err != nil {
			logger.Error("error closing bridge", "error", err)
		}
		if err := sessions.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}
