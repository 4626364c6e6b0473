package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/meetflow/internal/config"
	"github.com/wilsonzlin/meetflow/internal/httpserver"
	"github.com/wilsonzlin/meetflow/internal/metrics"
	"github.com/wilsonzlin/meetflow/internal/signaling"
)

func newRelayCmd() *cobra.Command {
	return configCommand("relay", "Run the signaling relay", runRelay)
}

func runRelay(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
	logger.Info("starting meetflow relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"allowed_origins", cfg.AllowedOrigins,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)
	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	m := metrics.New()
	relay := signaling.NewRelay(signaling.RelayConfig{
		Logger:               logger,
		Metrics:              m,
		Origins:              srv.Origins(),
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
	})
	relay.RegisterRoutes(srv.Mux())
	srv.SetReadyCheck(relay.Ready)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx := cmd.Context()
	select {
	case err := <-errCh:
		relay.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked signaling sockets are not tracked by http.Server.Shutdown.
	relay.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	logger.Info("relay stopped", "connections", m.Get(metrics.ConnectionsAccepted), "messages_forwarded", m.Get(metrics.MessagesForwarded))
	return nil
}
