// Package platform boots services with their shared dependencies wired.
package platform

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/roomlink/roomlink/internal/lobby"
	"github.com/roomlink/roomlink/pkg/bus"
	"github.com/roomlink/roomlink/pkg/config"
	"github.com/roomlink/roomlink/pkg/httpserver"
	"github.com/roomlink/roomlink/pkg/logging"
	"github.com/roomlink/roomlink/pkg/storage"
)

// RunLobbyService starts lobbyd: lobby records in Postgres, presence and
// relay allocations in Redis, lifecycle events on NATS, HTTP on the
// configured port.
func RunLobbyService(serviceName string) error {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.AppName, cfg.ServiceName, cfg.Env)
	logger.Info().Msg("loading shared dependencies")

	db, err := storage.NewPostgres(cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := storage.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	natsConn, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer natsConn.Close()

	svc := lobby.NewService(
		lobby.NewPostgresRepository(db),
		lobby.NewRedisPresence(redisClient, cfg.LobbyTTL),
		lobby.NewRedisAllocator(redisClient, cfg.RelayHost, cfg.RelayPortStart, cfg.RelayPortEnd),
		natsConn,
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := httpserver.NewMux(cfg.ServiceName)
	lobby.NewHandler(svc).Register(mux)
	return httpserver.Run(ctx, logger, cfg.HTTPPort, mux, cfg.ShutdownTimeout)
}
