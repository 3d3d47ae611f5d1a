// Command jamsyncd serves the realtime collaboration gateway.
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

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jamsync/internal/auth"
	"jamsync/internal/broadcast"
	"jamsync/internal/config"
	"jamsync/internal/gateway"
	jlog "jamsync/internal/log"
	"jamsync/internal/registry"
	"jamsync/internal/retry"
	"jamsync/internal/rooms"
	"jamsync/internal/server"
	"jamsync/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "jamsyncd",
		Short:        "realtime music collaboration gateway",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := jlog.New(cfg.Log.Level, cfg.Log.Encoder)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, logger)
		},
	}
	config.AddFlags(cmd.PersistentFlags())
	return cmd
}

func openRooms(ctx context.Context, cfg config.RoomsConfig) (rooms.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return rooms.OpenPostgres(ctx, cfg.PostgresURL)
	default:
		return rooms.OpenBolt(cfg.BoltPath)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	instanceID := uuid.NewString()
	logger = logger.With(zap.String("instance", instanceID))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

	store, err := openRooms(ctx, cfg.Rooms)
	if err != nil {
		return fmt.Errorf("open %s room store: %w", cfg.Rooms.Driver, err)
	}
	defer store.Close()
	logger.Info("room store ready", zap.String("driver", cfg.Rooms.Driver))

	reg := registry.New(rdb,
		registry.WithTTL(cfg.Registry.TTL),
		registry.WithLogger(logger.Named("registry")))
	hub := transport.NewHub(
		transport.WithBackplane(transport.NewRedisBackplane(rdb, logger.Named("backplane"))),
		transport.WithSendBuffer(cfg.Socket.SendBuffer),
		transport.WithLogger(logger.Named("hub")))
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	defer hub.Close()

	router := broadcast.New(reg, hub, instanceID, logger.Named("broadcast"))
	provider := auth.NewRedisProvider(rdb,
		auth.WithProduction(cfg.Production),
		auth.WithLogger(logger.Named("auth")))
	gw := gateway.New(instanceID, reg, hub, router, store,
		gateway.WithJoinPolicy(retry.Exponential(cfg.Join.InitialBackoff, cfg.Join.MaxAttempts)),
		gateway.WithLogger(logger.Named("gateway")))

	deps := server.Deps{
		Hub:     hub,
		Gateway: gw,
		Auth:    provider,
		Rooms:   store,
		Logger:  logger.Named("http"),
	}
	if !cfg.Production {
		deps.Sessions = provider
	}
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		_ = hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
