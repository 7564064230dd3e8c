package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/livechat/internal/ban"
	"github.com/whisper/livechat/internal/config"
	"github.com/whisper/livechat/internal/messaging"
	"github.com/whisper/livechat/internal/moderation"
	"github.com/whisper/livechat/internal/report"
	"github.com/whisper/livechat/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "moderator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	// Reports are optional: without a database only bans are recorded.
	var reports moderation.Reports
	if cfg.DatabaseURL != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		reports = report.NewStore(db)
	}

	natsClient, err := messaging.NewNATSClient(cfg.NATS("livechat-moderator"), log)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	worker := moderation.NewWorker(moderation.NewFilter(), ban.NewStore(rdb), reports, natsClient, log)

	err = natsClient.SubscribeMessageStored(func(data []byte) {
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := worker.HandleStored(hctx, data); err != nil {
			log.Error("moderation failed", "err", err)
		}
	})
	if err != nil {
		return err
	}

	log.Info("livechat moderator running",
		"redis_addr", cfg.RedisAddr,
		"nats_url", cfg.NATSURL,
		"reports", reports != nil)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}
