package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/livechat/internal/api"
	"github.com/whisper/livechat/internal/ban"
	"github.com/whisper/livechat/internal/chat"
	"github.com/whisper/livechat/internal/config"
	"github.com/whisper/livechat/internal/identity"
	"github.com/whisper/livechat/internal/messaging"
	"github.com/whisper/livechat/internal/moderation"
	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/internal/ratelimit"
	"github.com/whisper/livechat/internal/session"
	"github.com/whisper/livechat/internal/store"
	"github.com/whisper/livechat/internal/ws"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// messageStore is what the server needs from a storage backend.
type messageStore interface {
	chat.MessageStore
	chat.UserLookup
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsserver: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}
	log := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	var (
		msgs messageStore
		db   *sql.DB
		mem  *store.Memory
	)
	if cfg.DatabaseURL != "" {
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return exitRuntime, err
		}
		defer db.Close()
		if cfg.MigrateOnStart {
			if err := store.Migrate(db); err != nil {
				return exitRuntime, err
			}
		}
		msgs = store.NewPostgres(db)
	} else {
		log.Warn("DATABASE_URL not set, messages are kept in memory")
		mem = store.NewMemory()
		msgs = mem
	}

	// --- Redis: sessions, bans, rate limits ---
	sessions, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		return exitRuntime, err
	}
	defer sessions.Close()

	bans := ban.NewStore(sessions.Client())
	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewLimiter(sessions.Client(), log)
	} else {
		log.Warn("rate limiting disabled")
	}

	// --- Identity ---
	var resolver identity.Resolver
	var sessionsForAPI api.Sessions
	switch cfg.AuthMode {
	case config.AuthModeJWT:
		// Without a database the token claims are the only user record.
		if db != nil {
			resolver = identity.NewJWTResolver(cfg.JWTSecret, msgs)
		} else {
			resolver = identity.NewJWTResolver(cfg.JWTSecret, nil)
		}
	default:
		resolver = identity.NewSessionResolver(sessions)
		sessionsForAPI = sessions
	}
	auth := identity.NewAuthenticator(resolver, bans, log)
	upgradeAuth := auth
	if limiter != nil {
		upgradeAuth = auth.WithLimiter(limiter)
	}

	// --- Event bus ---
	engineCfg := cfg.Engine()
	if limiter != nil {
		engineCfg.Limiter = limiter
	}

	var natsClient *messaging.NATSClient
	if cfg.NATSEnabled {
		natsClient, err = messaging.NewNATSClient(cfg.NATS(cfg.ServerName), log)
		if err != nil {
			return exitRuntime, err
		}
		defer natsClient.Close()
		engineCfg.Publisher = natsClient
	}

	// --- Engine and transport ---
	engine := chat.NewEngine(presence.NewRegistry(), msgs, engineCfg, log)

	server := ws.NewServer(cfg.Server(), upgradeAuth, func(c *ws.Connection, data []byte) {
		engine.HandleMessage(context.Background(), c, data)
	}, log)
	server.SetOnConnect(func(c *ws.Connection) {
		if mem != nil {
			// Lets history and the avatar proxy resolve connected users.
			_ = mem.UpsertUser(context.Background(), c.Identity(), "")
		}
		engine.Connect(context.Background(), c)
	})
	server.SetOnDisconnect(func(c *ws.Connection) {
		engine.Disconnect(context.Background(), c)
	})

	api.New(auth, chat.NewHistory(msgs, msgs), msgs, sessionsForAPI, log).Register(server)

	if natsClient != nil {
		err := natsClient.SubscribeModerationResults(func(data []byte) {
			res, err := moderation.DecodeResult(data)
			if err != nil {
				log.Warn("moderation result dropped", "err", err)
				return
			}
			engine.Enforce(res.UserID, res.Reason, res.BanSeconds)
		})
		if err != nil {
			return exitRuntime, err
		}
	}

	log.Info("livechat server starting",
		"listen_addr", cfg.ListenAddr,
		"auth_mode", cfg.AuthMode,
		"postgres", db != nil,
		"nats", natsClient != nil,
		"server_name", cfg.ServerName)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return exitRuntime, err
		}
		return exitOK, nil
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return exitRuntime, err
	}
	return exitOK, nil
}
