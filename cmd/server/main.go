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
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-race-room/internal"
	"github.com/koopa0/system-design/14-race-room/internal/eventbus"
	"github.com/koopa0/system-design/14-race-room/internal/migrations"
	"github.com/koopa0/system-design/14-race-room/internal/storage"
	"github.com/koopa0/system-design/14-race-room/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "配置檔案路徑")
		issueToken = flag.String("issue-token", "", "簽發開發用憑證並退出，格式 username:userID")
		tokenTTL   = flag.Duration("token-ttl", 24*time.Hour, "簽發憑證的有效期")
	)
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	auth := internal.NewAuthenticator(config.Auth.JWTSecret, config.Auth.AdminUsername)
	if *issueToken != "" {
		os.Exit(printToken(auth, *issueToken, *tokenTTL))
	}

	log := logger.New(config.Log.Level, config.Log.Format, os.Stdout)
	slog.SetDefault(log)

	if err := run(config, auth, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(config *internal.Config, auth *internal.Authenticator, log *slog.Logger) error {
	ctx := context.Background()

	catalog, closeCatalog, err := buildCatalog(ctx, config, log)
	if err != nil {
		return err
	}
	defer closeCatalog()

	var publisher internal.EventPublisher = internal.NoopPublisher{}
	if config.NATS.Enabled {
		natsPublisher, err := eventbus.NewNATSPublisher(eventbus.Config{
			URL:           config.NATS.URL,
			Stream:        config.NATS.Stream,
			SubjectPrefix: config.NATS.SubjectPrefix,
		}, log)
		if err != nil {
			return fmt.Errorf("connect event bus: %w", err)
		}
		defer func() {
			if err := natsPublisher.Close(); err != nil {
				log.Error("failed to close event bus", "error", err)
			}
		}()
		publisher = natsPublisher
	}

	registry := internal.NewRegistry(config.RegistryOptions(), log.With("component", "registry"))
	builder := internal.NewBuilder(catalog, log)
	gateway := internal.NewGateway(registry, builder, auth, publisher, config.GatewayOptions(), log)
	handler := internal.NewHandler(registry, builder, gateway, auth, config.HandlerOptions(), log)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", config.Server.Port),
		Handler:     handler.Routes(),
		ReadTimeout: config.Server.ReadTimeout,
		IdleTimeout: 120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"port", config.Server.Port,
			"admin", config.Auth.AdminUsername,
			"postgres", config.Postgres.Enabled,
			"redis", config.Redis.Enabled,
			"nats", config.NATS.Enabled)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	// WebSocket 連接被 Shutdown 視為已劫持，需要另外關閉
	gateway.Stop()
	registry.Stop()

	log.Info("server stopped")
	return nil
}

// buildCatalog 依配置組裝目錄：PostgreSQL（可選 Redis 快取）或內存目錄
func buildCatalog(ctx context.Context, config *internal.Config, log *slog.Logger) (internal.Catalog, func(), error) {
	if !config.Postgres.Enabled {
		log.Warn("postgres disabled, using empty in-memory catalog")
		return internal.NewMemoryCatalog(), func() {}, nil
	}

	migrator, err := migrations.New(config.PostgresDSN(), log)
	if err != nil {
		return nil, nil, fmt.Errorf("create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := migrator.Close(); err != nil {
		log.Warn("failed to close migrator", "error", err)
	}

	pgConfig, err := pgxpool.ParseConfig(config.PostgresDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pgConfig.MaxConns = config.Postgres.MaxConns
	pgConfig.MinConns = config.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	var catalog internal.Catalog = storage.NewPostgresCatalog(pool, log)
	closers := []func(){pool.Close}

	if config.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:         config.Redis.Addr,
			Password:     config.Redis.Password,
			DB:           config.Redis.DB,
			PoolSize:     config.Redis.PoolSize,
			ReadTimeout:  config.Redis.ReadTimeout,
			WriteTimeout: config.Redis.WriteTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			// 快取不可用不影響服務
			log.Warn("redis unavailable, catalog cache disabled", "error", err)
			_ = client.Close()
		} else {
			catalog = storage.NewCachedCatalog(catalog, client, config.Redis.CacheTTL, log)
			closers = append(closers, func() { _ = client.Close() })
		}
	}

	return catalog, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}

// printToken 簽發開發用憑證
func printToken(auth *internal.Authenticator, spec string, ttl time.Duration) int {
	username, userID, ok := strings.Cut(spec, ":")
	if !ok || username == "" || userID == "" {
		fmt.Fprintln(os.Stderr, "issue-token expects username:userID")
		return 2
	}
	token, err := auth.Issue(username, userID, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
