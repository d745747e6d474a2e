// Package testutils 提供整合測試用的容器環境
//
// 包括：
//   - PostgreSQL 測試容器（已套用目錄遷移）
//   - Redis 測試容器
//   - NATS 測試容器（啟用 JetStream）
//
// 每個元件獨立啟動，測試只需要啟動自己用到的部分；
// 所有容器都會在測試結束時自動清理。
package testutils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-race-room/internal/migrations"
)

// TestEnvironment 封裝測試環境
type TestEnvironment struct {
	PostgresPool *pgxpool.Pool
	PostgresDSN  string
	RedisClient  *redis.Client
	RedisAddr    string
	NATSURL      string
	Logger       *slog.Logger

	containers []tc.Container
	ctx        context.Context
}

// NewTestEnvironment 建立空的測試環境並註冊清理
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.NewTestEnvironment(t)
//	    env.StartPostgres(t)
//	    // 使用 env.PostgresPool
//	}
func NewTestEnvironment(t testing.TB) *TestEnvironment {
	t.Helper()

	env := &TestEnvironment{
		ctx:    context.Background(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	t.Cleanup(env.Cleanup)
	return env
}

// StartPostgres 啟動 PostgreSQL 容器並執行遷移
func (env *TestEnvironment) StartPostgres(t testing.TB) {
	t.Helper()

	ctx := env.ctx
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	env.containers = append(env.containers, pgContainer)

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	env.PostgresDSN = dsn

	migrator, err := migrations.New(dsn, env.Logger)
	if err != nil {
		t.Fatalf("failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	if err := migrator.Close(); err != nil {
		t.Fatalf("failed to close migrator: %v", err)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse postgres config: %v", err)
	}
	config.MaxConns = 10
	config.MinConns = 2

	env.PostgresPool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	if err := env.PostgresPool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}
}

// StartRedis 啟動 Redis 容器
func (env *TestEnvironment) StartRedis(t testing.TB) {
	t.Helper()

	ctx := env.ctx
	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	env.containers = append(env.containers, redisContainer)

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.RedisAddr = endpoint

	env.RedisClient = redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.RedisClient.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
}

// StartNATS 啟動啟用 JetStream 的 NATS 容器
func (env *TestEnvironment) StartNATS(t testing.TB) {
	t.Helper()

	ctx := env.ctx
	natsContainer, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor: wait.ForLog("Server is ready").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start nats container: %v", err)
	}
	env.containers = append(env.containers, natsContainer)

	host, err := natsContainer.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get nats host: %v", err)
	}
	port, err := natsContainer.MappedPort(ctx, "4222/tcp")
	if err != nil {
		t.Fatalf("failed to get nats port: %v", err)
	}
	env.NATSURL = fmt.Sprintf("nats://%s:%s", host, port.Port())
}

// Cleanup 清理測試環境
func (env *TestEnvironment) Cleanup() {
	if env.RedisClient != nil {
		_ = env.RedisClient.Close()
	}
	if env.PostgresPool != nil {
		env.PostgresPool.Close()
	}
	for _, c := range env.containers {
		_ = c.Terminate(context.Background())
	}
}

// FlushRedis 清空 Redis 資料（用於測試之間的清理）
func (env *TestEnvironment) FlushRedis(t testing.TB) {
	t.Helper()
	if err := env.RedisClient.FlushDB(env.ctx).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

// TruncateCatalog 清空目錄表（用於測試之間的清理）
func (env *TestEnvironment) TruncateCatalog(t testing.TB) {
	t.Helper()
	if _, err := env.PostgresPool.Exec(env.ctx, "TRUNCATE TABLE ai_genomes, ai_models, tracks CASCADE"); err != nil {
		t.Fatalf("failed to truncate catalog tables: %v", err)
	}
}
