package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port           int           `yaml:"port"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		RateLimit      int           `yaml:"rate_limit"`
		RateWindow     time.Duration `yaml:"rate_window"`
		MessageRate    float64       `yaml:"message_rate"`
		MessageBurst   int           `yaml:"message_burst"`
	} `yaml:"server"`

	Auth struct {
		AdminUsername string `yaml:"admin_username"`
		JWTSecret     string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Room struct {
		DefaultMaxParticipants int           `yaml:"default_max_participants"`
		MaxParticipantsLimit   int           `yaml:"max_participants_limit"`
		CloseGracePeriod       time.Duration `yaml:"close_grace_period"`
		CleanupInterval        time.Duration `yaml:"cleanup_interval"`
		MaxAge                 time.Duration `yaml:"max_age"`
	} `yaml:"room"`

	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
		URL      string `yaml:"url"`
	} `yaml:"postgres"`

	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		CacheTTL     time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`

	NATS struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		Stream        string `yaml:"stream"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 預設配置
func DefaultConfig() *Config {
	c := &Config{}
	c.Server.Port = 8080
	c.Server.ReadTimeout = 10 * time.Second
	c.Server.WriteTimeout = 10 * time.Second
	c.Server.RateLimit = 120
	c.Server.RateWindow = time.Minute
	c.Server.MessageRate = 100
	c.Server.MessageBurst = 200

	c.Room.DefaultMaxParticipants = DefaultMaxParticipants
	c.Room.MaxParticipantsLimit = 100
	c.Room.CloseGracePeriod = 5 * time.Second
	c.Room.CleanupInterval = time.Hour
	c.Room.MaxAge = 24 * time.Hour

	c.Postgres.Host = "localhost"
	c.Postgres.Port = 5432
	c.Postgres.User = "postgres"
	c.Postgres.DBName = "race_room"
	c.Postgres.MaxConns = 10
	c.Postgres.MinConns = 2

	c.Redis.Addr = "localhost:6379"
	c.Redis.PoolSize = 10
	c.Redis.ReadTimeout = 3 * time.Second
	c.Redis.WriteTimeout = 3 * time.Second
	c.Redis.CacheTTL = 5 * time.Minute

	c.NATS.URL = "nats://localhost:4222"
	c.NATS.Stream = "RACE_ROOMS"
	c.NATS.SubjectPrefix = "raceroom"

	c.Log.Level = "info"
	c.Log.Format = "json"
	return c
}

// LoadConfig 載入配置
//
// 順序：預設值 → YAML 檔案（不存在時略過）→ .env → 環境變數。
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() error {
	if v := os.Getenv("ADMIN_USERNAME"); v != "" {
		c.Auth.AdminUsername = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.URL = v
		c.Postgres.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate 檢查必要配置
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.AdminUsername == "" {
		errs = append(errs, errors.New("auth.admin_username (ADMIN_USERNAME) is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret (JWT_SECRET) is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Room.DefaultMaxParticipants > c.Room.MaxParticipantsLimit && c.Room.MaxParticipantsLimit > 0 {
		errs = append(errs, errors.New("room.default_max_participants exceeds room.max_participants_limit"))
	}
	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	if c.Postgres.URL != "" {
		return c.Postgres.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}

// RegistryOptions 房間註冊表配置
func (c *Config) RegistryOptions() RegistryOptions {
	return RegistryOptions{
		AdminUsername:          c.Auth.AdminUsername,
		DefaultMaxParticipants: c.Room.DefaultMaxParticipants,
		MaxParticipantsLimit:   c.Room.MaxParticipantsLimit,
		CloseGracePeriod:       c.Room.CloseGracePeriod,
		CleanupInterval:        c.Room.CleanupInterval,
		MaxRoomAge:             c.Room.MaxAge,
	}
}

// GatewayOptions 連接配置
func (c *Config) GatewayOptions() GatewayOptions {
	opts := DefaultGatewayOptions()
	opts.AllowedOrigins = c.Server.AllowedOrigins
	if c.Server.MessageRate > 0 {
		opts.MessageRate = rate.Limit(c.Server.MessageRate)
	}
	if c.Server.MessageBurst > 0 {
		opts.MessageBurst = c.Server.MessageBurst
	}
	return opts
}

// HandlerOptions HTTP 層配置
func (c *Config) HandlerOptions() HandlerOptions {
	return HandlerOptions{
		AllowedOrigins: c.Server.AllowedOrigins,
		RateLimit:      c.Server.RateLimit,
		RateWindow:     c.Server.RateWindow,
	}
}
