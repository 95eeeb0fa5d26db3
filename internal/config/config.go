// Package config 載入服務設定：YAML 檔 -> .env -> 環境變數，後者覆寫前者
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/adapter/out/kafka"
	"github.com/JoeShih716/go-economy-ledger/pkg/mysql"
	"github.com/JoeShih716/go-economy-ledger/pkg/postgres"
)

// 儲存層選項
const (
	DriverMemory    = "memory"    // mutex 鎖表 + WAL
	DriverSequenced = "sequenced" // 單一 goroutine 依序處理 + WAL
	DriverMySQL     = "mysql"
	DriverPostgres  = "postgres"
)

type Config struct {
	HTTP     HTTPConfig      `yaml:"http"`
	GRPC     GRPCConfig      `yaml:"grpc"`
	Storage  StorageConfig   `yaml:"storage"`
	Ledger   LedgerConfig    `yaml:"ledger"`
	Kafka    kafka.Config    `yaml:"kafka"`
	Log      LogConfig       `yaml:"log"`
	MySQL    mysql.Config    `yaml:"mysql"`
	Postgres postgres.Config `yaml:"postgres"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AdminToken 存款/提款需要的 X-Admin-Token，空字串代表停用
	AdminToken string `yaml:"admin_token"`
}

type GRPCConfig struct {
	// Addr 空字串代表不啟動 gRPC
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	// WALPath memory/sequenced 使用，空字串代表不落地
	WALPath   string `yaml:"wal_path"`
	QueueSize int    `yaml:"queue_size"`
	// AutoMigrate 啟動時建立資料表
	AutoMigrate bool `yaml:"auto_migrate"`
}

type LedgerConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	RequireOpenAccounts bool          `yaml:"require_open_accounts"`
	DefaultPageSize     int           `yaml:"default_page_size"`
	MaxPageSize         int           `yaml:"max_page_size"`
	CurrencyScale       int32         `yaml:"currency_scale"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Load 讀取設定檔並套用環境變數
//
// 參數:
//
//	path: YAML 路徑，檔案不存在時只用預設值與環境變數
//
// 回傳:
//
//	Config: 已補上預設值並通過 Validate 的設定
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	// .env 不會覆寫已經存在的環境變數
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Storage.Driver, "STORAGE_DRIVER")
	setString(&c.Storage.WALPath, "WAL_PATH")
	setString(&c.Postgres.URL, "DATABASE_URL")
	setString(&c.MySQL.DSN, "MYSQL_DSN")
	setString(&c.MySQL.Host, "MYSQL_HOST")
	setString(&c.MySQL.User, "MYSQL_USER")
	setString(&c.MySQL.Password, "MYSQL_PASSWORD")
	setString(&c.MySQL.DBName, "MYSQL_DATABASE")
	setString(&c.HTTP.Addr, "HTTP_ADDR")
	setString(&c.HTTP.AdminToken, "ADMIN_TOKEN")
	setString(&c.GRPC.Addr, "GRPC_ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	if v, ok := os.LookupEnv("MYSQL_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MYSQL_PORT: %w", err)
		}
		c.MySQL.Port = port
	}
	if v, ok := os.LookupEnv("REQUIRE_OPEN_ACCOUNTS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REQUIRE_OPEN_ACCOUNTS: %w", err)
		}
		c.Ledger.RequireOpenAccounts = b
	}
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

// setDefaults 補全沒有設定的欄位
func (c *Config) setDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 10 * time.Second
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 10 * time.Second
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 15 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.QueueSize == 0 {
		c.Storage.QueueSize = 1024
	}
	if c.Ledger.MaxRetries == 0 {
		c.Ledger.MaxRetries = 5
	}
	if c.Ledger.RetryBackoff == 0 {
		c.Ledger.RetryBackoff = 5 * time.Millisecond
	}
	if c.Ledger.DefaultPageSize == 0 {
		c.Ledger.DefaultPageSize = 50
	}
	if c.Ledger.MaxPageSize == 0 {
		c.Ledger.MaxPageSize = 500
	}
	if c.Ledger.CurrencyScale == 0 {
		c.Ledger.CurrencyScale = 2
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate 檢查設定是否合法
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory, DriverSequenced:
	case DriverMySQL:
		if c.MySQL.DSN == "" && c.MySQL.Host == "" {
			errs = append(errs, errors.New("mysql driver needs mysql.dsn or mysql.host"))
		}
	case DriverPostgres:
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("postgres driver needs postgres.url (DATABASE_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Storage.QueueSize < 0 {
		errs = append(errs, errors.New("storage.queue_size must not be negative"))
	}
	if c.Ledger.MaxRetries < 0 {
		errs = append(errs, errors.New("ledger.max_retries must not be negative"))
	}
	if c.Ledger.DefaultPageSize <= 0 || c.Ledger.MaxPageSize < c.Ledger.DefaultPageSize {
		errs = append(errs, fmt.Errorf("ledger page sizes invalid: default=%d max=%d", c.Ledger.DefaultPageSize, c.Ledger.MaxPageSize))
	}
	if c.Ledger.CurrencyScale < 0 || c.Ledger.CurrencyScale > 18 {
		errs = append(errs, fmt.Errorf("ledger.currency_scale %d out of range 0..18", c.Ledger.CurrencyScale))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SlogLevel 把 level 字串轉成 slog.Level
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger 依設定建立 slog.Logger
func (l LogConfig) NewLogger() *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
