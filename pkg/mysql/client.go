package mysql

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Client 封裝 GORM DB 實例
type Client struct {
	db *gorm.DB
}

// NewClient 建立並回傳一個新的 MySQL 客戶端實例 (GORM)，連不上時依設定重試
//
// 參數:
//
//	ctx: 取消時停止重試
//	cfg: Config - MySQL 連線配置
//	log: 記錄重試過程
//
// 回傳值:
//
//	*Client: 封裝後的 MySQL 客戶端
//	error: 若連線失敗則回傳錯誤
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	gormConfig := &gorm.Config{
		// 帳本的寫入一律走明確的 Transaction，不需要 GORM 再包一層
		SkipDefaultTransaction: true,
		Logger:                 newLogger(cfg.LogLevel),
		NowFunc:                func() time.Time { return time.Now().UTC() },
	}

	var db *gorm.DB
	var err error
	for i := 0; i < cfg.ConnectRetries; i++ {
		db, err = open(ctx, cfg, gormConfig)
		if err == nil {
			break
		}
		if i == cfg.ConnectRetries-1 {
			break
		}
		log.WarnContext(ctx, "connect to mysql failed, retrying",
			"attempt", i+1, "max_attempts", cfg.ConnectRetries, "retry_in", cfg.RetryInterval, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql after %d attempts: %w", cfg.ConnectRetries, err)
	}

	// 取得底層 sql.DB 物件以設定連線池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.db: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Client{db: db}, nil
}

func open(ctx context.Context, cfg Config, gormConfig *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.FormatDSN()), gormConfig)
	if err != nil {
		return nil, err
	}
	rawDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := rawDB.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, err
	}
	return db, nil
}

// DB 回傳底層的 *gorm.DB 實例，供 adapter 使用
func (c *Client) DB() *gorm.DB {
	return c.db
}

// Ping 檢查連線是否正常 (health check 用)
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 關閉資料庫連線
func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// newLogger 根據配置建立 GORM Logger
func newLogger(level string) logger.Interface {
	var logLevel logger.LogLevel
	switch level {
	case "info":
		logLevel = logger.Info
	case "warn":
		logLevel = logger.Warn
	case "error":
		logLevel = logger.Error
	case "silent":
		logLevel = logger.Silent
	default:
		logLevel = logger.Error // 預設只記錄錯誤
	}
	return logger.Default.LogMode(logLevel)
}
