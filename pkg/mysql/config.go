package mysql

import (
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
)

// Config 定義 MySQL 連線與連線池的配置
type Config struct {
	// DSN 直接指定連線字串時，Host/Port/User/Password/DBName 會被忽略
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`     // 資料庫主機地址
	Port     int    `yaml:"port"`     // 資料庫埠號 (預設 3306)
	User     string `yaml:"user"`     // 使用者名稱
	Password string `yaml:"password"` // 密碼
	DBName   string `yaml:"db_name"`  // 資料庫名稱

	// 連線池設定 (Connection Pool)
	// 參考: https://github.com/go-sql-driver/mysql#important-settings
	MaxOpenConns    int           `yaml:"max_open_conns"`    // 最大開啟連線數
	MaxIdleConns    int           `yaml:"max_idle_conns"`    // 最大閒置連線數
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"` // 連線最大存活時間

	// 啟動時連線重試
	ConnectRetries int           `yaml:"connect_retries"`
	RetryInterval  time.Duration `yaml:"retry_interval"`

	// GORM 設定
	LogLevel string `yaml:"log_level"` // Log 等級: "silent", "error", "warn", "info"
}

// FormatDSN 產生連線字串
// 格式: user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=true&loc=UTC
func (c *Config) FormatDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	dsn := gomysql.NewConfig()
	dsn.User = c.User
	dsn.Passwd = c.Password
	dsn.Net = "tcp"
	dsn.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	dsn.DBName = c.DBName
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	dsn.Params = map[string]string{"charset": "utf8mb4"}
	return dsn.FormatDSN()
}

// withDefaults 補上未設定的連線池參數
func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 10
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	return c
}
