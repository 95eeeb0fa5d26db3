package mysql

import (
	"testing"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
)

func TestFormatDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 3307, User: "ledger", Password: "p@ss", DBName: "economy"}
	parsed, err := gomysql.ParseDSN(cfg.FormatDSN())
	if err != nil {
		t.Fatalf("ParseDSN err=%v", err)
	}
	if parsed.Addr != "db:3307" || parsed.User != "ledger" || parsed.Passwd != "p@ss" || parsed.DBName != "economy" {
		t.Fatalf("parsed=%+v", parsed)
	}
	if !parsed.ParseTime || parsed.Loc != time.UTC {
		t.Fatalf("parseTime=%v loc=%v", parsed.ParseTime, parsed.Loc)
	}
}

func TestExplicitDSNWins(t *testing.T) {
	cfg := Config{DSN: "root:root@tcp(127.0.0.1:3306)/x", Host: "ignored"}
	if got := cfg.FormatDSN(); got != cfg.DSN {
		t.Fatalf("FormatDSN=%q", got)
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{MaxOpenConns: 5}.withDefaults()
	if cfg.Port != 3306 || cfg.MaxOpenConns != 5 || cfg.MaxIdleConns != 10 || cfg.ConnectRetries != 10 {
		t.Fatalf("cfg=%+v", cfg)
	}
}
