package mysql

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/adapter/out/storetest"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-economy-ledger/pkg/mysql"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadlock", &gomysql.MySQLError{Number: 1213, Message: "Deadlock found"}, domain.ErrConcurrencyConflict},
		{"lock wait timeout", &gomysql.MySQLError{Number: 1205}, domain.ErrConcurrencyConflict},
		{"duplicate entry", fmt.Errorf("insert: %w", &gomysql.MySQLError{Number: 1062}), domain.ErrConcurrencyConflict},
		{"check constraint", &gomysql.MySQLError{Number: 3819}, domain.ErrStorageUnavailable},
		{"bad connection", gomysql.ErrInvalidConn, domain.ErrStorageUnavailable},
		{"cancelled", context.Canceled, context.Canceled},
		{"already classified", domain.ErrConcurrencyConflict, domain.ErrConcurrencyConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); !errors.Is(got, tt.want) {
				t.Fatalf("classify(%v)=%v want %v", tt.err, got, tt.want)
			}
		})
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) must be nil")
	}
}

// 設定 LEDGER_TEST_MYSQL_DSN 時才會對真實資料庫跑行為測試，例如
// LEDGER_TEST_MYSQL_DSN='root:root@tcp(127.0.0.1:3306)/ledger_test?parseTime=true&loc=UTC&charset=utf8mb4'
func TestStoreConformance(t *testing.T) {
	dsn := os.Getenv("LEDGER_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_MYSQL_DSN not set")
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := mysql.NewClient(context.Background(), mysql.Config{DSN: dsn, ConnectRetries: 1, LogLevel: "silent"}, log)
	if err != nil {
		t.Fatalf("connect err=%v", err)
	}
	t.Cleanup(func() { client.Close() })

	store := NewStore(client)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate err=%v", err)
	}

	storetest.Run(t, func(t *testing.T) usecase.Store {
		db := client.DB()
		for _, table := range []string{"transactions", "accounts"} {
			if err := db.Exec("DELETE FROM " + table).Error; err != nil {
				t.Fatalf("reset %s err=%v", table, err)
			}
		}
		// 共用連線，子測試不關閉 Store
		return store
	})
}
