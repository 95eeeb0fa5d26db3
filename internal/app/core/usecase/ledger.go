package usecase

import (
	"context"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
)

// Store 是帳本持久層的介面，引擎只透過它存取餘額與交易紀錄
type Store interface {
	// Atomically 鎖定 accountIDs 後在同一個工作單元內執行 fn
	// fn 回傳錯誤或 ctx 在提交前被取消時，所有變更都會被丟棄
	Atomically(ctx context.Context, accountIDs []int64, fn func(uow UnitOfWork) error) error
	// ReadBalance 讀取已提交的餘額；帳戶不存在時回傳 (0, false, nil)
	ReadBalance(ctx context.Context, accountID int64) (int64, bool, error)
	// ListTransactions 依 id 遞增列出交易紀錄
	ListTransactions(ctx context.Context, q domain.TransactionQuery) ([]domain.Transaction, error)
	// Close 釋放底層資源
	Close() error
}

// UnitOfWork 工作單元內可見的操作，只能在 Atomically 的 fn 中使用
type UnitOfWork interface {
	ReadBalance(accountID int64) (int64, bool, error)
	// WriteBalances 寫入新餘額，不存在的帳戶會被建立
	WriteBalances(balances map[int64]int64) error
	// AppendTransaction 新增交易紀錄，ID 與 CreatedAt 最晚在提交時回填到 tran
	AppendTransaction(tran *domain.Transaction) error
	// FindTransactionByRef 依冪等鍵查詢，找不到回傳 (nil, nil)
	FindTransactionByRef(ref uuid.UUID) (*domain.Transaction, error)
	ListTransactions(q domain.TransactionQuery) ([]domain.Transaction, error)
}

// EventPublisher 交易提交後的事件出口
type EventPublisher interface {
	Publish(ctx context.Context, event domain.TransactionCompleted) error
}

// NopPublisher 不發送任何事件
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.TransactionCompleted) error { return nil }
