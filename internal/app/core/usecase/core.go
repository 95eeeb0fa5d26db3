package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
)

// Options 引擎的行為設定
type Options struct {
	// MaxRetries 遇到 ErrConcurrencyConflict 時整筆重試的次數上限
	MaxRetries   int
	RetryBackoff time.Duration
	// RequireOpenAccounts 為 true 時，未開戶的帳戶不能查詢餘額也不能付款
	RequireOpenAccounts bool
	DefaultPageSize     int
	MaxPageSize         int
	CurrencyScale       int32
}

// DefaultOptions 回傳預設設定
func DefaultOptions() Options {
	return Options{
		MaxRetries:      5,
		RetryBackoff:    5 * time.Millisecond,
		DefaultPageSize: 50,
		MaxPageSize:     500,
		CurrencyScale:   domain.DefaultCurrencyScale,
	}
}

// Option 定義 Engine 的配置選項函數
type Option func(*Engine)

func WithOptions(opts Options) Option {
	return func(e *Engine) {
		e.opts = opts
	}
}

func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// Engine 是帳本核心：驗證、工作單元、衝突重試與事件發布
type Engine struct {
	store     Store
	publisher EventPublisher
	logger    *slog.Logger
	opts      Options
}

// NewEngine 建立帳本引擎
//
// 參數:
//
//	store: 持久層，生命週期由呼叫端管理
//	opts: 可選配置
//
// 回傳:
//
//	*Engine: 引擎實例
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		publisher: NopPublisher{},
		logger:    slog.Default(),
		opts:      DefaultOptions(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.opts.DefaultPageSize <= 0 {
		e.opts.DefaultPageSize = DefaultOptions().DefaultPageSize
	}
	if e.opts.MaxPageSize < e.opts.DefaultPageSize {
		e.opts.MaxPageSize = e.opts.DefaultPageSize
	}
	return e
}

// Options 回傳目前生效的設定
func (e *Engine) Options() Options {
	return e.opts
}

// GetBalance 取得帳戶餘額，未建立的帳戶讀到 0 (strict 模式下回傳 ErrAccountNotFound)
func (e *Engine) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	if accountID <= 0 {
		return 0, domain.ErrInvalidAccount
	}
	balance, exists, err := e.store.ReadBalance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if !exists && e.opts.RequireOpenAccounts {
		return 0, domain.ErrAccountNotFound
	}
	return balance, nil
}

// OpenAccount 明確開戶，已存在時直接回傳目前狀態
func (e *Engine) OpenAccount(ctx context.Context, accountID int64) (domain.Account, error) {
	if accountID <= 0 {
		return domain.Account{}, domain.ErrInvalidAccount
	}
	var account domain.Account
	err := e.retry(ctx, "open_account", func() error {
		return e.store.Atomically(ctx, []int64{accountID}, func(uow UnitOfWork) error {
			balance, exists, err := uow.ReadBalance(accountID)
			if err != nil {
				return err
			}
			account = domain.Account{ID: accountID, Balance: balance}
			if exists {
				return nil
			}
			return uow.WriteBalances(map[int64]int64{accountID: balance})
		})
	})
	if err != nil {
		return domain.Account{}, err
	}
	return account, nil
}

// Transfer 原子轉帳：扣款、入帳、寫入交易紀錄三者同進退
func (e *Engine) Transfer(ctx context.Context, req domain.TransferRequest) (domain.Transaction, error) {
	return e.post(ctx, domain.TransactionTypeTransfer, req)
}

// Deposit 由發行方入帳 (PayerID 會被忽略)
func (e *Engine) Deposit(ctx context.Context, req domain.TransferRequest) (domain.Transaction, error) {
	return e.post(ctx, domain.TransactionTypeDeposit, req)
}

// Withdraw 扣款給發行方 (PayeeID 會被忽略)
func (e *Engine) Withdraw(ctx context.Context, req domain.TransferRequest) (domain.Transaction, error) {
	return e.post(ctx, domain.TransactionTypeWithdraw, req)
}

func (e *Engine) post(ctx context.Context, typ domain.TransactionType, req domain.TransferRequest) (domain.Transaction, error) {
	if err := req.Validate(typ); err != nil {
		return domain.Transaction{}, err
	}
	intent := req.Transaction(typ)

	var (
		committed *domain.Transaction
		replayed  bool
	)
	err := e.retry(ctx, typ.String(), func() error {
		committed, replayed = nil, false
		return e.store.Atomically(ctx, intent.GetLockIDs(), func(uow UnitOfWork) error {
			// 0. Idempotency Check
			if intent.RefID != uuid.Nil {
				prev, err := uow.FindTransactionByRef(intent.RefID)
				if err != nil {
					return err
				}
				if prev != nil {
					if !prev.SameIntent(intent) {
						return domain.ErrRefIDConflict
					}
					committed = prev
					replayed = true
					return nil
				}
			}

			// 1. 扣款方檢查餘額，入帳方不存在時以 0 建立
			balances := make(map[int64]int64, 2)
			if intent.PayerID != domain.IssuerID {
				payer, err := loadAccount(uow, intent.PayerID, e.opts.RequireOpenAccounts)
				if err != nil {
					return err
				}
				if err := payer.Withdraw(intent.Amount); err != nil {
					return err
				}
				balances[payer.ID] = payer.Balance
			}
			if intent.PayeeID != domain.IssuerID {
				payee, err := loadAccount(uow, intent.PayeeID, false)
				if err != nil {
					return err
				}
				if err := payee.Deposit(intent.Amount); err != nil {
					return err
				}
				balances[payee.ID] = payee.Balance
			}

			// 2. 寫回餘額與交易紀錄 (ID 最晚在提交時回填)
			if err := uow.WriteBalances(balances); err != nil {
				return err
			}
			record := *intent
			if err := uow.AppendTransaction(&record); err != nil {
				return err
			}
			committed = &record
			return nil
		})
	})
	if err != nil {
		e.logFailure(ctx, typ, intent, err)
		return domain.Transaction{}, err
	}
	result := *committed
	if replayed {
		e.logger.InfoContext(ctx, "replayed idempotent transaction",
			"transaction_id", result.ID, "ref_id", result.RefID.String())
		return result, nil
	}
	e.logger.DebugContext(ctx, "transaction committed",
		"transaction_id", result.ID, "type", typ.String(),
		"payer_id", result.PayerID, "payee_id", result.PayeeID, "amount", result.Amount)
	e.publish(ctx, &result)
	return result, nil
}

func loadAccount(uow UnitOfWork, id int64, mustExist bool) (*domain.Account, error) {
	balance, exists, err := uow.ReadBalance(id)
	if err != nil {
		return nil, err
	}
	if !exists && mustExist {
		return nil, domain.ErrAccountNotFound
	}
	return domain.NewAccount(id, balance), nil
}

// ListTransactions 依 id 遞增分頁列出交易紀錄
func (e *Engine) ListTransactions(ctx context.Context, q domain.TransactionQuery) ([]domain.Transaction, error) {
	q, err := e.normalizeQuery(q)
	if err != nil {
		return nil, err
	}
	return e.store.ListTransactions(ctx, q)
}

func (e *Engine) normalizeQuery(q domain.TransactionQuery) (domain.TransactionQuery, error) {
	if q.AccountID < 0 {
		return q, domain.ErrInvalidAccount
	}
	if q.Offset < 0 {
		return q, fmt.Errorf("%w: offset %d is negative", domain.ErrInvalidPagination, q.Offset)
	}
	if q.Limit < 0 || q.Limit > e.opts.MaxPageSize {
		return q, fmt.Errorf("%w: limit must be within 1..%d", domain.ErrInvalidPagination, e.opts.MaxPageSize)
	}
	if q.Limit == 0 {
		q.Limit = e.opts.DefaultPageSize
	}
	return q, nil
}

// Transactions 逐頁讀取交易紀錄的序列；每次迭代都從頭開始，遇到不足一頁即結束
func (e *Engine) Transactions(ctx context.Context, accountID int64, pageSize int) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		q, err := e.normalizeQuery(domain.TransactionQuery{AccountID: accountID, Limit: pageSize})
		if err != nil {
			yield(domain.Transaction{}, err)
			return
		}
		for {
			page, err := e.store.ListTransactions(ctx, q)
			if err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < q.Limit {
				return
			}
			q.Offset += len(page)
		}
	}
}

// Audit 鎖住帳戶後以交易紀錄重算餘額，與儲存的餘額比對
func (e *Engine) Audit(ctx context.Context, accountID int64) (domain.AuditReport, error) {
	if accountID <= 0 {
		return domain.AuditReport{}, domain.ErrInvalidAccount
	}
	_, exists, err := e.store.ReadBalance(ctx, accountID)
	if err != nil {
		return domain.AuditReport{}, err
	}
	if !exists {
		return domain.AuditReport{AccountID: accountID}, nil
	}

	var report domain.AuditReport
	err = e.retry(ctx, "audit", func() error {
		return e.store.Atomically(ctx, []int64{accountID}, func(uow UnitOfWork) error {
			balance, _, err := uow.ReadBalance(accountID)
			if err != nil {
				return err
			}
			report = domain.AuditReport{AccountID: accountID, StoredBalance: balance}
			q := domain.TransactionQuery{AccountID: accountID, Limit: e.opts.MaxPageSize}
			for {
				page, err := uow.ListTransactions(q)
				if err != nil {
					return err
				}
				for i := range page {
					report.Apply(&page[i])
				}
				if len(page) < q.Limit {
					return nil
				}
				q.Offset += len(page)
			}
		})
	})
	if err != nil {
		return domain.AuditReport{}, err
	}
	if !report.Consistent() {
		e.logger.ErrorContext(ctx, "ledger inconsistency detected",
			"account_id", accountID, "stored", report.StoredBalance, "expected", report.ExpectedBalance())
	}
	return report, nil
}

// retry 只在 ErrConcurrencyConflict 時重跑整個工作單元，其餘錯誤直接回傳
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, domain.ErrConcurrencyConflict) || attempt >= e.opts.MaxRetries {
			return err
		}
		e.logger.WarnContext(ctx, "unit of work conflicted, retrying",
			"op", op, "attempt", attempt+1, "err", err)

		timer := time.NewTimer(e.opts.RetryBackoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (retry aborted: %v)", err, ctx.Err())
		case <-timer.C:
		}
	}
}

func (e *Engine) publish(ctx context.Context, t *domain.Transaction) {
	ev := domain.NewTransactionCompleted(t, e.opts.CurrencyScale)
	// 交易已提交，事件發送不受呼叫端取消影響
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.ErrorContext(ctx, "publish transaction event failed",
			"transaction_id", t.ID, "err", err)
	}
}

func (e *Engine) logFailure(ctx context.Context, typ domain.TransactionType, t *domain.Transaction, err error) {
	attrs := []any{"type", typ.String(), "payer_id", t.PayerID, "payee_id", t.PayeeID, "amount", t.Amount, "err", err}
	switch {
	case errors.Is(err, domain.ErrStorageUnavailable):
		e.logger.ErrorContext(ctx, "transaction failed", attrs...)
	case errors.Is(err, domain.ErrConcurrencyConflict):
		e.logger.WarnContext(ctx, "transaction gave up after retries", attrs...)
	default:
		e.logger.DebugContext(ctx, "transaction rejected", attrs...)
	}
}
