package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-economy-ledger/pkg/postgres"
)

//go:embed migrations/*.sql
var migrations embed.FS

const selectTransaction = `SELECT id, ref_id, type, payer_id, payee_id, amount, comment, created_at FROM transactions`

// querier pgxpool.Pool 與 pgx.Tx 共用的查詢介面
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type accountRow struct {
	ID      int64
	Balance int64
}

type transactionRow struct {
	ID        int64
	RefID     pgtype.UUID
	Type      int16
	PayerID   int64
	PayeeID   int64
	Amount    int64
	Comment   string
	CreatedAt time.Time
}

func (r transactionRow) toDomain() domain.Transaction {
	tran := domain.Transaction{
		ID:        r.ID,
		PayerID:   r.PayerID,
		PayeeID:   r.PayeeID,
		Amount:    r.Amount,
		Comment:   r.Comment,
		Type:      domain.TransactionType(r.Type),
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.RefID.Valid {
		tran.RefID = uuid.UUID(r.RefID.Bytes)
	}
	return tran
}

func refArg(ref uuid.UUID) pgtype.UUID {
	if ref == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: ref, Valid: true}
}

// Store 以 PostgreSQL (pgx) 實現的帳本
type Store struct {
	client *postgres.Client
}

func NewStore(client *postgres.Client) *Store {
	return &Store{client: client}
}

// Migrate 套用內嵌的 SQL migration
func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	if err := s.client.ApplyMigrations(ctx, sub); err != nil {
		return classify(err)
	}
	return nil
}

// Atomically 在一個資料庫交易內以 SELECT ... FOR UPDATE 依 ID 遞增順序鎖住帳戶後執行 fn
func (s *Store) Atomically(ctx context.Context, accountIDs []int64, fn func(uow usecase.UnitOfWork) error) error {
	ids := slices.Clone(accountIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var fnErr error
	err := pgx.BeginFunc(ctx, s.client.Pool(), func(tx pgx.Tx) error {
		uow := &unitOfWork{
			ctx:      ctx,
			tx:       tx,
			locked:   make(map[int64]int64, len(ids)),
			existing: make(map[int64]bool, len(ids)),
		}
		for _, id := range ids {
			uow.locked[id] = domain.DefaultBalance
		}
		if len(ids) > 0 {
			rows, _ := tx.Query(ctx, `SELECT id, balance FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
			accounts, err := pgx.CollectRows(rows, pgx.RowToStructByPos[accountRow])
			if err != nil {
				return classify(err)
			}
			for _, acc := range accounts {
				uow.locked[acc.ID] = acc.Balance
				uow.existing[acc.ID] = true
			}
		}

		if fnErr = fn(uow); fnErr != nil {
			return fnErr
		}
		// 提交前被取消就整筆回滾
		return ctx.Err()
	})
	if err != nil && fnErr != nil && errors.Is(err, fnErr) {
		return err
	}
	return classify(err)
}

func (s *Store) ReadBalance(ctx context.Context, accountID int64) (int64, bool, error) {
	return readBalance(ctx, s.client.Pool(), accountID)
}

func (s *Store) ListTransactions(ctx context.Context, q domain.TransactionQuery) ([]domain.Transaction, error) {
	return listTransactions(ctx, s.client.Pool(), q)
}

// Close 關閉連線池
func (s *Store) Close() error {
	return s.client.Close()
}

func readBalance(ctx context.Context, db querier, accountID int64) (int64, bool, error) {
	var balance int64
	err := db.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DefaultBalance, false, nil
	}
	if err != nil {
		return 0, false, classify(err)
	}
	return balance, true, nil
}

func listTransactions(ctx context.Context, db querier, q domain.TransactionQuery) ([]domain.Transaction, error) {
	sql := selectTransaction
	var args []any
	if q.AccountID != 0 {
		args = append(args, q.AccountID)
		sql += ` WHERE payer_id = $1 OR payee_id = $1`
	}
	sql += ` ORDER BY id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sql += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, _ := db.Query(ctx, sql, args...)
	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[transactionRow])
	if err != nil {
		return nil, classify(err)
	}
	out := make([]domain.Transaction, len(records))
	for i, r := range records {
		out[i] = r.toDomain()
	}
	return out, nil
}

// unitOfWork 一個資料庫交易內的操作，ctx 與 tx 的生命週期相同
type unitOfWork struct {
	ctx context.Context
	tx  pgx.Tx
	// locked: 已鎖定帳戶在這個交易內的最新餘額
	locked   map[int64]int64
	existing map[int64]bool
}

func (u *unitOfWork) ReadBalance(accountID int64) (int64, bool, error) {
	if balance, ok := u.locked[accountID]; ok {
		return balance, u.existing[accountID], nil
	}
	return readBalance(u.ctx, u.tx, accountID)
}

// WriteBalances 已存在的帳戶 UPDATE，不存在的 INSERT (並發建立時撞 23505 而整筆重試)
func (u *unitOfWork) WriteBalances(balances map[int64]int64) error {
	ids := make([]int64, 0, len(balances))
	for id, balance := range balances {
		if _, ok := u.locked[id]; !ok {
			return fmt.Errorf("write balance of %d: account is not locked by this unit of work", id)
		}
		if balance < 0 {
			return fmt.Errorf("write balance of %d: %w", id, domain.ErrInsufficientFunds)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	slices.Sort(ids)

	batch := &pgx.Batch{}
	for _, id := range ids {
		if u.existing[id] {
			batch.Queue(`UPDATE accounts SET balance = $2, updated_at = now() WHERE id = $1`, id, balances[id])
		} else {
			batch.Queue(`INSERT INTO accounts (id, balance) VALUES ($1, $2)`, id, balances[id])
		}
	}
	results := u.tx.SendBatch(u.ctx, batch)
	for range ids {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return classify(err)
		}
	}
	if err := results.Close(); err != nil {
		return classify(err)
	}

	for _, id := range ids {
		u.locked[id] = balances[id]
		u.existing[id] = true
	}
	return nil
}

func (u *unitOfWork) AppendTransaction(tran *domain.Transaction) error {
	err := u.tx.QueryRow(u.ctx, `
		INSERT INTO transactions (ref_id, type, payer_id, payee_id, amount, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, refArg(tran.RefID), int16(tran.Type), tran.PayerID, tran.PayeeID, tran.Amount, tran.Comment).
		Scan(&tran.ID, &tran.CreatedAt)
	if err != nil {
		return classify(err)
	}
	tran.CreatedAt = tran.CreatedAt.UTC()
	return nil
}

func (u *unitOfWork) FindTransactionByRef(ref uuid.UUID) (*domain.Transaction, error) {
	rows, _ := u.tx.Query(u.ctx, selectTransaction+` WHERE ref_id = $1`, refArg(ref))
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[transactionRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	tran := row.toDomain()
	return &tran, nil
}

func (u *unitOfWork) ListTransactions(q domain.TransactionQuery) ([]domain.Transaction, error) {
	return listTransactions(u.ctx, u.tx, q)
}

// PostgreSQL SQLSTATE
// 參考: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	sqlStateUniqueViolation      = "23505"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
)

// classify 把驅動錯誤轉成帳本的錯誤分類
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, domain.ErrConcurrencyConflict) || errors.Is(err, domain.ErrStorageUnavailable) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateUniqueViolation, sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
			return fmt.Errorf("%w: postgres %s: %s", domain.ErrConcurrencyConflict, pgErr.Code, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

var (
	_ usecase.Store      = (*Store)(nil)
	_ usecase.UnitOfWork = (*unitOfWork)(nil)
)
