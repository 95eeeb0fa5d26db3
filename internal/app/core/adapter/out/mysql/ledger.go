package mysql

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-economy-ledger/pkg/mysql"
)

// sqlAccount 對應資料庫的 accounts 表
type sqlAccount struct {
	ID        int64 `gorm:"primaryKey;autoIncrement:false"`
	Balance   int64 `gorm:"not null;check:chk_accounts_balance,balance >= 0"`
	CreatedAt int64 `gorm:"autoCreateTime:milli"` // 自動寫入時間
	UpdatedAt int64 `gorm:"autoUpdateTime:milli"` // 自動更新時間
}

func (*sqlAccount) TableName() string {
	return "accounts"
}

// sqlTransaction 對應資料庫的 transactions 表
type sqlTransaction struct {
	ID      int64  `gorm:"primaryKey;autoIncrement"`
	RefID   []byte `gorm:"column:ref_id;type:binary(16);uniqueIndex"` // NULL 代表沒有冪等鍵
	Type    uint8  `gorm:"not null"`
	PayerID int64  `gorm:"not null;index"`
	PayeeID int64  `gorm:"not null;index"`
	Amount  int64  `gorm:"not null;check:chk_transactions_amount,amount > 0"`
	Comment string `gorm:"type:varchar(512);not null;default:''"`
	// CreatedAt: 提交時間 (毫秒)
	CreatedAt int64 `gorm:"not null"`
}

func (*sqlTransaction) TableName() string {
	return "transactions"
}

func (t *sqlTransaction) toDomain() domain.Transaction {
	tran := domain.Transaction{
		ID:        t.ID,
		PayerID:   t.PayerID,
		PayeeID:   t.PayeeID,
		Amount:    t.Amount,
		Comment:   t.Comment,
		Type:      domain.TransactionType(t.Type),
		CreatedAt: time.UnixMilli(t.CreatedAt).UTC(),
	}
	if ref, err := uuid.FromBytes(t.RefID); err == nil {
		tran.RefID = ref
	}
	return tran
}

// Store 以 MySQL (GORM) 實現的帳本，列鎖依帳戶 ID 遞增順序取得
type Store struct {
	client *mysql.Client
	now    func() time.Time
}

func NewStore(client *mysql.Client) *Store {
	return &Store{
		client: client,
		now:    time.Now,
	}
}

// Migrate 建立或更新資料表
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.client.DB().WithContext(ctx).AutoMigrate(&sqlAccount{}, &sqlTransaction{}); err != nil {
		return classify(err)
	}
	return nil
}

// Atomically 開啟資料庫交易，以 SELECT ... FOR UPDATE 依序鎖住帳戶後執行 fn
func (s *Store) Atomically(ctx context.Context, accountIDs []int64, fn func(uow usecase.UnitOfWork) error) error {
	ids := slices.Clone(accountIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var fnErr error
	err := s.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 取得鎖定帳號 悲觀鎖 (ORDER BY id 讓加鎖順序固定)
		var rows []sqlAccount
		if len(ids) > 0 {
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id IN ?", ids).
				Order("id").
				Find(&rows).Error; err != nil {
				return classify(err)
			}
		}

		uow := &unitOfWork{
			tx:       tx,
			locked:   make(map[int64]int64, len(ids)),
			existing: make(map[int64]bool, len(rows)),
			now:      s.now,
		}
		for _, id := range ids {
			uow.locked[id] = domain.DefaultBalance
		}
		for _, row := range rows {
			uow.locked[row.ID] = row.Balance
			uow.existing[row.ID] = true
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
	var row sqlAccount
	err := s.client.DB().WithContext(ctx).Where("id = ?", accountID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.DefaultBalance, false, nil
	}
	if err != nil {
		return 0, false, classify(err)
	}
	return row.Balance, true, nil
}

func (s *Store) ListTransactions(ctx context.Context, q domain.TransactionQuery) ([]domain.Transaction, error) {
	return listTransactions(s.client.DB().WithContext(ctx), q)
}

// Close 關閉資料庫連線
func (s *Store) Close() error {
	return s.client.Close()
}

func listTransactions(db *gorm.DB, q domain.TransactionQuery) ([]domain.Transaction, error) {
	query := db.Model(&sqlTransaction{}).Order("id ASC")
	if q.AccountID != 0 {
		query = query.Where("payer_id = ? OR payee_id = ?", q.AccountID, q.AccountID)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}

	var rows []sqlTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]domain.Transaction, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// unitOfWork 一個資料庫交易內的操作
type unitOfWork struct {
	tx *gorm.DB
	// locked: 已鎖定帳戶在這個交易內的最新餘額
	locked   map[int64]int64
	existing map[int64]bool
	now      func() time.Time
}

func (u *unitOfWork) ReadBalance(accountID int64) (int64, bool, error) {
	if balance, ok := u.locked[accountID]; ok {
		return balance, u.existing[accountID], nil
	}
	var row sqlAccount
	err := u.tx.Where("id = ?", accountID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.DefaultBalance, false, nil
	}
	if err != nil {
		return 0, false, classify(err)
	}
	return row.Balance, true, nil
}

// WriteBalances 寫回餘額：已存在的帳戶 UPDATE，不存在的 INSERT
// 兩個工作單元同時建立同一個帳戶時，後者會撞到主鍵 (1062) 而整筆重試，不會覆蓋前者
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
	slices.Sort(ids)

	for _, id := range ids {
		balance := balances[id]
		var err error
		if u.existing[id] {
			err = u.tx.Model(&sqlAccount{}).Where("id = ?", id).Update("balance", balance).Error
		} else {
			err = u.tx.Create(&sqlAccount{ID: id, Balance: balance}).Error
		}
		if err != nil {
			return classify(err)
		}
		u.locked[id] = balance
		u.existing[id] = true
	}
	return nil
}

func (u *unitOfWork) AppendTransaction(tran *domain.Transaction) error {
	row := sqlTransaction{
		Type:      uint8(tran.Type),
		PayerID:   tran.PayerID,
		PayeeID:   tran.PayeeID,
		Amount:    tran.Amount,
		Comment:   tran.Comment,
		CreatedAt: u.now().UnixMilli(),
	}
	if tran.RefID != uuid.Nil {
		row.RefID = tran.RefID[:]
	}
	if err := u.tx.Create(&row).Error; err != nil {
		return classify(err)
	}
	tran.ID = row.ID
	tran.CreatedAt = time.UnixMilli(row.CreatedAt).UTC()
	return nil
}

func (u *unitOfWork) FindTransactionByRef(ref uuid.UUID) (*domain.Transaction, error) {
	var row sqlTransaction
	err := u.tx.Where("ref_id = ?", ref[:]).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	tran := row.toDomain()
	return &tran, nil
}

func (u *unitOfWork) ListTransactions(q domain.TransactionQuery) ([]domain.Transaction, error) {
	return listTransactions(u.tx, q)
}

var (
	_ usecase.Store      = (*Store)(nil)
	_ usecase.UnitOfWork = (*unitOfWork)(nil)
)
