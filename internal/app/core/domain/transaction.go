package domain

import (
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxCommentLength 備註最大長度 (以字元計，不是 byte)
const MaxCommentLength = 512

// IssuerID 代表系統發行方，存款的付款方與提款的收款方都記為 0，它不是帳戶
const IssuerID int64 = 0

// TransactionType 交易類型
type TransactionType uint8

const (
	// 存款 (發行方 -> 帳戶)
	TransactionTypeDeposit TransactionType = 1
	// 提款 (帳戶 -> 發行方)
	TransactionTypeWithdraw TransactionType = 2
	// 轉帳
	TransactionTypeTransfer TransactionType = 3
)

func (t TransactionType) String() string {
	switch t {
	case TransactionTypeDeposit:
		return "deposit"
	case TransactionTypeWithdraw:
		return "withdraw"
	case TransactionTypeTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("TransactionType(%d)", uint8(t))
	}
}

// ParseTransactionType 將字串轉回 TransactionType
func ParseTransactionType(s string) (TransactionType, error) {
	switch s {
	case "deposit":
		return TransactionTypeDeposit, nil
	case "withdraw":
		return TransactionTypeWithdraw, nil
	case "transfer":
		return TransactionTypeTransfer, nil
	}
	return 0, fmt.Errorf("unknown transaction type %q", s)
}

// Transaction 交易紀錄，建立後不可變更
type Transaction struct {
	// ID: 由儲存層依提交順序遞增分配
	ID int64
	// RefID: 外部冪等鍵，uuid.Nil 代表未提供
	RefID   uuid.UUID
	PayerID int64
	PayeeID int64
	Amount  int64
	Comment string
	Type    TransactionType
	// CreatedAt: 提交時間
	CreatedAt time.Time
}

// Touches 回傳這筆交易是否與帳戶有關 (付款方或收款方)
func (t *Transaction) Touches(accountID int64) bool {
	return t.PayerID == accountID || t.PayeeID == accountID
}

// SameIntent 比較兩筆交易的業務內容 (忽略 ID 與時間)，用於冪等重送判斷
func (t *Transaction) SameIntent(o *Transaction) bool {
	return t.Type == o.Type &&
		t.PayerID == o.PayerID &&
		t.PayeeID == o.PayeeID &&
		t.Amount == o.Amount &&
		t.Comment == o.Comment
}

// TransferRequest 轉帳/存款/提款請求
type TransferRequest struct {
	RefID   uuid.UUID
	PayerID int64
	PayeeID int64
	Amount  int64
	Comment string
}

// Validate 在碰觸儲存層前檢查請求，依交易類型決定需要哪些帳戶
func (r TransferRequest) Validate(t TransactionType) error {
	switch t {
	case TransactionTypeTransfer:
		if r.PayerID <= 0 || r.PayeeID <= 0 {
			return ErrInvalidAccount
		}
		if r.PayerID == r.PayeeID {
			return ErrSelfTransfer
		}
	case TransactionTypeDeposit:
		if r.PayeeID <= 0 {
			return ErrInvalidAccount
		}
	case TransactionTypeWithdraw:
		if r.PayerID <= 0 {
			return ErrInvalidAccount
		}
	default:
		return fmt.Errorf("unsupported transaction type %d", t)
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if !utf8.ValidString(r.Comment) {
		return ErrInvalidComment
	}
	if utf8.RuneCountInString(r.Comment) > MaxCommentLength {
		return ErrCommentTooLong
	}
	return nil
}

// Transaction 依類型組出待寫入的交易紀錄
func (r TransferRequest) Transaction(t TransactionType) *Transaction {
	tran := &Transaction{
		RefID:   r.RefID,
		PayerID: r.PayerID,
		PayeeID: r.PayeeID,
		Amount:  r.Amount,
		Comment: r.Comment,
		Type:    t,
	}
	switch t {
	case TransactionTypeDeposit:
		tran.PayerID = IssuerID
	case TransactionTypeWithdraw:
		tran.PayeeID = IssuerID
	}
	return tran
}

// GetLockIDs 回傳需要鎖定的帳號 ID (已排序、不含發行方)，固定順序以避免死鎖
func (t *Transaction) GetLockIDs() []int64 {
	ids := make([]int64, 0, 2)
	if t.PayerID != IssuerID {
		ids = append(ids, t.PayerID)
	}
	if t.PayeeID != IssuerID && t.PayeeID != t.PayerID {
		ids = append(ids, t.PayeeID)
	}
	slices.Sort(ids)
	return ids
}

// TransactionQuery 交易查詢條件
type TransactionQuery struct {
	// AccountID 為 0 時不過濾
	AccountID int64
	Limit     int
	Offset    int
}
