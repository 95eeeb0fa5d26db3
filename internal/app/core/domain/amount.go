package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// amount 一律以最小貨幣單位的 int64 儲存，顯示時再依 scale 轉成小數
const DefaultCurrencyScale int32 = 2

// FormatAmount 將最小單位金額轉成顯示字串，例如 scale=2 時 12345 -> "123.45"
func FormatAmount(amount int64, scale int32) string {
	return DisplayAmount(amount, scale).StringFixed(scale)
}

// DisplayAmount 將最小單位金額轉成 decimal
func DisplayAmount(amount int64, scale int32) decimal.Decimal {
	return decimal.New(amount, -scale)
}

// TransactionCompleted 交易提交後對外發布的事件
type TransactionCompleted struct {
	TransactionID int64           `json:"transaction_id"`
	RefID         string          `json:"ref_id,omitempty"`
	Type          string          `json:"type"`
	PayerID       int64           `json:"payer_id"`
	PayeeID       int64           `json:"payee_id"`
	Amount        int64           `json:"amount"`
	DisplayAmount decimal.Decimal `json:"display_amount"`
	Comment       string          `json:"comment,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewTransactionCompleted 由交易紀錄組出事件
func NewTransactionCompleted(t *Transaction, scale int32) TransactionCompleted {
	ev := TransactionCompleted{
		TransactionID: t.ID,
		Type:          t.Type.String(),
		PayerID:       t.PayerID,
		PayeeID:       t.PayeeID,
		Amount:        t.Amount,
		DisplayAmount: DisplayAmount(t.Amount, scale),
		Comment:       t.Comment,
		OccurredAt:    t.CreatedAt,
	}
	if t.RefID != uuid.Nil {
		ev.RefID = t.RefID.String()
	}
	return ev
}
