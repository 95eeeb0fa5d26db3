// Package rest 提供帳本的 HTTP/JSON 介面
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
)

// errorResponse 錯誤回應格式
type errorResponse struct {
	Detail string `json:"detail"`
}

type balanceResponse struct {
	AccountID int64  `json:"account_id"`
	Balance   int64  `json:"balance"`
	Display   string `json:"display"`
}

type transactionResponse struct {
	ID            int64     `json:"id"`
	RefID         string    `json:"ref_id,omitempty"`
	Type          string    `json:"type"`
	PayerID       int64     `json:"payer_id"`
	PayeeID       int64     `json:"payee_id"`
	Amount        int64     `json:"amount"`
	DisplayAmount string    `json:"display_amount"`
	Comment       string    `json:"comment"`
	CreatedAt     time.Time `json:"created_at"`
}

type transactionPage struct {
	Items  []transactionResponse `json:"items"`
	Offset int                   `json:"offset"`
	Count  int                   `json:"count"`
}

type auditResponse struct {
	AccountID       int64 `json:"account_id"`
	StoredBalance   int64 `json:"stored_balance"`
	ExpectedBalance int64 `json:"expected_balance"`
	Credits         int64 `json:"credits"`
	Debits          int64 `json:"debits"`
	Transactions    int   `json:"transactions"`
	Consistent      bool  `json:"consistent"`
}

func newTransactionResponse(t domain.Transaction, scale int32) transactionResponse {
	ev := domain.NewTransactionCompleted(&t, scale)
	return transactionResponse{
		ID:            t.ID,
		RefID:         ev.RefID,
		Type:          ev.Type,
		PayerID:       t.PayerID,
		PayeeID:       t.PayeeID,
		Amount:        t.Amount,
		DisplayAmount: domain.FormatAmount(t.Amount, scale),
		Comment:       t.Comment,
		CreatedAt:     t.CreatedAt,
	}
}

// writeJSON 統一輸出成功回應
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr 統一輸出錯誤回應 {"detail": "..."}
func writeErr(w http.ResponseWriter, err error, code int) {
	detail := err.Error()
	if code == http.StatusInternalServerError {
		detail = "internal server error"
	}
	writeJSON(w, code, errorResponse{Detail: detail})
}

// statusOf 依帳本錯誤決定 HTTP 狀態碼
func statusOf(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrRefIDConflict),
		errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
