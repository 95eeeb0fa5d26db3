package domain

import "errors"

var (
	// ErrInvalidAmount 金額必須為正數
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrSelfTransfer 付款方與收款方相同
	ErrSelfTransfer = errors.New("payer and payee must differ")

	// ErrInsufficientFunds 餘額不足
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountNotFound 找不到帳戶 (僅在 require_open_accounts 模式下出現)
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAccount 帳戶 ID 必須大於 0
	ErrInvalidAccount = errors.New("account id must be positive")

	// ErrCommentTooLong 備註超過長度上限
	ErrCommentTooLong = errors.New("comment exceeds 512 characters")

	// ErrInvalidComment 備註不是合法的 UTF-8
	ErrInvalidComment = errors.New("comment must be valid UTF-8")

	// ErrBalanceOverflow 入帳後餘額超過 int64 上限
	ErrBalanceOverflow = errors.New("balance would exceed the maximum amount")

	// ErrInvalidPagination 分頁參數錯誤
	ErrInvalidPagination = errors.New("invalid pagination parameters")

	// ErrRefIDConflict 同一個 ref_id 被用在不同內容的交易
	ErrRefIDConflict = errors.New("ref_id already used by a different transaction")

	// ErrConcurrencyConflict 並發衝突 (死鎖、序列化失敗)，可整筆重試
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStorageUnavailable 儲存層無法使用，不會自動重試
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsValidation 回報 err 是否為呼叫端輸入錯誤 (不會造成任何狀態變更)
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSelfTransfer) ||
		errors.Is(err, ErrInvalidAccount) ||
		errors.Is(err, ErrCommentTooLong) ||
		errors.Is(err, ErrInvalidComment) ||
		errors.Is(err, ErrBalanceOverflow) ||
		errors.Is(err, ErrInvalidPagination)
}
