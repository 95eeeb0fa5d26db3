package domain

// AuditReport 對帳結果：以交易紀錄重算餘額並與儲存的餘額比對
type AuditReport struct {
	AccountID     int64
	StoredBalance int64
	Credits       int64
	Debits        int64
	Transactions  int
}

// ExpectedBalance 由交易紀錄推導出的餘額
func (r AuditReport) ExpectedBalance() int64 {
	return DefaultBalance + r.Credits - r.Debits
}

// Consistent 交易紀錄與餘額是否一致
func (r AuditReport) Consistent() bool {
	return r.ExpectedBalance() == r.StoredBalance
}

// Apply 把一筆交易計入對帳結果
func (r *AuditReport) Apply(t *Transaction) {
	if t.PayeeID == r.AccountID {
		r.Credits += t.Amount
	}
	if t.PayerID == r.AccountID {
		r.Debits += t.Amount
	}
	r.Transactions++
}
