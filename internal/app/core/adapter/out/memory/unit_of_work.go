package memory

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/usecase"
)

// stagedWork 工作單元的暫存區，提交前其他人看不到這裡的變更
type stagedWork struct {
	book     *book
	locked   map[int64]struct{}
	balances map[int64]int64
	records  []*domain.Transaction
}

func newStagedWork(b *book, lockIDs []int64) *stagedWork {
	locked := make(map[int64]struct{}, len(lockIDs))
	for _, id := range lockIDs {
		locked[id] = struct{}{}
	}
	return &stagedWork{
		book:     b,
		locked:   locked,
		balances: make(map[int64]int64, len(lockIDs)),
	}
}

func (w *stagedWork) ReadBalance(accountID int64) (int64, bool, error) {
	if balance, ok := w.balances[accountID]; ok {
		return balance, true, nil
	}
	balance, exists := w.book.balance(accountID)
	return balance, exists, nil
}

func (w *stagedWork) WriteBalances(balances map[int64]int64) error {
	for id, balance := range balances {
		if _, ok := w.locked[id]; !ok {
			return fmt.Errorf("write balance of %d: %w", id, errNotLocked)
		}
		if balance < 0 {
			return fmt.Errorf("write balance of %d: %w", id, domain.ErrInsufficientFunds)
		}
	}
	for id, balance := range balances {
		w.balances[id] = balance
	}
	return nil
}

func (w *stagedWork) AppendTransaction(tran *domain.Transaction) error {
	for _, id := range []int64{tran.PayerID, tran.PayeeID} {
		if id == domain.IssuerID {
			continue
		}
		if _, ok := w.locked[id]; !ok {
			return fmt.Errorf("append transaction for %d: %w", id, errNotLocked)
		}
	}
	w.records = append(w.records, tran)
	return nil
}

func (w *stagedWork) FindTransactionByRef(ref uuid.UUID) (*domain.Transaction, error) {
	for _, tran := range w.records {
		if tran.RefID == ref {
			found := *tran
			return &found, nil
		}
	}
	return w.book.findByRef(ref), nil
}

// ListTransactions 只看得到已提交的紀錄
func (w *stagedWork) ListTransactions(q domain.TransactionQuery) ([]domain.Transaction, error) {
	return w.book.list(q), nil
}

var _ usecase.UnitOfWork = (*stagedWork)(nil)
