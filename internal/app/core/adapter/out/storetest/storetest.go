// Package storetest 是 usecase.Store 實作共用的行為測試
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/usecase"
)

// Factory 為每個子測試建立一個全新 (空的) Store
type Factory func(t *testing.T) usecase.Store

// Run 對 Store 跑完整的行為測試
func Run(t *testing.T, newStore Factory) {
	t.Run("CommitIsVisible", func(t *testing.T) { testCommitIsVisible(t, newStore(t)) })
	t.Run("ErrorRollsBack", func(t *testing.T) { testErrorRollsBack(t, newStore(t)) })
	t.Run("CancelBeforeCommitRollsBack", func(t *testing.T) { testCancelRollsBack(t, newStore(t)) })
	t.Run("FindByRef", func(t *testing.T) { testFindByRef(t, newStore(t)) })
	t.Run("ListOrderAndFilter", func(t *testing.T) { testListOrderAndFilter(t, newStore(t)) })
	t.Run("UnlockedWriteRejected", func(t *testing.T) { testUnlockedWriteRejected(t, newStore(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, newStore(t)) })
}

// transfer 在一個工作單元中完成一筆轉帳 (不檢查餘額，測的是儲存層本身)
func transfer(ctx context.Context, s usecase.Store, tran domain.Transaction) (domain.Transaction, error) {
	var committed *domain.Transaction
	err := s.Atomically(ctx, tran.GetLockIDs(), func(uow usecase.UnitOfWork) error {
		balances := make(map[int64]int64, 2)
		for _, leg := range []struct {
			id    int64
			delta int64
		}{{tran.PayerID, -tran.Amount}, {tran.PayeeID, tran.Amount}} {
			if leg.id == domain.IssuerID {
				continue
			}
			balance, _, err := uow.ReadBalance(leg.id)
			if err != nil {
				return err
			}
			balances[leg.id] = balance + leg.delta
		}
		if err := uow.WriteBalances(balances); err != nil {
			return err
		}
		record := tran
		if err := uow.AppendTransaction(&record); err != nil {
			return err
		}
		committed = &record
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return *committed, nil
}

func deposit(t *testing.T, s usecase.Store, accountID, amount int64) domain.Transaction {
	t.Helper()
	tran, err := transfer(context.Background(), s, domain.Transaction{
		PayerID: domain.IssuerID, PayeeID: accountID, Amount: amount, Type: domain.TransactionTypeDeposit,
	})
	if err != nil {
		t.Fatalf("deposit(%d, %d) err=%v", accountID, amount, err)
	}
	return tran
}

func mustBalance(t *testing.T, s usecase.Store, accountID int64) (int64, bool) {
	t.Helper()
	balance, exists, err := s.ReadBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("ReadBalance(%d) err=%v", accountID, err)
	}
	return balance, exists
}

func testCommitIsVisible(t *testing.T, s usecase.Store) {
	if _, exists := mustBalance(t, s, 1); exists {
		t.Fatal("account 1 should not exist yet")
	}
	before := time.Now().Add(-time.Second)
	first := deposit(t, s, 1, 100)
	second, err := transfer(context.Background(), s, domain.Transaction{
		PayerID: 1, PayeeID: 2, Amount: 30, Comment: "coffee ☕", Type: domain.TransactionTypeTransfer,
	})
	if err != nil {
		t.Fatalf("transfer err=%v", err)
	}

	if first.ID <= 0 || second.ID <= first.ID {
		t.Fatalf("ids not increasing: %d, %d", first.ID, second.ID)
	}
	if second.CreatedAt.Before(before) {
		t.Fatalf("CreatedAt not filled: %v", second.CreatedAt)
	}
	if b, exists := mustBalance(t, s, 1); !exists || b != 70 {
		t.Fatalf("balance(1)=%d,%v want 70,true", b, exists)
	}
	if b, exists := mustBalance(t, s, 2); !exists || b != 30 {
		t.Fatalf("balance(2)=%d,%v want 30,true", b, exists)
	}

	list, err := s.ListTransactions(context.Background(), domain.TransactionQuery{AccountID: 2, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != second.ID || list[0].Comment != "coffee ☕" || list[0].Type != domain.TransactionTypeTransfer {
		t.Fatalf("list(2)=%+v", list)
	}
}

func testErrorRollsBack(t *testing.T, s usecase.Store) {
	deposit(t, s, 1, 100)
	boom := errors.New("boom")
	err := s.Atomically(context.Background(), []int64{1, 2}, func(uow usecase.UnitOfWork) error {
		if err := uow.WriteBalances(map[int64]int64{1: 0, 2: 100}); err != nil {
			return err
		}
		if err := uow.AppendTransaction(&domain.Transaction{PayerID: 1, PayeeID: 2, Amount: 100, Type: domain.TransactionTypeTransfer}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	if b, _ := mustBalance(t, s, 1); b != 100 {
		t.Fatalf("balance(1)=%d want 100", b)
	}
	if _, exists := mustBalance(t, s, 2); exists {
		t.Fatal("account 2 must not be created by a rolled back unit")
	}
	list, _ := s.ListTransactions(context.Background(), domain.TransactionQuery{})
	if len(list) != 1 {
		t.Fatalf("got %d records want 1", len(list))
	}
}

func testCancelRollsBack(t *testing.T, s usecase.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	err := s.Atomically(ctx, []int64{1}, func(uow usecase.UnitOfWork) error {
		if err := uow.WriteBalances(map[int64]int64{1: 50}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if err == nil {
		t.Fatal("expected error when ctx is cancelled before commit")
	}
	if _, exists := mustBalance(t, s, 1); exists {
		t.Fatal("cancelled unit must not commit")
	}
}

func testFindByRef(t *testing.T, s usecase.Store) {
	ref := uuid.New()
	committed, err := transfer(context.Background(), s, domain.Transaction{
		RefID: ref, PayeeID: 7, Amount: 5, Type: domain.TransactionTypeDeposit,
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Atomically(context.Background(), []int64{7}, func(uow usecase.UnitOfWork) error {
		found, err := uow.FindTransactionByRef(ref)
		if err != nil {
			return err
		}
		if found == nil || found.ID != committed.ID || found.RefID != ref {
			t.Errorf("FindTransactionByRef=%+v want id %d", found, committed.ID)
		}
		missing, err := uow.FindTransactionByRef(uuid.New())
		if err != nil {
			return err
		}
		if missing != nil {
			t.Errorf("unknown ref returned %+v", missing)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testListOrderAndFilter(t *testing.T, s usecase.Store) {
	deposit(t, s, 1, 10)
	deposit(t, s, 2, 10)
	deposit(t, s, 1, 10)
	if _, err := transfer(context.Background(), s, domain.Transaction{PayerID: 2, PayeeID: 3, Amount: 1, Type: domain.TransactionTypeTransfer}); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListTransactions(context.Background(), domain.TransactionQuery{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d records want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("records not in ascending id order: %d then %d", all[i-1].ID, all[i].ID)
		}
	}

	page, _ := s.ListTransactions(context.Background(), domain.TransactionQuery{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID != all[1].ID || page[1].ID != all[2].ID {
		t.Fatalf("page=%+v", page)
	}

	// 帳戶 2 是第二筆的收款方與第四筆的付款方
	two, _ := s.ListTransactions(context.Background(), domain.TransactionQuery{AccountID: 2, Limit: 10})
	if len(two) != 2 || two[0].ID != all[1].ID || two[1].ID != all[3].ID {
		t.Fatalf("list(2)=%+v", two)
	}

	beyond, _ := s.ListTransactions(context.Background(), domain.TransactionQuery{Limit: 10, Offset: 100})
	if len(beyond) != 0 {
		t.Fatalf("offset beyond end returned %d records", len(beyond))
	}
}

func testUnlockedWriteRejected(t *testing.T, s usecase.Store) {
	err := s.Atomically(context.Background(), []int64{1}, func(uow usecase.UnitOfWork) error {
		return uow.WriteBalances(map[int64]int64{2: 10})
	})
	if err == nil {
		t.Fatal("writing an account outside the lock set must fail")
	}
	if _, exists := mustBalance(t, s, 2); exists {
		t.Fatal("account 2 must not exist")
	}
}

func testConcurrentIncrements(t *testing.T, s usecase.Store) {
	const workers = 16
	const perWorker = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := withRetry(func() error {
					_, err := transfer(context.Background(), s, domain.Transaction{
						PayeeID: 1, Amount: 1, Type: domain.TransactionTypeDeposit,
					})
					return err
				}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("increment failed: %v", err)
	}

	if b, _ := mustBalance(t, s, 1); b != workers*perWorker {
		t.Fatalf("balance=%d want %d (lost update)", b, workers*perWorker)
	}
	list, _ := s.ListTransactions(context.Background(), domain.TransactionQuery{AccountID: 1})
	if len(list) != workers*perWorker {
		t.Fatalf("got %d records want %d", len(list), workers*perWorker)
	}
}

// withRetry 資料庫實作可能回報死鎖/序列化衝突，和引擎一樣只重試 ErrConcurrencyConflict
func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		if err = fn(); !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	return err
}
