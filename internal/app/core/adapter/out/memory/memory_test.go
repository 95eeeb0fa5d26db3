package memory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/adapter/out/storetest"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-economy-ledger/pkg/wal"
)

func openWAL(t *testing.T, path string) *wal.WAL {
	t.Helper()
	w, err := wal.Open(path)
	if err != nil {
		t.Fatalf("wal.Open err=%v", err)
	}
	return w
}

func newMutex(t *testing.T, w *wal.WAL) *MutexStore {
	t.Helper()
	s, err := NewMutexStore(w)
	if err != nil {
		t.Fatalf("NewMutexStore err=%v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSequenced(t *testing.T, w *wal.WAL) *SequencedStore {
	t.Helper()
	s, err := NewSequencedStore(w, 64)
	if err != nil {
		t.Fatalf("NewSequencedStore err=%v", err)
	}
	s.Start(context.Background())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMutexStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) usecase.Store {
		return newMutex(t, openWAL(t, filepath.Join(t.TempDir(), "wal.log")))
	})
}

func TestMutexStoreWithoutWAL(t *testing.T) {
	storetest.Run(t, func(t *testing.T) usecase.Store { return newMutex(t, nil) })
}

func TestSequencedStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) usecase.Store {
		return newSequenced(t, openWAL(t, filepath.Join(t.TempDir(), "wal.log")))
	})
}

func credit(t *testing.T, s usecase.Store, id, amount int64) {
	t.Helper()
	err := s.Atomically(context.Background(), []int64{id}, func(uow usecase.UnitOfWork) error {
		balance, _, _ := uow.ReadBalance(id)
		if err := uow.WriteBalances(map[int64]int64{id: balance + amount}); err != nil {
			return err
		}
		return uow.AppendTransaction(&domain.Transaction{PayeeID: id, Amount: amount, Type: domain.TransactionTypeDeposit})
	})
	if err != nil {
		t.Fatalf("credit err=%v", err)
	}
}

func TestRecoverFromWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")

	s, err := NewMutexStore(openWAL(t, path))
	if err != nil {
		t.Fatal(err)
	}
	credit(t, s, 1, 100)
	credit(t, s, 2, 5)
	credit(t, s, 1, 20)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// 換成另一種 Store 讀同一份 WAL
	r := newSequenced(t, openWAL(t, path))
	if b, exists, _ := r.ReadBalance(context.Background(), 1); !exists || b != 120 {
		t.Fatalf("recovered balance(1)=%d,%v want 120,true", b, exists)
	}
	list, _ := r.ListTransactions(context.Background(), domain.TransactionQuery{})
	if len(list) != 3 || list[2].ID != 3 {
		t.Fatalf("recovered records=%+v", list)
	}

	// 恢復後繼續分配 ID
	credit(t, r, 2, 1)
	list, _ = r.ListTransactions(context.Background(), domain.TransactionQuery{AccountID: 2})
	if len(list) != 2 || list[1].ID != 4 {
		t.Fatalf("records of 2=%+v want ids [2 4]", list)
	}
}

func TestWALFailureIsStorageUnavailable(t *testing.T) {
	w := openWAL(t, filepath.Join(t.TempDir(), "wal.log"))
	s := newMutex(t, w)
	credit(t, s, 1, 10)

	// 直接關掉底層檔案，讓下一次 fsync 失敗
	w.Close()
	err := s.Atomically(context.Background(), []int64{1}, func(uow usecase.UnitOfWork) error {
		if err := uow.WriteBalances(map[int64]int64{1: 0}); err != nil {
			return err
		}
		return uow.AppendTransaction(&domain.Transaction{PayerID: 1, Amount: 10, Type: domain.TransactionTypeWithdraw})
	})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("err=%v want ErrStorageUnavailable", err)
	}
	if b, _, _ := s.ReadBalance(context.Background(), 1); b != 10 {
		t.Fatalf("balance=%d want 10 (nothing applied)", b)
	}
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	for name, s := range map[string]usecase.Store{
		"mutex":     newMutex(t, nil),
		"sequenced": newSequenced(t, nil),
	} {
		t.Run(name, func(t *testing.T) {
			s.Close()
			err := s.Atomically(context.Background(), []int64{1}, func(usecase.UnitOfWork) error { return nil })
			if !errors.Is(err, domain.ErrStorageUnavailable) {
				t.Fatalf("err=%v want ErrStorageUnavailable", err)
			}
		})
	}
}

func TestMutexLockRespectsContext(t *testing.T) {
	s := newMutex(t, nil)
	held := make(chan struct{})
	release := make(chan struct{})
	go s.Atomically(context.Background(), []int64{2}, func(usecase.UnitOfWork) error {
		close(held)
		<-release
		return nil
	})
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Atomically(ctx, []int64{2, 1}, func(usecase.UnitOfWork) error {
		t.Error("fn must not run without the lock")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want DeadlineExceeded", err)
	}

	// 已取得的 1 號鎖在放棄時會釋放
	done := make(chan error, 1)
	go func() {
		done <- s.Atomically(context.Background(), []int64{1}, func(usecase.UnitOfWork) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("lock of account 1 leaked")
	}
}

func TestMutexLockTableEvictsIdleAccounts(t *testing.T) {
	s := newMutex(t, nil)
	const accounts = 200
	var wg sync.WaitGroup
	for i := int64(1); i <= accounts; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			err := s.Atomically(context.Background(), []int64{id, id%7 + 1}, func(usecase.UnitOfWork) error { return nil })
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	if n := s.locks.size(); n != 0 {
		t.Fatalf("lock table holds %d idle accounts", n)
	}

	// 等待逾時放棄的鎖也要移除
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Atomically(context.Background(), []int64{2}, func(usecase.UnitOfWork) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Atomically(ctx, []int64{1, 2}, func(usecase.UnitOfWork) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want DeadlineExceeded", err)
	}
	if n := s.locks.size(); n != 1 {
		t.Fatalf("lock table size=%d want 1 (account 2 still held)", n)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if n := s.locks.size(); n != 0 {
		t.Fatalf("lock table size=%d after release", n)
	}
}

func TestSequencedSkipsExpiredRequest(t *testing.T) {
	s := newSequenced(t, nil)
	block := make(chan struct{})
	started := make(chan struct{})
	go s.Atomically(context.Background(), []int64{1}, func(usecase.UnitOfWork) error {
		close(started)
		<-block
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	result := make(chan error, 1)
	go func() {
		result <- s.Atomically(ctx, []int64{2}, func(uow usecase.UnitOfWork) error {
			ran = true
			return uow.WriteBalances(map[int64]int64{2: 1})
		})
	}()
	// 等請求進入輸送帶後再取消
	time.Sleep(10 * time.Millisecond)
	cancel()
	close(block)

	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if ran {
		t.Fatal("expired request must be skipped")
	}
	if _, exists, _ := s.ReadBalance(context.Background(), 2); exists {
		t.Fatal("account 2 must not exist")
	}
}
