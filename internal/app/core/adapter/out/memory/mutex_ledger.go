package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-economy-ledger/pkg/wal"
)

// MutexStore 以帳戶鎖實現的記憶體帳本，不相交的帳戶可以平行提交
//
// 結構:
//
//	book: 已提交的餘額與交易紀錄 (含 WAL)
//	locks: 每個帳戶一把鎖，依 ID 遞增順序取得
type MutexStore struct {
	book  *book
	locks *lockTable
}

// NewMutexStore 建立 MutexStore 並從 WAL 恢復狀態
//
// 參數:
//
//	w: Write-Ahead Log 實例，nil 代表不持久化
//
// 回傳:
//
//	*MutexStore: MutexStore 實例
//	error: 初始化錯誤 (如 WAL 恢復失敗)
func NewMutexStore(w *wal.WAL) (*MutexStore, error) {
	b, err := newBook(w)
	if err != nil {
		return nil, err
	}
	return &MutexStore{book: b, locks: newLockTable()}, nil
}

// Atomically 依 ID 遞增順序鎖住帳戶，執行 fn，成功後寫 WAL 並套用
func (s *MutexStore) Atomically(ctx context.Context, accountIDs []int64, fn func(uow usecase.UnitOfWork) error) error {
	if s.book.isClosed() {
		return errStoreClosed
	}
	ids := sortedUnique(accountIDs)
	if err := s.locks.acquire(ctx, ids); err != nil {
		return err
	}
	defer s.locks.release(ids)

	work := newStagedWork(s.book, ids)
	if err := fn(work); err != nil {
		return err
	}
	// 提交前被取消就整筆丟棄
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.book.commit(work)
}

func (s *MutexStore) ReadBalance(ctx context.Context, accountID int64) (int64, bool, error) {
	balance, exists := s.book.balance(accountID)
	return balance, exists, nil
}

func (s *MutexStore) ListTransactions(ctx context.Context, q domain.TransactionQuery) ([]domain.Transaction, error) {
	return s.book.list(q), nil
}

// Close 等待進行中的提交後關閉 WAL，之後的寫入回傳 ErrStorageUnavailable
func (s *MutexStore) Close() error {
	return s.book.close()
}

// lockTable 帳戶鎖表，鎖是容量 1 的 channel，才能在等待時響應 ctx
// 每個鎖記錄持有與等待中的人數，歸零即從表中移除，表的大小只跟併發量有關
type lockTable struct {
	mu    sync.Mutex
	locks map[int64]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[int64]*lockEntry)}
}

// ref 取得 id 的鎖並登記一位使用者
func (t *lockTable) ref(id int64) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[id]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		t.locks[id] = e
	}
	e.refs++
	return e
}

func (t *lockTable) unref(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked(id)
}

func (t *lockTable) dropLocked(id int64) {
	e := t.locks[id]
	if e.refs--; e.refs == 0 {
		delete(t.locks, id)
	}
}

// acquire ids 必須已排序，固定順序取得以避免死鎖
func (t *lockTable) acquire(ctx context.Context, ids []int64) error {
	for i, id := range ids {
		e := t.ref(id)
		select {
		case e.ch <- struct{}{}:
		case <-ctx.Done():
			t.unref(id)
			t.release(ids[:i])
			return fmt.Errorf("acquire lock of account %d: %w", id, ctx.Err())
		}
	}
	return nil
}

// release 釋放已持有的鎖，持有期間 refs 不會歸零所以 entry 一定存在
func (t *lockTable) release(ids []int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(ids) - 1; i >= 0; i-- {
		<-t.locks[ids[i]].ch
		t.dropLocked(ids[i])
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

func sortedUnique(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

var _ usecase.Store = (*MutexStore)(nil)
