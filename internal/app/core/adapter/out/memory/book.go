package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-economy-ledger/pkg/wal"
)

var errStoreClosed = fmt.Errorf("%w: store is closed", domain.ErrStorageUnavailable)

// walEntry 一次提交在 WAL 中的樣子：提交後的絕對餘額 + 新增的交易紀錄
type walEntry struct {
	Balances map[int64]int64     `json:"balances"`
	Records  []domain.Transaction `json:"records"`
}

// book 是兩種記憶體帳本共用的已提交狀態
//
// 結構:
//
//	balances: 帳戶餘額 Map
//	records: 依 ID 遞增的交易紀錄
//	byAccount: 帳戶 -> records 索引
//	byRef: 冪等鍵 -> records 索引
//	commitMu: 串行化提交 (WAL 順序 == ID 順序)
type book struct {
	mu        sync.RWMutex
	balances  map[int64]int64
	records   []domain.Transaction
	byAccount map[int64][]int
	byRef     map[uuid.UUID]int
	nextID    int64

	commitMu sync.Mutex
	wal      *wal.WAL
	closed   atomic.Bool
	now      func() time.Time
}

// newBook 建立帳本並從 WAL 恢復；w 為 nil 時只存在記憶體
func newBook(w *wal.WAL) (*book, error) {
	b := &book{
		balances:  make(map[int64]int64),
		byAccount: make(map[int64][]int),
		byRef:     make(map[uuid.UUID]int),
		nextID:    1,
		wal:       w,
		now:       time.Now,
	}
	if w == nil {
		return b, nil
	}
	err := w.ReadAll(func(jsonRaw []byte) error {
		var entry walEntry
		if err := json.Unmarshal(jsonRaw, &entry); err != nil {
			return err
		}
		b.apply(entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover from wal: %w", err)
	}
	return b, nil
}

// apply 套用一筆已持久化的提交，呼叫端需持有寫鎖 (或在恢復階段)
func (b *book) apply(entry walEntry) {
	for id, balance := range entry.Balances {
		b.balances[id] = balance
	}
	for _, tran := range entry.Records {
		idx := len(b.records)
		b.records = append(b.records, tran)
		if tran.PayerID != domain.IssuerID {
			b.byAccount[tran.PayerID] = append(b.byAccount[tran.PayerID], idx)
		}
		if tran.PayeeID != domain.IssuerID && tran.PayeeID != tran.PayerID {
			b.byAccount[tran.PayeeID] = append(b.byAccount[tran.PayeeID], idx)
		}
		if tran.RefID != uuid.Nil {
			b.byRef[tran.RefID] = idx
		}
		if tran.ID >= b.nextID {
			b.nextID = tran.ID + 1
		}
	}
}

// commit 提交一個工作單元：先寫 WAL (fsync)，成功後才更新記憶體
func (b *book) commit(work *stagedWork) error {
	if len(work.balances) == 0 && len(work.records) == 0 {
		return nil
	}

	b.commitMu.Lock()
	defer b.commitMu.Unlock()
	if b.closed.Load() {
		return errStoreClosed
	}

	// 只有持有 commitMu 的人會修改狀態，這裡讀取不需要 mu
	for _, tran := range work.records {
		if tran.RefID == uuid.Nil {
			continue
		}
		if _, dup := b.byRef[tran.RefID]; dup {
			return fmt.Errorf("%w: ref_id %s committed concurrently", domain.ErrConcurrencyConflict, tran.RefID)
		}
	}

	now := b.now().UTC()
	entry := walEntry{
		Balances: work.balances,
		Records:  make([]domain.Transaction, len(work.records)),
	}
	for i, tran := range work.records {
		entry.Records[i] = *tran
		entry.Records[i].ID = b.nextID + int64(i)
		entry.Records[i].CreatedAt = now
	}

	// 1. 寫入 WAL (Critical Path)
	if b.wal != nil {
		if err := b.wal.Write(entry); err != nil {
			return fmt.Errorf("%w: wal write: %v", domain.ErrStorageUnavailable, err)
		}
	}

	// 2. 更新記憶體
	b.mu.Lock()
	b.apply(entry)
	b.mu.Unlock()

	for i, tran := range work.records {
		*tran = entry.Records[i]
	}
	return nil
}

func (b *book) balance(accountID int64) (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	balance, ok := b.balances[accountID]
	if !ok {
		return domain.DefaultBalance, false
	}
	return balance, true
}

func (b *book) findByRef(ref uuid.UUID) *domain.Transaction {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.byRef[ref]
	if !ok {
		return nil
	}
	tran := b.records[idx]
	return &tran
}

// list 依 id 遞增分頁，Limit <= 0 代表不限制
func (b *book) list(q domain.TransactionQuery) []domain.Transaction {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := len(b.records)
	var index []int
	if q.AccountID != 0 {
		index = b.byAccount[q.AccountID]
		total = len(index)
	}
	start := min(max(q.Offset, 0), total)
	end := total
	if q.Limit > 0 {
		end = min(start+q.Limit, total)
	}

	out := make([]domain.Transaction, 0, end-start)
	for i := start; i < end; i++ {
		if index != nil {
			out = append(out, b.records[index[i]])
		} else {
			out = append(out, b.records[i])
		}
	}
	return out
}

// close 等待進行中的提交結束後關閉 WAL
func (b *book) close() error {
	b.commitMu.Lock()
	defer b.commitMu.Unlock()
	if b.closed.Swap(true) {
		return nil
	}
	if b.wal == nil {
		return nil
	}
	return b.wal.Close()
}

func (b *book) isClosed() bool {
	return b.closed.Load()
}

// errNotLocked 工作單元寫入未鎖定的帳戶
var errNotLocked = errors.New("account is not locked by this unit of work")
