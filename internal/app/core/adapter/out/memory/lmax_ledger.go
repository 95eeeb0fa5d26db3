package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-economy-ledger/pkg/wal"
)

// unitRequest 工作單元請求，Atomically 透過 result 等待核心迴圈的結果
type unitRequest struct {
	ctx    context.Context
	ids    []int64
	fn     func(uow usecase.UnitOfWork) error
	result chan error
}

// SequencedStore 單一寫入者的記憶體帳本：所有工作單元都在同一個 goroutine 依序執行
//
// Atomically(等待) -> Channel -> Run Loop (核心) -> WAL -> Map Update -> Result Channel -> Atomically(收到結果)
type SequencedStore struct {
	book *book
	// 輸送帶 負責接收工作單元
	requests chan *unitRequest
	// Pool 減少 GC 壓力
	requestPool sync.Pool

	startOnce sync.Once
	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSequencedStore 建立 SequencedStore 並從 WAL 恢復，需呼叫 Start 才會開始處理
//
// 參數:
//
//	w: Write-Ahead Log 實例，nil 代表不持久化
//	queueSize: 輸送帶緩衝大小
func NewSequencedStore(w *wal.WAL, queueSize int) (*SequencedStore, error) {
	b, err := newBook(w)
	if err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &SequencedStore{
		book:     b,
		requests: make(chan *unitRequest, queueSize),
		requestPool: sync.Pool{
			New: func() any {
				return &unitRequest{result: make(chan error, 1)}
			},
		},
		done: make(chan struct{}),
	}, nil
}

// Start 啟動核心迴圈 (非同步)，ctx 結束或呼叫 Close 時會把已排隊的請求處理完再停止
func (s *SequencedStore) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.started.Store(true)
		go s.run(ctx)
	})
}

func (s *SequencedStore) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			// 收到關閉信號，把剩下的請求處理完
			s.drain()
			return
		case req := <-s.requests:
			s.process(req)
		}
	}
}

func (s *SequencedStore) drain() {
	for {
		select {
		case req := <-s.requests:
			s.process(req)
		default:
			return
		}
	}
}

// process 在核心迴圈中執行單一工作單元，迴圈是唯一的寫入者所以不需要帳戶鎖
func (s *SequencedStore) process(req *unitRequest) {
	// 排隊期間呼叫端已放棄
	if err := req.ctx.Err(); err != nil {
		req.result <- err
		return
	}
	work := newStagedWork(s.book, req.ids)
	if err := req.fn(work); err != nil {
		req.result <- err
		return
	}
	if err := req.ctx.Err(); err != nil {
		req.result <- err
		return
	}
	req.result <- s.book.commit(work)
}

// Atomically 把工作單元放上輸送帶並等待結果
// 一旦請求被核心迴圈取出，呼叫端一定會拿到真正的結果 (不會因為 ctx 取消而提早返回)
func (s *SequencedStore) Atomically(ctx context.Context, accountIDs []int64, fn func(uow usecase.UnitOfWork) error) error {
	if s.book.isClosed() || !s.started.Load() {
		return errStoreClosed
	}

	req := s.requestPool.Get().(*unitRequest)
	req.ctx, req.ids, req.fn = ctx, sortedUnique(accountIDs), fn
	// 清空 Channel
	select {
	case <-req.result:
	default:
	}

	select {
	case s.requests <- req:
	case <-ctx.Done():
		s.recycle(req)
		return ctx.Err()
	case <-s.done:
		s.recycle(req)
		return errStoreClosed
	}

	select {
	case err := <-req.result:
		s.recycle(req)
		return err
	case <-s.done:
		// 迴圈已停止；請求可能在停止前剛好處理完
		select {
		case err := <-req.result:
			s.recycle(req)
			return err
		default:
			return errStoreClosed
		}
	}
}

func (s *SequencedStore) recycle(req *unitRequest) {
	req.ctx, req.ids, req.fn = nil, nil, nil
	s.requestPool.Put(req)
}

func (s *SequencedStore) ReadBalance(ctx context.Context, accountID int64) (int64, bool, error) {
	balance, exists := s.book.balance(accountID)
	return balance, exists, nil
}

func (s *SequencedStore) ListTransactions(ctx context.Context, q domain.TransactionQuery) ([]domain.Transaction, error) {
	return s.book.list(q), nil
}

// Close 停止核心迴圈 (處理完已排隊的請求) 並關閉 WAL
func (s *SequencedStore) Close() error {
	if s.started.Load() {
		s.cancel()
		<-s.done
	}
	return s.book.close()
}

var _ usecase.Store = (*SequencedStore)(nil)
