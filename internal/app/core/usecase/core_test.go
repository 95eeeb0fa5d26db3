package usecase_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/usecase"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type storeKind struct {
	name string
	open func(t *testing.T) usecase.Store
}

var storeKinds = []storeKind{
	{"mutex", func(t *testing.T) usecase.Store {
		s, err := memory.NewMutexStore(nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}},
	{"sequenced", func(t *testing.T) usecase.Store {
		s, err := memory.NewSequencedStore(nil, 256)
		if err != nil {
			t.Fatal(err)
		}
		s.Start(context.Background())
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

// eachStore 對每種記憶體 Store 各跑一次
func eachStore(t *testing.T, fn func(t *testing.T, store usecase.Store)) {
	for _, kind := range storeKinds {
		t.Run(kind.name, func(t *testing.T) {
			fn(t, kind.open(t))
		})
	}
}

func newEngine(store usecase.Store, opts ...usecase.Option) *usecase.Engine {
	return usecase.NewEngine(store, append([]usecase.Option{usecase.WithLogger(quietLogger)}, opts...)...)
}

func fund(t *testing.T, e *usecase.Engine, accountID, amount int64) {
	t.Helper()
	if _, err := e.Deposit(context.Background(), domain.TransferRequest{PayeeID: accountID, Amount: amount}); err != nil {
		t.Fatalf("Deposit(%d, %d) err=%v", accountID, amount, err)
	}
}

func balanceOf(t *testing.T, e *usecase.Engine, accountID int64) int64 {
	t.Helper()
	b, err := e.GetBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetBalance(%d) err=%v", accountID, err)
	}
	return b
}

func countRecords(t *testing.T, e *usecase.Engine) int {
	t.Helper()
	n := 0
	for _, err := range e.Transactions(context.Background(), 0, 0) {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	return n
}

func TestTransferScenario(t *testing.T) {
	eachStore(t, func(t *testing.T, store usecase.Store) {
		e := newEngine(store)
		const a, b = 1, 2
		fund(t, e, a, 100)

		tran, err := e.Transfer(context.Background(), domain.TransferRequest{PayerID: a, PayeeID: b, Amount: 40, Comment: "rent"})
		if err != nil {
			t.Fatalf("Transfer err=%v", err)
		}
		if tran.ID <= 0 || tran.PayerID != a || tran.PayeeID != b || tran.Amount != 40 || tran.Comment != "rent" || tran.Type != domain.TransactionTypeTransfer {
			t.Fatalf("record=%+v", tran)
		}
		if balanceOf(t, e, a) != 60 || balanceOf(t, e, b) != 40 {
			t.Fatalf("balances A=%d B=%d want 60/40", balanceOf(t, e, a), balanceOf(t, e, b))
		}

		_, err = e.Transfer(context.Background(), domain.TransferRequest{PayerID: b, PayeeID: a, Amount: 100, Comment: "refund"})
		if !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("err=%v want ErrInsufficientFunds", err)
		}
		if balanceOf(t, e, a) != 60 || balanceOf(t, e, b) != 40 {
			t.Fatal("failed transfer changed balances")
		}

		list, err := e.ListTransactions(context.Background(), domain.TransactionQuery{AccountID: b})
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 || list[0].ID != tran.ID {
			t.Fatalf("records of B=%+v", list)
		}
	})
}

func TestTransferRejectedLeavesStateUnchanged(t *testing.T) {
	tests := []struct {
		name string
		req  domain.TransferRequest
		want error
	}{
		{"zero amount", domain.TransferRequest{PayerID: 1, PayeeID: 2, Amount: 0}, domain.ErrInvalidAmount},
		{"negative amount", domain.TransferRequest{PayerID: 1, PayeeID: 2, Amount: -5}, domain.ErrInvalidAmount},
		{"self transfer", domain.TransferRequest{PayerID: 1, PayeeID: 1, Amount: 10}, domain.ErrSelfTransfer},
		{"overdraft", domain.TransferRequest{PayerID: 1, PayeeID: 2, Amount: 101}, domain.ErrInsufficientFunds},
		{"issuer as payer", domain.TransferRequest{PayerID: 0, PayeeID: 2, Amount: 1}, domain.ErrInvalidAccount},
		{"comment too long", domain.TransferRequest{PayerID: 1, PayeeID: 2, Amount: 1, Comment: strings.Repeat("é", domain.MaxCommentLength+1)}, domain.ErrCommentTooLong},
	}
	eachStore(t, func(t *testing.T, store usecase.Store) {
		e := newEngine(store)
		fund(t, e, 1, 100)
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := e.Transfer(context.Background(), tt.req)
				if !errors.Is(err, tt.want) {
					t.Fatalf("err=%v want %v", err, tt.want)
				}
				if balanceOf(t, e, 1) != 100 || balanceOf(t, e, 2) != 0 {
					t.Fatal("balances changed")
				}
				if n := countRecords(t, e); n != 1 {
					t.Fatalf("got %d records want 1", n)
				}
			})
		}
	})
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	const (
		n      = 50
		k      = 20
		amount = 7
	)
	eachStore(t, func(t *testing.T, store usecase.Store) {
		e := newEngine(store)
		fund(t, e, 1, amount*k)

		var ok, insufficient atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(payee int64) {
				defer wg.Done()
				<-start
				_, err := e.Transfer(context.Background(), domain.TransferRequest{PayerID: 1, PayeeID: payee, Amount: amount})
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, domain.ErrInsufficientFunds):
					insufficient.Add(1)
				default:
					t.Errorf("unexpected err=%v", err)
				}
			}(int64(100 + i))
		}
		close(start)
		wg.Wait()

		if ok.Load() != k || insufficient.Load() != n-k {
			t.Fatalf("ok=%d insufficient=%d want %d/%d", ok.Load(), insufficient.Load(), k, n-k)
		}
		if b := balanceOf(t, e, 1); b != 0 {
			t.Fatalf("final balance=%d want 0", b)
		}
	})
}

func TestLedgerStaysConsistentUnderLoad(t *testing.T) {
	const accounts = 6
	eachStore(t, func(t *testing.T, store usecase.Store) {
		e := newEngine(store)
		for id := int64(1); id <= accounts; id++ {
			fund(t, e, id, 1_000)
		}

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(seed uint64) {
				defer wg.Done()
				r := rand.New(rand.NewPCG(seed, seed*31))
				for i := 0; i < 100; i++ {
					payer := r.Int64N(accounts) + 1
					payee := r.Int64N(accounts) + 1
					if payer == payee {
						continue
					}
					_, err := e.Transfer(context.Background(), domain.TransferRequest{
						PayerID: payer, PayeeID: payee, Amount: r.Int64N(300) + 1,
					})
					if err != nil && !errors.Is(err, domain.ErrInsufficientFunds) {
						t.Errorf("unexpected err=%v", err)
					}
				}
			}(uint64(w + 1))
		}
		wg.Wait()

		var total int64
		for id := int64(1); id <= accounts; id++ {
			report, err := e.Audit(context.Background(), id)
			if err != nil {
				t.Fatal(err)
			}
			if !report.Consistent() {
				t.Fatalf("account %d: stored=%d expected=%d", id, report.StoredBalance, report.ExpectedBalance())
			}
			if report.StoredBalance < 0 {
				t.Fatalf("account %d negative: %d", id, report.StoredBalance)
			}
			total += report.StoredBalance
		}
		if total != accounts*1_000 {
			t.Fatalf("money supply=%d want %d", total, accounts*1_000)
		}
	})
}

func TestListTransactionsAscendingUnderConcurrency(t *testing.T) {
	eachStore(t, func(t *testing.T, store usecase.Store) {
		e := newEngine(store)
		var wg sync.WaitGroup
		for id := int64(1); id <= 10; id++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					fund(t, e, id, 1)
				}
			}()
		}
		wg.Wait()

		var last int64
		n := 0
		for tran, err := range e.Transactions(context.Background(), 0, 7) {
			if err != nil {
				t.Fatal(err)
			}
			if tran.ID <= last {
				t.Fatalf("id %d after %d", tran.ID, last)
			}
			last = tran.ID
			n++
		}
		if n != 200 {
			t.Fatalf("iterated %d records want 200", n)
		}
	})
}

func TestListTransactionsPagination(t *testing.T) {
	e := newEngine(storeKinds[0].open(t), usecase.WithOptions(usecase.Options{DefaultPageSize: 3, MaxPageSize: 5}))
	for i := 0; i < 8; i++ {
		fund(t, e, 1, 1)
	}
	ctx := context.Background()

	page, err := e.ListTransactions(ctx, domain.TransactionQuery{})
	if err != nil || len(page) != 3 {
		t.Fatalf("default page len=%d err=%v want 3", len(page), err)
	}
	page, _ = e.ListTransactions(ctx, domain.TransactionQuery{Limit: 5, Offset: 6})
	if len(page) != 2 || page[0].ID != 7 {
		t.Fatalf("last page=%+v", page)
	}

	for _, q := range []domain.TransactionQuery{{Limit: 6}, {Limit: -1}, {Offset: -1}} {
		if _, err := e.ListTransactions(ctx, q); !errors.Is(err, domain.ErrInvalidPagination) {
			t.Fatalf("query %+v err=%v want ErrInvalidPagination", q, err)
		}
	}
	if _, err := e.ListTransactions(ctx, domain.TransactionQuery{AccountID: -3}); !errors.Is(err, domain.ErrInvalidAccount) {
		t.Fatalf("err=%v want ErrInvalidAccount", err)
	}
}

func TestTransactionsIteratorIsRestartable(t *testing.T) {
	e := newEngine(storeKinds[0].open(t))
	for i := 0; i < 5; i++ {
		fund(t, e, 1, 1)
	}
	seq := e.Transactions(context.Background(), 1, 2)

	collect := func() []int64 {
		var ids []int64
		for tran, err := range seq {
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, tran.ID)
		}
		return ids
	}
	first, second := collect(), collect()
	if len(first) != 5 || len(second) != 5 || first[0] != second[0] {
		t.Fatalf("first=%v second=%v", first, second)
	}

	// 提早停止
	n := 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Fatalf("n=%d", n)
	}

	for _, err := range e.Transactions(context.Background(), 1, 10_000) {
		if !errors.Is(err, domain.ErrInvalidPagination) {
			t.Fatalf("err=%v want ErrInvalidPagination", err)
		}
	}
}

func TestIdempotentReplay(t *testing.T) {
	eachStore(t, func(t *testing.T, store usecase.Store) {
		pub := &recordingPublisher{}
		e := newEngine(store, usecase.WithPublisher(pub))
		fund(t, e, 1, 100)
		ref := uuid.New()
		req := domain.TransferRequest{RefID: ref, PayerID: 1, PayeeID: 2, Amount: 30, Comment: "once"}

		first, err := e.Transfer(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		again, err := e.Transfer(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if again.ID != first.ID || again.RefID != ref {
			t.Fatalf("replay=%+v want id %d", again, first.ID)
		}
		if balanceOf(t, e, 1) != 70 || balanceOf(t, e, 2) != 30 {
			t.Fatal("replay moved money twice")
		}
		if got := pub.count(); got != 2 { // deposit + first transfer
			t.Fatalf("published %d events want 2", got)
		}

		req.Amount = 31
		if _, err := e.Transfer(context.Background(), req); !errors.Is(err, domain.ErrRefIDConflict) {
			t.Fatalf("err=%v want ErrRefIDConflict", err)
		}
	})
}

func TestConcurrentSameRefMovesMoneyOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, store usecase.Store) {
		e := newEngine(store)
		fund(t, e, 1, 100)
		req := domain.TransferRequest{RefID: uuid.New(), PayerID: 1, PayeeID: 2, Amount: 10}

		var wg sync.WaitGroup
		ids := make([]int64, 10)
		for i := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tran, err := e.Transfer(context.Background(), req)
				if err != nil {
					t.Errorf("err=%v", err)
					return
				}
				ids[i] = tran.ID
			}()
		}
		wg.Wait()
		for _, id := range ids {
			if id != ids[0] {
				t.Fatalf("ids=%v want all equal", ids)
			}
		}
		if balanceOf(t, e, 1) != 90 {
			t.Fatalf("balance=%d want 90", balanceOf(t, e, 1))
		}
	})
}

func TestDepositAndWithdraw(t *testing.T) {
	eachStore(t, func(t *testing.T, store usecase.Store) {
		e := newEngine(store)
		dep, err := e.Deposit(context.Background(), domain.TransferRequest{PayerID: 99, PayeeID: 5, Amount: 50})
		if err != nil {
			t.Fatal(err)
		}
		if dep.PayerID != domain.IssuerID || dep.Type != domain.TransactionTypeDeposit {
			t.Fatalf("deposit record=%+v", dep)
		}

		if _, err := e.Withdraw(context.Background(), domain.TransferRequest{PayerID: 5, Amount: 51}); !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("err=%v want ErrInsufficientFunds", err)
		}
		wd, err := e.Withdraw(context.Background(), domain.TransferRequest{PayerID: 5, PayeeID: 6, Amount: 20})
		if err != nil {
			t.Fatal(err)
		}
		if wd.PayeeID != domain.IssuerID || balanceOf(t, e, 5) != 30 {
			t.Fatalf("withdraw record=%+v balance=%d", wd, balanceOf(t, e, 5))
		}
		if balanceOf(t, e, 6) != 0 {
			t.Fatal("withdraw must ignore the payee")
		}

		report, err := e.Audit(context.Background(), 5)
		if err != nil {
			t.Fatal(err)
		}
		if report.Credits != 50 || report.Debits != 20 || report.Transactions != 2 || !report.Consistent() {
			t.Fatalf("report=%+v", report)
		}
	})
}

func TestBalanceOverflowIsRejected(t *testing.T) {
	eachStore(t, func(t *testing.T, store usecase.Store) {
		e := newEngine(store)
		fund(t, e, 1, math.MaxInt64)
		fund(t, e, 2, 10)

		_, err := e.Transfer(context.Background(), domain.TransferRequest{PayerID: 2, PayeeID: 1, Amount: 5})
		if !errors.Is(err, domain.ErrBalanceOverflow) {
			t.Fatalf("err=%v want ErrBalanceOverflow", err)
		}
		if errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatal("overflow must not be reported as insufficient funds")
		}
		if _, err := e.Deposit(context.Background(), domain.TransferRequest{PayeeID: 1, Amount: 1}); !errors.Is(err, domain.ErrBalanceOverflow) {
			t.Fatalf("deposit err=%v want ErrBalanceOverflow", err)
		}
		if balanceOf(t, e, 1) != math.MaxInt64 || balanceOf(t, e, 2) != 10 {
			t.Fatalf("balances A=%d B=%d changed", balanceOf(t, e, 1), balanceOf(t, e, 2))
		}
		if n := countRecords(t, e); n != 2 {
			t.Fatalf("got %d records want 2", n)
		}
	})
}

func TestLazyAndStrictAccounts(t *testing.T) {
	t.Run("lazy", func(t *testing.T) {
		store := storeKinds[0].open(t)
		e := newEngine(store)
		if b := balanceOf(t, e, 42); b != 0 {
			t.Fatalf("balance=%d want 0", b)
		}
		if _, exists, _ := store.ReadBalance(context.Background(), 42); exists {
			t.Fatal("reading must not create the account")
		}
		report, err := e.Audit(context.Background(), 42)
		if err != nil || report.Transactions != 0 || !report.Consistent() {
			t.Fatalf("report=%+v err=%v", report, err)
		}
		if _, err := e.GetBalance(context.Background(), 0); !errors.Is(err, domain.ErrInvalidAccount) {
			t.Fatalf("err=%v want ErrInvalidAccount", err)
		}
	})

	t.Run("strict", func(t *testing.T) {
		opts := usecase.DefaultOptions()
		opts.RequireOpenAccounts = true
		e := newEngine(storeKinds[0].open(t), usecase.WithOptions(opts))

		if _, err := e.GetBalance(context.Background(), 1); !errors.Is(err, domain.ErrAccountNotFound) {
			t.Fatalf("err=%v want ErrAccountNotFound", err)
		}
		if _, err := e.Transfer(context.Background(), domain.TransferRequest{PayerID: 1, PayeeID: 2, Amount: 1}); !errors.Is(err, domain.ErrAccountNotFound) {
			t.Fatalf("err=%v want ErrAccountNotFound", err)
		}

		acc, err := e.OpenAccount(context.Background(), 1)
		if err != nil || acc.ID != 1 || acc.Balance != 0 {
			t.Fatalf("OpenAccount=%+v err=%v", acc, err)
		}
		fund(t, e, 1, 10)
		acc, err = e.OpenAccount(context.Background(), 1)
		if err != nil || acc.Balance != 10 {
			t.Fatalf("reopen=%+v err=%v", acc, err)
		}
		// 收款方不需要先開戶
		if _, err := e.Transfer(context.Background(), domain.TransferRequest{PayerID: 1, PayeeID: 2, Amount: 4}); err != nil {
			t.Fatal(err)
		}
		if balanceOf(t, e, 2) != 4 {
			t.Fatal("payee must be created lazily")
		}
	})
}

func TestRetryOnConflict(t *testing.T) {
	inner := storeKinds[0].open(t)
	opts := usecase.DefaultOptions()
	opts.RetryBackoff = time.Microsecond

	t.Run("recovers", func(t *testing.T) {
		store := &flakyStore{Store: inner, failures: 2, err: domain.ErrConcurrencyConflict}
		e := newEngine(store, usecase.WithOptions(opts))
		if _, err := e.Deposit(context.Background(), domain.TransferRequest{PayeeID: 1, Amount: 5}); err != nil {
			t.Fatalf("err=%v", err)
		}
		if store.calls.Load() != 3 {
			t.Fatalf("calls=%d want 3", store.calls.Load())
		}
	})

	t.Run("gives up", func(t *testing.T) {
		store := &flakyStore{Store: inner, failures: 100, err: domain.ErrConcurrencyConflict}
		e := newEngine(store, usecase.WithOptions(opts))
		_, err := e.Deposit(context.Background(), domain.TransferRequest{PayeeID: 1, Amount: 5})
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			t.Fatalf("err=%v want ErrConcurrencyConflict", err)
		}
		if got := store.calls.Load(); got != int32(opts.MaxRetries)+1 {
			t.Fatalf("calls=%d want %d", got, opts.MaxRetries+1)
		}
	})

	t.Run("storage unavailable is not retried", func(t *testing.T) {
		store := &flakyStore{Store: inner, failures: 100, err: domain.ErrStorageUnavailable}
		e := newEngine(store, usecase.WithOptions(opts))
		_, err := e.Transfer(context.Background(), domain.TransferRequest{PayerID: 1, PayeeID: 2, Amount: 1})
		if !errors.Is(err, domain.ErrStorageUnavailable) || store.calls.Load() != 1 {
			t.Fatalf("err=%v calls=%d", err, store.calls.Load())
		}
	})

	t.Run("cancelled while backing off", func(t *testing.T) {
		slow := opts
		slow.RetryBackoff = time.Hour
		store := &flakyStore{Store: inner, failures: 100, err: domain.ErrConcurrencyConflict}
		e := newEngine(store, usecase.WithOptions(slow))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := e.Deposit(ctx, domain.TransferRequest{PayeeID: 1, Amount: 5})
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			t.Fatalf("err=%v want ErrConcurrencyConflict", err)
		}
	})
}

func TestPublishFailureDoesNotFailTransfer(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	e := newEngine(storeKinds[0].open(t), usecase.WithPublisher(pub))
	tran, err := e.Deposit(context.Background(), domain.TransferRequest{PayeeID: 1, Amount: 1234})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("published %d want 1", pub.count())
	}
	ev := pub.events[0]
	if ev.TransactionID != tran.ID || ev.Amount != 1234 || ev.DisplayAmount.String() != "12.34" || ev.Type != "deposit" {
		t.Fatalf("event=%+v", ev)
	}
}

// flakyStore 前 failures 次 Atomically 直接回傳 err
type flakyStore struct {
	usecase.Store
	failures int32
	err      error
	calls    atomic.Int32
}

func (s *flakyStore) Atomically(ctx context.Context, ids []int64, fn func(usecase.UnitOfWork) error) error {
	if s.calls.Add(1) <= s.failures {
		return s.err
	}
	return s.Store.Atomically(ctx, ids, fn)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.TransactionCompleted
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.TransactionCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}
