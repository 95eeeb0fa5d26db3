// ledgerctl 是 economyd 的 gRPC 命令列工具與壓測程式
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/status"

	grpc_adapter "github.com/JoeShih716/go-economy-ledger/internal/app/core/adapter/in/grpc"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
	grpcpool "github.com/JoeShih716/go-economy-ledger/pkg/grpc"
)

const usage = `usage: ledgerctl [flags] <command> [args]

commands:
  balance  <account>
  transfer <payer> <payee> <amount> [comment]
  deposit  <account> <amount> [comment]
  history  [account]
  bench    <payer> <payee>
`

// 壓測整體時限
const benchTimeout = 120 * time.Second

type options struct {
	addr        string
	adminToken  string
	timeout     time.Duration
	scale       int
	limit       int
	total       int
	concurrency int
}

func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", "localhost:50051", "economyd grpc address")
	flag.StringVar(&opts.adminToken, "admin-token", os.Getenv("ADMIN_TOKEN"), "x-admin-token for deposit")
	flag.DurationVar(&opts.timeout, "timeout", 5*time.Second, "per command timeout")
	flag.IntVar(&opts.scale, "scale", int(domain.DefaultCurrencyScale), "currency scale for display")
	flag.IntVar(&opts.limit, "limit", 50, "history page size")
	flag.IntVar(&opts.total, "n", 100000, "bench: total transfers")
	flag.IntVar(&opts.concurrency, "c", 100, "bench: concurrent requests")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	pool := grpcpool.NewPool()
	defer pool.Close()
	conn, err := pool.GetConnection(opts.addr)
	if err != nil {
		slog.Error("did not connect", "err", err)
		os.Exit(1)
	}
	client := grpc_adapter.NewClient(conn, opts.adminToken)

	if err := runCommand(client, opts, flag.Arg(0), flag.Args()[1:]); err != nil {
		if st, ok := status.FromError(err); ok {
			fmt.Fprintf(os.Stderr, "error: %s: %s\n", st.Code(), st.Message())
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func runCommand(client *grpc_adapter.Client, opts options, cmd string, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	scale := int32(opts.scale)

	switch cmd {
	case "balance":
		n, err := parseInts(args, 1)
		if err != nil {
			return err
		}
		balance, err := client.GetBalance(ctx, n[0])
		if err != nil {
			return err
		}
		fmt.Printf("account %d: %s\n", n[0], domain.FormatAmount(balance, scale))

	case "transfer":
		n, err := parseInts(args, 3)
		if err != nil {
			return err
		}
		tran, err := client.Transfer(ctx, domain.TransferRequest{
			RefID: uuid.New(), PayerID: n[0], PayeeID: n[1], Amount: n[2], Comment: optionalArg(args, 3),
		})
		if err != nil {
			return err
		}
		printTransaction(tran, scale)

	case "deposit":
		n, err := parseInts(args, 2)
		if err != nil {
			return err
		}
		tran, err := client.Deposit(ctx, domain.TransferRequest{
			RefID: uuid.New(), PayeeID: n[0], Amount: n[1], Comment: optionalArg(args, 2),
		})
		if err != nil {
			return err
		}
		printTransaction(tran, scale)

	case "history":
		var accountID int64
		if len(args) > 0 {
			n, err := parseInts(args, 1)
			if err != nil {
				return err
			}
			accountID = n[0]
		}
		records, err := client.ListTransactions(ctx, domain.TransactionQuery{AccountID: accountID, Limit: opts.limit})
		if err != nil {
			return err
		}
		for _, t := range records {
			printTransaction(t, scale)
		}

	case "bench":
		n, err := parseInts(args, 2)
		if err != nil {
			return err
		}
		benchCtx, benchCancel := context.WithTimeout(context.Background(), benchTimeout)
		defer benchCancel()
		return bench(benchCtx, client, n[0], n[1], opts.total, opts.concurrency)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// bench 以固定併發量送出 total 筆 1 單位的轉帳並計算 TPS
func bench(ctx context.Context, client *grpc_adapter.Client, payer, payee int64, total, concurrency int) error {
	if total <= 0 || concurrency <= 0 {
		return errors.New("bench needs -n > 0 and -c > 0")
	}
	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	sem := make(chan struct{}, concurrency)
	start := time.Now()

	for i := 0; i < total; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			_, err := client.Transfer(ctx, domain.TransferRequest{
				RefID: uuid.New(), PayerID: payer, PayeeID: payee, Amount: 1,
			})
			if err != nil {
				if failed.Add(1) == 1 || idx%10000 == 0 {
					slog.Warn("transfer failed", "idx", idx, "err", err)
				}
			}
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("Completed %d requests in %v (%d failed)\n", total, elapsed, failed.Load())
	fmt.Printf("TPS: %.2f\n", float64(total)/elapsed.Seconds())
	return nil
}

func parseInts(args []string, n int) ([]int64, error) {
	if len(args) < n {
		return nil, fmt.Errorf("expected %d arguments, got %d", n, len(args))
	}
	out := make([]int64, n)
	for i := range n {
		v, err := strconv.ParseInt(args[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

func printTransaction(t domain.Transaction, scale int32) {
	fmt.Printf("#%d %s %d -> %d %s %q %s\n",
		t.ID, t.Type, t.PayerID, t.PayeeID, domain.FormatAmount(t.Amount, scale), t.Comment,
		t.CreatedAt.Format(time.RFC3339))
}
