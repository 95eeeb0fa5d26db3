package grpc

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
)

// Client 是 economy.v1.Ledger 的型別化客戶端
type Client struct {
	cc         gogrpc.ClientConnInterface
	adminToken string
}

// NewClient 包裝既有連線 (通常由 pkg/grpc.Pool 取得)，adminToken 只有 Deposit 會用到
func NewClient(cc gogrpc.ClientConnInterface, adminToken string) *Client {
	return &Client{cc: cc, adminToken: adminToken}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...gogrpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *Client) GetBalance(ctx context.Context, accountID int64, opts ...gogrpc.CallOption) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.invoke(ctx, "GetBalance", wrapperspb.Int64(accountID), out, opts...); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

func (c *Client) Transfer(ctx context.Context, req domain.TransferRequest, opts ...gogrpc.CallOption) (domain.Transaction, error) {
	in, err := structpb.NewStruct(map[string]any{
		"payer_id": strconv.FormatInt(req.PayerID, 10),
		"payee_id": strconv.FormatInt(req.PayeeID, 10),
		"amount":   strconv.FormatInt(req.Amount, 10),
		"comment":  req.Comment,
		"ref_id":   refString(req.RefID),
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return c.postStruct(ctx, "Transfer", in, opts...)
}

// Deposit 存款到 req.PayeeID
func (c *Client) Deposit(ctx context.Context, req domain.TransferRequest, opts ...gogrpc.CallOption) (domain.Transaction, error) {
	in, err := structpb.NewStruct(map[string]any{
		"account_id": strconv.FormatInt(req.PayeeID, 10),
		"amount":     strconv.FormatInt(req.Amount, 10),
		"comment":    req.Comment,
		"ref_id":     refString(req.RefID),
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	if c.adminToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, AdminTokenKey, c.adminToken)
	}
	return c.postStruct(ctx, "Deposit", in, opts...)
}

func (c *Client) ListTransactions(ctx context.Context, q domain.TransactionQuery, opts ...gogrpc.CallOption) ([]domain.Transaction, error) {
	in, err := structpb.NewStruct(map[string]any{
		"account_id": strconv.FormatInt(q.AccountID, 10),
		"limit":      q.Limit,
		"offset":     q.Offset,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "ListTransactions", in, out, opts...); err != nil {
		return nil, err
	}
	records := make([]domain.Transaction, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		t, err := TransactionFromStruct(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		records = append(records, t)
	}
	return records, nil
}

func (c *Client) postStruct(ctx context.Context, method string, in *structpb.Struct, opts ...gogrpc.CallOption) (domain.Transaction, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, method, in, out, opts...); err != nil {
		return domain.Transaction{}, err
	}
	return TransactionFromStruct(out)
}

func refString(ref uuid.UUID) string {
	if ref == uuid.Nil {
		return ""
	}
	return ref.String()
}
