// Package grpc 以 protobuf well-known types 提供帳本的 gRPC 介面
package grpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"runtime/debug"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
)

// ServiceName 對外註冊的服務名稱
const ServiceName = "economy.v1.Ledger"

// AdminTokenKey 存款需要帶的 metadata key
const AdminTokenKey = "x-admin-token"

// Ledger 是 gRPC 層需要的帳本操作，*usecase.Engine 實作了它
type Ledger interface {
	GetBalance(ctx context.Context, accountID int64) (int64, error)
	Transfer(ctx context.Context, req domain.TransferRequest) (domain.Transaction, error)
	Deposit(ctx context.Context, req domain.TransferRequest) (domain.Transaction, error)
	ListTransactions(ctx context.Context, q domain.TransactionQuery) ([]domain.Transaction, error)
}

// LedgerServer 服務端要實作的方法
type LedgerServer interface {
	GetBalance(context.Context, *wrapperspb.Int64Value) (*wrapperspb.Int64Value, error)
	Transfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Deposit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTransactions(context.Context, *structpb.Struct) (*structpb.ListValue, error)
}

// GrpcServer 把 gRPC 請求轉成帳本操作
type GrpcServer struct {
	ledger     Ledger
	adminToken string
	scale      int32
}

func NewGrpcServer(ledger Ledger, adminToken string, scale int32) *GrpcServer {
	return &GrpcServer{
		ledger:     ledger,
		adminToken: adminToken,
		scale:      scale,
	}
}

// Register 把服務掛到 gRPC server 上
func Register(s gogrpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func (s *GrpcServer) GetBalance(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.Int64Value, error) {
	balance, err := s.ledger.GetBalance(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(balance), nil
}

// Transfer 欄位: payer_id, payee_id, amount, comment, ref_id
func (s *GrpcServer) Transfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tr, err := transferFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tran, err := s.ledger.Transfer(ctx, tr)
	if err != nil {
		return nil, toStatus(err)
	}
	return transactionToStruct(tran, s.scale)
}

// Deposit 欄位: account_id, amount, comment, ref_id；需要 x-admin-token
func (s *GrpcServer) Deposit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.authorizeAdmin(ctx); err != nil {
		return nil, err
	}
	tr, err := depositFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tran, err := s.ledger.Deposit(ctx, tr)
	if err != nil {
		return nil, toStatus(err)
	}
	return transactionToStruct(tran, s.scale)
}

// ListTransactions 欄位: account_id, limit, offset
func (s *GrpcServer) ListTransactions(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	q, err := queryFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	records, err := s.ledger.ListTransactions(ctx, q)
	if err != nil {
		return nil, toStatus(err)
	}
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(records))}
	for _, t := range records {
		st, err := transactionToStruct(t, s.scale)
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, structpb.NewStructValue(st))
	}
	return list, nil
}

func (s *GrpcServer) authorizeAdmin(ctx context.Context) error {
	if s.adminToken == "" {
		return status.Error(codes.PermissionDenied, "admin operations are disabled")
	}
	md, _ := metadata.FromIncomingContext(ctx)
	tokens := md.Get(AdminTokenKey)
	if len(tokens) == 0 || tokens[0] == "" {
		return status.Error(codes.Unauthenticated, "missing "+AdminTokenKey)
	}
	if subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(s.adminToken)) != 1 {
		return status.Error(codes.PermissionDenied, "invalid "+AdminTokenKey)
	}
	return nil
}

// toStatus 帳本錯誤 -> gRPC status
func toStatus(err error) error {
	var code codes.Code
	switch {
	case domain.IsValidation(err):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrInsufficientFunds):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrAccountNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrConcurrencyConflict), errors.Is(err, domain.ErrRefIDConflict):
		code = codes.Aborted
	case errors.Is(err, domain.ErrStorageUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

// ServiceDesc 手動註冊的服務描述，訊息型別全部使用 well-known types
var ServiceDesc = gogrpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []gogrpc.MethodDesc{
		unary("GetBalance", func(s LedgerServer, ctx context.Context, in *wrapperspb.Int64Value) (proto.Message, error) {
			return s.GetBalance(ctx, in)
		}),
		unary("Transfer", func(s LedgerServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.Transfer(ctx, in)
		}),
		unary("Deposit", func(s LedgerServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.Deposit(ctx, in)
		}),
		unary("ListTransactions", func(s LedgerServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.ListTransactions(ctx, in)
		}),
	},
	Streams:  []gogrpc.StreamDesc{},
	Metadata: "economy/v1/ledger.proto",
}

// unary 產生與 protoc-gen-go-grpc 相同形狀的 handler
func unary[Req any, PReq interface {
	*Req
	proto.Message
}](method string, call func(LedgerServer, context.Context, PReq) (proto.Message, error)) gogrpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return gogrpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor gogrpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &gogrpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(PReq))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// UnaryLogger 記錄每次呼叫，並把 panic 轉成 Internal
func UnaryLogger(log *slog.Logger) gogrpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *gogrpc.UnaryServerInfo, handler gogrpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if v := recover(); v != nil {
				log.ErrorContext(ctx, "panic in grpc handler", "method", info.FullMethod, "panic", v, "stack", string(debug.Stack()))
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
		}()
		resp, err = handler(ctx, req)
		if code := status.Code(err); code == codes.Internal || code == codes.Unavailable {
			log.ErrorContext(ctx, "grpc call failed", "method", info.FullMethod, "code", code.String(), "err", err)
		} else {
			log.DebugContext(ctx, "grpc call", "method", info.FullMethod, "code", code.String())
		}
		return resp, err
	}
}

var _ LedgerServer = (*GrpcServer)(nil)
