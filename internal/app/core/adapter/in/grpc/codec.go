package grpc

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
)

// Struct 的數字是 float64，超過這個範圍的整數必須以字串傳送
const maxExactInt = 1 << 53

// intField 讀取整數欄位，接受 number 或十進位字串，缺少時回傳 0
func intField(st *structpb.Struct, name string) (int64, error) {
	v, ok := st.GetFields()[name]
	if !ok {
		return 0, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		f := kind.NumberValue
		if f != math.Trunc(f) || math.Abs(f) > maxExactInt {
			return 0, fmt.Errorf("%s must be an integer within ±2^53, send larger values as strings", name)
		}
		return int64(f), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(kind.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return n, nil
	case *structpb.Value_NullValue:
		return 0, nil
	default:
		return 0, fmt.Errorf("%s must be a number", name)
	}
}

func stringField(st *structpb.Struct, name string) (string, error) {
	v, ok := st.GetFields()[name]
	if !ok {
		return "", nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	case *structpb.Value_NullValue:
		return "", nil
	default:
		return "", fmt.Errorf("%s must be a string", name)
	}
}

func refField(st *structpb.Struct) (uuid.UUID, error) {
	raw, err := stringField(st, "ref_id")
	if err != nil || raw == "" {
		return uuid.Nil, err
	}
	ref, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid ref_id: %w", err)
	}
	return ref, nil
}

// ints 依序讀取多個整數欄位
func ints(st *structpb.Struct, names ...string) ([]int64, error) {
	out := make([]int64, len(names))
	for i, name := range names {
		n, err := intField(st, name)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func transferFromStruct(st *structpb.Struct) (domain.TransferRequest, error) {
	n, err := ints(st, "payer_id", "payee_id", "amount")
	if err != nil {
		return domain.TransferRequest{}, err
	}
	comment, err := stringField(st, "comment")
	if err != nil {
		return domain.TransferRequest{}, err
	}
	ref, err := refField(st)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	return domain.TransferRequest{RefID: ref, PayerID: n[0], PayeeID: n[1], Amount: n[2], Comment: comment}, nil
}

func depositFromStruct(st *structpb.Struct) (domain.TransferRequest, error) {
	n, err := ints(st, "account_id", "amount")
	if err != nil {
		return domain.TransferRequest{}, err
	}
	comment, err := stringField(st, "comment")
	if err != nil {
		return domain.TransferRequest{}, err
	}
	ref, err := refField(st)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	return domain.TransferRequest{RefID: ref, PayeeID: n[0], Amount: n[1], Comment: comment}, nil
}

func queryFromStruct(st *structpb.Struct) (domain.TransactionQuery, error) {
	n, err := ints(st, "account_id", "limit", "offset")
	if err != nil {
		return domain.TransactionQuery{}, err
	}
	return domain.TransactionQuery{AccountID: n[0], Limit: int(n[1]), Offset: int(n[2])}, nil
}

// transactionToStruct 交易紀錄 -> Struct，id 與金額同時附上字串版本避免精度問題
func transactionToStruct(t domain.Transaction, scale int32) (*structpb.Struct, error) {
	fields := map[string]any{
		"id":             t.ID,
		"type":           t.Type.String(),
		"payer_id":       t.PayerID,
		"payee_id":       t.PayeeID,
		"amount":         t.Amount,
		"amount_str":     strconv.FormatInt(t.Amount, 10),
		"display_amount": domain.FormatAmount(t.Amount, scale),
		"comment":        t.Comment,
		"created_at":     t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.RefID != uuid.Nil {
		fields["ref_id"] = t.RefID.String()
	}
	return structpb.NewStruct(fields)
}

// TransactionFromStruct 把 transactionToStruct 的輸出還原成交易紀錄
func TransactionFromStruct(st *structpb.Struct) (domain.Transaction, error) {
	n, err := ints(st, "id", "payer_id", "payee_id", "amount_str")
	if err != nil {
		return domain.Transaction{}, err
	}
	typ, err := stringField(st, "type")
	if err != nil {
		return domain.Transaction{}, err
	}
	tt, err := domain.ParseTransactionType(typ)
	if err != nil {
		return domain.Transaction{}, err
	}
	comment, _ := stringField(st, "comment")
	ref, err := refField(st)
	if err != nil {
		return domain.Transaction{}, err
	}
	created, _ := stringField(st, "created_at")
	at, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("created_at: %w", err)
	}
	return domain.Transaction{
		ID: n[0], RefID: ref, PayerID: n[1], PayeeID: n[2], Amount: n[3],
		Comment: comment, Type: tt, CreatedAt: at,
	}, nil
}
