package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
)

// 請求 body 上限
const maxBodyBytes = 64 << 10

// Ledger 是 handler 需要的帳本操作，*usecase.Engine 實作了它
type Ledger interface {
	GetBalance(ctx context.Context, accountID int64) (int64, error)
	OpenAccount(ctx context.Context, accountID int64) (domain.Account, error)
	Transfer(ctx context.Context, req domain.TransferRequest) (domain.Transaction, error)
	Deposit(ctx context.Context, req domain.TransferRequest) (domain.Transaction, error)
	Withdraw(ctx context.Context, req domain.TransferRequest) (domain.Transaction, error)
	ListTransactions(ctx context.Context, q domain.TransactionQuery) ([]domain.Transaction, error)
	Audit(ctx context.Context, accountID int64) (domain.AuditReport, error)
}

// Server HTTP 層
//
// 結構:
//
//	ledger: 帳本核心
//	adminToken: 存款/提款需要的 X-Admin-Token，空字串代表停用這兩個端點
//	scale: 顯示金額的小數位數
type Server struct {
	ledger     Ledger
	adminToken string
	scale      int32
	log        *slog.Logger
}

func NewServer(ledger Ledger, adminToken string, scale int32, log *slog.Logger) *Server {
	return &Server{
		ledger:     ledger,
		adminToken: adminToken,
		scale:      scale,
		log:        log,
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getBalance GET /economy/{id}
func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.accountID(w, r)
	if !ok {
		return
	}
	balance, err := s.ledger.GetBalance(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID: id,
		Balance:   balance,
		Display:   domain.FormatAmount(balance, s.scale),
	})
}

// openAccount PUT /economy/{id}
func (s *Server) openAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := s.accountID(w, r)
	if !ok {
		return
	}
	acc, err := s.ledger.OpenAccount(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID: acc.ID,
		Balance:   acc.Balance,
		Display:   domain.FormatAmount(acc.Balance, s.scale),
	})
}

type adjustRequest struct {
	Amount  int64  `json:"amount"`
	Comment string `json:"comment"`
	RefID   string `json:"ref_id"`
}

// deposit PATCH /economy/{id}：發行方入帳
func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	s.adjust(w, r, func(id int64, body adjustRequest, ref uuid.UUID) (domain.Transaction, error) {
		return s.ledger.Deposit(r.Context(), domain.TransferRequest{RefID: ref, PayeeID: id, Amount: body.Amount, Comment: body.Comment})
	})
}

// withdraw POST /economy/{id}/withdraw：扣款給發行方
func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	s.adjust(w, r, func(id int64, body adjustRequest, ref uuid.UUID) (domain.Transaction, error) {
		return s.ledger.Withdraw(r.Context(), domain.TransferRequest{RefID: ref, PayerID: id, Amount: body.Amount, Comment: body.Comment})
	})
}

func (s *Server) adjust(w http.ResponseWriter, r *http.Request, op func(int64, adjustRequest, uuid.UUID) (domain.Transaction, error)) {
	if !s.authorizeAdmin(w, r) {
		return
	}
	id, ok := s.accountID(w, r)
	if !ok {
		return
	}
	var body adjustRequest
	if !decode(w, r, &body) {
		return
	}
	ref, err := refID(r, body.RefID)
	if err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	tran, err := op(id, body, ref)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionResponse(tran, s.scale))
}

// audit GET /economy/{id}/audit
func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.accountID(w, r)
	if !ok {
		return
	}
	report, err := s.ledger.Audit(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditResponse{
		AccountID:       report.AccountID,
		StoredBalance:   report.StoredBalance,
		ExpectedBalance: report.ExpectedBalance(),
		Credits:         report.Credits,
		Debits:          report.Debits,
		Transactions:    report.Transactions,
		Consistent:      report.Consistent(),
	})
}

type transferRequest struct {
	PayerID int64  `json:"payer_id"`
	PayeeID int64  `json:"payee_id"`
	Amount  int64  `json:"amount"`
	Comment string `json:"comment"`
	RefID   string `json:"ref_id"`
}

// transfer POST /transactions
func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	var body transferRequest
	if !decode(w, r, &body) {
		return
	}
	ref, err := refID(r, body.RefID)
	if err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	tran, err := s.ledger.Transfer(r.Context(), domain.TransferRequest{
		RefID:   ref,
		PayerID: body.PayerID,
		PayeeID: body.PayeeID,
		Amount:  body.Amount,
		Comment: body.Comment,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionResponse(tran, s.scale))
}

// listTransactions GET /transactions?account_id=&limit=&offset=
func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var q domain.TransactionQuery
	var err error
	if q.AccountID, err = intParam(query.Get("account_id")); err != nil {
		writeErr(w, fmt.Errorf("%w: account_id", domain.ErrInvalidAccount), http.StatusBadRequest)
		return
	}
	limit, err := intParam(query.Get("limit"))
	if err != nil {
		writeErr(w, fmt.Errorf("%w: limit", domain.ErrInvalidPagination), http.StatusBadRequest)
		return
	}
	offset, err := intParam(query.Get("offset"))
	if err != nil {
		writeErr(w, fmt.Errorf("%w: offset", domain.ErrInvalidPagination), http.StatusBadRequest)
		return
	}
	q.Limit, q.Offset = int(limit), int(offset)

	records, err := s.ledger.ListTransactions(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page := transactionPage{Items: make([]transactionResponse, len(records)), Offset: q.Offset, Count: len(records)}
	for i, t := range records {
		page.Items[i] = newTransactionResponse(t, s.scale)
	}
	writeJSON(w, http.StatusOK, page)
}

// fail 依錯誤類型回應並記錄
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeErr(w, err, code)
}

func (s *Server) accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, domain.ErrInvalidAccount, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// authorizeAdmin 檢查 X-Admin-Token
func (s *Server) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.adminToken == "" {
		writeErr(w, errors.New("admin operations are disabled"), http.StatusForbidden)
		return false
	}
	token := r.Header.Get("X-Admin-Token")
	if token == "" {
		writeErr(w, errors.New("missing X-Admin-Token"), http.StatusUnauthorized)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		writeErr(w, errors.New("invalid X-Admin-Token"), http.StatusForbidden)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, fmt.Errorf("invalid json body: %w", err), http.StatusBadRequest)
		return false
	}
	return true
}

// refID 取得冪等鍵：Idempotency-Key header 與 body 的 ref_id 擇一，兩者都有時必須相同
func refID(r *http.Request, fromBody string) (uuid.UUID, error) {
	header := r.Header.Get("Idempotency-Key")
	if header != "" && fromBody != "" && header != fromBody {
		return uuid.Nil, errors.New("Idempotency-Key header and ref_id differ")
	}
	raw := header
	if raw == "" {
		raw = fromBody
	}
	if raw == "" {
		return uuid.Nil, nil
	}
	ref, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid ref_id: %w", err)
	}
	if ref == uuid.Nil {
		return uuid.Nil, errors.New("invalid ref_id: nil uuid")
	}
	return ref, nil
}

func intParam(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
