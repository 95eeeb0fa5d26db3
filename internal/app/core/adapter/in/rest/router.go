package rest

import (
	"net/http"
	"time"

	"github.com/rs/cors"
)

// Router 建立並回傳整個 HTTP 處理鏈 (路由 + CORS + 存取紀錄)
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health)

	// 帳戶
	mux.HandleFunc("GET /economy/{id}", s.getBalance)
	mux.HandleFunc("PUT /economy/{id}", s.openAccount)
	mux.HandleFunc("PATCH /economy/{id}", s.deposit)
	mux.HandleFunc("POST /economy/{id}/withdraw", s.withdraw)
	mux.HandleFunc("GET /economy/{id}/audit", s.audit)

	// 交易
	mux.HandleFunc("POST /transactions", s.transfer)
	mux.HandleFunc("GET /transactions", s.listTransactions)

	return cors.AllowAll().Handler(s.recoverer(s.accessLog(mux)))
}

// statusRecorder 記下回應狀態碼
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.DebugContext(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", time.Since(start))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.ErrorContext(r.Context(), "panic in http handler", "path", r.URL.Path, "panic", v)
				writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
