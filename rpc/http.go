package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"dealchain/core/state"
	"dealchain/native/deal"
	"dealchain/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// Server exposes the deal protocol and its ledger over JSON-RPC 2.0.
type Server struct {
	ledger   *state.Manager
	engine   *deal.Engine
	registry *deal.Registry
	log      *slog.Logger

	authToken     string
	faucetEnabled bool

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	limitEvery time.Duration
	limitBurst int
}

// NewServer wires the RPC surface over the supplied ledger, engine, and
// registry. The auth token is read from DEALCHAIN_RPC_TOKEN; SetAuthToken
// overrides it.
func NewServer(ledger *state.Manager, engine *deal.Engine, registry *deal.Registry) *Server {
	return &Server{
		ledger:     ledger,
		engine:     engine,
		registry:   registry,
		log:        slog.Default(),
		authToken:  strings.TrimSpace(os.Getenv("DEALCHAIN_RPC_TOKEN")),
		limiters:   make(map[string]*rate.Limiter),
		limitEvery: time.Second,
		limitBurst: 60,
	}
}

// SetAuthToken overrides the bearer token required by mutating methods.
func (s *Server) SetAuthToken(token string) { s.authToken = strings.TrimSpace(token) }

// SetFaucetEnabled toggles the dev-only ledger_mint method.
func (s *Server) SetFaucetEnabled(enabled bool) { s.faucetEnabled = enabled }

// SetLogger overrides the request logger.
func (s *Server) SetLogger(log *slog.Logger) {
	if log != nil {
		s.log = log
	}
}

// SetRateLimit caps mutating calls per source to the supplied per-minute rate.
func (s *Server) SetRateLimit(perMinute int) {
	if perMinute <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limitEvery = time.Minute / time.Duration(perMinute)
	s.limitBurst = perMinute
	s.limiters = make(map[string]*rate.Limiter)
}

// Router returns the HTTP mux carrying the RPC endpoint plus the health and
// metrics endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post("/rpc", s.handle)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves the router on addr and blocks until the listener fails.
func (s *Server) Start(addr string) error {
	s.log.Info("starting JSON-RPC server", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	w = recorder

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	defer func() {
		observability.RPCMetrics().Observe(req.Method, recorder.status, time.Since(started))
	}()

	if mutatingMethods[req.Method] {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		if !s.allowSource(clientIP(r)) {
			observability.RPCMetrics().RecordThrottle(req.Method)
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
			return
		}
	}

	switch req.Method {
	case "deal_create":
		s.handleDealCreate(w, r, req)
	case "deal_get":
		s.handleDealGet(w, r, req)
	case "deal_lookup":
		s.handleDealLookup(w, r, req)
	case "deal_deriveAddress":
		s.handleDealDeriveAddress(w, r, req)
	case "deal_depositNative":
		s.handleDealDepositNative(w, r, req)
	case "deal_depositToken":
		s.handleDealDepositToken(w, r, req)
	case "deal_sign":
		s.handleDealSign(w, r, req)
	case "deal_rescind":
		s.handleDealRescind(w, r, req)
	case "deal_withdraw":
		s.handleDealWithdraw(w, r, req)
	case "deal_balances":
		s.handleDealBalances(w, r, req)
	case "ledger_getBalance":
		s.handleLedgerGetBalance(w, r, req)
	case "ledger_approve":
		s.handleLedgerApprove(w, r, req)
	case "ledger_allowance":
		s.handleLedgerAllowance(w, r, req)
	case "ledger_mint":
		s.handleLedgerMint(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

// mutatingMethods gates auth and rate limiting to state-changing calls.
var mutatingMethods = map[string]bool{
	"deal_create":        true,
	"deal_depositNative": true,
	"deal_depositToken":  true,
	"deal_sign":          true,
	"deal_rescind":       true,
	"deal_withdraw":      true,
	"ledger_approve":     true,
	"ledger_mint":        true,
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(s.limitEvery), s.limitBurst)
		s.limiters[source] = limiter
	}
	return limiter.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
