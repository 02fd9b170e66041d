package flowd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rootbot/amount"
	"rootbot/flow"
	"rootbot/ledger"
	"rootbot/observability"
	"rootbot/observability/logging"
	"rootbot/session"
	"rootbot/settlement"
	"rootbot/wallet"
)

const maxBodyBytes = 16 << 10

// EventRouter is the conversation core driven by inbound events.
type EventRouter interface {
	RouteEvent(ctx context.Context, userID string, hint session.Kind, text string) (flow.Reply, error)
}

// WalletStore creates, imports and looks up user wallets.
type WalletStore interface {
	Create(ctx context.Context, userID string) (wallet.Created, error)
	Import(ctx context.Context, userID, mnemonic string) (common.Address, error)
	Address(ctx context.Context, userID string) (common.Address, error)
}

// Server exposes the chat transport over HTTP.
type Server struct {
	router         EventRouter
	wallets        WalletStore
	hub            *Hub
	auth           *Authenticator
	limiter        *RateLimiter
	originPatterns []string
	logger         *slog.Logger
	handler        http.Handler
}

// ServerOption customises the server.
type ServerOption func(*Server)

// WithAuthenticator enables bearer token checks on the API.
func WithAuthenticator(a *Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

// WithRateLimiter throttles inbound events per user.
func WithRateLimiter(l *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithOriginPatterns sets the websocket origins accepted in addition to the host.
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer wires the HTTP routes.
func NewServer(router EventRouter, wallets WalletStore, hub *Hub, opts ...ServerOption) *Server {
	s := &Server{
		router:  router,
		wallets: wallets,
		hub:     hub,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observeRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/users/{userID}", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Use(requireUserID)
		r.With(s.limiter.Middleware("events")).Post("/events", s.handleEvent)
		r.With(s.limiter.Middleware("wallet")).Post("/wallet", s.handleCreateWallet)
		r.Get("/wallet", s.handleGetWallet)
		r.Get("/notifications", s.handleNotifications)
	})

	s.handler = otelhttp.NewHandler(r, "flowd",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type eventRequest struct {
	Flow string `json:"flow"`
	Text string `json:"text"`
}

type summaryPayload struct {
	Flow         string `json:"flow"`
	Asset        string `json:"asset"`
	CounterAsset string `json:"counterAsset,omitempty"`
	Recipient    string `json:"recipient,omitempty"`
	Amount       string `json:"amount"`
	Fee          string `json:"fee"`
	FeeAsset     string `json:"feeAsset"`
	MinOut       string `json:"minOut,omitempty"`
	DeadlineSecs int64  `json:"deadlineSeconds,omitempty"`
}

type resultPayload struct {
	Outcome string `json:"outcome"`
	TxID    string `json:"txId,omitempty"`
	Block   uint64 `json:"block,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type shortfallPayload struct {
	Asset     string `json:"asset"`
	Required  string `json:"required"`
	Available string `json:"available"`
	Shortfall string `json:"shortfall"`
}

type eventResponse struct {
	Type      string            `json:"type,omitempty"`
	Flow      string            `json:"flow,omitempty"`
	Step      string            `json:"step,omitempty"`
	Prompt    string            `json:"prompt,omitempty"`
	Options   []string          `json:"options,omitempty"`
	Notice    string            `json:"notice,omitempty"`
	Summary   *summaryPayload   `json:"summary,omitempty"`
	Result    *resultPayload    `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Code      string            `json:"code,omitempty"`
	Shortfall *shortfallPayload `json:"shortfall,omitempty"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req eventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var hint session.Kind
	if strings.TrimSpace(req.Flow) != "" {
		kind, err := session.ParseKind(req.Flow)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown_flow", err.Error())
			return
		}
		hint = kind
	}

	reply, err := s.router.RouteEvent(r.Context(), userID, hint, req.Text)
	resp := replyPayload(reply)
	status := http.StatusOK
	if err != nil {
		status, resp.Code = classify(err)
		resp.Error = err.Error()
		var short *flow.InsufficientBalanceError
		if errors.As(err, &short) {
			resp.Shortfall = &shortfallPayload{
				Asset:     short.Asset.Symbol,
				Required:  amount.ToHuman(short.Required, short.Asset.Decimals),
				Available: amount.ToHuman(short.Available, short.Asset.Decimals),
				Shortfall: amount.ToHuman(short.Shortfall, short.Asset.Decimals),
			}
		}
		if status >= http.StatusInternalServerError {
			s.logger.Error("event failed", logging.MaskField("user", userID), slog.Any("error", err))
		}
	}
	writeJSON(w, status, resp)
}

func replyPayload(reply flow.Reply) eventResponse {
	resp := eventResponse{
		Flow:    string(reply.Flow),
		Step:    string(reply.Step),
		Prompt:  reply.Prompt,
		Options: reply.Options,
		Notice:  reply.Notice,
	}
	if reply.Step != "" {
		resp.Type = "prompt"
	}
	if sum := reply.Summary; sum != nil {
		resp.Summary = &summaryPayload{
			Flow:         string(sum.Flow),
			Asset:        sum.Asset,
			CounterAsset: sum.CounterAsset,
			Recipient:    sum.Recipient,
			Amount:       sum.Amount,
			Fee:          sum.Fee,
			FeeAsset:     sum.FeeAsset,
			MinOut:       sum.MinOut,
			DeadlineSecs: int64(sum.Deadline / time.Second),
		}
	}
	if res := reply.Result; res != nil {
		resp.Type = "result"
		resp.Result = &resultPayload{Outcome: string(res.Outcome), Block: res.Block.Number, Detail: res.Detail}
		if (res.TxID != common.Hash{}) {
			resp.Result.TxID = res.TxID.Hex()
		}
	}
	return resp
}

// classify maps a flow error to an HTTP status and a stable code. Input
// errors are ordinary prompts and keep 200.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, flow.ErrSessionExpired):
		return http.StatusNotFound, "session_expired"
	case errors.Is(err, flow.ErrNoWalletFound):
		return http.StatusConflict, "no_wallet"
	case errors.Is(err, flow.ErrInsufficientBalance):
		return http.StatusOK, "insufficient_balance"
	case errors.Is(err, flow.ErrInvalidAsset):
		return http.StatusOK, "invalid_asset"
	case errors.Is(err, flow.ErrInvalidAddress):
		return http.StatusOK, "invalid_address"
	case errors.Is(err, flow.ErrInvalidAmount):
		return http.StatusOK, "invalid_amount"
	case errors.Is(err, flow.ErrFeeEstimationFailed):
		return http.StatusOK, "fee_estimation_failed"
	case errors.Is(err, flow.ErrUnexpectedInput):
		return http.StatusOK, "unexpected_input"
	case errors.Is(err, session.ErrUnknownKind):
		return http.StatusBadRequest, "unknown_flow"
	case errors.Is(err, settlement.ErrAlreadySubmitted):
		return http.StatusConflict, "already_submitted"
	case errors.Is(err, ledger.ErrUnavailable), errors.Is(err, ledger.ErrRejected):
		return http.StatusBadGateway, "ledger_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

type walletRequest struct {
	Mnemonic string `json:"mnemonic"`
}

type walletResponse struct {
	Address  string `json:"address"`
	Mnemonic string `json:"mnemonic,omitempty"`
}

// handleCreateWallet generates a wallet, or imports one when a mnemonic is
// supplied. The generated phrase is returned exactly once.
func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req walletRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	if phrase := strings.TrimSpace(req.Mnemonic); phrase != "" {
		addr, err := s.wallets.Import(r.Context(), userID, phrase)
		if err != nil {
			s.writeWalletError(w, userID, err)
			return
		}
		writeJSON(w, http.StatusCreated, walletResponse{Address: addr.Hex()})
		return
	}
	created, err := s.wallets.Create(r.Context(), userID)
	if err != nil {
		s.writeWalletError(w, userID, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, walletResponse{Address: created.Address.Hex(), Mnemonic: created.Mnemonic})
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	addr, err := s.wallets.Address(r.Context(), userID)
	if err != nil {
		s.writeWalletError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{Address: addr.Hex()})
}

func (s *Server) writeWalletError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, wallet.ErrNoWallet):
		writeError(w, http.StatusNotFound, "no_wallet", "no wallet for user")
	case errors.Is(err, wallet.ErrWalletExists):
		writeError(w, http.StatusConflict, "wallet_exists", "wallet already exists")
	case errors.Is(err, wallet.ErrInvalidMnemonic):
		writeError(w, http.StatusBadRequest, "invalid_mnemonic", "recovery phrase is not valid")
	default:
		s.logger.Error("wallet operation failed", logging.MaskField("user", userID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal", "wallet operation failed")
	}
}

func requireUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(chi.URLParam(r, "userID")) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "user id required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(route, r.Method, status, time.Since(started))
	})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, eventResponse{Error: message, Code: code})
}
