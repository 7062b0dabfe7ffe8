// Package server exposes the remittance engines over HTTP. Write endpoints
// that settle value are HMAC-gated; the keeper and sender endpoints are open,
// mirroring the engines' own authorization split.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/strongfatTo/RemicoPay/internal/config"
	"github.com/strongfatTo/RemicoPay/internal/events"
	"github.com/strongfatTo/RemicoPay/internal/hmacauth"
	"github.com/strongfatTo/RemicoPay/internal/idempotency"
	"github.com/strongfatTo/RemicoPay/internal/money"
	"github.com/strongfatTo/RemicoPay/internal/remit"
	"github.com/strongfatTo/RemicoPay/internal/schedule"
	"github.com/strongfatTo/RemicoPay/internal/token"
	"github.com/strongfatTo/RemicoPay/internal/vault"
	"github.com/strongfatTo/RemicoPay/internal/verifier"
)

// Deps carries the wired collaborators into the server.
type Deps struct {
	HKDR     *token.Ledger
	PHPC     *token.Ledger
	Vault    *vault.Vault
	Verifier *verifier.Verifier
	Remit    *remit.Engine
	Schedule *schedule.Engine
	Events   *events.MemorySink
	Store    idempotency.Store
	Owner    common.Address
	Oracle   common.Address
	Log      *slog.Logger
}

type Server struct {
	cfg *config.AppConfig

	hkdr  *token.Ledger
	phpc  *token.Ledger
	vlt   *vault.Vault
	ver   *verifier.Verifier
	remit *remit.Engine
	sched *schedule.Engine
	sink  *events.MemorySink
	store idempotency.Store

	owner  common.Address
	oracle common.Address

	adminHMAC  *hmacauth.Verifier
	oracleHMAC *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	dbHealthFn func(context.Context) error
	log        *slog.Logger
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		hkdr:   deps.HKDR,
		phpc:   deps.PHPC,
		vlt:    deps.Vault,
		ver:    deps.Verifier,
		remit:  deps.Remit,
		sched:  deps.Schedule,
		sink:   deps.Events,
		store:  deps.Store,
		owner:  deps.Owner,
		oracle: deps.Oracle,
		adminHMAC: &hmacauth.Verifier{
			Secret:  cfg.Seed.Secrets.AdminHMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		oracleHMAC: &hmacauth.Verifier{
			Secret:          cfg.Seed.Secrets.OracleHMACSecret,
			MaxSkew:         cfg.Service.HMACClockSkew,
			SignatureHeader: "X-Oracle-Signature",
			TimestampHeader: "X-Oracle-Timestamp",
		},
		metrics: newMetricsRegistry(),
		log:     deps.Log,
	}

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/quote", s.handleQuote)
	mux.HandleFunc("POST /api/v1/remittances", s.handleCreateRemittance)
	mux.HandleFunc("POST /api/v1/remittances/fps", s.handleCreateRemittanceWithFPS)
	mux.HandleFunc("GET /api/v1/remittances/{id}", s.handleGetRemittance)
	mux.Handle("POST /api/v1/remittances/{id}/complete", s.adminHMAC.Middleware(http.HandlerFunc(s.handleCompleteRemittance)))
	mux.Handle("POST /api/v1/remittances/{id}/refund", s.adminHMAC.Middleware(http.HandlerFunc(s.handleRefundRemittance)))
	mux.Handle("POST /api/v1/remittances/complete-all", s.adminHMAC.Middleware(http.HandlerFunc(s.handleCompleteAll)))
	mux.Handle("POST /api/v1/admin/exchange-rate", s.adminHMAC.Middleware(http.HandlerFunc(s.handleSetExchangeRate)))
	mux.Handle("POST /api/v1/admin/fee-bps", s.adminHMAC.Middleware(http.HandlerFunc(s.handleSetFeeBps)))
	mux.HandleFunc("POST /api/v1/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/v1/schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("GET /api/v1/schedules/{id}/quote", s.handleScheduleQuote)
	mux.HandleFunc("POST /api/v1/schedules/{id}/execute", s.handleExecuteSchedule)
	mux.HandleFunc("POST /api/v1/schedules/{id}/cancel", s.handleCancelSchedule)
	mux.Handle("POST /api/v1/callbacks/fps", s.oracleHMAC.Middleware(http.HandlerFunc(s.handleFPSCallback)))
	mux.HandleFunc("POST /api/v1/faucet", s.handleFaucet)
	mux.HandleFunc("POST /api/v1/approve", s.handleApprove)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info("API listening", slog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type quoteResponse struct {
	PHPAmount string `json:"phpAmount"`
	Fee       string `json:"fee"`
	Rate      uint64 `json:"rate"`
}

type createRemittanceRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type remittanceResponse struct {
	ID         uint64 `json:"id"`
	Kind       string `json:"kind"`
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	HKDAmount  string `json:"hkdAmount"`
	PHPAmount  string `json:"phpAmount"`
	Fee        string `json:"fee"`
	LockedRate uint64 `json:"lockedRate"`
	PaymentRef string `json:"paymentRef,omitempty"`
	CreatedAt  string `json:"createdAt"`
	Status     string `json:"status"`
}

func renderRemittance(r *remit.Remittance) remittanceResponse {
	resp := remittanceResponse{
		ID:         r.ID,
		Kind:       r.Kind.String(),
		Sender:     r.Sender.Hex(),
		Recipient:  r.Recipient.Hex(),
		HKDAmount:  money.Format(r.HKDAmount),
		PHPAmount:  money.Format(r.PHPAmount),
		Fee:        money.Format(r.Fee),
		LockedRate: r.LockedRate,
		CreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339),
		Status:     r.Status.String(),
	}
	if r.Kind == remit.KindReferenceOnly {
		resp.PaymentRef = r.PaymentRef.Hex()
	}
	return resp
}

type createScheduleRequest struct {
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	Amount        string `json:"amount"`
	ScheduledDate string `json:"scheduledDate"`
	IsRecurring   bool   `json:"isRecurring"`
	RecurringDay  uint8  `json:"recurringDay"`
}

type scheduleResponse struct {
	ID            uint64 `json:"id"`
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	HKDAmount     string `json:"hkdAmount"`
	VaultShares   string `json:"vaultShares"`
	ScheduledDate string `json:"scheduledDate"`
	CreatedAt     string `json:"createdAt"`
	IsRecurring   bool   `json:"isRecurring"`
	RecurringDay  uint8  `json:"recurringDay,omitempty"`
	Status        string `json:"status"`
}

func renderSchedule(s *schedule.Schedule) scheduleResponse {
	return scheduleResponse{
		ID:            s.ID,
		Sender:        s.Sender.Hex(),
		Recipient:     s.Recipient.Hex(),
		HKDAmount:     money.Format(s.HKDAmount),
		VaultShares:   s.VaultShares.String(),
		ScheduledDate: s.ScheduledDate.UTC().Format(time.RFC3339),
		CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
		IsRecurring:   s.IsRecurring,
		RecurringDay:  s.RecurringDay,
		Status:        s.Status.String(),
	}
}

type scheduleQuoteResponse struct {
	CurrentValue   string `json:"currentValue"`
	EstimatedYield string `json:"estimatedYield"`
	BaseFee        string `json:"baseFee"`
	EffectiveFee   string `json:"effectiveFee"`
	EstimatedPHP   string `json:"estimatedPhp"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	amount, err := money.Parse(r.URL.Query().Get("amount"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	q, err := s.remit.GetQuote(amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, quoteResponse{
		PHPAmount: money.Format(q.PHPAmount),
		Fee:       money.Format(q.Fee),
		Rate:      q.Rate,
	})
}

func (s *Server) handleCreateRemittance(w http.ResponseWriter, r *http.Request) {
	s.createRemittance(w, r, false)
}

func (s *Server) handleCreateRemittanceWithFPS(w http.ResponseWriter, r *http.Request) {
	s.createRemittance(w, r, true)
}

func (s *Server) createRemittance(w http.ResponseWriter, r *http.Request, fps bool) {
	ctx := r.Context()

	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key != "" {
		if fps {
			key = remitFPSKeyPrefix + key
		} else {
			key = remitKeyPrefix + key
		}
		if s.replayCached(ctx, w, key) {
			s.metrics.incRemittance("cached")
			return
		}
	}

	var payload createRemittanceRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	sender, err := parseAddress(payload.Sender, "sender")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	recipient, err := parseAddress(payload.Recipient, "recipient")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := money.Parse(payload.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var rec *remit.Remittance
	if fps {
		if strings.TrimSpace(payload.Reference) == "" {
			s.writeError(w, http.StatusBadRequest, errors.New("reference is required"))
			return
		}
		rec, err = s.remit.CreateRemittanceWithFPS(ctx, sender, recipient, amount, verifier.HashReference(payload.Reference))
	} else {
		rec, err = s.remit.CreateRemittance(ctx, sender, recipient, amount)
	}
	if err != nil {
		s.metrics.incRemittance("failed")
		s.writeEngineError(w, err)
		return
	}

	s.metrics.incRemittance("created")
	s.respondCached(ctx, w, key, http.StatusCreated, renderRemittance(rec))
}

func (s *Server) handleGetRemittance(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.remit.GetRemittance(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, renderRemittance(rec))
}

func (s *Server) handleCompleteRemittance(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.remit.CompleteRemittance(r.Context(), s.owner, id)
	if err != nil {
		s.metrics.incRemittance("complete_failed")
		s.writeEngineError(w, err)
		return
	}
	s.metrics.incRemittance("completed")
	s.writeJSON(w, http.StatusOK, renderRemittance(rec))
}

func (s *Server) handleRefundRemittance(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.remit.RefundRemittance(r.Context(), s.owner, id)
	if err != nil {
		s.metrics.incRemittance("refund_failed")
		s.writeEngineError(w, err)
		return
	}
	s.metrics.incRemittance("refunded")
	s.writeJSON(w, http.StatusOK, renderRemittance(rec))
}

func (s *Server) handleCompleteAll(w http.ResponseWriter, r *http.Request) {
	completed, skipped, err := s.remit.CompleteAllPending(r.Context(), s.owner)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	for range completed {
		s.metrics.incRemittance("completed")
	}
	s.writeJSON(w, http.StatusOK, struct {
		Completed []uint64 `json:"completed"`
		Skipped   []uint64 `json:"skipped"`
	}{Completed: completed, Skipped: skipped})
}

type setRateRequest struct {
	Engine string `json:"engine"`
	Rate   uint64 `json:"rate"`
}

func (s *Server) handleSetExchangeRate(w http.ResponseWriter, r *http.Request) {
	var payload setRateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	var err error
	switch payload.Engine {
	case "remit":
		err = s.remit.SetExchangeRate(s.owner, payload.Rate)
	case "schedule":
		err = s.sched.SetExchangeRate(s.owner, payload.Rate)
	default:
		s.writeError(w, http.StatusBadRequest, errors.New(`engine must be "remit" or "schedule"`))
		return
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"engine": payload.Engine, "rate": payload.Rate})
}

type setFeeRequest struct {
	Engine string `json:"engine"`
	FeeBps uint32 `json:"feeBps"`
}

func (s *Server) handleSetFeeBps(w http.ResponseWriter, r *http.Request) {
	var payload setFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	var err error
	switch payload.Engine {
	case "remit":
		err = s.remit.SetFeeBps(s.owner, payload.FeeBps)
	case "schedule":
		err = s.sched.SetFeeBps(s.owner, payload.FeeBps)
	default:
		s.writeError(w, http.StatusBadRequest, errors.New(`engine must be "remit" or "schedule"`))
		return
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"engine": payload.Engine, "feeBps": payload.FeeBps})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key != "" {
		key = scheduleKeyPrefix + key
		if s.replayCached(ctx, w, key) {
			s.metrics.incSchedule("cached")
			return
		}
	}

	var payload createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	sender, err := parseAddress(payload.Sender, "sender")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	recipient, err := parseAddress(payload.Recipient, "recipient")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := money.Parse(payload.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	date, err := time.Parse(time.RFC3339, payload.ScheduledDate)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("scheduledDate must be RFC3339"))
		return
	}

	rec, err := s.sched.ScheduleRemittance(ctx, sender, recipient, amount, date, payload.IsRecurring, payload.RecurringDay)
	if err != nil {
		s.metrics.incSchedule("failed")
		s.writeEngineError(w, err)
		return
	}

	s.metrics.incSchedule("created")
	s.updateVaultGauges()
	s.respondCached(ctx, w, key, http.StatusCreated, renderSchedule(rec))
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.sched.GetSchedule(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, renderSchedule(rec))
}

func (s *Server) handleScheduleQuote(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	q, err := s.sched.GetScheduleQuote(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scheduleQuoteResponse{
		CurrentValue:   money.Format(q.CurrentValue),
		EstimatedYield: money.Format(q.EstimatedYield),
		BaseFee:        money.Format(q.BaseFee),
		EffectiveFee:   money.Format(q.EffectiveFee),
		EstimatedPHP:   money.Format(q.EstimatedPHP),
	})
}

func (s *Server) handleExecuteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.sched.ExecuteRemittance(r.Context(), id)
	if err != nil {
		s.metrics.incSchedule("execute_failed")
		s.writeEngineError(w, err)
		return
	}
	s.metrics.incSchedule("executed")
	s.updateVaultGauges()
	s.writeJSON(w, http.StatusOK, renderSchedule(rec))
}

type cancelScheduleRequest struct {
	Sender string `json:"sender"`
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload cancelScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	sender, err := parseAddress(payload.Sender, "sender")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.sched.CancelSchedule(r.Context(), sender, id)
	if err != nil {
		s.metrics.incSchedule("cancel_failed")
		s.writeEngineError(w, err)
		return
	}
	s.metrics.incSchedule("cancelled")
	s.updateVaultGauges()
	s.writeJSON(w, http.StatusOK, renderSchedule(rec))
}

type fpsCallbackRequest struct {
	Reference string `json:"reference"`
}

// Idempotency keys are namespaced per endpoint so a client reusing one key
// across endpoints never replays the other endpoint's cached response.
const (
	remitKeyPrefix    = "remit:"
	remitFPSKeyPrefix = "remit-fps:"
	scheduleKeyPrefix = "schedule:"
	fpsKeyPrefix      = "fps:"
)

func (s *Server) handleFPSCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload fpsCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	if strings.TrimSpace(payload.Reference) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("reference is required"))
		return
	}

	key := fpsKeyPrefix + payload.Reference
	if s.replayCached(ctx, w, key) {
		s.metrics.incCallback("cached")
		return
	}

	ref := verifier.HashReference(payload.Reference)
	if err := s.ver.MarkVerified(s.oracle, ref); err != nil {
		s.metrics.incCallback("failed")
		s.writeEngineError(w, err)
		return
	}

	s.metrics.incCallback("verified")
	s.respondCached(ctx, w, key, http.StatusOK, map[string]any{
		"reference":  payload.Reference,
		"paymentRef": ref.Hex(),
		"verified":   true,
	})
}

type faucetRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var payload faucetRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	addr, err := parseAddress(payload.Address, "address")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := s.hkdr.Faucet(addr)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.Hex(),
		"amount":  money.Format(amount),
		"balance": money.Format(s.hkdr.BalanceOf(addr)),
	})
}

type approveRequest struct {
	Address string `json:"address"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

// handleApprove grants an HKDR allowance to one of the engines. The spender
// is named symbolically ("remit" or "schedule") because the engine escrow
// addresses are derived server-side.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var payload approveRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	addr, err := parseAddress(payload.Address, "address")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := money.Parse(payload.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var spender common.Address
	switch payload.Spender {
	case "remit":
		spender = s.remit.Address()
	case "schedule":
		spender = s.sched.Address()
	default:
		s.writeError(w, http.StatusBadRequest, errors.New("spender must be \"remit\" or \"schedule\""))
		return
	}

	if err := s.hkdr.Approve(addr, spender, amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address":   addr.Hex(),
		"spender":   spender.Hex(),
		"allowance": money.Format(s.hkdr.Allowance(addr, spender)),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	type entry struct {
		Name   string       `json:"name"`
		Fields events.Event `json:"fields"`
	}
	var out []entry
	if s.sink != nil {
		for _, e := range s.sink.Tail(n) {
			out = append(out, entry{Name: e.Name(), Fields: e})
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	shares, assets := s.vlt.Totals()
	s.metrics.setVaultTotals(shares, assets)

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, struct {
		Status   string `json:"status"`
		Database any    `json:"database"`
		Vault    any    `json:"vault"`
	}{
		Status:   status,
		Database: dbInfo,
		Vault: map[string]string{
			"totalShares": shares.String(),
			"totalAssets": money.Format(assets),
		},
	})
}

// replayCached writes the stored response for key if one exists.
func (s *Server) replayCached(ctx context.Context, w http.ResponseWriter, key string) bool {
	if s.store == nil || key == "" {
		return false
	}
	existing, _ := s.store.Get(ctx, key)
	if existing == nil {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(existing.StatusCode)
	_, _ = w.Write(existing.Response)
	return true
}

// respondCached writes the response and, when key is set, records it for
// idempotent replay.
func (s *Server) respondCached(ctx context.Context, w http.ResponseWriter, key string, status int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.store != nil && key != "" {
		_ = s.store.Save(ctx, key, idempotency.Record{
			StatusCode: status,
			Response:   b,
			CreatedAt:  time.Now(),
			ExpiresAt:  time.Now().Add(s.cfg.Service.IdempotencyWindow),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func (s *Server) updateVaultGauges() {
	shares, assets := s.vlt.Totals()
	s.metrics.setVaultTotals(shares, assets)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeEngineError maps engine sentinel errors onto HTTP statuses so clients
// see a distinguishable cause for every rejection.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, remit.ErrRemittanceNotFound),
		errors.Is(err, schedule.ErrScheduleNotFound):
		return http.StatusNotFound
	case errors.Is(err, remit.ErrNotOwner),
		errors.Is(err, schedule.ErrNotOwner),
		errors.Is(err, schedule.ErrNotSender),
		errors.Is(err, verifier.ErrNotOracle):
		return http.StatusForbidden
	case errors.Is(err, remit.ErrRemittanceNotPending),
		errors.Is(err, remit.ErrNotCustodied),
		errors.Is(err, remit.ErrPaymentNotVerified),
		errors.Is(err, schedule.ErrAlreadyExecutedOrCancelled),
		errors.Is(err, schedule.ErrTooEarly):
		return http.StatusConflict
	case errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, token.ErrFaucetCooldown):
		return http.StatusUnprocessableEntity
	case errors.Is(err, remit.ErrZeroAddress),
		errors.Is(err, remit.ErrZeroAmount),
		errors.Is(err, remit.ErrZeroReference),
		errors.Is(err, remit.ErrInvalidRate),
		errors.Is(err, remit.ErrInvalidFee),
		errors.Is(err, schedule.ErrZeroAddress),
		errors.Is(err, schedule.ErrZeroAmount),
		errors.Is(err, schedule.ErrInvalidDate),
		errors.Is(err, schedule.ErrInvalidDay),
		errors.Is(err, schedule.ErrInvalidRate),
		errors.Is(err, schedule.ErrInvalidFee),
		errors.Is(err, verifier.ErrZeroRef),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, token.ErrZeroAddress):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func parseAddress(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.New(field + " must be a hex address")
	}
	return common.HexToAddress(s), nil
}

func parseID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", uuid.NewString())
		}
		next.ServeHTTP(w, r)
	})
}
