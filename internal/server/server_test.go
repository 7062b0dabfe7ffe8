package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

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

type testWorld struct {
	srv  *Server
	hkdr *token.Ledger
	phpc *token.Ledger

	owner     common.Address
	oracle    common.Address
	treasury  common.Address
	sender    common.Address
	recipient common.Address
}

func newTestWorld(t *testing.T) *testWorld {
	t.Helper()

	cfg := &config.AppConfig{}
	cfg.Seed.Secrets.AdminHMACSecret = "admin-secret"
	cfg.Seed.Secrets.OracleHMACSecret = "oracle-secret"
	cfg.Service = config.ServiceConfig{
		HTTPPort:          0,
		HMACClockSkew:     time.Minute,
		IdempotencyWindow: time.Minute,
	}

	w := &testWorld{
		hkdr:      token.NewLedger("HKDR"),
		phpc:      token.NewLedger("PHPC"),
		owner:     token.AddressFor("owner"),
		oracle:    token.AddressFor("oracle"),
		treasury:  token.AddressFor("treasury"),
		sender:    token.AddressFor("alice"),
		recipient: token.AddressFor("bobby"),
	}

	remitAddr := token.AddressFor("remit-engine")
	schedAddr := token.AddressFor("schedule-engine")
	vaultAddr := token.AddressFor("yield-vault")
	w.phpc.AddMinter(remitAddr)
	w.phpc.AddMinter(schedAddr)

	vlt := vault.New(w.hkdr, vaultAddr)
	ver := verifier.New(w.oracle)
	sink := events.NewMemorySink()

	remitEngine, err := remit.New(remit.Config{
		HKDR:         w.hkdr,
		PHPC:         w.phpc,
		Verifier:     ver,
		Events:       sink,
		Address:      remitAddr,
		Owner:        w.owner,
		ExchangeRate: 7_350_000,
		FeeBps:       70,
	})
	if err != nil {
		t.Fatalf("remit engine: %v", err)
	}
	schedEngine, err := schedule.New(schedule.Config{
		HKDR:         w.hkdr,
		PHPC:         w.phpc,
		Vault:        vlt,
		Events:       sink,
		Address:      schedAddr,
		Owner:        w.owner,
		Treasury:     w.treasury,
		ExchangeRate: 7_350_000,
		FeeBps:       70,
	})
	if err != nil {
		t.Fatalf("schedule engine: %v", err)
	}

	w.srv = NewServer(cfg, Deps{
		HKDR:     w.hkdr,
		PHPC:     w.phpc,
		Vault:    vlt,
		Verifier: ver,
		Remit:    remitEngine,
		Schedule: schedEngine,
		Events:   sink,
		Store:    idempotency.NewMemoryStore(),
		Owner:    w.owner,
		Oracle:   w.oracle,
	})
	return w
}

func (w *testWorld) fund(t *testing.T, addr common.Address, spender common.Address, amount string) {
	t.Helper()
	if _, err := w.hkdr.Faucet(addr); err != nil {
		t.Fatalf("faucet: %v", err)
	}
	amt, err := money.Parse(amount)
	if err != nil {
		t.Fatalf("parse amount: %v", err)
	}
	if err := w.hkdr.Approve(addr, spender, amt); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func (w *testWorld) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	w.srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func adminSigned(req *http.Request, body []byte) *http.Request {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Request-Signature", hmacauth.Sign("admin-secret", ts, body))
	return req
}

func oracleSigned(req *http.Request, body []byte) *http.Request {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Oracle-Timestamp", ts)
	req.Header.Set("X-Oracle-Signature", hmacauth.Sign("oracle-secret", ts, body))
	return req
}

func TestRemittanceLifecycle(t *testing.T) {
	w := newTestWorld(t)
	w.fund(t, w.sender, w.srv.remit.Address(), "1000")

	body, _ := json.Marshal(createRemittanceRequest{
		Sender:    w.sender.Hex(),
		Recipient: w.recipient.Hex(),
		Amount:    "1000",
	})
	rec := w.do(httptest.NewRequest(http.MethodPost, "/api/v1/remittances", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	var created remittanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != "pending" {
		t.Fatalf("expected pending got %s", created.Status)
	}
	if created.Fee != "7" || created.PHPAmount != "7298.55" {
		t.Fatalf("unexpected quote: fee %s php %s", created.Fee, created.PHPAmount)
	}

	rec = w.do(adminSigned(httptest.NewRequest(http.MethodPost, "/api/v1/remittances/0/complete", nil), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	want, _ := money.Parse("7298.55")
	if got := w.phpc.BalanceOf(w.recipient); got.Cmp(want) != 0 {
		t.Fatalf("recipient balance: got %s want %s", money.Format(got), "7298.55")
	}

	// terminal: a second complete must be rejected
	rec = w.do(adminSigned(httptest.NewRequest(http.MethodPost, "/api/v1/remittances/0/complete", nil), nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("double complete: expected 409 got %d", rec.Code)
	}
}

func TestCreateRemittanceIdempotency(t *testing.T) {
	w := newTestWorld(t)
	w.fund(t, w.sender, w.srv.remit.Address(), "2000")

	body, _ := json.Marshal(createRemittanceRequest{
		Sender:    w.sender.Hex(),
		Recipient: w.recipient.Hex(),
		Amount:    "500",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/remittances", bytes.NewReader(body))
	req.Header.Set("X-Idempotency-Key", "key-1")
	rec := w.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}
	first := rec.Body.Bytes()

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/remittances", bytes.NewReader(body))
	req2.Header.Set("X-Idempotency-Key", "key-1")
	rec2 := w.do(req2)
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected cached 201 got %d", rec2.Code)
	}
	if !bytes.Equal(first, rec2.Body.Bytes()) {
		t.Fatalf("expected same response body on idempotent request")
	}

	// only one escrow pull happened
	spent, _ := money.Parse("500")
	faucet, _ := money.Parse("10000")
	wantLeft := faucet.Sub(faucet, spent)
	if got := w.hkdr.BalanceOf(w.sender); got.Cmp(wantLeft) != 0 {
		t.Fatalf("sender balance: got %s", money.Format(got))
	}
}

func TestAdminEndpointsRequireSignature(t *testing.T) {
	w := newTestWorld(t)

	rec := w.do(httptest.NewRequest(http.MethodPost, "/api/v1/remittances/0/complete", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}

	body, _ := json.Marshal(setRateRequest{Engine: "remit", Rate: 8_000_000})
	rec = w.do(httptest.NewRequest(http.MethodPost, "/api/v1/admin/exchange-rate", bytes.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestFPSRemittanceGatedOnVerification(t *testing.T) {
	w := newTestWorld(t)

	body, _ := json.Marshal(createRemittanceRequest{
		Sender:    w.sender.Hex(),
		Recipient: w.recipient.Hex(),
		Amount:    "1000",
		Reference: "FPS-2026-000123",
	})
	rec := w.do(httptest.NewRequest(http.MethodPost, "/api/v1/remittances/fps", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create fps: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	// completion is blocked until the oracle confirms the bank transfer
	rec = w.do(adminSigned(httptest.NewRequest(http.MethodPost, "/api/v1/remittances/0/complete", nil), nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("unverified complete: expected 409 got %d", rec.Code)
	}

	cb, _ := json.Marshal(fpsCallbackRequest{Reference: "FPS-2026-000123"})
	rec = w.do(oracleSigned(httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/fps", bytes.NewReader(cb)), cb))
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = w.do(adminSigned(httptest.NewRequest(http.MethodPost, "/api/v1/remittances/0/complete", nil), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("verified complete: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	// reference-only records never escrowed funds, so refunds are rejected
	rec = w.do(adminSigned(httptest.NewRequest(http.MethodPost, "/api/v1/remittances/0/refund", nil), nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("fps refund: expected 409 got %d", rec.Code)
	}
}

func TestFPSCallbackIdempotency(t *testing.T) {
	w := newTestWorld(t)

	cb, _ := json.Marshal(fpsCallbackRequest{Reference: "FPS-REPLAY-1"})
	rec := w.do(oracleSigned(httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/fps", bytes.NewReader(cb)), cb))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	first := rec.Body.Bytes()

	rec2 := w.do(oracleSigned(httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/fps", bytes.NewReader(cb)), cb))
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected cached 200 got %d", rec2.Code)
	}
	if !bytes.Equal(first, rec2.Body.Bytes()) {
		t.Fatalf("expected same response body on replayed callback")
	}
}

func TestScheduleLifecycle(t *testing.T) {
	w := newTestWorld(t)
	w.fund(t, w.sender, w.srv.sched.Address(), "1000")

	body, _ := json.Marshal(createScheduleRequest{
		Sender:        w.sender.Hex(),
		Recipient:     w.recipient.Hex(),
		Amount:        "1000",
		ScheduledDate: time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
	})
	rec := w.do(httptest.NewRequest(http.MethodPost, "/api/v1/schedules", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	var created scheduleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != "scheduled" {
		t.Fatalf("expected scheduled got %s", created.Status)
	}
	if created.VaultShares == "0" {
		t.Fatalf("expected vault shares to be minted")
	}

	rec = w.do(httptest.NewRequest(http.MethodGet, "/api/v1/schedules/0/quote", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("quote: expected 200 got %d", rec.Code)
	}
	var q scheduleQuoteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &q); err != nil {
		t.Fatalf("decode quote: %v", err)
	}
	if q.CurrentValue != "1000" || q.EstimatedPHP != "7298.55" {
		t.Fatalf("unexpected quote: value %s php %s", q.CurrentValue, q.EstimatedPHP)
	}

	// keeper fires before the scheduled date
	rec = w.do(httptest.NewRequest(http.MethodPost, "/api/v1/schedules/0/execute", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("early execute: expected 409 got %d", rec.Code)
	}

	cancelBody, _ := json.Marshal(cancelScheduleRequest{Sender: w.sender.Hex()})
	rec = w.do(httptest.NewRequest(http.MethodPost, "/api/v1/schedules/0/cancel", bytes.NewReader(cancelBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	faucet, _ := money.Parse("10000")
	if got := w.hkdr.BalanceOf(w.sender); got.Cmp(faucet) != 0 {
		t.Fatalf("cancel should return principal: got %s", money.Format(got))
	}
}

func TestScheduleCancelRequiresSender(t *testing.T) {
	w := newTestWorld(t)
	w.fund(t, w.sender, w.srv.sched.Address(), "100")

	body, _ := json.Marshal(createScheduleRequest{
		Sender:        w.sender.Hex(),
		Recipient:     w.recipient.Hex(),
		Amount:        "100",
		ScheduledDate: time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	if rec := w.do(httptest.NewRequest(http.MethodPost, "/api/v1/schedules", bytes.NewReader(body))); rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201 got %d", rec.Code)
	}

	cancelBody, _ := json.Marshal(cancelScheduleRequest{Sender: w.recipient.Hex()})
	rec := w.do(httptest.NewRequest(http.MethodPost, "/api/v1/schedules/0/cancel", bytes.NewReader(cancelBody)))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
}

func TestFaucetCooldown(t *testing.T) {
	w := newTestWorld(t)

	body, _ := json.Marshal(faucetRequest{Address: w.sender.Hex()})
	rec := w.do(httptest.NewRequest(http.MethodPost, "/api/v1/faucet", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}

	rec = w.do(httptest.NewRequest(http.MethodPost, "/api/v1/faucet", bytes.NewReader(body)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on cooldown got %d", rec.Code)
	}
}

func TestQuoteEndpoint(t *testing.T) {
	w := newTestWorld(t)

	rec := w.do(httptest.NewRequest(http.MethodGet, "/api/v1/quote?amount=1000", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var q quoteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &q); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if q.Fee != "7" || q.PHPAmount != "7298.55" || q.Rate != 7_350_000 {
		t.Fatalf("unexpected quote: %+v", q)
	}

	rec = w.do(httptest.NewRequest(http.MethodGet, "/api/v1/quote?amount=banana", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestAdminSetExchangeRate(t *testing.T) {
	w := newTestWorld(t)

	body, _ := json.Marshal(setRateRequest{Engine: "remit", Rate: 8_000_000})
	rec := w.do(adminSigned(httptest.NewRequest(http.MethodPost, "/api/v1/admin/exchange-rate", bytes.NewReader(body)), body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if got := w.srv.remit.ExchangeRate(); got != 8_000_000 {
		t.Fatalf("rate not applied: %d", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	w := newTestWorld(t)

	rec := w.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" {
		t.Fatalf("expected healthy got %s", resp.Status)
	}
}

func TestApproveRouteEnablesCustodiedCreate(t *testing.T) {
	w := newTestWorld(t)

	// everything over HTTP: faucet, then approve, then create
	faucetBody, _ := json.Marshal(faucetRequest{Address: w.sender.Hex()})
	rec := w.do(httptest.NewRequest(http.MethodPost, "/api/v1/faucet", bytes.NewReader(faucetBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("faucet: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	createBody, _ := json.Marshal(createRemittanceRequest{
		Sender:    w.sender.Hex(),
		Recipient: w.recipient.Hex(),
		Amount:    "1000",
	})
	rec = w.do(httptest.NewRequest(http.MethodPost, "/api/v1/remittances", bytes.NewReader(createBody)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("create without allowance: expected 422 got %d: %s", rec.Code, rec.Body.String())
	}

	approveBody, _ := json.Marshal(approveRequest{
		Address: w.sender.Hex(),
		Spender: "remit",
		Amount:  "1000",
	})
	rec = w.do(httptest.NewRequest(http.MethodPost, "/api/v1/approve", bytes.NewReader(approveBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var approved struct {
		Spender   string `json:"spender"`
		Allowance string `json:"allowance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &approved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if approved.Spender != w.srv.remit.Address().Hex() || approved.Allowance != "1000" {
		t.Fatalf("unexpected approval: %+v", approved)
	}

	rec = w.do(httptest.NewRequest(http.MethodPost, "/api/v1/remittances", bytes.NewReader(createBody)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create after approve: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestApproveRouteRejectsUnknownSpender(t *testing.T) {
	w := newTestWorld(t)

	body, _ := json.Marshal(approveRequest{Address: w.sender.Hex(), Spender: "vault", Amount: "10"})
	rec := w.do(httptest.NewRequest(http.MethodPost, "/api/v1/approve", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestIdempotencyKeysScopedPerEndpoint(t *testing.T) {
	w := newTestWorld(t)
	w.fund(t, w.sender, w.srv.remit.Address(), "1000")
	w.fund(t, w.recipient, w.srv.sched.Address(), "1000")

	remitBody, _ := json.Marshal(createRemittanceRequest{
		Sender:    w.sender.Hex(),
		Recipient: w.recipient.Hex(),
		Amount:    "1000",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/remittances", bytes.NewReader(remitBody))
	req.Header.Set("X-Idempotency-Key", "shared-key")
	rec := w.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("remittance create: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	// same key on the schedule endpoint must not replay the remittance response
	schedBody, _ := json.Marshal(createScheduleRequest{
		Sender:        w.recipient.Hex(),
		Recipient:     w.sender.Hex(),
		Amount:        "1000",
		ScheduledDate: time.Now().Add(24 * time.Hour).Format(time.RFC3339),
	})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/schedules", bytes.NewReader(schedBody))
	req.Header.Set("X-Idempotency-Key", "shared-key")
	rec = w.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("schedule create: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var sched scheduleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sched.Status != "scheduled" {
		t.Fatalf("expected a fresh schedule, got status %q", sched.Status)
	}
	if sched.Sender != w.recipient.Hex() {
		t.Fatalf("schedule sender = %s, want %s", sched.Sender, w.recipient.Hex())
	}
}
