package flowd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"

	"rootbot/assets"
	"rootbot/crypto"
	"rootbot/flow"
	"rootbot/ledger"
	"rootbot/ledger/evm"
	"rootbot/ledger/ledgertest"
	"rootbot/session"
	"rootbot/settlement"
	"rootbot/wallet"
)

type harness struct {
	server *Server
	gw     *ledgertest.Gateway
	hub    *Hub
	wallet *wallet.Keystore
}

func newHarness(t *testing.T, opts ...ServerOption) *harness {
	t.Helper()
	ks, err := wallet.Open(filepath.Join(t.TempDir(), "wallets.db"), "passphrase",
		wallet.WithScrypt(crypto.LightScryptN, crypto.LightScryptP))
	if err != nil {
		t.Fatalf("open wallet: %v", err)
	}
	t.Cleanup(func() { _ = ks.Close() })

	gw := ledgertest.New()
	hub := NewHub(nil)
	tracker, err := settlement.NewTracker(gw, ks,
		settlement.WithNotifier(hub),
		settlement.WithMetrics(nil),
		settlement.WithFinalityTimeout(time.Second))
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	t.Cleanup(func() { _ = tracker.Shutdown(context.Background()) })

	reg := assets.Default()
	router, err := flow.NewRouter(flow.Dependencies{
		Store:    session.NewStore(session.WithMetrics(nil)),
		Registry: reg,
		Gateway:  gw,
		Calls:    evm.NewCalls(reg, common.Address{}, common.Address{}),
		Wallets:  ks,
		Executor: tracker,
	}, flow.WithMetrics(nil))
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return &harness{server: NewServer(router, ks, hub, opts...), gw: gw, hub: hub, wallet: ks}
}

func (h *harness) do(t *testing.T, method, path string, body any, header ...string) (int, eventResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	var resp eventResponse
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, resp
}

func (h *harness) event(t *testing.T, userID, flowName, text string) (int, eventResponse) {
	t.Helper()
	return h.do(t, http.MethodPost, "/v1/users/"+userID+"/events", eventRequest{Flow: flowName, Text: text})
}

func (h *harness) createWallet(t *testing.T, userID string) walletResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/users/"+userID+"/wallet", nil)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create wallet: status %d body %s", rec.Code, rec.Body.String())
	}
	var out walletResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode wallet: %v", err)
	}
	return out
}

func TestWalletLifecycle(t *testing.T) {
	h := newHarness(t)
	created := h.createWallet(t, "alice")
	if !crypto.IsValidAddress(created.Address) {
		t.Fatalf("invalid address %q", created.Address)
	}
	if words := strings.Fields(created.Mnemonic); len(words) != 24 {
		t.Fatalf("expected 24 word phrase, got %d", len(words))
	}

	if code, resp := h.do(t, http.MethodPost, "/v1/users/alice/wallet", nil); code != http.StatusConflict || resp.Code != "wallet_exists" {
		t.Fatalf("expected conflict, got %d %+v", code, resp)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/users/alice/wallet", nil)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	var got walletResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("get wallet: %d %v", rec.Code, err)
	}
	if got.Address != created.Address || got.Mnemonic != "" {
		t.Fatalf("unexpected wallet %+v", got)
	}

	code, _ := h.do(t, http.MethodPost, "/v1/users/bob/wallet", walletRequest{Mnemonic: created.Mnemonic})
	if code != http.StatusCreated {
		t.Fatalf("import: status %d", code)
	}
	addr, err := h.wallet.Address(context.Background(), "bob")
	if err != nil || addr.Hex() != created.Address {
		t.Fatalf("imported address %s, want %s (%v)", addr.Hex(), created.Address, err)
	}

	if code, resp := h.do(t, http.MethodGet, "/v1/users/carol/wallet", nil); code != http.StatusNotFound || resp.Code != "no_wallet" {
		t.Fatalf("expected missing wallet, got %d %+v", code, resp)
	}
	if code, resp := h.do(t, http.MethodPost, "/v1/users/carol/wallet", walletRequest{Mnemonic: "not a phrase"}); code != http.StatusBadRequest || resp.Code != "invalid_mnemonic" {
		t.Fatalf("expected invalid mnemonic, got %d %+v", code, resp)
	}
}

func TestEventErrorsMapToStatus(t *testing.T) {
	h := newHarness(t)
	if code, resp := h.event(t, "alice", "send", ""); code != http.StatusConflict || resp.Code != "no_wallet" {
		t.Fatalf("expected no_wallet, got %d %+v", code, resp)
	}
	if code, resp := h.event(t, "alice", "", "hello"); code != http.StatusNotFound || resp.Code != "session_expired" {
		t.Fatalf("expected session_expired, got %d %+v", code, resp)
	}
	if code, resp := h.event(t, "alice", "lend", ""); code != http.StatusBadRequest || resp.Code != "unknown_flow" {
		t.Fatalf("expected unknown_flow, got %d %+v", code, resp)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/users/alice/events", strings.NewReader(`{"flow":"send","extra":1}`))
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for unknown field, got %d", rec.Code)
	}
}

func TestSendOverHTTP(t *testing.T) {
	h := newHarness(t)
	created := h.createWallet(t, "alice")
	owner := common.HexToAddress(created.Address)
	h.gw.SetBalance(owner, 1, 3_000_000)
	h.gw.SetFee(ledger.ShapeTransfer, 2_000)

	code, resp := h.event(t, "alice", "send", "")
	if code != http.StatusOK || resp.Type != "prompt" || resp.Step != string(session.StepSelectAsset) {
		t.Fatalf("unexpected start %d %+v", code, resp)
	}
	h.event(t, "alice", "", "ROOT")
	h.event(t, "alice", "", "0x00000000000000000000000000000000000000aA")

	code, resp = h.event(t, "alice", "", "lots")
	if code != http.StatusOK || resp.Code != "invalid_amount" || resp.Step != string(session.StepEnterAmount) {
		t.Fatalf("expected invalid amount prompt, got %d %+v", code, resp)
	}

	code, resp = h.event(t, "alice", "", "3")
	if code != http.StatusOK || resp.Code != "insufficient_balance" || resp.Shortfall == nil {
		t.Fatalf("expected shortfall, got %d %+v", code, resp)
	}
	if resp.Shortfall.Shortfall != "0.002000" || resp.Shortfall.Asset != "ROOT" {
		t.Fatalf("unexpected shortfall %+v", resp.Shortfall)
	}

	_, resp = h.event(t, "alice", "", "1.5")
	if resp.Summary == nil || resp.Summary.Amount != "1.500000" || resp.Summary.Fee != "0.002000" {
		t.Fatalf("unexpected summary %+v", resp.Summary)
	}

	code, resp = h.event(t, "alice", "", "confirm")
	if code != http.StatusOK || resp.Type != "result" || resp.Result == nil || resp.Result.Outcome != "executed" {
		t.Fatalf("unexpected result %d %+v", code, resp)
	}
	subs := h.gw.Submissions()
	if len(subs) != 1 || resp.Result.TxID != subs[0].Hash().Hex() {
		t.Fatalf("unexpected submissions %d / %+v", len(subs), resp.Result)
	}

	if code, resp := h.event(t, "alice", "", "confirm"); code != http.StatusNotFound || resp.Code != "session_expired" {
		t.Fatalf("second confirm must find no session, got %d %+v", code, resp)
	}
}

func TestAuthenticatorRequiresValidToken(t *testing.T) {
	secret := "top-secret"
	h := newHarness(t, WithAuthenticator(NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: secret,
		Issuer:     "rootbot-chat",
	}, nil)))

	sign := func(key, issuer string) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iss": issuer,
			"exp": time.Now().Add(time.Minute).Unix(),
		}).SignedString([]byte(key))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return token
	}

	if code, _ := h.do(t, http.MethodGet, "/v1/users/alice/wallet", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code, _ := h.do(t, http.MethodGet, "/v1/users/alice/wallet", nil, "Authorization", "Bearer "+sign("wrong", "rootbot-chat")); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", code)
	}
	if code, _ := h.do(t, http.MethodGet, "/v1/users/alice/wallet", nil, "Authorization", "Bearer "+sign(secret, "someone-else")); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong issuer, got %d", code)
	}
	if code, _ := h.do(t, http.MethodGet, "/v1/users/alice/wallet", nil, "Authorization", "Bearer "+sign(secret, "rootbot-chat")); code != http.StatusNotFound {
		t.Fatalf("expected authenticated request to reach handler, got %d", code)
	}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", rec.Code)
	}
}

func TestRateLimitPerUser(t *testing.T) {
	h := newHarness(t, WithRateLimiter(NewRateLimiter(1, 1)))
	if code, _ := h.event(t, "alice", "", "x"); code != http.StatusNotFound {
		t.Fatalf("first event should pass, got %d", code)
	}
	if code, resp := h.event(t, "alice", "", "x"); code != http.StatusTooManyRequests || resp.Code != "rate_limited" {
		t.Fatalf("second event should be throttled, got %d", code)
	}
	if code, _ := h.event(t, "bob", "", "x"); code != http.StatusNotFound {
		t.Fatalf("other users are unaffected, got %d", code)
	}
}

func TestRateLimiterPrune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewRateLimiter(60, 1)
	l.clock = func() time.Time { return now }
	l.Allow("alice")
	now = now.Add(time.Hour)
	l.Allow("bob")
	if removed := l.Prune(time.Minute); removed != 1 {
		t.Fatalf("expected one idle visitor pruned, got %d", removed)
	}
}

func TestNotificationStream(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/users/alice/notifications", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for h.hub.Subscribers("alice") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	txID := common.HexToHash("0xabc")
	h.hub.Notify(ctx, settlement.Notification{UserID: "bob", TxID: common.HexToHash("0x1"), Status: ledger.FinalityFinalized})
	h.hub.Notify(ctx, settlement.Notification{
		ID:     "n-1",
		UserID: "alice",
		TxID:   txID,
		Block:  ledger.BlockRef{Number: 42},
		Status: ledger.FinalityFinalized,
		At:     time.Unix(1_700_000_000, 0),
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got notificationPayload
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "n-1" || got.TxID != txID.Hex() || got.Block != 42 || got.Status != "finalized" {
		t.Fatalf("unexpected notification %+v", got)
	}
}

func TestHubUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe("alice")
	if hub.Subscribers("alice") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	if hub.Subscribers("alice") != 0 {
		t.Fatalf("subscriber not removed")
	}
	hub.Notify(context.Background(), settlement.Notification{UserID: "alice"})
}
