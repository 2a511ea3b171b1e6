package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crashd/internal/config"
	"crashd/internal/fair"
	"crashd/internal/ledger"
	"crashd/internal/round"
	"crashd/internal/store"
	"crashd/internal/ws"
)

type fixedPrices struct{}

func (fixedPrices) ConvertUSDToCrypto(_ context.Context, usd decimal.Decimal, _ string) (decimal.Decimal, decimal.Decimal, error) {
	price := decimal.RequireFromString("50000")
	return usd.Div(price), price, nil
}

func (fixedPrices) ConvertCryptoToUSD(_ context.Context, amount decimal.Decimal, _ string) (decimal.Decimal, decimal.Decimal, error) {
	price := decimal.RequireFromString("50000")
	return amount.Mul(price), price, nil
}

type testEnv struct {
	srv    *httptest.Server
	store  *store.Memory
	engine *round.Engine
	users  []store.User
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	users, err := store.SeedDemoUsers(context.Background(), mem)
	if err != nil {
		t.Fatalf("seed users: %v", err)
	}

	cfg := round.Config{
		BetWindow:    time.Second,
		PlayWindow:   500 * time.Millisecond,
		TickInterval: 20 * time.Millisecond,
		MaxCrash:     3,
	}
	hub := ws.NewHub(nil, nil)
	engine, err := round.NewEngine(cfg, mem, hub, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ledgerSvc := ledger.NewService(mem, fixedPrices{}, engine, hub, nil)

	apiCfg := config.APIConfig{Addr: ":0", MaxCrash: cfg.MaxCrash}
	server := New(apiCfg, nil, ledgerSvc, engine, mem, hub)
	srv := httptest.NewServer(server.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &testEnv{srv: srv, store: mem, engine: engine, users: users, cancel: cancel}
}

// waitPhase blocks until the active round reaches the given phase and
// returns its number.
func (e *testEnv) waitPhase(t *testing.T, phase store.Phase) int64 {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := e.engine.Snapshot(); ok && snap.Round.Phase == phase {
			return snap.Round.Number
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("round never reached phase %s", phase)
	return 0
}

func (e *testEnv) postJSON(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (e *testEnv) getJSON(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func (e *testEnv) demoUserID(t *testing.T, username string) string {
	t.Helper()
	for _, u := range e.users {
		if u.Username == username {
			return u.ID
		}
	}
	t.Fatalf("demo user %s not seeded", username)
	return ""
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.getJSON(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestBetLifecycle(t *testing.T) {
	env := newTestEnv(t)
	userID := env.demoUserID(t, "alice")
	number := env.waitPhase(t, store.PhasePending)

	payload := fmt.Sprintf(`{"user_id":%q,"round_number":%d,"usd_amount":"50","currency":"BTC"}`, userID, number)
	resp, body := env.postJSON(t, "/v1/bet", payload)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("bet status = %d, body %v", resp.StatusCode, body)
	}
	tx := body["transaction"].(map[string]any)
	if tx["kind"] != "bet" || tx["currency"] != "BTC" {
		t.Fatalf("transaction = %v", tx)
	}

	// The same bet again conflicts.
	resp, _ = env.postJSON(t, "/v1/bet", payload)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate bet status = %d, want 409", resp.StatusCode)
	}
}

func TestBetUnknownUserMapsToNotFound(t *testing.T) {
	env := newTestEnv(t)
	number := env.waitPhase(t, store.PhasePending)
	payload := fmt.Sprintf(`{"user_id":"44444444-4444-4444-4444-444444444444","round_number":%d,"usd_amount":"50","currency":"BTC"}`, number)
	resp, _ := env.postJSON(t, "/v1/bet", payload)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWalletEndpoint(t *testing.T) {
	env := newTestEnv(t)
	userID := env.demoUserID(t, "bob")

	resp, body := env.getJSON(t, "/v1/wallet/"+userID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["user_id"] != userID {
		t.Fatalf("user_id = %v", body["user_id"])
	}

	resp, _ = env.getJSON(t, "/v1/wallet/55555555-5555-5555-5555-555555555555")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown wallet status = %d, want 404", resp.StatusCode)
	}
}

func TestRoundViewHidesSeedUntilCrash(t *testing.T) {
	env := newTestEnv(t)
	number := env.waitPhase(t, store.PhasePending)

	resp, body := env.getJSON(t, "/v1/rounds/current")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, leaked := body["seed"]; leaked {
		t.Fatal("seed exposed before the crash reveal")
	}
	if body["commitment"] == "" {
		t.Fatal("commitment missing from the public round view")
	}

	// Wait for this round to finish, then the stored view must reveal it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		r, err := env.store.FindRoundByNumber(context.Background(), number)
		if err == nil && r.Phase == store.PhaseCrashed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("round never crashed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	resp, body = env.getJSON(t, fmt.Sprintf("/v1/rounds/%d", number))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	seed, _ := body["seed"].(string)
	commitment, _ := body["commitment"].(string)
	if seed == "" || !fair.Verify(seed, commitment) {
		t.Fatalf("revealed seed %q does not verify against %q", seed, commitment)
	}
	if _, ok := body["crash_point"]; !ok {
		t.Fatal("crash point missing after reveal")
	}
}

func TestVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seed, err := fair.GenerateSeed()
	if err != nil {
		t.Fatalf("generate seed: %v", err)
	}
	commitment := fair.Commit(seed)

	resp, body := env.getJSON(t, "/v1/verify?seed="+seed+"&commitment="+commitment+"&round_number=12")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["valid"] != true {
		t.Fatalf("valid = %v", body["valid"])
	}
	want := fair.CrashPoint(seed, 12, 3)
	if got := body["crash_point"].(float64); got != want {
		t.Fatalf("crash_point = %v, want %v", got, want)
	}

	resp, body = env.getJSON(t, "/v1/verify?seed="+seed+"&commitment=deadbeef")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["valid"] != false {
		t.Fatalf("forged commitment verified: %v", body)
	}
}

func TestUnknownRound(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.getJSON(t, "/v1/rounds/9999")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp, _ = env.getJSON(t, "/v1/rounds/zero")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
