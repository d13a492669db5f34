package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/oauth-rotor/internal/auth/exchange"
	"github.com/pysugar/oauth-rotor/internal/manager"
	"github.com/pysugar/oauth-rotor/internal/ratelimit"
	"github.com/pysugar/oauth-rotor/internal/refreshqueue"
	"github.com/pysugar/oauth-rotor/internal/store"
)

type stubExchanger struct{}

func (stubExchanger) Refresh(ctx context.Context, refreshToken string) (*exchange.TokenSet, error) {
	return nil, errors.New("no token endpoint in tests")
}

func newTestRouter(t *testing.T, accounts ...store.Account) (*chi.Mux, *manager.Manager) {
	t.Helper()
	st := store.NewAt(filepath.Join(t.TempDir(), "accounts.json"))
	if len(accounts) > 0 {
		if err := st.Save(func(s *store.Storage) error {
			s.Accounts = accounts
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	mgr := manager.New(st, stubExchanger{})
	if err := mgr.LoadFromDisk(); err != nil {
		t.Fatal(err)
	}
	tracker := ratelimit.NewTracker(mgr, nil)
	queue := refreshqueue.New(10*time.Minute, time.Millisecond)

	r := chi.NewRouter()
	r.Get("/accounts", AccountsHandler(mgr, tracker))
	r.Post("/accounts", AddAccountHandler(mgr))
	r.Post("/accounts/{index}/toggle", ToggleAccountHandler(mgr))
	r.Delete("/accounts/{index}", RemoveAccountHandler(mgr))
	r.Post("/select", SelectHandler(mgr))
	r.Post("/usage/{accountId}", UsageHandler(tracker))
	r.Post("/repair", RepairHandler(mgr))
	r.Post("/refresh", RefreshHandler(mgr, queue, nil))
	r.Get("/status", StatusHandler(mgr, tracker, nil))
	r.Get("/healthz", HealthHandler())
	return r, mgr
}

func doJSON(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response not JSON: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func poolAccount(id string) store.Account {
	return store.Account{
		RefreshToken: "rt-" + id,
		AccountID:    id,
		Email:        id + "@example.com",
		Plan:         "plus",
	}
}

func TestAccountsHandlerHidesRefreshToken(t *testing.T) {
	r, _ := newTestRouter(t, poolAccount("a"))

	rec, body := doJSON(t, r, http.MethodGet, "/accounts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "rt-a") {
		t.Fatal("refresh token leaked into the accounts listing")
	}
	accounts := body["accounts"].([]any)
	if len(accounts) != 1 {
		t.Fatalf("accounts = %d", len(accounts))
	}
	view := accounts[0].(map[string]any)
	if view["accountId"] != "a" || view["enabled"] != true {
		t.Errorf("view = %v", view)
	}
	if _, ok := view["usage"]; !ok {
		t.Error("usage rendering missing")
	}
}

func TestAddAccountHandler(t *testing.T) {
	r, mgr := newTestRouter(t)

	rec, _ := doJSON(t, r, http.MethodPost, "/accounts", `{"refreshToken":"rt-new","email":"n@example.com"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := len(mgr.AccountsSnapshot()); got != 1 {
		t.Errorf("accounts = %d", got)
	}

	rec, _ = doJSON(t, r, http.MethodPost, "/accounts", `{"email":"no-token@example.com"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing token: status = %d", rec.Code)
	}

	rec, _ = doJSON(t, r, http.MethodPost, "/accounts", `{"refreshToken":"x","surprise":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d", rec.Code)
	}
}

func TestToggleAndRemoveHandlers(t *testing.T) {
	r, mgr := newTestRouter(t, poolAccount("a"), poolAccount("b"))

	rec, _ := doJSON(t, r, http.MethodPost, "/accounts/1/toggle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle status = %d", rec.Code)
	}
	if mgr.AccountsSnapshot()[1].IsEnabled() {
		t.Error("toggle had no effect")
	}

	rec, _ = doJSON(t, r, http.MethodDelete, "/accounts/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if got := len(mgr.AccountsSnapshot()); got != 1 {
		t.Errorf("accounts after delete = %d", got)
	}

	rec, _ = doJSON(t, r, http.MethodDelete, "/accounts/9", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("out-of-range delete: status = %d", rec.Code)
	}
	rec, _ = doJSON(t, r, http.MethodPost, "/accounts/abc/toggle", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-integer index: status = %d", rec.Code)
	}
}

func TestSelectHandlerSelected(t *testing.T) {
	r, _ := newTestRouter(t, poolAccount("a"))

	rec, body := doJSON(t, r, http.MethodPost, "/select", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["outcome"] != "selected" || body["accountId"] != "a" {
		t.Errorf("body = %v", body)
	}
}

func TestSelectHandlerRateLimited(t *testing.T) {
	cooling := poolAccount("a")
	cooling.CoolingDownUntil = time.Now().Add(time.Hour).UnixMilli()
	r, _ := newTestRouter(t, cooling)

	rec, body := doJSON(t, r, http.MethodPost, "/select", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["outcome"] != "rate_limited" {
		t.Errorf("outcome = %v", body["outcome"])
	}
	if body["waitMs"].(float64) <= 0 {
		t.Errorf("waitMs = %v", body["waitMs"])
	}
}

func TestSelectHandlerNoAccounts(t *testing.T) {
	r, _ := newTestRouter(t)

	rec, body := doJSON(t, r, http.MethodPost, "/select", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["outcome"] != "no_accounts" {
		t.Errorf("outcome = %v", body["outcome"])
	}
}

func TestUsageHandlerFromHeaders(t *testing.T) {
	r, mgr := newTestRouter(t, poolAccount("a"))

	req := httptest.NewRequest(http.MethodPost, "/usage/a", nil)
	req.Header.Set("X-Ratelimit-Primary-Used-Percent", "100")
	req.Header.Set("X-Ratelimit-Primary-Window-Minutes", "60")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if mgr.AccountsSnapshot()[0].CoolingDownUntil == 0 {
		t.Error("saturated signal did not reach the manager")
	}
}

func TestUsageHandlerFromBody(t *testing.T) {
	r, mgr := newTestRouter(t, poolAccount("a"))

	rec, _ := doJSON(t, r, http.MethodPost, "/usage/a",
		`{"primary-used-percent":"50","primary-window-minutes":"60"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	snap := mgr.AccountsSnapshot()[0]
	if snap.RateLimitResetTimes[store.WindowPrimary] == 0 {
		t.Error("body signals not recorded")
	}
	if snap.CoolingDownUntil != 0 {
		t.Error("unsaturated usage triggered cooldown")
	}
}

func TestUsageHandlerUnknownAccount(t *testing.T) {
	r, _ := newTestRouter(t, poolAccount("a"))

	req := httptest.NewRequest(http.MethodPost, "/usage/ghost", nil)
	req.Header.Set("X-Ratelimit-Primary-Used-Percent", "10")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRepairHandlerNothingToRepair(t *testing.T) {
	r, _ := newTestRouter(t, poolAccount("a"))

	rec, body := doJSON(t, r, http.MethodPost, "/repair", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["repaired"].(float64) != 0 || body["quarantined"].(float64) != 0 {
		t.Errorf("body = %v", body)
	}
}

func TestRefreshHandlerSkipsWithoutCachedExpiry(t *testing.T) {
	r, _ := newTestRouter(t, poolAccount("a"))

	// No refresh has run this process lifetime, so no expiry is cached and
	// nothing is worth enqueueing.
	rec, body := doJSON(t, r, http.MethodPost, "/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["enqueued"].(float64) != 0 || body["skipped"].(float64) != 1 {
		t.Errorf("body = %v", body)
	}
}

func TestStatusHandler(t *testing.T) {
	disabled := poolAccount("b")
	disabled.SetEnabled(false)
	r, _ := newTestRouter(t, poolAccount("a"), disabled)

	rec, body := doJSON(t, r, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["total"].(float64) != 2 || body["enabled"].(float64) != 1 {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["version"]; !ok {
		t.Error("version missing")
	}
}

func TestHealthHandler(t *testing.T) {
	r, _ := newTestRouter(t)
	rec, body := doJSON(t, r, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", rec.Code, body)
	}
}
