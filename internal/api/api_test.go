package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/spendguard/internal/anomaly"
	"github.com/opensource-finance/spendguard/internal/bus"
	"github.com/opensource-finance/spendguard/internal/cache"
	"github.com/opensource-finance/spendguard/internal/domain"
	"github.com/opensource-finance/spendguard/internal/ingest"
	"github.com/opensource-finance/spendguard/internal/repository"
	"github.com/opensource-finance/spendguard/internal/rules"
)

const testUser = "user-001"

// createTestServer wires a server over in-memory components.
func createTestServer(t *testing.T, rateLimit domain.RateLimitConfig) *Server {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	repo := repository.NewMemoryRepository()
	c := cache.NewLRUCache(100)
	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	policy, err := rules.NewAlertPolicy(rules.DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}

	scorer := anomaly.NewScorer(repo, domain.DefaultAnomalyConfig())
	service := ingest.NewService(repo, scorer, policy, b, ingest.WithCache(c, time.Minute))

	handler := NewHandler(repo, c, service, policy, HandlerConfig{
		Version:         "test-v1",
		DefaultCurrency: "INR",
		CacheTTL:        time.Minute,
	})
	return NewServer(cfg, handler, rateLimit)
}

func doRequest(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserIDHeader, testUser)

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func createAccount(t *testing.T, server *Server) *domain.Account {
	t.Helper()

	rr := doRequest(t, server, http.MethodPost, "/accounts", CreateAccountRequest{
		Name:    "Savings",
		Balance: decimal.NewFromInt(10000),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var acct domain.Account
	if err := json.Unmarshal(rr.Body.Bytes(), &acct); err != nil {
		t.Fatalf("failed to decode account: %v", err)
	}
	return &acct
}

func TestAccountEndpoints(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	t.Run("CreateUsesDefaultCurrency", func(t *testing.T) {
		acct := createAccount(t, server)
		if acct.ID == "" {
			t.Error("expected account ID to be assigned")
		}
		if acct.Currency != "INR" {
			t.Errorf("expected currency INR, got %s", acct.Currency)
		}
		if acct.UserID != testUser {
			t.Errorf("expected user %s, got %s", testUser, acct.UserID)
		}
	})

	t.Run("CreateRequiresName", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/accounts", CreateAccountRequest{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("GetAccount", func(t *testing.T) {
		acct := createAccount(t, server)

		rr := doRequest(t, server, http.MethodGet, "/accounts/"+acct.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("GetUnknownAccount", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/accounts/missing", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestTransactionEndpoints(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})
	acct := createAccount(t, server)

	t.Run("RecordFlagsNewMerchant", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/transactions", domain.TransactionRequest{
			AccountID:   acct.ID,
			Type:        domain.TypeExpense,
			Amount:      decimal.NewFromInt(1250),
			Category:    "shopping",
			Description: "Croma",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp RecordResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Verdict == nil {
			t.Fatal("expected an anomaly verdict")
		}
		if resp.Verdict.Confidence != 85 {
			t.Errorf("expected confidence 85, got %d", resp.Verdict.Confidence)
		}
		if !resp.Alerted {
			t.Error("expected alert to be published")
		}
		if resp.Transaction.Currency != "INR" {
			t.Errorf("expected currency inherited from account, got %s", resp.Transaction.Currency)
		}
		if !resp.Account.Balance.Equal(decimal.NewFromInt(8750)) {
			t.Errorf("expected balance 8750, got %s", resp.Account.Balance)
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
	})

	t.Run("RecordIncomeIsNotScored", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/transactions", domain.TransactionRequest{
			AccountID: acct.ID,
			Type:      domain.TypeIncome,
			Amount:    decimal.NewFromInt(50000),
			Category:  "salary",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp RecordResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Verdict != nil {
			t.Errorf("expected no verdict for income, got %+v", resp.Verdict)
		}
	})

	t.Run("RecordValidation", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/transactions", domain.TransactionRequest{
			AccountID: acct.ID,
			Type:      domain.TypeExpense,
			Amount:    decimal.NewFromInt(-5),
			Category:  "food",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("RecordUnknownAccount", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/transactions", domain.TransactionRequest{
			AccountID: "missing",
			Type:      domain.TypeExpense,
			Amount:    decimal.NewFromInt(5),
			Category:  "food",
		})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewBufferString("{invalid"))
		req.Header.Set(UserIDHeader, testUser)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListFilters", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/transactions?type=expense&limit=10", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Transactions []*domain.Transaction `json:"transactions"`
			Count        int                   `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 expense, got %d", resp.Count)
		}
	})

	t.Run("ListRejectsBadParams", func(t *testing.T) {
		for _, path := range []string{"/transactions?type=transfer", "/transactions?limit=0", "/transactions?limit=x"} {
			rr := doRequest(t, server, http.MethodGet, path, nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status 400, got %d", path, rr.Code)
			}
		}
	})

	t.Run("GetReadsThroughCache", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/transactions", domain.TransactionRequest{
			AccountID: acct.ID,
			Type:      domain.TypeExpense,
			Amount:    decimal.NewFromInt(300),
			Category:  "food",
		})
		var created RecordResponse
		json.Unmarshal(rr.Body.Bytes(), &created)

		rr = doRequest(t, server, http.MethodGet, "/transactions/"+created.Transaction.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if got := rr.Header().Get("X-Cache"); got != "HIT" {
			t.Errorf("expected cache hit, got %q", got)
		}
	})

	t.Run("GetUnknownTransaction", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/transactions/missing", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestScoreEndpoint(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	t.Run("PreviewFlagsNewMerchant", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/anomaly/score", ScoreRequest{
			Type:        domain.TypeExpense,
			Amount:      decimal.NewFromInt(999),
			Category:    "travel",
			Description: "IndiGo",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Flagged bool            `json:"flagged"`
			Anomaly *domain.Verdict `json:"anomaly"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if !resp.Flagged || resp.Anomaly == nil {
			t.Fatal("expected preview to flag a new merchant")
		}
		if resp.Anomaly.Confidence != 85 {
			t.Errorf("expected confidence 85, got %d", resp.Anomaly.Confidence)
		}
	})

	t.Run("PreviewRecordsNothing", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/transactions", nil)
		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 0 {
			t.Errorf("expected no transactions, got %d", resp.Count)
		}
	})

	t.Run("PreviewWithoutMerchant", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/anomaly/score", ScoreRequest{
			Type:     domain.TypeExpense,
			Amount:   decimal.NewFromInt(10),
			Category: "food",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["flagged"] != false {
			t.Errorf("expected flagged=false, got %v", resp["flagged"])
		}
	})

	t.Run("InvalidCandidate", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/anomaly/score", ScoreRequest{
			Type:     domain.TypeExpense,
			Amount:   decimal.Zero,
			Category: "food",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAlertPolicyEndpoints(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	t.Run("GetDefault", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/alerts/policy", nil)
		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["expression"] != rules.DefaultPolicy {
			t.Errorf("expected default policy, got %q", resp["expression"])
		}
	})

	t.Run("Update", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPut, "/alerts/policy", map[string]string{
			"expression": "confidence >= 90",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("RejectInvalid", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPut, "/alerts/policy", map[string]string{
			"expression": "amount +",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("DryRunLeavesPolicyActive", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPut, "/alerts/policy?dryRun=true", map[string]string{
			"expression": "amount > 5000.0",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Expression string `json:"expression"`
			Valid      bool   `json:"valid"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if !resp.Valid || resp.Expression != "amount > 5000.0" {
			t.Errorf("unexpected dry run response %+v", resp)
		}

		rr = doRequest(t, server, http.MethodGet, "/alerts/policy", nil)
		var active map[string]string
		json.Unmarshal(rr.Body.Bytes(), &active)
		if active["expression"] != "confidence >= 90" {
			t.Errorf("dry run replaced the policy with %q", active["expression"])
		}
	})

	t.Run("DryRunRejectsInvalid", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPut, "/alerts/policy?dryRun=true", map[string]string{
			"expression": "merchant",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestUpdateTransactionEndpoint(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})
	acct := createAccount(t, server)
	date := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

	rr := doRequest(t, server, http.MethodPost, "/transactions", domain.TransactionRequest{
		AccountID:   acct.ID,
		Type:        domain.TypeExpense,
		Amount:      decimal.NewFromInt(1000),
		Category:    "food",
		Description: "Cafe",
		Date:        &date,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created RecordResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	path := "/transactions/" + created.Transaction.ID

	t.Run("MovesBalanceAndKeepsDate", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPut, path, domain.TransactionRequest{
			AccountID:   acct.ID,
			Type:        domain.TypeExpense,
			Amount:      decimal.NewFromInt(400),
			Category:    "food",
			Description: "Cafe",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp ingest.Result
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !resp.Account.Balance.Equal(decimal.NewFromInt(9600)) {
			t.Errorf("expected balance 9600, got %s", resp.Account.Balance)
		}
		if !resp.Transaction.Date.Equal(date) {
			t.Errorf("expected date %v kept, got %v", date, resp.Transaction.Date)
		}
		if resp.Verdict != nil {
			t.Error("edits must not be rescored")
		}
	})

	t.Run("RefreshesCache", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, path, nil)
		if got := rr.Header().Get("X-Cache"); got != "HIT" {
			t.Errorf("expected cache hit, got %q", got)
		}
		var tx domain.Transaction
		json.Unmarshal(rr.Body.Bytes(), &tx)
		if !tx.Amount.Equal(decimal.NewFromInt(400)) {
			t.Errorf("cache serves stale amount %s", tx.Amount)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPut, path, domain.TransactionRequest{
			AccountID: acct.ID,
			Type:      domain.TypeExpense,
			Amount:    decimal.Zero,
			Category:  "food",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownTransaction", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPut, "/transactions/missing", domain.TransactionRequest{
			AccountID: acct.ID,
			Type:      domain.TypeExpense,
			Amount:    decimal.NewFromInt(1),
			Category:  "food",
			Date:      &date,
		})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPut, path, domain.TransactionRequest{
			AccountID: "missing",
			Type:      domain.TypeExpense,
			Amount:    decimal.NewFromInt(1),
			Category:  "food",
		})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}

		rr = doRequest(t, server, http.MethodGet, "/accounts/"+acct.ID, nil)
		var stored domain.Account
		json.Unmarshal(rr.Body.Bytes(), &stored)
		if !stored.Balance.Equal(decimal.NewFromInt(9600)) {
			t.Errorf("failed edit moved the balance to %s", stored.Balance)
		}
	})
}

func TestForecastEndpoint(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})
	acct := createAccount(t, server)

	now := time.Now().UTC()
	thisMonth := time.Date(now.Year(), now.Month(), 1, 8, 0, 0, 0, time.UTC)
	lastMonth := time.Date(now.Year(), now.Month()-1, 15, 8, 0, 0, 0, time.UTC)

	for _, req := range []domain.TransactionRequest{
		{AccountID: acct.ID, Type: domain.TypeExpense, Amount: decimal.NewFromInt(300), Category: "food", Date: &thisMonth},
		{AccountID: acct.ID, Type: domain.TypeExpense, Amount: decimal.NewFromInt(100), Category: "food", Date: &lastMonth},
		{AccountID: acct.ID, Type: domain.TypeIncome, Amount: decimal.NewFromInt(5000), Category: "salary", Date: &thisMonth},
	} {
		if rr := doRequest(t, server, http.MethodPost, "/transactions", req); rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	}

	rr := doRequest(t, server, http.MethodGet, "/forecast", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var f domain.Forecast
	if err := json.Unmarshal(rr.Body.Bytes(), &f); err != nil {
		t.Fatalf("failed to decode forecast: %v", err)
	}
	if f.NextMonth == "" {
		t.Fatal("expected nextMonth")
	}
	food := f.Categories["food"]
	if got := food[f.NextMonth]; !got.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected projection 200, got %s", got)
	}
	if got := food[thisMonth.Format(domain.MonthLayout)]; !got.Equal(decimal.NewFromInt(300)) {
		t.Errorf("expected this month 300, got %s", got)
	}
	if _, ok := f.Categories["salary"]; ok {
		t.Error("income must not be forecast")
	}
}

func TestRateLimit(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{
		Enabled:  true,
		Requests: 2,
		Window:   time.Minute,
	})
	acct := createAccount(t, server)

	req := domain.TransactionRequest{
		AccountID: acct.ID,
		Type:      domain.TypeIncome,
		Amount:    decimal.NewFromInt(1),
		Category:  "misc",
	}

	for i := 0; i < 2; i++ {
		rr := doRequest(t, server, http.MethodPost, "/transactions", req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("request %d: expected status 201, got %d", i, rr.Code)
		}
	}

	rr := doRequest(t, server, http.MethodPost, "/transactions", req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
	}

	// Reads are not limited.
	rr = doRequest(t, server, http.MethodGet, "/transactions", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("UserMiddlewareExtractsID", func(t *testing.T) {
		var capturedUserID string

		handler := UserMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedUserID = GetUserID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(UserIDHeader, "my-user-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedUserID != "my-user-123" {
			t.Errorf("expected user ID 'my-user-123', got '%s'", capturedUserID)
		}
	})

	t.Run("UserMiddlewareRejectsMissingID", func(t *testing.T) {
		for _, id := range []string{"", domain.GlobalSubscriber} {
			handler := UserMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler should not be reached")
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if id != "" {
				req.Header.Set(UserIDHeader, id)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("id %q: expected status 401, got %d", id, rr.Code)
			}
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("RateLimitFailsOpen", func(t *testing.T) {
		mw := RateLimitMiddleware(failingCache{}, domain.RateLimitConfig{
			Enabled:  true,
			Requests: 1,
			Window:   time.Minute,
		})
		calls := 0
		handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusOK)
		}))

		for i := 0; i < 3; i++ {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/transactions", nil))
			if rr.Code != http.StatusOK {
				t.Errorf("expected status 200, got %d", rr.Code)
			}
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("UserMiddlewareRejectsWildcardIDs", func(t *testing.T) {
		handler := UserMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be reached")
		}))

		for _, id := range []string{"*", "user.>", "two words", strings.Repeat("u", maxUserIDLen+1)} {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(UserIDHeader, id)

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("id %q: expected status 401, got %d", id, rr.Code)
			}
		}
	})

	t.Run("RecoverWritesJSON", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %q", ct)
		}
		var body map[string]string
		if err := json.NewDecoder(rr.Body).Decode(&body); err != nil || body["error"] == "" {
			t.Errorf("expected JSON error body, got %v (%v)", body, err)
		}
	})

	t.Run("CORS", func(t *testing.T) {
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		preflight := func(mw func(http.Handler) http.Handler, origin string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodOptions, "/transactions", nil)
			req.Header.Set("Origin", origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			rr := httptest.NewRecorder()
			mw(next).ServeHTTP(rr, req)
			return rr
		}

		open := CORSMiddleware(nil)
		if rr := preflight(open, "https://app.example"); rr.Code != http.StatusNoContent {
			t.Errorf("expected 204 for open policy, got %d", rr.Code)
		} else if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
			t.Errorf("expected origin echoed, got %q", got)
		}

		restricted := CORSMiddleware([]string{"https://app.example"})
		if rr := preflight(restricted, "https://evil.example"); rr.Code != http.StatusForbidden {
			t.Errorf("expected 403 for unknown origin, got %d", rr.Code)
		}
		if rr := preflight(restricted, "https://app.example"); rr.Code != http.StatusNoContent {
			t.Errorf("expected 204 for allowed origin, got %d", rr.Code)
		}
	})
}

// failingCache embeds a nil Cache; only IncrementCounter is exercised.
type failingCache struct {
	domain.Cache
}

func (failingCache) IncrementCounter(ctx context.Context, userID, key string, window time.Duration) (int64, error) {
	return 0, context.DeadlineExceeded
}
