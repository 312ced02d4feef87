package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/spendguard/internal/domain"
	"github.com/opensource-finance/spendguard/internal/forecast"
	"github.com/opensource-finance/spendguard/internal/ingest"
	"github.com/opensource-finance/spendguard/internal/repository"
	"github.com/opensource-finance/spendguard/internal/rules"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	service  *ingest.Service
	forecast *forecast.Service
	policy   *rules.AlertPolicy
	version  string

	defaultCurrency string
	cacheTTL        time.Duration
}

// HandlerConfig carries the settings handlers need beyond their dependencies.
type HandlerConfig struct {
	Version         string
	DefaultCurrency string
	CacheTTL        time.Duration

	// ForecastMonths is the history window for GET /forecast.
	ForecastMonths int
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, service *ingest.Service, policy *rules.AlertPolicy, cfg HandlerConfig) *Handler {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "INR"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &Handler{
		repo:            repo,
		cache:           cache,
		service:         service,
		forecast:        forecast.NewService(repo, cfg.ForecastMonths),
		policy:          policy,
		version:         cfg.Version,
		defaultCurrency: cfg.DefaultCurrency,
		cacheTTL:        cfg.CacheTTL,
	}
}

// CreateAccountRequest is the request body for POST /accounts.
type CreateAccountRequest struct {
	Name     string          `json:"name"`
	Currency string          `json:"currency,omitempty"`
	Balance  decimal.Decimal `json:"balance"`
}

// CreateAccount handles POST /accounts.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Balance.IsNegative() {
		writeError(w, http.StatusBadRequest, "balance must not be negative")
		return
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = h.defaultCurrency
	}

	acct := &domain.Account{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      req.Name,
		Currency:  currency,
		Balance:   req.Balance,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.repo.SaveAccount(ctx, userID, acct); err != nil {
		slog.Error("failed to save account", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount retrieves an account by ID.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	accountID := chi.URLParam(r, "id")

	acct, err := h.repo.GetAccount(ctx, userID, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		slog.Error("failed to get account", "id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get account")
		return
	}

	writeJSON(w, http.StatusOK, acct)
}

// RecordResponse is the response for POST /transactions.
type RecordResponse struct {
	*ingest.Result
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// CreateTransaction handles POST /transactions. The record is committed
// before scoring, so a scoring failure still returns 201.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	userID := GetUserID(ctx)

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	result, err := h.service.Record(ctx, userID, &req)
	switch {
	case errors.Is(err, domain.ErrInvalidTransaction):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
		return
	case err != nil:
		slog.Error("failed to record transaction", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record transaction")
		return
	}

	resp := RecordResponse{Result: result}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusCreated, resp)
}

// UpdateTransaction handles PUT /transactions/{id}. The edit replaces every
// field of the transaction and is not rescored.
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	txID := chi.URLParam(r, "id")

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	result, err := h.service.Update(ctx, userID, txID, &req)
	switch {
	case errors.Is(err, domain.ErrInvalidTransaction):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "transaction or account not found")
		return
	case err != nil:
		slog.Error("failed to update transaction", "id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update transaction")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListTransactions handles GET /transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	q := r.URL.Query()

	filter := domain.TransactionFilter{
		AccountID: q.Get("accountId"),
		Type:      domain.TransactionType(strings.ToUpper(q.Get("type"))),
		Category:  q.Get("category"),
		Limit:     defaultListLimit,
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, http.StatusBadRequest, "type must be EXPENSE or INCOME")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, maxListLimit)
	}

	txs, err := h.repo.ListTransactions(ctx, userID, filter)
	if err != nil {
		slog.Error("failed to list transactions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetTransaction retrieves a transaction by ID, reading through the cache.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	txID := chi.URLParam(r, "id")

	if h.cache != nil {
		tx, err := h.cache.GetTransaction(ctx, userID, txID)
		if err != nil {
			slog.Warn("cache read failed", "id", txID, "error", err)
		}
		if tx != nil {
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, tx)
			return
		}
	}

	tx, err := h.repo.GetTransaction(ctx, userID, txID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		slog.Error("failed to get transaction", "id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get transaction")
		return
	}

	if h.cache != nil {
		if err := h.cache.SetTransaction(ctx, userID, tx, h.cacheTTL); err != nil {
			slog.Warn("cache write failed", "id", txID, "error", err)
		}
	}

	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, tx)
}

// ScoreRequest is the request body for POST /anomaly/score.
type ScoreRequest struct {
	Type        domain.TransactionType `json:"type"`
	Amount      decimal.Decimal        `json:"amount"`
	Category    string                 `json:"category"`
	Description string                 `json:"description,omitempty"`
	Date        *time.Time             `json:"date,omitempty"`
}

// ScoreAnomaly handles POST /anomaly/score, a dry run that records nothing.
func (h *Handler) ScoreAnomaly(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	c := &domain.Candidate{
		Type:        req.Type,
		Amount:      req.Amount,
		Category:    req.Category,
		Description: req.Description,
	}
	if req.Date != nil {
		c.Date = req.Date.UTC()
	}

	verdict, err := h.service.Preview(ctx, userID, c)
	switch {
	case errors.Is(err, domain.ErrInvalidCandidate):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, domain.ErrHistoryUnavailable):
		slog.Error("anomaly preview failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "transaction history unavailable")
		return
	case err != nil:
		slog.Error("anomaly preview failed", "error", err)
		writeError(w, http.StatusInternalServerError, "scoring failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"flagged": verdict != nil,
		"anomaly": verdict,
	})
}

// GetForecast handles GET /forecast.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	f, err := h.forecast.Forecast(ctx, userID)
	if err != nil {
		slog.Error("failed to build forecast", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build forecast")
		return
	}

	writeJSON(w, http.StatusOK, f)
}

// GetAlertPolicy returns the active alert policy expression.
func (h *Handler) GetAlertPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"expression": h.policy.Expression(),
	})
}

// UpdateAlertPolicy replaces the alert policy expression. With ?dryRun=true
// the expression is only compiled and the active policy is left alone.
func (h *Handler) UpdateAlertPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expression string `json:"expression"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dryRun")); dryRun {
		if err := h.policy.Validate(req.Expression); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"expression": req.Expression,
			"valid":      true,
		})
		return
	}

	if err := h.policy.Reload(req.Expression); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("alert policy updated", "expression", h.policy.Expression())
	writeJSON(w, http.StatusOK, map[string]string{
		"expression": h.policy.Expression(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil || h.repo.Ping(r.Context()) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
