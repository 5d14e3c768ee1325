package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/logger"
	"tokoledger/backend/internal/store"
)

// Engine is the slice of posting.Engine the HTTP surface calls.
type Engine interface {
	PostSale(ctx context.Context, actor domain.ActorContext, req domain.CheckoutRequest) (domain.PostedSale, error)
	VoidSale(ctx context.Context, actor domain.ActorContext, shopID, saleID, reason string) (domain.Sale, error)
	GetSale(ctx context.Context, actor domain.ActorContext, shopID, saleID string) (domain.Sale, error)
	RecordDebtPayment(ctx context.Context, actor domain.ActorContext, shopID, debtID string, req domain.DebtPaymentRequest) (domain.DebtPaymentResult, error)
	DebtPayments(ctx context.Context, actor domain.ActorContext, shopID, debtID string) ([]domain.DebtPayment, error)
	StockLevel(ctx context.Context, actor domain.ActorContext, shopID, productID string) (domain.StockLevel, error)
	StockMovements(ctx context.Context, actor domain.ActorContext, shopID, productID string, limit int) ([]domain.StockMovement, error)
	AdjustStock(ctx context.Context, actor domain.ActorContext, shopID, productID string, req domain.StockAdjustmentRequest) (domain.StockAdjustmentResult, error)
	LowStock(ctx context.Context, actor domain.ActorContext, shopID string) ([]domain.StockLevel, error)
	OutstandingBalance(ctx context.Context, actor domain.ActorContext, shopID, customerID string) (int64, error)
	CustomerAging(ctx context.Context, actor domain.ActorContext, shopID, customerID string, asOf time.Time) (domain.AgingReport, error)
	DailyRevenue(ctx context.Context, actor domain.ActorContext, shopID, date string) (domain.RevenueSummary, error)
	RevenueRange(ctx context.Context, actor domain.ActorContext, shopID, fromDate, toDate string) ([]domain.RevenueSummary, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type API struct {
	engine        Engine
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	log           zerolog.Logger

	checksMu sync.RWMutex
	checks   map[string]HealthCheck
}

func New(engine Engine, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		engine:        engine,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		log:           logger.WithComponent("httpapi"),
		checks:        make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a dependency that /healthz checks.
func (a *API) AddHealthCheck(name string, check HealthCheck) {
	a.checksMu.Lock()
	defer a.checksMu.Unlock()
	a.checks[name] = check
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, a.requestLogger, a.securityHeaders)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", a.handleHealth)
	r.Post("/api/v1/auth/login", a.handleLogin)

	r.Route("/api/v1/shops/{shop}", func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Post("/sales", a.handlePostSale)
		r.Get("/sales/{id}", a.handleGetSale)
		r.Post("/sales/{id}/void", a.handleVoidSale)
		r.Post("/debts/{id}/payments", a.handleDebtPayment)
		r.Get("/debts/{id}/payments", a.handleDebtPayments)
		r.Get("/stock/low", a.handleLowStock)
		r.Get("/stock/{product}", a.handleStockLevel)
		r.Get("/stock/{product}/movements", a.handleStockMovements)
		r.Post("/stock/{product}/movements", a.handleAdjustStock)
		r.Get("/customers/{id}/balance", a.handleCustomerBalance)
		r.Get("/customers/{id}/aging", a.handleCustomerAging)
		r.Get("/revenue", a.handleRevenueRange)
		r.Get("/revenue/daily", a.handleDailyRevenue)
	})

	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(domain.WithActor(r.Context(), actor)))
	})
}

func actorFrom(r *http.Request) domain.ActorContext {
	actor, _ := domain.ActorFromContext(r.Context())
	return actor
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.checksMu.RLock()
	names := make([]string, 0, len(a.checks))
	for name := range a.checks {
		names = append(names, name)
	}
	a.checksMu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		a.checksMu.RLock()
		check := a.checks[name]
		a.checksMu.RUnlock()
		if err := check(ctx); err != nil {
			a.log.Warn().Err(err).Str("check", name).Msg("health check failed")
			results[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "up"
	}

	writeJSON(w, status, map[string]any{
		"ok":     status == http.StatusOK,
		"at":     time.Now().UTC().Format(time.RFC3339),
		"checks": results,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePostSale(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ShopID = chi.URLParam(r, "shop")
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	posted, err := a.engine.PostSale(r.Context(), actorFrom(r), req)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	status := http.StatusCreated
	if posted.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, posted)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.engine.GetSale(r.Context(), actorFrom(r), chi.URLParam(r, "shop"), chi.URLParam(r, "id"))
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleVoidSale(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.pinLimiter.Allow("pin:void:" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return
	}

	sale, err := a.engine.VoidSale(r.Context(), actorFrom(r), chi.URLParam(r, "shop"), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleDebtPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.DebtPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.engine.RecordDebtPayment(r.Context(), actorFrom(r), chi.URLParam(r, "shop"), chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleDebtPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := a.engine.DebtPayments(r.Context(), actorFrom(r), chi.URLParam(r, "shop"), chi.URLParam(r, "id"))
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": payments})
}

func (a *API) handleStockLevel(w http.ResponseWriter, r *http.Request) {
	level, err := a.engine.StockLevel(r.Context(), actorFrom(r), chi.URLParam(r, "shop"), chi.URLParam(r, "product"))
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

func (a *API) handleStockMovements(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	moves, err := a.engine.StockMovements(r.Context(), actorFrom(r), chi.URLParam(r, "shop"), chi.URLParam(r, "product"), limit)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": moves})
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req domain.StockAdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.engine.AdjustStock(r.Context(), actorFrom(r), chi.URLParam(r, "shop"), chi.URLParam(r, "product"), req)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	levels, err := a.engine.LowStock(r.Context(), actorFrom(r), chi.URLParam(r, "shop"))
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": levels})
}

func (a *API) handleCustomerBalance(w http.ResponseWriter, r *http.Request) {
	shopID, customerID := chi.URLParam(r, "shop"), chi.URLParam(r, "id")
	balance, err := a.engine.OutstandingBalance(r.Context(), actorFrom(r), shopID, customerID)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"shop_id":           shopID,
		"customer_id":       customerID,
		"outstanding_cents": balance,
	})
}

func (a *API) handleCustomerAging(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseAsOf(r.URL.Query().Get("as_of"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := a.engine.CustomerAging(r.Context(), actorFrom(r), chi.URLParam(r, "shop"), chi.URLParam(r, "id"), asOf)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleDailyRevenue(w http.ResponseWriter, r *http.Request) {
	summary, err := a.engine.DailyRevenue(r.Context(), actorFrom(r), chi.URLParam(r, "shop"), r.URL.Query().Get("date"))
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleRevenueRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	summaries, err := a.engine.RevenueRange(r.Context(), actorFrom(r), chi.URLParam(r, "shop"), q.Get("from"), q.Get("to"))
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": summaries})
}

// parseAsOf accepts RFC3339 or a bare date; empty means now.
func parseAsOf(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New("as_of must be RFC3339 or YYYY-MM-DD")
	}
	return t.UTC(), nil
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
	Available *int   `json:"available,omitempty"`
}

// statusFor maps engine errors onto HTTP statuses and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, domain.ErrCreditLimitExceeded):
		return http.StatusConflict, "credit_limit_exceeded"
	case errors.Is(err, domain.ErrVoidNotAllowed):
		return http.StatusConflict, "void_not_allowed"
	case errors.Is(err, domain.ErrOverpayment):
		return http.StatusUnprocessableEntity, "overpayment"
	case errors.Is(err, domain.ErrPostingFailed):
		return http.StatusInternalServerError, "posting_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func (a *API) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	body := errorBody{Error: err.Error(), Code: code, Retryable: domain.IsRetryable(err)}

	var stock *domain.InsufficientStockError
	if errors.As(err, &stock) {
		available := stock.Available
		body.Available = &available
	}
	if status >= 500 {
		a.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		body.Error = "internal server error"
	}
	writeJSON(w, status, body)
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(startedAt)).
			Msg("http request")
	})
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; 4xx messages are meant for the client.
	msg := err.Error()
	if status >= 500 {
		log := logger.WithComponent("httpapi")
		log.Error().Err(err).Int("status", status).Msg("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
