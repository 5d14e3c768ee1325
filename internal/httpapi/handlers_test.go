package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/debt"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/inventory"
	"tokoledger/backend/internal/lock"
	"tokoledger/backend/internal/posting"
	"tokoledger/backend/internal/revenue"
	"tokoledger/backend/internal/store/memory"
)

const testShop = memory.DefaultShopID

type inlineRevenue struct{ agg *revenue.Aggregator }

func (n inlineRevenue) SalePosted(sale domain.Sale) {
	_ = n.agg.OnSalePosted(context.Background(), sale)
}
func (n inlineRevenue) SaleVoided(sale domain.Sale) {
	_ = n.agg.OnSaleVoided(context.Background(), sale)
}

// newTestAPI wires the real engine over the seeded in-memory store so
// handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	locker := lock.NewKeyedLocker(time.Second)
	agg := revenue.NewAggregator(revenue.Dependencies{Summaries: repo, Sales: repo}, revenue.Options{Location: time.UTC})
	engine := posting.New(posting.Dependencies{
		Catalog:   repo,
		Sales:     repo,
		Intents:   repo,
		Inventory: inventory.NewLedger(repo),
		Debts:     debt.NewLedger(debt.Dependencies{Debts: repo, Catalog: repo, Locker: locker}, debt.DefaultTermDays),
		Locker:    locker,
		Notifier:  inlineRevenue{agg},
		Revenue:   agg,
	}, decimal.RequireFromString("0.11"))
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(engine, auth, "*")
}

func login(t *testing.T, api *API, username, password string) string {
	t.Helper()
	res := do(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if res.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (body: %s)", username, res.Code, res.Body.String())
	}
	var body domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if body.AccessToken == "" {
		t.Fatalf("expected access token for %s", username)
	}
	return body.AccessToken
}

func do(t *testing.T, api *API, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeInto(t *testing.T, res *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (raw: %s)", err, res.Body.String())
	}
}

func cashSale(qty int, tendered int64) domain.CheckoutRequest {
	return domain.CheckoutRequest{
		Lines:               []domain.CheckoutLine{{ProductID: "prd-mie", Quantity: qty}},
		PaymentMethod:       domain.PaymentCash,
		AmountTenderedCents: tendered,
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	api.AddHealthCheck("store", func(context.Context) error { return nil })

	res := do(t, api, http.MethodGet, "/healthz", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body map[string]any
	decodeInto(t, res, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLoginInvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	res := do(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestShopRoutesRequireBearerToken(t *testing.T) {
	api := newTestAPI(t)
	res := do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/stock/prd-mie", "", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestPostSaleAndReadBack(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	res := do(t, api, http.MethodPost, "/api/v1/shops/"+testShop+"/sales", token, cashSale(2, 10000))
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}
	var posted domain.PostedSale
	decodeInto(t, res, &posted)
	if posted.Sale.TotalCents != 7770 || posted.Sale.ChangeCents != 2230 {
		t.Fatalf("expected total 7770 change 2230, got %d/%d", posted.Sale.TotalCents, posted.Sale.ChangeCents)
	}
	if posted.Sale.CashierID != "cashier" {
		t.Fatalf("expected cashier from token, got %q", posted.Sale.CashierID)
	}

	res = do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/sales/"+posted.Sale.ID, token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("get sale: expected 200, got %d", res.Code)
	}

	res = do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/stock/prd-mie", token, nil)
	var level domain.StockLevel
	decodeInto(t, res, &level)
	if level.Quantity != memory.DemoOpeningStock-2 {
		t.Fatalf("expected %d on hand, got %d", memory.DemoOpeningStock-2, level.Quantity)
	}

	res = do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/revenue/daily", token, nil)
	var summary domain.RevenueSummary
	decodeInto(t, res, &summary)
	if summary.Transactions != 1 || summary.TotalCents != 7770 {
		t.Fatalf("unexpected revenue summary: %+v", summary)
	}
}

func TestIdempotencyKeyHeaderReturnsOriginalSale(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	post := func() *httptest.ResponseRecorder {
		var body bytes.Buffer
		_ = json.NewEncoder(&body).Encode(cashSale(1, 5000))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/shops/"+testShop+"/sales", &body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "till-3-000042")
		res := httptest.NewRecorder()
		api.Handler().ServeHTTP(res, req)
		return res
	}

	first := post()
	if first.Code != http.StatusCreated {
		t.Fatalf("first post: expected 201, got %d (body: %s)", first.Code, first.Body.String())
	}
	second := post()
	if second.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d", second.Code)
	}
	var a, b domain.PostedSale
	decodeInto(t, first, &a)
	decodeInto(t, second, &b)
	if a.Sale.ID != b.Sale.ID || !b.Duplicate {
		t.Fatalf("expected retry to return sale %s as duplicate, got %s duplicate=%v", a.Sale.ID, b.Sale.ID, b.Duplicate)
	}
}

func TestCashierCannotPostForAnotherShop(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	res := do(t, api, http.MethodPost, "/api/v1/shops/other-shop/sales", token, cashSale(1, 5000))
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestInsufficientStockReportsAvailable(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	res := do(t, api, http.MethodPost, "/api/v1/shops/"+testShop+"/sales", token, cashSale(memory.DemoOpeningStock+1, 1_000_000))
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", res.Code, res.Body.String())
	}
	var body errorBody
	decodeInto(t, res, &body)
	if body.Code != "insufficient_stock" || body.Available == nil || *body.Available != memory.DemoOpeningStock {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestVoidNeedsManagerPINAndAdmin(t *testing.T) {
	api := newTestAPI(t)
	cashierToken := login(t, api, "cashier", "cashier123")
	adminToken := login(t, api, "admin", "admin123")

	res := do(t, api, http.MethodPost, "/api/v1/shops/"+testShop+"/sales", cashierToken, cashSale(3, 20000))
	var posted domain.PostedSale
	decodeInto(t, res, &posted)
	voidPath := "/api/v1/shops/" + testShop + "/sales/" + posted.Sale.ID + "/void"

	res = do(t, api, http.MethodPost, voidPath, adminToken, domain.VoidSaleRequest{Reason: "typo", ManagerPIN: "000000"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("wrong pin: expected 403, got %d", res.Code)
	}
	res = do(t, api, http.MethodPost, voidPath, cashierToken, domain.VoidSaleRequest{Reason: "typo", ManagerPIN: "123456"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("cashier void: expected 403, got %d", res.Code)
	}
	res = do(t, api, http.MethodPost, voidPath, adminToken, domain.VoidSaleRequest{Reason: "typo", ManagerPIN: "123456"})
	if res.Code != http.StatusOK {
		t.Fatalf("admin void: expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var voided domain.Sale
	decodeInto(t, res, &voided)
	if voided.Status != domain.SaleVoid {
		t.Fatalf("expected VOID, got %s", voided.Status)
	}

	res = do(t, api, http.MethodPost, voidPath, adminToken, domain.VoidSaleRequest{Reason: "again", ManagerPIN: "123456"})
	if res.Code != http.StatusConflict {
		t.Fatalf("second void: expected 409, got %d", res.Code)
	}

	res = do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/stock/prd-mie", adminToken, nil)
	var level domain.StockLevel
	decodeInto(t, res, &level)
	if level.Quantity != memory.DemoOpeningStock {
		t.Fatalf("expected stock restored to %d, got %d", memory.DemoOpeningStock, level.Quantity)
	}
}

func TestCreditSaleThenDebtPayments(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	req := cashSale(1, 0)
	req.PaymentMethod = domain.PaymentCredit
	req.CustomerID = "cus-budi"
	res := do(t, api, http.MethodPost, "/api/v1/shops/"+testShop+"/sales", token, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("credit sale: expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}
	var posted domain.PostedSale
	decodeInto(t, res, &posted)
	if posted.Debt == nil || posted.Debt.PrincipalCents != 3885 {
		t.Fatalf("expected debt of 3885, got %+v", posted.Debt)
	}

	res = do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/customers/cus-budi/balance", token, nil)
	var balance map[string]any
	decodeInto(t, res, &balance)
	if balance["outstanding_cents"] != float64(3885) {
		t.Fatalf("expected outstanding 3885, got %v", balance["outstanding_cents"])
	}

	payPath := "/api/v1/shops/" + testShop + "/debts/" + posted.Debt.ID + "/payments"
	res = do(t, api, http.MethodPost, payPath, token, domain.DebtPaymentRequest{AmountCents: 5000, Method: domain.PaymentCash})
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("overpayment: expected 422, got %d (body: %s)", res.Code, res.Body.String())
	}
	res = do(t, api, http.MethodPost, payPath, token, domain.DebtPaymentRequest{AmountCents: 3885, Method: domain.PaymentCash})
	if res.Code != http.StatusCreated {
		t.Fatalf("payment: expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}
	var result domain.DebtPaymentResult
	decodeInto(t, res, &result)
	if result.Debt.Status != domain.DebtSettled {
		t.Fatalf("expected settled debt, got %s", result.Debt.Status)
	}

	res = do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/customers/cus-budi/aging?as_of=2099-01-01", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("aging: expected 200, got %d", res.Code)
	}
	var report domain.AgingReport
	decodeInto(t, res, &report)
	if report.OutstandingCents != 0 {
		t.Fatalf("expected nothing outstanding after settlement, got %d", report.OutstandingCents)
	}
}

func TestUnknownSaleIsNotFound(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")

	res := do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/sales/sale-missing", token, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestLowStockListsSeededThresholds(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")

	res := do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/stock/low", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body struct {
		Items []domain.StockLevel `json:"items"`
	}
	decodeInto(t, res, &body)
	if len(body.Items) != 0 {
		t.Fatalf("expected no low stock with opening levels, got %d", len(body.Items))
	}
}

func TestStockMovementsAdminAdjustsAndLists(t *testing.T) {
	api := newTestAPI(t)
	adminToken := login(t, api, "admin", "admin123")
	cashierToken := login(t, api, "cashier", "cashier123")
	movesPath := "/api/v1/shops/" + testShop + "/stock/prd-mie/movements"

	res := do(t, api, http.MethodPost, movesPath, cashierToken, domain.StockAdjustmentRequest{Reason: domain.MovementRestock, Delta: 5})
	if res.Code != http.StatusForbidden {
		t.Fatalf("cashier restock: expected 403, got %d", res.Code)
	}
	res = do(t, api, http.MethodPost, movesPath, adminToken, domain.StockAdjustmentRequest{Reason: domain.MovementRestock, Delta: -5})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("negative restock: expected 400, got %d", res.Code)
	}

	res = do(t, api, http.MethodPost, movesPath, adminToken, domain.StockAdjustmentRequest{Reason: domain.MovementRestock, Delta: 30, Note: "supplier delivery"})
	if res.Code != http.StatusCreated {
		t.Fatalf("restock: expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}
	var restocked domain.StockAdjustmentResult
	decodeInto(t, res, &restocked)
	if restocked.Level.Quantity != memory.DemoOpeningStock+30 || restocked.Movement.CreatedBy != "admin" {
		t.Fatalf("unexpected restock result %+v", restocked)
	}

	res = do(t, api, http.MethodPost, movesPath, adminToken, domain.StockAdjustmentRequest{Reason: domain.MovementAdjustment, Delta: -(memory.DemoOpeningStock + 31)})
	if res.Code != http.StatusConflict {
		t.Fatalf("adjustment below zero: expected 409, got %d", res.Code)
	}
	var body errorBody
	decodeInto(t, res, &body)
	if body.Available == nil || *body.Available != memory.DemoOpeningStock+30 {
		t.Fatalf("expected %d available, got %+v", memory.DemoOpeningStock+30, body)
	}

	res = do(t, api, http.MethodPost, movesPath, adminToken, domain.StockAdjustmentRequest{Reason: domain.MovementAdjustment, Delta: -4, Note: "damaged"})
	if res.Code != http.StatusCreated {
		t.Fatalf("adjustment: expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}

	res = do(t, api, http.MethodGet, movesPath+"?limit=2", cashierToken, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("list movements: expected 200, got %d", res.Code)
	}
	var list struct {
		Items []domain.StockMovement `json:"items"`
	}
	decodeInto(t, res, &list)
	if len(list.Items) != 2 || list.Items[0].Delta != -4 || list.Items[1].Delta != 30 {
		t.Fatalf("expected newest adjustment then restock, got %+v", list.Items)
	}

	res = do(t, api, http.MethodGet, movesPath+"?limit=zero", cashierToken, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", res.Code)
	}
	res = do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/stock/prd-missing/movements", cashierToken, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("unknown product: expected 404, got %d", res.Code)
	}

	res = do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/stock/prd-mie", cashierToken, nil)
	var level domain.StockLevel
	decodeInto(t, res, &level)
	if level.Quantity != memory.DemoOpeningStock+26 {
		t.Fatalf("expected %d on hand, got %d", memory.DemoOpeningStock+26, level.Quantity)
	}
}

func TestDebtPaymentsListsRecordedPayments(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	req := cashSale(2, 0)
	req.PaymentMethod = domain.PaymentCredit
	req.CustomerID = "cus-budi"
	res := do(t, api, http.MethodPost, "/api/v1/shops/"+testShop+"/sales", token, req)
	var posted domain.PostedSale
	decodeInto(t, res, &posted)
	if posted.Debt == nil {
		t.Fatalf("expected a debt for the credit sale")
	}

	paymentsPath := "/api/v1/shops/" + testShop + "/debts/" + posted.Debt.ID + "/payments"
	for _, amount := range []int64{1000, 2000} {
		res = do(t, api, http.MethodPost, paymentsPath, token, domain.DebtPaymentRequest{AmountCents: amount, Method: domain.PaymentCash})
		if res.Code != http.StatusCreated {
			t.Fatalf("payment %d: expected 201, got %d (body: %s)", amount, res.Code, res.Body.String())
		}
	}

	res = do(t, api, http.MethodGet, paymentsPath, token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("list payments: expected 200, got %d", res.Code)
	}
	var list struct {
		Items []domain.DebtPayment `json:"items"`
	}
	decodeInto(t, res, &list)
	var paid int64
	for _, p := range list.Items {
		if p.DebtID != posted.Debt.ID {
			t.Fatalf("payment %s belongs to debt %s", p.ID, p.DebtID)
		}
		paid += p.AmountCents
	}
	if len(list.Items) != 2 || paid != 3000 {
		t.Fatalf("expected 2 payments totalling 3000, got %d totalling %d", len(list.Items), paid)
	}

	res = do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/debts/debt-missing/payments", token, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("unknown debt: expected 404, got %d", res.Code)
	}
}

func TestRevenueRangeListsDays(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	res := do(t, api, http.MethodPost, "/api/v1/shops/"+testShop+"/sales", token, cashSale(2, 10000))
	var posted domain.PostedSale
	decodeInto(t, res, &posted)
	day := posted.Sale.CreatedAt.UTC().Format(time.DateOnly)
	before := posted.Sale.CreatedAt.UTC().AddDate(0, 0, -3).Format(time.DateOnly)

	res = do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/revenue?from="+before+"&to="+day, token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("range: expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var list struct {
		Items []domain.RevenueSummary `json:"items"`
	}
	decodeInto(t, res, &list)
	if len(list.Items) != 1 || list.Items[0].Date != day || list.Items[0].TotalCents != 7770 {
		t.Fatalf("expected one summary for %s totalling 7770, got %+v", day, list.Items)
	}

	res = do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/revenue?from="+day+"&to="+before, token, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("reversed range: expected 400, got %d", res.Code)
	}
	res = do(t, api, http.MethodGet, "/api/v1/shops/"+testShop+"/revenue?from=yesterday&to="+day, token, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("bad date: expected 400, got %d", res.Code)
	}
}
