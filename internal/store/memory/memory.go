package memory

import (
	"context"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/logger"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

const DefaultShopID = "main-store"

// stockCell owns one (shop, product) level and its movement history. Its
// mutex is the only thing serializing stock changes for that pair.
type stockCell struct {
	shopID    string
	productID string

	mu        sync.Mutex
	level     domain.StockLevel
	movements []domain.StockMovement
}

type summaryRow struct {
	summary domain.RevenueSummary
	applied map[string]bool
}

// Store keeps each table behind its own lock; there is no store-wide mutex.
type Store struct {
	catalogMu sync.RWMutex
	products  map[string]map[string]domain.Product
	customers map[string]map[string]domain.Customer

	stockMu         sync.RWMutex
	stock           map[string]*stockCell
	saleMovementsMu sync.RWMutex
	movementsBySale map[string][]domain.StockMovement
	reversed        map[string]bool

	debtMu       sync.RWMutex
	debts        map[string]*domain.Debt
	debtPayments map[string][]domain.DebtPayment

	saleMu      sync.RWMutex
	sales       map[string]*domain.Sale
	salesByIdem map[string]string

	intentMu sync.Mutex
	intents  map[string]domain.PostingIntent

	revenueMu sync.Mutex
	summaries map[string]*summaryRow

	userMu          sync.RWMutex
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]map[string]domain.Product),
		customers:       make(map[string]map[string]domain.Customer),
		stock:           make(map[string]*stockCell),
		movementsBySale: make(map[string][]domain.StockMovement),
		reversed:        make(map[string]bool),
		debts:           make(map[string]*domain.Debt),
		debtPayments:    make(map[string][]domain.DebtPayment),
		sales:           make(map[string]*domain.Sale),
		salesByIdem:     make(map[string]string),
		intents:         make(map[string]domain.PostingIntent),
		summaries:       make(map[string]*summaryRow),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// SeedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD when set.
func SeedUsers(now time.Time) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log := logger.WithComponent("memory-store")
		log.Warn().Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		shopID   string
	}{
		{"owner", adminPwd, domain.RoleSiteAdmin, ""},
		{"admin", adminPwd, domain.RoleShopAdmin, DefaultShopID},
		{"cashier", cashierPwd, domain.RoleCashier, DefaultShopID},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			continue
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			ShopID:    u.shopID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// DemoCatalog is the demo product list and customer book for DefaultShopID.
func DemoCatalog(now time.Time) ([]domain.Product, []domain.Customer) {
	products := []domain.Product{
		{ID: "prd-mie", SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", CategoryID: "grocery", CostPriceCents: 2700, SellingPriceCents: 3500},
		{ID: "prd-telur", SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", CategoryID: "grocery", CostPriceCents: 23000, SellingPriceCents: 26500},
		{ID: "prd-susu", SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", CategoryID: "dairy", CostPriceCents: 13600, SellingPriceCents: 18900},
		{ID: "prd-roti", SKU: "SKU-ROTI-01", Name: "Roti Tawar", CategoryID: "bakery", CostPriceCents: 12500, SellingPriceCents: 17800},
		{ID: "prd-kopi", SKU: "SKU-KOPI-01", Name: "Kopi Sachet", CategoryID: "beverage", CostPriceCents: 1700, SellingPriceCents: 2600},
		{ID: "prd-gula", SKU: "SKU-GULA-01", Name: "Gula 1kg", CategoryID: "grocery", CostPriceCents: 15300, SellingPriceCents: 17400},
		{ID: "prd-air", SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", CategoryID: "beverage", CostPriceCents: 3200, SellingPriceCents: 3900},
		{ID: "prd-sabun", SKU: "SKU-SABUN-01", Name: "Sabun Mandi", CategoryID: "household", CostPriceCents: 5000, SellingPriceCents: 7400},
	}
	for i := range products {
		products[i].ShopID = DefaultShopID
		products[i].Active = true
		products[i].CreatedAt = now
	}
	customers := []domain.Customer{
		{ID: "cus-budi", ShopID: DefaultShopID, Name: "Budi", Phone: "081200000001", CreditLimitCents: 500000, Active: true, CreatedAt: now},
		{ID: "cus-sari", ShopID: DefaultShopID, Name: "Sari", Phone: "081200000002", CreditLimitCents: 200000, SoftCreditLimit: true, Active: true, CreatedAt: now},
	}
	return products, customers
}

const (
	DemoOpeningStock = 120
	DemoReorderLevel = 10
)

// NewSeeded returns a store with the demo catalog. Opening stock is written
// as RESTOCK movements so levels reconcile from the start.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	products, customers := DemoCatalog(now)
	for _, p := range products {
		s.PutProduct(p)
		_ = s.SeedStock(DefaultShopID, p.ID, DemoOpeningStock, DemoReorderLevel)
	}
	for _, c := range customers {
		s.PutCustomer(c)
	}

	s.usersByUsername = SeedUsers(now)
	return s
}

func (s *Store) PutProduct(p domain.Product) {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	if s.products[p.ShopID] == nil {
		s.products[p.ShopID] = make(map[string]domain.Product)
	}
	s.products[p.ShopID][p.ID] = p
}

func (s *Store) PutCustomer(c domain.Customer) {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	if s.customers[c.ShopID] == nil {
		s.customers[c.ShopID] = make(map[string]domain.Customer)
	}
	s.customers[c.ShopID][c.ID] = c
}

// SeedStock records an opening RESTOCK movement of qty and sets the reorder level.
func (s *Store) SeedStock(shopID, productID string, qty int, reorderLevel int) error {
	cell := s.cell(shopID, productID, true)
	cell.mu.Lock()
	cell.level.ReorderLevel = reorderLevel
	cell.mu.Unlock()
	if qty == 0 {
		return nil
	}
	_, err := s.ApplyMovement(context.Background(), domain.StockMovement{
		ShopID:    shopID,
		ProductID: productID,
		Delta:     qty,
		Reason:    domain.MovementRestock,
		Note:      "opening stock",
	})
	return err
}

func (s *Store) GetProduct(_ context.Context, shopID string, productID string) (*domain.Product, error) {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	p, ok := s.products[shopID][productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProducts(_ context.Context, shopID string, productIDs []string) (map[string]domain.Product, error) {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	result := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := s.products[shopID][id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) GetCustomer(_ context.Context, shopID string, customerID string) (*domain.Customer, error) {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	c, ok := s.customers[shopID][customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func stockKey(shopID, productID string) string {
	return shopID + "|" + productID
}

func (s *Store) cell(shopID, productID string, create bool) *stockCell {
	key := stockKey(shopID, productID)
	s.stockMu.RLock()
	c, ok := s.stock[key]
	s.stockMu.RUnlock()
	if ok || !create {
		return c
	}

	s.stockMu.Lock()
	defer s.stockMu.Unlock()
	if c, ok := s.stock[key]; ok {
		return c
	}
	c = &stockCell{shopID: shopID, productID: productID, level: domain.StockLevel{ShopID: shopID, ProductID: productID}}
	s.stock[key] = c
	return c
}

func (s *Store) GetStockLevel(_ context.Context, shopID string, productID string) (domain.StockLevel, error) {
	c := s.cell(shopID, productID, false)
	if c == nil {
		return domain.StockLevel{}, store.ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level, nil
}

func (s *Store) ListStockLevels(_ context.Context, shopID string) ([]domain.StockLevel, error) {
	s.stockMu.RLock()
	cells := make([]*stockCell, 0, len(s.stock))
	for _, c := range s.stock {
		if c.shopID == shopID {
			cells = append(cells, c)
		}
	}
	s.stockMu.RUnlock()

	levels := make([]domain.StockLevel, 0, len(cells))
	for _, c := range cells {
		c.mu.Lock()
		levels = append(levels, c.level)
		c.mu.Unlock()
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].ProductID < levels[j].ProductID })
	return levels, nil
}

func (s *Store) ApplyMovement(_ context.Context, movement domain.StockMovement) (domain.StockLevel, error) {
	if movement.Delta == 0 || !movement.Reason.Valid() {
		return domain.StockLevel{}, domain.NewValidationError("movement", "delta must be non-zero with a known reason")
	}
	c := s.cell(movement.ShopID, movement.ProductID, movement.Delta > 0)
	if c == nil {
		return domain.StockLevel{}, &store.StockShortfall{Available: 0}
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// a reversal lands on the same cell as its original, so the cell lock
	// serializes the check below
	if movement.ReversalOf != "" {
		s.saleMovementsMu.RLock()
		done := s.reversed[movement.ReversalOf]
		s.saleMovementsMu.RUnlock()
		if done {
			return c.level, nil
		}
	}
	if c.level.Quantity+movement.Delta < 0 {
		return domain.StockLevel{}, &store.StockShortfall{Available: c.level.Quantity}
	}
	c.level.Quantity += movement.Delta
	c.level.UpdatedAt = movement.CreatedAt
	c.movements = append(c.movements, movement)

	if movement.SaleID != "" || movement.ReversalOf != "" {
		s.saleMovementsMu.Lock()
		if movement.SaleID != "" {
			s.movementsBySale[movement.SaleID] = append(s.movementsBySale[movement.SaleID], movement)
		}
		if movement.ReversalOf != "" {
			s.reversed[movement.ReversalOf] = true
		}
		s.saleMovementsMu.Unlock()
	}
	return c.level, nil
}

func (s *Store) ListMovements(_ context.Context, shopID string, productID string, limit int) ([]domain.StockMovement, error) {
	c := s.cell(shopID, productID, false)
	if c == nil {
		return []domain.StockMovement{}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]domain.StockMovement, 0, min(len(c.movements), max(limit, 0)))
	for i := len(c.movements) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, c.movements[i])
	}
	return result, nil
}

func (s *Store) ListMovementsBySale(_ context.Context, shopID string, saleID string) ([]domain.StockMovement, error) {
	s.saleMovementsMu.RLock()
	defer s.saleMovementsMu.RUnlock()
	result := make([]domain.StockMovement, 0, len(s.movementsBySale[saleID]))
	for _, m := range s.movementsBySale[saleID] {
		if m.ShopID == shopID {
			result = append(result, m)
		}
	}
	return result, nil
}

func (s *Store) SumMovements(_ context.Context, shopID string) (map[string]int, error) {
	s.stockMu.RLock()
	cells := make([]*stockCell, 0, len(s.stock))
	for _, c := range s.stock {
		if c.shopID == shopID {
			cells = append(cells, c)
		}
	}
	s.stockMu.RUnlock()

	sums := make(map[string]int, len(cells))
	for _, c := range cells {
		c.mu.Lock()
		total := 0
		for _, m := range c.movements {
			total += m.Delta
		}
		sums[c.productID] = total
		c.mu.Unlock()
	}
	return sums, nil
}

func (s *Store) CreateDebt(_ context.Context, debt domain.Debt) (*domain.Debt, error) {
	if debt.ID == "" {
		debt.ID = xid.New("debt")
	}
	s.debtMu.Lock()
	defer s.debtMu.Unlock()
	if _, exists := s.debts[debt.ID]; exists {
		return nil, store.ErrDuplicate
	}
	stored := cloneDebt(debt)
	s.debts[debt.ID] = &stored
	out := cloneDebt(stored)
	return &out, nil
}

func (s *Store) GetDebt(_ context.Context, debtID string) (*domain.Debt, error) {
	s.debtMu.RLock()
	defer s.debtMu.RUnlock()
	d, ok := s.debts[debtID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneDebt(*d)
	return &out, nil
}

func (s *Store) FindDebtBySale(_ context.Context, saleID string) (*domain.Debt, error) {
	s.debtMu.RLock()
	defer s.debtMu.RUnlock()
	for _, d := range s.debts {
		if d.SaleID == saleID {
			out := cloneDebt(*d)
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListOpenDebts(_ context.Context, shopID string, customerID string) ([]domain.Debt, error) {
	s.debtMu.RLock()
	defer s.debtMu.RUnlock()
	result := make([]domain.Debt, 0, 8)
	for _, d := range s.debts {
		if d.ShopID == shopID && d.CustomerID == customerID && d.Status == domain.DebtOpen {
			result = append(result, cloneDebt(*d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) AddDebtPayment(_ context.Context, payment domain.DebtPayment) (*domain.Debt, error) {
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	s.debtMu.Lock()
	defer s.debtMu.Unlock()
	d, ok := s.debts[payment.DebtID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if d.Status != domain.DebtOpen || payment.AmountCents <= 0 || payment.AmountCents > d.RemainingCents() {
		return nil, store.ErrStateConflict
	}
	d.PaidCents += payment.AmountCents
	if d.PaidCents >= d.PrincipalCents {
		d.Status = domain.DebtSettled
		at := payment.CreatedAt
		d.SettledAt = &at
	}
	s.debtPayments[d.ID] = append(s.debtPayments[d.ID], payment)
	out := cloneDebt(*d)
	return &out, nil
}

func (s *Store) ListDebtPayments(_ context.Context, debtID string) ([]domain.DebtPayment, error) {
	s.debtMu.RLock()
	defer s.debtMu.RUnlock()
	return slices.Clone(s.debtPayments[debtID]), nil
}

func (s *Store) CancelDebt(_ context.Context, debtID string, at time.Time) (*domain.Debt, error) {
	s.debtMu.Lock()
	defer s.debtMu.Unlock()
	d, ok := s.debts[debtID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if d.Status != domain.DebtOpen || d.PaidCents != 0 || len(s.debtPayments[debtID]) > 0 {
		return nil, store.ErrStateConflict
	}
	d.Status = domain.DebtCancelled
	d.CancelledAt = &at
	out := cloneDebt(*d)
	return &out, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.saleMu.Lock()
	defer s.saleMu.Unlock()
	if _, exists := s.sales[sale.ID]; exists {
		return nil, store.ErrDuplicate
	}
	if sale.IdempotencyKey != "" {
		idemKey := stockKey(sale.ShopID, sale.IdempotencyKey)
		if _, exists := s.salesByIdem[idemKey]; exists {
			return nil, store.ErrDuplicate
		}
		s.salesByIdem[idemKey] = sale.ID
	}
	stored := cloneSale(sale)
	s.sales[sale.ID] = &stored
	out := cloneSale(stored)
	return &out, nil
}

func (s *Store) GetSale(_ context.Context, shopID string, saleID string) (*domain.Sale, error) {
	s.saleMu.RLock()
	defer s.saleMu.RUnlock()
	sale, ok := s.sales[saleID]
	if !ok || sale.ShopID != shopID {
		return nil, store.ErrNotFound
	}
	out := cloneSale(*sale)
	return &out, nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, shopID string, key string) (*domain.Sale, error) {
	s.saleMu.RLock()
	defer s.saleMu.RUnlock()
	id, ok := s.salesByIdem[stockKey(shopID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(*s.sales[id])
	return &out, nil
}

func (s *Store) VoidSale(_ context.Context, saleID string, reason string, by string, at time.Time) (*domain.Sale, error) {
	s.saleMu.Lock()
	defer s.saleMu.Unlock()
	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleCompleted {
		return nil, store.ErrStateConflict
	}
	sale.Status = domain.SaleVoid
	sale.VoidReason = reason
	sale.VoidedBy = by
	sale.VoidedAt = &at
	out := cloneSale(*sale)
	return &out, nil
}

func (s *Store) ListSales(_ context.Context, shopID string, from time.Time, to time.Time) ([]domain.Sale, error) {
	s.saleMu.RLock()
	defer s.saleMu.RUnlock()
	result := make([]domain.Sale, 0, 32)
	for _, sale := range s.sales {
		if sale.ShopID != shopID || sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		result = append(result, cloneSale(*sale))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) CreateIntent(_ context.Context, intent domain.PostingIntent) error {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()
	if _, exists := s.intents[intent.ID]; exists {
		return store.ErrDuplicate
	}
	intent.Steps = slices.Clone(intent.Steps)
	s.intents[intent.ID] = intent
	return nil
}

func (s *Store) UpdateIntent(_ context.Context, intent domain.PostingIntent) error {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()
	if _, exists := s.intents[intent.ID]; !exists {
		return store.ErrNotFound
	}
	intent.Steps = slices.Clone(intent.Steps)
	s.intents[intent.ID] = intent
	return nil
}

func (s *Store) ListPendingIntents(_ context.Context, olderThan time.Time) ([]domain.PostingIntent, error) {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()
	result := make([]domain.PostingIntent, 0, 4)
	for _, intent := range s.intents {
		if intent.Status == domain.IntentPending && intent.UpdatedAt.Before(olderThan) {
			intent.Steps = slices.Clone(intent.Steps)
			result = append(result, intent)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Intent is a test hook for inspecting saga markers.
func (s *Store) Intent(id string) (domain.PostingIntent, bool) {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()
	intent, ok := s.intents[id]
	return intent, ok
}

func (s *Store) GetSummary(_ context.Context, shopID string, date string) (*domain.RevenueSummary, error) {
	s.revenueMu.Lock()
	defer s.revenueMu.Unlock()
	row, ok := s.summaries[stockKey(shopID, date)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSummary(row.summary)
	return &out, nil
}

func (s *Store) ListSummaries(_ context.Context, shopID string, fromDate string, toDate string) ([]domain.RevenueSummary, error) {
	s.revenueMu.Lock()
	defer s.revenueMu.Unlock()
	result := make([]domain.RevenueSummary, 0, 8)
	for _, row := range s.summaries {
		if row.summary.ShopID != shopID || row.summary.Date < fromDate || row.summary.Date > toDate {
			continue
		}
		result = append(result, cloneSummary(row.summary))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date < result[j].Date })
	return result, nil
}

func (s *Store) ApplySummaryDelta(_ context.Context, key string, delta domain.RevenueSummary) (bool, error) {
	s.revenueMu.Lock()
	defer s.revenueMu.Unlock()
	rowKey := stockKey(delta.ShopID, delta.Date)
	row, ok := s.summaries[rowKey]
	if !ok {
		row = &summaryRow{
			summary: domain.RevenueSummary{ShopID: delta.ShopID, Date: delta.Date, ByMethod: map[domain.PaymentMethod]int64{}},
			applied: make(map[string]bool),
		}
		s.summaries[rowKey] = row
	}
	if row.applied[key] {
		return false, nil
	}
	row.summary.Add(delta)
	row.summary.UpdatedAt = time.Now().UTC()
	row.applied[key] = true
	return true, nil
}

func (s *Store) ReplaceSummary(_ context.Context, summary domain.RevenueSummary, appliedKeys []string) error {
	s.revenueMu.Lock()
	defer s.revenueMu.Unlock()
	applied := make(map[string]bool, len(appliedKeys))
	for _, key := range appliedKeys {
		applied[key] = true
	}
	s.summaries[stockKey(summary.ShopID, summary.Date)] = &summaryRow{summary: cloneSummary(summary), applied: applied}
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrDuplicate
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	u, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.usersByUsername[username] = u
	return nil
}

func cloneSale(src domain.Sale) domain.Sale {
	dst := src
	dst.Items = slices.Clone(src.Items)
	if src.VoidedAt != nil {
		at := *src.VoidedAt
		dst.VoidedAt = &at
	}
	return dst
}

func cloneDebt(src domain.Debt) domain.Debt {
	dst := src
	if src.SettledAt != nil {
		at := *src.SettledAt
		dst.SettledAt = &at
	}
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dst.CancelledAt = &at
	}
	return dst
}

func cloneSummary(src domain.RevenueSummary) domain.RevenueSummary {
	dst := src
	dst.ByMethod = make(map[domain.PaymentMethod]int64, len(src.ByMethod))
	for k, v := range src.ByMethod {
		dst.ByMethod[k] = v
	}
	return dst
}
