package domain

import "time"

type Product struct {
	ID                string    `json:"id"`
	ShopID            string    `json:"shop_id"`
	SKU               string    `json:"sku"`
	Barcode           string    `json:"barcode,omitempty"`
	Name              string    `json:"name"`
	CategoryID        string    `json:"category_id,omitempty"`
	CostPriceCents    int64     `json:"cost_price_cents"`
	SellingPriceCents int64     `json:"selling_price_cents"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
}

type StockLevel struct {
	ShopID       string    `json:"shop_id"`
	ProductID    string    `json:"product_id"`
	Quantity     int       `json:"quantity"`
	ReorderLevel int       `json:"reorder_level"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NeedsReorder reports whether the level is at or below its reorder threshold.
func (s StockLevel) NeedsReorder() bool {
	return s.Quantity <= s.ReorderLevel
}

type MovementReason string

const (
	MovementSale       MovementReason = "SALE"
	MovementRestock    MovementReason = "RESTOCK"
	MovementAdjustment MovementReason = "ADJUSTMENT"
	MovementReturn     MovementReason = "RETURN"
)

func (r MovementReason) Valid() bool {
	switch r {
	case MovementSale, MovementRestock, MovementAdjustment, MovementReturn:
		return true
	}
	return false
}

// StockMovement is append-only. ReversalOf points at the movement a
// RETURN entry negates.
type StockMovement struct {
	ID         string         `json:"id"`
	ShopID     string         `json:"shop_id"`
	ProductID  string         `json:"product_id"`
	Delta      int            `json:"delta"`
	Reason     MovementReason `json:"reason"`
	SaleID     string         `json:"sale_id,omitempty"`
	ReversalOf string         `json:"reversal_of,omitempty"`
	Note       string         `json:"note,omitempty"`
	CreatedBy  string         `json:"created_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Customer struct {
	ID               string    `json:"id"`
	ShopID           string    `json:"shop_id"`
	Name             string    `json:"name"`
	Phone            string    `json:"phone,omitempty"`
	CreditLimitCents int64     `json:"credit_limit_cents"`
	SoftCreditLimit  bool      `json:"soft_credit_limit"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "CASH"
	PaymentCard   PaymentMethod = "CARD"
	PaymentMobile PaymentMethod = "MOBILE"
	PaymentBank   PaymentMethod = "BANK"
	PaymentCredit PaymentMethod = "CREDIT"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentMobile, PaymentBank, PaymentCredit:
		return true
	}
	return false
}

type SaleStatus string

const (
	SaleCompleted SaleStatus = "COMPLETED"
	SaleVoid      SaleStatus = "VOID"
)

type Sale struct {
	ID                  string        `json:"id"`
	InvoiceNumber       string        `json:"invoice_number"`
	ShopID              string        `json:"shop_id"`
	CashierID           string        `json:"cashier_id"`
	CustomerID          string        `json:"customer_id,omitempty"`
	IdempotencyKey      string        `json:"idempotency_key,omitempty"`
	PaymentMethod       PaymentMethod `json:"payment_method"`
	SubtotalCents       int64         `json:"subtotal_cents"`
	DiscountCents       int64         `json:"discount_cents"`
	TaxCents            int64         `json:"tax_cents"`
	TotalCents          int64         `json:"total_cents"`
	AmountTenderedCents int64         `json:"amount_tendered_cents"`
	ChangeCents         int64         `json:"change_cents"`
	Status              SaleStatus    `json:"status"`
	DebtID              string        `json:"debt_id,omitempty"`
	Items               []SaleItem    `json:"items"`
	CreatedAt           time.Time     `json:"created_at"`
	VoidedAt            *time.Time    `json:"voided_at,omitempty"`
	VoidReason          string        `json:"void_reason,omitempty"`
	VoidedBy            string        `json:"voided_by,omitempty"`
}

// CostCents is the sum of unit cost times quantity over all items.
func (s Sale) CostCents() int64 {
	total := int64(0)
	for _, item := range s.Items {
		total += item.UnitCostCents * int64(item.Quantity)
	}
	return total
}

type SaleItem struct {
	ProductID         string `json:"product_id"`
	SKU               string `json:"sku"`
	Quantity          int    `json:"quantity"`
	UnitPriceCents    int64  `json:"unit_price_cents"`
	UnitCostCents     int64  `json:"unit_cost_cents"`
	PriceOverridden   bool   `json:"price_overridden,omitempty"`
	LineDiscountCents int64  `json:"line_discount_cents"`
	LineTotalCents    int64  `json:"line_total_cents"`
}

type DebtStatus string

const (
	DebtOpen      DebtStatus = "OPEN"
	DebtSettled   DebtStatus = "SETTLED"
	DebtCancelled DebtStatus = "CANCELLED"
)

type Debt struct {
	ID             string     `json:"id"`
	ShopID         string     `json:"shop_id"`
	CustomerID     string     `json:"customer_id"`
	SaleID         string     `json:"sale_id,omitempty"`
	PrincipalCents int64      `json:"principal_cents"`
	PaidCents      int64      `json:"paid_cents"`
	Status         DebtStatus `json:"status"`
	DueDate        time.Time  `json:"due_date"`
	CreatedBy      string     `json:"created_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

func (d Debt) RemainingCents() int64 {
	remaining := d.PrincipalCents - d.PaidCents
	if remaining < 0 {
		return 0
	}
	return remaining
}

type DebtPayment struct {
	ID          string        `json:"id"`
	DebtID      string        `json:"debt_id"`
	ShopID      string        `json:"shop_id"`
	AmountCents int64         `json:"amount_cents"`
	Method      PaymentMethod `json:"method"`
	Note        string        `json:"note,omitempty"`
	CreatedBy   string        `json:"created_by,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

type AgingBucket string

const (
	AgingCurrent AgingBucket = "0-30"
	Aging31To60  AgingBucket = "31-60"
	Aging61To90  AgingBucket = "61-90"
	AgingOver90  AgingBucket = "90+"
)

type DebtAging struct {
	DebtID          string      `json:"debt_id"`
	SaleID          string      `json:"sale_id,omitempty"`
	RemainingCents  int64       `json:"remaining_cents"`
	DaysOutstanding int         `json:"days_outstanding"`
	DueDate         time.Time   `json:"due_date"`
	Overdue         bool        `json:"overdue"`
	Bucket          AgingBucket `json:"bucket"`
}

type AgingReport struct {
	ShopID           string                `json:"shop_id"`
	CustomerID       string                `json:"customer_id"`
	AsOf             time.Time             `json:"as_of"`
	OutstandingCents int64                 `json:"outstanding_cents"`
	OverdueCents     int64                 `json:"overdue_cents"`
	ByBucket         map[AgingBucket]int64 `json:"by_bucket"`
	Debts            []DebtAging           `json:"debts"`
}

type RevenueSummary struct {
	ShopID          string                  `json:"shop_id"`
	Date            string                  `json:"date"`
	Transactions    int                     `json:"transactions"`
	GrossSalesCents int64                   `json:"gross_sales_cents"`
	DiscountCents   int64                   `json:"discount_cents"`
	TaxCents        int64                   `json:"tax_cents"`
	NetSalesCents   int64                   `json:"net_sales_cents"`
	TotalCents      int64                   `json:"total_cents"`
	CostCents       int64                   `json:"cost_cents"`
	ProfitCents     int64                   `json:"profit_cents"`
	ByMethod        map[PaymentMethod]int64 `json:"by_method"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentCommitted IntentStatus = "COMMITTED"
	IntentAborted   IntentStatus = "ABORTED"
)

// PostingIntent marks a sale whose side effects are being applied. A PENDING
// intent that outlives its process is compensated or rolled forward on recovery.
type PostingIntent struct {
	ID        string       `json:"id"`
	ShopID    string       `json:"shop_id"`
	SaleID    string       `json:"sale_id"`
	Status    IntentStatus `json:"status"`
	Steps     []string     `json:"steps"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type CheckoutLine struct {
	ProductID              string `json:"product_id"`
	Quantity               int    `json:"quantity"`
	UnitPriceOverrideCents *int64 `json:"unit_price_override_cents,omitempty"`
	LineDiscountCents      int64  `json:"line_discount_cents"`
}

type CheckoutRequest struct {
	ShopID              string         `json:"shop_id"`
	CashierID           string         `json:"cashier_id"`
	CustomerID          string         `json:"customer_id,omitempty"`
	IdempotencyKey      string         `json:"idempotency_key,omitempty"`
	Lines               []CheckoutLine `json:"lines"`
	PaymentMethod       PaymentMethod  `json:"payment_method"`
	AmountTenderedCents int64          `json:"amount_tendered_cents"`
	DiscountCents       int64          `json:"discount_cents"`
	// TaxRate is a decimal fraction such as "0.10"; empty uses the engine default.
	TaxRate string `json:"tax_rate,omitempty"`
}

type PostedSale struct {
	Sale      Sale  `json:"sale"`
	Debt      *Debt `json:"debt,omitempty"`
	Duplicate bool  `json:"duplicate"`
}

type VoidSaleRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type DebtPaymentRequest struct {
	AmountCents int64         `json:"amount_cents"`
	Method      PaymentMethod `json:"method"`
	Note        string        `json:"note,omitempty"`
}

type DebtPaymentResult struct {
	Payment DebtPayment `json:"payment"`
	Debt    Debt        `json:"debt"`
}

// StockAdjustmentRequest is a manual stock change. RESTOCK takes a positive
// delta; ADJUSTMENT takes either sign, e.g. after a shelf count.
type StockAdjustmentRequest struct {
	Reason MovementReason `json:"reason"`
	Delta  int            `json:"delta"`
	Note   string         `json:"note,omitempty"`
}

type StockAdjustmentResult struct {
	Movement StockMovement `json:"movement"`
	Level    StockLevel    `json:"level"`
}

type UserAccount struct {
	Username  string
	Password  string
	Role      string
	ShopID    string
	Active    bool
	CreatedAt time.Time
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ShopID      string `json:"shop_id,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}
