package store

import (
	"context"
	"errors"
	"time"

	"tokoledger/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicate         = errors.New("duplicate")
	// ErrStateConflict means a conditional update found the row in another state.
	ErrStateConflict = errors.New("state conflict")
	// ErrSerialization wraps backend lock timeouts and serialization failures.
	ErrSerialization = errors.New("serialization failure")
)

// StockShortfall is returned wrapped around ErrInsufficientStock so callers
// can report the quantity that was actually on hand.
type StockShortfall struct {
	Available int
}

func (e *StockShortfall) Error() string { return ErrInsufficientStock.Error() }
func (e *StockShortfall) Unwrap() error { return ErrInsufficientStock }

type Catalog interface {
	GetProduct(ctx context.Context, shopID string, productID string) (*domain.Product, error)
	GetProducts(ctx context.Context, shopID string, productIDs []string) (map[string]domain.Product, error)
	GetCustomer(ctx context.Context, shopID string, customerID string) (*domain.Customer, error)
}

type Inventory interface {
	GetStockLevel(ctx context.Context, shopID string, productID string) (domain.StockLevel, error)
	ListStockLevels(ctx context.Context, shopID string) ([]domain.StockLevel, error)
	// ApplyMovement appends the movement and moves the level by its delta in
	// one atomic step, failing with ErrInsufficientStock if the level would
	// drop below zero.
	ApplyMovement(ctx context.Context, movement domain.StockMovement) (domain.StockLevel, error)
	ListMovements(ctx context.Context, shopID string, productID string, limit int) ([]domain.StockMovement, error)
	ListMovementsBySale(ctx context.Context, shopID string, saleID string) ([]domain.StockMovement, error)
	SumMovements(ctx context.Context, shopID string) (map[string]int, error)
}

type Debts interface {
	CreateDebt(ctx context.Context, debt domain.Debt) (*domain.Debt, error)
	GetDebt(ctx context.Context, debtID string) (*domain.Debt, error)
	FindDebtBySale(ctx context.Context, saleID string) (*domain.Debt, error)
	ListOpenDebts(ctx context.Context, shopID string, customerID string) ([]domain.Debt, error)
	// AddDebtPayment stores the payment and advances the debt in one step.
	// It fails with ErrStateConflict unless the debt is OPEN and the amount
	// fits the remaining principal.
	AddDebtPayment(ctx context.Context, payment domain.DebtPayment) (*domain.Debt, error)
	ListDebtPayments(ctx context.Context, debtID string) ([]domain.DebtPayment, error)
	// CancelDebt moves an OPEN debt with no payments to CANCELLED, else ErrStateConflict.
	CancelDebt(ctx context.Context, debtID string, at time.Time) (*domain.Debt, error)
}

type Sales interface {
	// CreateSale fails with ErrDuplicate when the idempotency key is taken.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, shopID string, saleID string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, shopID string, key string) (*domain.Sale, error)
	// VoidSale moves a COMPLETED sale to VOID, else ErrStateConflict.
	VoidSale(ctx context.Context, saleID string, reason string, by string, at time.Time) (*domain.Sale, error)
	ListSales(ctx context.Context, shopID string, from time.Time, to time.Time) ([]domain.Sale, error)
}

type Intents interface {
	CreateIntent(ctx context.Context, intent domain.PostingIntent) error
	UpdateIntent(ctx context.Context, intent domain.PostingIntent) error
	ListPendingIntents(ctx context.Context, olderThan time.Time) ([]domain.PostingIntent, error)
}

type Revenue interface {
	GetSummary(ctx context.Context, shopID string, date string) (*domain.RevenueSummary, error)
	ListSummaries(ctx context.Context, shopID string, fromDate string, toDate string) ([]domain.RevenueSummary, error)
	// ApplySummaryDelta adds delta to the (shop, date) row unless key was
	// already applied to it. It reports whether the delta was applied.
	ApplySummaryDelta(ctx context.Context, key string, delta domain.RevenueSummary) (bool, error)
	// ReplaceSummary overwrites the row and its applied-key set.
	ReplaceSummary(ctx context.Context, summary domain.RevenueSummary, appliedKeys []string) error
}

type Users interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Catalog
	Inventory
	Debts
	Sales
	Intents
	Revenue
	Users
}
