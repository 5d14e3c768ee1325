// Package debt tracks customer credit: debts raised by under-paid sales,
// payments against them, and aging of what is still open.
package debt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/lock"
	"tokoledger/backend/internal/logger"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

const DefaultTermDays = 30

type Dependencies struct {
	Debts   store.Debts
	Catalog store.Catalog
	Locker  lock.Locker
}

type DebtInput struct {
	ShopID         string
	CustomerID     string
	SaleID         string
	PrincipalCents int64
	CreatedBy      string
}

type PaymentInput struct {
	ShopID      string
	DebtID      string
	AmountCents int64
	Method      domain.PaymentMethod
	Note        string
	CreatedBy   string
}

type Ledger struct {
	debts    store.Debts
	catalog  store.Catalog
	locker   lock.Locker
	termDays int
	log      zerolog.Logger
	now      func() time.Time
}

func NewLedger(deps Dependencies, termDays int) *Ledger {
	if termDays <= 0 {
		termDays = DefaultTermDays
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewKeyedLocker(lock.DefaultTimeout)
	}
	return &Ledger{
		debts:    deps.Debts,
		catalog:  deps.Catalog,
		locker:   locker,
		termDays: termDays,
		log:      logger.WithComponent("debt"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OutstandingBalance sums the remaining principal of the customer's OPEN debts.
func (l *Ledger) OutstandingBalance(ctx context.Context, shopID, customerID string) (int64, error) {
	open, err := l.debts.ListOpenDebts(ctx, shopID, customerID)
	if err != nil {
		return 0, err
	}
	total := int64(0)
	for _, d := range open {
		total += d.RemainingCents()
	}
	return total, nil
}

// CheckCredit is the advisory headroom check run before anything is written.
// RecordDebt repeats it under the customer lock.
func (l *Ledger) CheckCredit(ctx context.Context, shopID, customerID string, principalCents int64) error {
	customer, err := l.customer(ctx, shopID, customerID)
	if err != nil {
		return err
	}
	return l.checkLimit(ctx, customer, principalCents)
}

// RecordDebt raises a debt after re-checking the credit limit while holding
// the customer lock, so two concurrent credit sales cannot both pass.
func (l *Ledger) RecordDebt(ctx context.Context, in DebtInput) (domain.Debt, error) {
	if in.PrincipalCents <= 0 {
		return domain.Debt{}, domain.NewValidationError("principal_cents", "must be positive")
	}
	customer, err := l.customer(ctx, in.ShopID, in.CustomerID)
	if err != nil {
		return domain.Debt{}, err
	}

	release, err := l.locker.Acquire(ctx, lock.CustomerKey(in.ShopID, in.CustomerID))
	if err != nil {
		return domain.Debt{}, err
	}
	defer release()

	if err := l.checkLimit(ctx, customer, in.PrincipalCents); err != nil {
		return domain.Debt{}, err
	}

	now := l.now()
	created, err := l.debts.CreateDebt(ctx, domain.Debt{
		ID:             xid.New("debt"),
		ShopID:         in.ShopID,
		CustomerID:     in.CustomerID,
		SaleID:         in.SaleID,
		PrincipalCents: in.PrincipalCents,
		Status:         domain.DebtOpen,
		DueDate:        now.AddDate(0, 0, l.termDays),
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now,
	})
	if err != nil {
		return domain.Debt{}, translate(err, "customer:"+in.CustomerID)
	}
	return *created, nil
}

func (l *Ledger) checkLimit(ctx context.Context, customer *domain.Customer, principalCents int64) error {
	outstanding, err := l.OutstandingBalance(ctx, customer.ShopID, customer.ID)
	if err != nil {
		return err
	}
	if outstanding+principalCents <= customer.CreditLimitCents {
		return nil
	}
	if customer.SoftCreditLimit {
		l.log.Warn().
			Str("shop_id", customer.ShopID).
			Str("customer_id", customer.ID).
			Int64("outstanding_cents", outstanding).
			Int64("requested_cents", principalCents).
			Int64("limit_cents", customer.CreditLimitCents).
			Msg("soft credit limit exceeded")
		return nil
	}
	return &domain.CreditLimitExceededError{
		CustomerID:       customer.ID,
		LimitCents:       customer.CreditLimitCents,
		OutstandingCents: outstanding,
		RequestedCents:   principalCents,
	}
}

// RecordPayment applies a payment under the debt lock. A SETTLED debt has
// nothing remaining, so any further payment is an overpayment.
func (l *Ledger) RecordPayment(ctx context.Context, in PaymentInput) (domain.DebtPayment, domain.Debt, error) {
	if in.AmountCents <= 0 {
		return domain.DebtPayment{}, domain.Debt{}, domain.NewValidationError("amount_cents", "must be positive")
	}
	if in.Method == "" {
		in.Method = domain.PaymentCash
	}
	if !in.Method.Valid() || in.Method == domain.PaymentCredit {
		return domain.DebtPayment{}, domain.Debt{}, domain.NewValidationError("method", fmt.Sprintf("unsupported payment method %q", in.Method))
	}

	release, err := l.locker.Acquire(ctx, lock.DebtKey(in.DebtID))
	if err != nil {
		return domain.DebtPayment{}, domain.Debt{}, err
	}
	defer release()

	current, err := l.get(ctx, in.ShopID, in.DebtID)
	if err != nil {
		return domain.DebtPayment{}, domain.Debt{}, err
	}
	switch current.Status {
	case domain.DebtCancelled:
		return domain.DebtPayment{}, domain.Debt{}, domain.NewValidationError("debt", "debt was cancelled")
	case domain.DebtSettled:
		return domain.DebtPayment{}, domain.Debt{}, &domain.OverpaymentError{DebtID: current.ID, AttemptedCents: in.AmountCents}
	}
	if in.AmountCents > current.RemainingCents() {
		return domain.DebtPayment{}, domain.Debt{}, &domain.OverpaymentError{DebtID: current.ID, RemainingCents: current.RemainingCents(), AttemptedCents: in.AmountCents}
	}

	payment := domain.DebtPayment{
		ID:          xid.New("pay"),
		DebtID:      current.ID,
		ShopID:      current.ShopID,
		AmountCents: in.AmountCents,
		Method:      in.Method,
		Note:        strings.TrimSpace(in.Note),
		CreatedBy:   in.CreatedBy,
		CreatedAt:   l.now(),
	}
	updated, err := l.debts.AddDebtPayment(ctx, payment)
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return domain.DebtPayment{}, domain.Debt{}, &domain.ConcurrencyConflictError{Resource: "debt:" + current.ID, Err: err}
		}
		return domain.DebtPayment{}, domain.Debt{}, translate(err, "debt:"+current.ID)
	}
	if updated.Status == domain.DebtSettled {
		l.log.Info().Str("debt_id", updated.ID).Str("customer_id", updated.CustomerID).Msg("debt settled")
	}
	return payment, *updated, nil
}

// CancelForVoid cancels the debt a voided sale raised. It holds the debt lock
// so no payment can land between the check and the cancel.
func (l *Ledger) CancelForVoid(ctx context.Context, shopID, debtID, saleID string) (domain.Debt, error) {
	release, err := l.locker.Acquire(ctx, lock.DebtKey(debtID))
	if err != nil {
		return domain.Debt{}, err
	}
	defer release()
	return l.cancelLocked(ctx, shopID, debtID, saleID)
}

func (l *Ledger) cancelLocked(ctx context.Context, shopID, debtID, saleID string) (domain.Debt, error) {
	current, err := l.get(ctx, shopID, debtID)
	if err != nil {
		return domain.Debt{}, err
	}
	if current.Status == domain.DebtCancelled {
		return *current, nil
	}
	if current.PaidCents > 0 || current.Status != domain.DebtOpen {
		return domain.Debt{}, &domain.VoidNotAllowedError{SaleID: saleID, DebtID: debtID, Reason: "debt already has payments"}
	}
	cancelled, err := l.debts.CancelDebt(ctx, debtID, l.now())
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return domain.Debt{}, &domain.VoidNotAllowedError{SaleID: saleID, DebtID: debtID, Reason: "debt already has payments"}
		}
		return domain.Debt{}, translate(err, "debt:"+debtID)
	}
	return *cancelled, nil
}

func (l *Ledger) Get(ctx context.Context, shopID, debtID string) (domain.Debt, error) {
	d, err := l.get(ctx, shopID, debtID)
	if err != nil {
		return domain.Debt{}, err
	}
	return *d, nil
}

func (l *Ledger) FindBySale(ctx context.Context, saleID string) (*domain.Debt, error) {
	d, err := l.debts.FindDebtBySale(ctx, saleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return d, err
}

func (l *Ledger) Payments(ctx context.Context, shopID, debtID string) ([]domain.DebtPayment, error) {
	if _, err := l.get(ctx, shopID, debtID); err != nil {
		return nil, err
	}
	return l.debts.ListDebtPayments(ctx, debtID)
}

// Aging buckets the customer's open debts by days since they were raised.
func (l *Ledger) Aging(ctx context.Context, shopID, customerID string, asOf time.Time) (domain.AgingReport, error) {
	if _, err := l.customer(ctx, shopID, customerID); err != nil {
		return domain.AgingReport{}, err
	}
	open, err := l.debts.ListOpenDebts(ctx, shopID, customerID)
	if err != nil {
		return domain.AgingReport{}, err
	}
	if asOf.IsZero() {
		asOf = l.now()
	}

	report := domain.AgingReport{
		ShopID:     shopID,
		CustomerID: customerID,
		AsOf:       asOf,
		ByBucket:   make(map[domain.AgingBucket]int64, 4),
		Debts:      make([]domain.DebtAging, 0, len(open)),
	}
	for _, d := range open {
		days := int(asOf.Sub(d.CreatedAt).Hours() / 24)
		if days < 0 {
			days = 0
		}
		entry := domain.DebtAging{
			DebtID:          d.ID,
			SaleID:          d.SaleID,
			RemainingCents:  d.RemainingCents(),
			DaysOutstanding: days,
			DueDate:         d.DueDate,
			Overdue:         asOf.After(d.DueDate),
			Bucket:          bucketFor(days),
		}
		report.Debts = append(report.Debts, entry)
		report.ByBucket[entry.Bucket] += entry.RemainingCents
		report.OutstandingCents += entry.RemainingCents
		if entry.Overdue {
			report.OverdueCents += entry.RemainingCents
		}
	}
	sort.Slice(report.Debts, func(i, j int) bool { return report.Debts[i].DaysOutstanding > report.Debts[j].DaysOutstanding })
	return report, nil
}

func bucketFor(days int) domain.AgingBucket {
	switch {
	case days <= 30:
		return domain.AgingCurrent
	case days <= 60:
		return domain.Aging31To60
	case days <= 90:
		return domain.Aging61To90
	}
	return domain.AgingOver90
}

func (l *Ledger) customer(ctx context.Context, shopID, customerID string) (*domain.Customer, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, domain.NewValidationError("customer_id", "is required")
	}
	customer, err := l.catalog.GetCustomer(ctx, shopID, customerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NewValidationError("customer_id", fmt.Sprintf("unknown customer %q", customerID))
		}
		return nil, err
	}
	if !customer.Active {
		return nil, domain.NewValidationError("customer_id", "customer is inactive")
	}
	return customer, nil
}

func (l *Ledger) get(ctx context.Context, shopID, debtID string) (*domain.Debt, error) {
	d, err := l.debts.GetDebt(ctx, debtID)
	if err != nil {
		return nil, err
	}
	if d.ShopID != shopID {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func translate(err error, resource string) error {
	if errors.Is(err, store.ErrSerialization) {
		return &domain.ConcurrencyConflictError{Resource: resource, Err: err}
	}
	return err
}
