// Package lock provides keyed mutual exclusion with bounded waits. Keys are
// scoped per customer, debt or sale so unrelated checkouts never contend.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tokoledger/backend/internal/domain"
)

const DefaultTimeout = 3 * time.Second

const (
	keyCustomer = "lock:customer:%s:%s"
	keyDebt     = "lock:debt:%s"
	keySale     = "lock:sale:%s"
	keyIdem     = "lock:idempotency:%s:%s"
)

func CustomerKey(shopID, customerID string) string {
	return fmt.Sprintf(keyCustomer, shopID, customerID)
}
func DebtKey(debtID string) string { return fmt.Sprintf(keyDebt, debtID) }
func SaleKey(saleID string) string { return fmt.Sprintf(keySale, saleID) }

// IdempotencyKey serializes retries of one checkout so only the first posts.
func IdempotencyKey(shopID, key string) string { return fmt.Sprintf(keyIdem, shopID, key) }

// Release must be called exactly once after a successful Acquire.
type Release func()

type Locker interface {
	// Acquire blocks until key is held, ctx ends, or the locker's timeout
	// elapses. Timeouts are reported as *domain.ConcurrencyConflictError.
	Acquire(ctx context.Context, key string) (Release, error)
}

type slot struct {
	ch   chan struct{}
	refs int
}

// KeyedLocker is an in-process Locker. Idle keys are dropped from the map.
type KeyedLocker struct {
	mu      sync.Mutex
	slots   map[string]*slot
	timeout time.Duration
}

func NewKeyedLocker(timeout time.Duration) *KeyedLocker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &KeyedLocker{slots: make(map[string]*slot), timeout: timeout}
}

func (l *KeyedLocker) Acquire(ctx context.Context, key string) (Release, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.unref(key, s)
			})
		}, nil
	case <-timer.C:
		l.unref(key, s)
		return nil, &domain.ConcurrencyConflictError{Resource: key, Err: fmt.Errorf("lock wait exceeded %s", l.timeout)}
	case <-ctx.Done():
		l.unref(key, s)
		return nil, &domain.ConcurrencyConflictError{Resource: key, Err: ctx.Err()}
	}
}

func (l *KeyedLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 && l.slots[key] == s {
		delete(l.slots, key)
	}
}
