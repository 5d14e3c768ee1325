package revenue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/logger"
)

// Applier is what the worker feeds. *Aggregator implements it.
type Applier interface {
	OnSalePosted(ctx context.Context, sale domain.Sale) error
	OnSaleVoided(ctx context.Context, sale domain.Sale) error
}

type eventKind int

const (
	kindPosted eventKind = iota
	kindVoided
)

func (k eventKind) String() string {
	if k == kindVoided {
		return "voided"
	}
	return "posted"
}

type task struct {
	kind eventKind
	sale domain.Sale
}

// Worker applies sale notifications off the request path. Failed applications
// are retried with doubling backoff; after maxAttempts the task is dropped and
// logged, and the day must be repaired with a rebuild.
type Worker struct {
	applier     Applier
	inbox       chan task
	maxAttempts int
	backoff     time.Duration
	log         zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	started sync.Once
}

func NewWorker(applier Applier, buffer int, maxAttempts int) *Worker {
	if buffer <= 0 {
		buffer = 1024
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{
		applier:     applier,
		inbox:       make(chan task, buffer),
		maxAttempts: maxAttempts,
		backoff:     100 * time.Millisecond,
		log:         logger.WithComponent("revenue-worker"),
		done:        make(chan struct{}),
	}
}

func (w *Worker) SalePosted(sale domain.Sale) { w.enqueue(task{kind: kindPosted, sale: sale}) }
func (w *Worker) SaleVoided(sale domain.Sale) { w.enqueue(task{kind: kindVoided, sale: sale}) }

// enqueue never blocks the caller; a full inbox drops the task with a warning.
func (w *Worker) enqueue(t task) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.log.Warn().Str("sale_id", t.sale.ID).Stringer("kind", t.kind).Msg("worker closed; summary update dropped")
		return
	}
	select {
	case w.inbox <- t:
	default:
		w.log.Warn().Str("sale_id", t.sale.ID).Stringer("kind", t.kind).Msg("revenue inbox full; summary update dropped")
	}
}

// Start runs the worker loop until Close is called. Queued tasks are drained
// before the loop exits.
func (w *Worker) Start(ctx context.Context) {
	w.started.Do(func() {
		go func() {
			defer close(w.done)
			for t := range w.inbox {
				w.process(ctx, t)
			}
		}()
	})
}

func (w *Worker) process(ctx context.Context, t task) {
	wait := w.backoff
	for attempt := 1; ; attempt++ {
		err := w.apply(ctx, t)
		if err == nil {
			return
		}
		if attempt >= w.maxAttempts {
			w.log.Error().Err(err).
				Str("shop_id", t.sale.ShopID).
				Str("sale_id", t.sale.ID).
				Stringer("kind", t.kind).
				Int("attempts", attempt).
				Msg("summary update abandoned; rebuild the day to repair")
			return
		}
		w.log.Warn().Err(err).Str("sale_id", t.sale.ID).Int("attempt", attempt).Dur("retry_in", wait).Msg("summary update failed")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			// Shutdown: one last try without waiting, then give up.
			if err := w.apply(context.Background(), t); err != nil {
				w.log.Error().Err(err).Str("sale_id", t.sale.ID).Msg("summary update lost during shutdown")
			}
			return
		}
		wait *= 2
	}
}

func (w *Worker) apply(ctx context.Context, t task) error {
	if t.kind == kindVoided {
		return w.applier.OnSaleVoided(ctx, t.sale)
	}
	return w.applier.OnSalePosted(ctx, t.sale)
}

// Close stops accepting tasks and waits for the queue to drain.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.inbox)
	w.mu.Unlock()

	w.started.Do(func() { close(w.done) })
	<-w.done
}
