package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mzansibay/platform/internal/circuitbreaker"
)

const sweepBreakerKey = "escrow_sweep"

// Timer periodically sweeps funded escrows whose hold period has elapsed
// and auto-releases them to the seller. A circuit breaker skips sweeps
// while the store is failing so a sick database is not hammered every tick.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	breaker  *circuitbreaker.Breaker
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow auto-release timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		breaker:  circuitbreaker.New(3, 2*time.Minute),
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the auto-release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeReleaseDue(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeReleaseDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.releaseDue(ctx)
}

func (t *Timer) releaseDue(ctx context.Context) {
	if !t.breaker.Allow(sweepBreakerKey) {
		return
	}

	due, err := t.store.ListAutoReleasable(ctx, time.Now(), 100)
	if err != nil {
		t.breaker.RecordFailure(sweepBreakerKey)
		t.logger.Warn("failed to list auto-releasable escrows", "error", err)
		return
	}
	t.breaker.RecordSuccess(sweepBreakerKey)

	for _, escrow := range due {
		if err := t.service.AutoRelease(ctx, escrow); err != nil {
			// Lost races are expected: another caller settled it first.
			if errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrInvalidStatus) {
				continue
			}
			t.logger.Warn("failed to auto-release escrow",
				"escrow_id", escrow.ID,
				"error", err,
			)
			continue
		}
		t.logger.Info("auto-released escrow",
			"escrow_id", escrow.ID,
			"buyer_id", escrow.BuyerID,
			"seller_id", escrow.SellerID,
			"amount", escrow.Amount,
		)
	}
}
