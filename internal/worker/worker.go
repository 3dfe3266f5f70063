package worker

import (
	"context"
	"time"

	"ticketing-service/internal/service"
	"ticketing-service/internal/util"

	"go.uber.org/zap"
)

// HoldSweeper periodically releases holds past their TTL. It is the only
// actor that moves expired holds to their terminal state; promote attempts
// on an expired hold fail but leave the hold for this sweep.
type HoldSweeper struct {
	reservations *service.Reservations
	interval     time.Duration
	logger       *zap.Logger
	stop         chan struct{}
	done         chan struct{}
}

// NewHoldSweeper creates a sweeper. interval <= 0 defaults to one minute.
func NewHoldSweeper(reservations *service.Reservations, interval time.Duration) *HoldSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HoldSweeper{
		reservations: reservations,
		interval:     interval,
		logger:       util.GetLogger(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (w *HoldSweeper) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.logger.Info("Hold sweeper started", zap.Duration("interval", w.interval))
		for {
			select {
			case <-ticker.C:
				w.sweep()
			case <-w.stop:
				w.logger.Info("Hold sweeper stopped")
				return
			}
		}
	}()
}

func (w *HoldSweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	swept, err := w.reservations.ExpireStaleHolds(ctx)
	util.HoldSweepLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		w.logger.Error("Hold sweep failed", zap.Error(err))
		return
	}
	if swept > 0 {
		w.logger.Info("Expired holds released", zap.Int("count", swept))
	}
}

// Stop terminates the loop and waits for it to exit.
func (w *HoldSweeper) Stop() {
	close(w.stop)
	<-w.done
}

// PaymentReconciler re-polls providers for payments stuck in pending or
// processing, recovering orders whose confirmation was lost to a crash or a
// client that never called back.
type PaymentReconciler struct {
	orders    *service.Orders
	interval  time.Duration
	staleness time.Duration
	logger    *zap.Logger
	stop      chan struct{}
	done      chan struct{}
}

// NewPaymentReconciler creates a reconciler. Zero durations fall back to a
// five minute interval and a ten minute staleness cutoff.
func NewPaymentReconciler(orders *service.Orders, interval, staleness time.Duration) *PaymentReconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleness <= 0 {
		staleness = 10 * time.Minute
	}
	return &PaymentReconciler{
		orders:    orders,
		interval:  interval,
		staleness: staleness,
		logger:    util.GetLogger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the reconcile loop until Stop is called.
func (w *PaymentReconciler) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.logger.Info("Payment reconciler started",
			zap.Duration("interval", w.interval),
			zap.Duration("staleness", w.staleness))
		for {
			select {
			case <-ticker.C:
				w.reconcile()
			case <-w.stop:
				w.logger.Info("Payment reconciler stopped")
				return
			}
		}
	}()
}

func (w *PaymentReconciler) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-w.staleness)
	reconciled, err := w.orders.ReconcileStalePayments(ctx, cutoff)
	if err != nil {
		w.logger.Error("Payment reconcile failed", zap.Error(err))
		return
	}
	if reconciled > 0 {
		w.logger.Info("Stale payments reconciled", zap.Int("count", reconciled))
	}
}

// Stop terminates the loop and waits for it to exit.
func (w *PaymentReconciler) Stop() {
	close(w.stop)
	<-w.done
}
