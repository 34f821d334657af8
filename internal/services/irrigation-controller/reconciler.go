package irrigation_controller

import (
	"context"
	"log"
	"time"
)

// Ticker is the periodic timer driving reconciliation.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func NewTimeTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

type reconcileTarget interface {
	Reconcile(ctx context.Context) (Outcome, error)
}

// Reconciler re-runs the coordinator on a fixed period, independent of sensor traffic.
type Reconciler struct {
	target reconcileTarget
	ticker Ticker
}

func NewReconciler(target reconcileTarget, ticker Ticker) *Reconciler {
	return &Reconciler{target: target, ticker: ticker}
}

// Run blocks until ctx is cancelled. Failed ticks are retried on the next one.
func (r *Reconciler) Run(ctx context.Context) {
	defer r.ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ticker.C():
			out, err := r.target.Reconcile(ctx)
			if err != nil {
				log.Printf("reconcile: %v (retrying next tick)", err)
				continue
			}
			if out.Applied {
				log.Printf("reconcile: applied %s: %s", out.Decision, out.Reason)
			}
		}
	}
}
