package settlement

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// WorkerConfig controls the recovery loop.
type WorkerConfig struct {
	Interval time.Duration
	// PerSecond caps how many journalled settlements are re-sent per second.
	PerSecond float64
}

// Worker periodically re-drives journalled settlements, e.g. sessions abandoned when
// the page unloaded or whose settlement timed out.
type Worker struct {
	reconciler *Reconciler
	interval   time.Duration
	limiter    *rate.Limiter
}

// NewWorker 创建待结算恢复任务。
func NewWorker(reconciler *Reconciler, cfg WorkerConfig) *Worker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	perSecond := cfg.PerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &Worker{
		reconciler: reconciler,
		interval:   interval,
		limiter:    rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Run drains the journal every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := w.RunOnce(ctx); n > 0 {
				log.Printf("[worker] resolved %d pending settlement(s)", n)
			}
		}
	}
}

// RunOnce makes one pass over the journal and returns how many settlements were resolved.
// A failing entry never stops the pass.
func (w *Worker) RunOnce(ctx context.Context) int {
	pending, err := w.reconciler.Journal().List(ctx)
	if err != nil {
		log.Printf("[worker] failed to list pending settlements: %v", err)
		return 0
	}

	resolved := 0
	for _, entry := range pending {
		if err := w.limiter.Wait(ctx); err != nil {
			return resolved
		}

		_, err := w.reconciler.Settle(ctx, entry.Final)
		var rejected *RejectedError
		switch {
		case err == nil, errors.As(err, &rejected):
			resolved++
		case errors.Is(err, ErrInFlight):
		default:
			log.Printf("[worker] session=%s still pending: %v", entry.Final.SessionID, err)
		}
	}
	return resolved
}
