// Package reaper runs the Isolation Provider's periodic sweep: a
// backstop reconciliation loop, structurally identical to the teacher's
// session-TTL reaper, redirected from expiring sessions to re-asserting
// that every free sandbox slot is actually clean.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/p-arndt/sandbox-engine/internal/isolation"
)

type Reaper struct {
	provider *isolation.Provider
	interval time.Duration
	logger   *slog.Logger
}

func New(provider *isolation.Provider, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{provider: provider, interval: interval, logger: logger}
}

// Run sweeps immediately, then on every tick until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	r.sweep()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	exhaustedBefore := r.provider.Exhausted()
	r.provider.Sweep()
	if exhausted := r.provider.Exhausted(); exhausted != exhaustedBefore {
		r.logger.Warn("reaper: slot pool exhaustion observed since last sweep", "total_exhausted", exhausted)
	}
}
