// Package governor implements the Job Concurrency Governor (spec.md
// §4.E): a per-client (remote address) and global concurrent-job cap,
// plus the token-bucket admission-smoothing layer described in
// SPEC_FULL.md §5.w.
package governor

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// ErrRejected is returned by TryEnter when the per-client or global cap is
// already at its limit, or the client's rate bucket is empty. Rejection is
// always non-blocking, per spec.md §4.E.
var ErrRejected = errors.New("governor: rejected")

// Token represents one admitted job. Leave must be called exactly once;
// a second call is a no-op, mirroring the Job's own single-consumption
// slot-handle contract in spec.md §9.
type Token struct {
	key      string
	g        *Governor
	consumed atomic.Bool
}

// Leave releases the token's slot in the per-client and global counters.
func (t *Token) Leave() {
	if !t.consumed.CompareAndSwap(false, true) {
		return
	}
	t.g.leave(t.key)
}

// Governor is a small keyed counter with atomic increment/decrement under
// a single lock, as spec.md §9 prescribes.
type Governor struct {
	mu           sync.Mutex
	perClient    map[string]int
	perClientCap int
	global       int
	globalCap    int

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func New(perClientCap, globalCap int, ratePerSec float64, burst int) *Governor {
	return &Governor{
		perClient:    make(map[string]int),
		perClientCap: perClientCap,
		globalCap:    globalCap,
		limiters:     make(map[string]*rate.Limiter),
		rate:         rate.Limit(ratePerSec),
		burst:        burst,
	}
}

// TryEnter admits one job for key (the client's remote address), checking
// the hard per-client and global caps first and only then consuming a
// token from the soft rate bucket — a job already rejected by the hard
// caps was never admitted, so it must not also cost the client a token
// it could have spent on a job that could actually run.
func (g *Governor) TryEnter(key string) (*Token, error) {
	g.mu.Lock()
	if g.global >= g.globalCap || g.perClient[key] >= g.perClientCap {
		g.mu.Unlock()
		return nil, ErrRejected
	}
	g.mu.Unlock()

	if !g.limiterFor(key).Allow() {
		return nil, ErrRejected
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.global >= g.globalCap || g.perClient[key] >= g.perClientCap {
		return nil, ErrRejected
	}

	g.global++
	g.perClient[key]++
	return &Token{key: key, g: g}, nil
}

func (g *Governor) leave(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.global > 0 {
		g.global--
	}
	if g.perClient[key] > 0 {
		g.perClient[key]--
		if g.perClient[key] == 0 {
			delete(g.perClient, key)
		}
	}
}

func (g *Governor) limiterFor(key string) *rate.Limiter {
	g.limMu.Lock()
	defer g.limMu.Unlock()
	lim, ok := g.limiters[key]
	if !ok {
		lim = rate.NewLimiter(g.rate, g.burst)
		g.limiters[key] = lim
	}
	return lim
}

// Live reports the current global and per-client live-token counts, for
// tests and operator introspection.
func (g *Governor) Live(key string) (perClient, global int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perClient[key], g.global
}
