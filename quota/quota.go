// Package quota implements an optional resource limiter wrapping a
// component's operations: memory, cpu-ms, and io-ops charged against
// per-component quotas. A charge that would exceed a quota fails with
// QuotaExceeded instead of merely being counted, and crossing a configured
// percentage threshold fires a callback exactly once per crossing,
// edge-triggered like the circular buffer's threshold.
package quota

import (
	"sync"

	"github.com/obinexus/libpolycall/audit"
	"github.com/obinexus/libpolycall/polyerr"
)

// Resource names one of the three countable resources.
type Resource string

const (
	Memory Resource = "memory"
	CPUMs  Resource = "cpu_ms"
	IOOps  Resource = "io_ops"
)

// ThresholdFunc is invoked the instant a resource's usage crosses its
// configured percentage threshold upward.
type ThresholdFunc func(r Resource, used, limit int64)

// Config bounds one component's quotas: a limit per resource and the
// percentage (0,1] of that limit at which ThresholdFunc fires.
type Config struct {
	Limits           map[Resource]int64
	ThresholdPercent float64
	OnThreshold      ThresholdFunc
}

type counter struct {
	limit int64
	used  int64
	fired bool
}

// Limiter wraps a component's operations, tracking usage against
// per-resource quotas. Exhaustion fails the operation with QuotaExceeded
// and records an audit event; it never kills the process.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	counters map[Resource]*counter
	sink     audit.Sink
	owner    string
}

// New builds a Limiter for a named owner component (used only in audit
// detail, e.g. "stream" or "token"), recording each rejected charge through
// sink.
func New(owner string, cfg Config, sink audit.Sink) *Limiter {
	if cfg.ThresholdPercent <= 0 || cfg.ThresholdPercent > 1 {
		cfg.ThresholdPercent = 0.8
	}
	counters := make(map[Resource]*counter, len(cfg.Limits))
	for r, limit := range cfg.Limits {
		counters[r] = &counter{limit: limit}
	}
	return &Limiter{cfg: cfg, counters: counters, sink: sink, owner: owner}
}

// Charge attempts to add amount to resource r's usage. If the quota has no
// configured limit for r, the charge always succeeds uncounted (only
// explicitly quota'd resources are enforced). Exceeding the limit returns
// QuotaExceeded and leaves usage unchanged.
func (l *Limiter) Charge(r Resource, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[r]
	if !ok {
		return nil
	}
	if c.used+amount > c.limit {
		l.sink.Emit(audit.Event{
			Kind:     audit.KindCustom,
			Resource: l.owner,
			Action:   "quota:" + string(r),
			Success:  false,
			Details:  map[string]interface{}{"used": c.used, "requested": amount, "limit": c.limit},
		})
		return polyerr.New(polyerr.CodeQuotaExceeded, string(r)+" quota exceeded for "+l.owner)
	}
	c.used += amount

	thresholdLevel := int64(float64(c.limit) * l.cfg.ThresholdPercent)
	if c.used >= thresholdLevel {
		if !c.fired {
			c.fired = true
			if l.cfg.OnThreshold != nil {
				l.cfg.OnThreshold(r, c.used, c.limit)
			}
		}
	} else {
		c.fired = false
	}
	return nil
}

// Release gives back amount of previously charged usage, e.g. after a
// buffer drains or a token is revoked and its bookkeeping cost is freed.
func (l *Limiter) Release(r Resource, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[r]
	if !ok {
		return
	}
	c.used -= amount
	if c.used < 0 {
		c.used = 0
	}
	if c.used < int64(float64(c.limit)*l.cfg.ThresholdPercent) {
		c.fired = false
	}
}

// Used reports current usage of r.
func (l *Limiter) Used(r Resource) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.counters[r]; ok {
		return c.used
	}
	return 0
}

// Guard charges r before running fn and releases the charge if fn fails,
// the common "reserve, attempt, refund-on-failure" shape every quota'd
// operation in this module follows.
func (l *Limiter) Guard(r Resource, amount int64, fn func() error) error {
	if err := l.Charge(r, amount); err != nil {
		return err
	}
	if err := fn(); err != nil {
		l.Release(r, amount)
		return err
	}
	return nil
}
