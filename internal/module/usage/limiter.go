// Package usage enforces per-caller and global daily quotas over a
// kvstore.Store.
//
// Counters are incremented with a plain read followed by a write. Concurrent
// requests for the same caller may both read the same count and both write
// count+1, under-counting by one. The quota is a soft cap, not a billing
// ledger, and this imprecision is accepted.
package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nerveband/content-checkmate-sub000/internal/module/kvstore"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/metrics"
	"go.uber.org/zap"
)

// Scope kinds used in counter keys.
const (
	ScopeCaller = "ip"
	ScopeGlobal = "global"

	globalScopeID = "all"
	dateLayout    = "2006-01-02"
)

// Limits holds the daily limits for one metered action.
type Limits struct {
	PerCaller int
	Global    int
}

// DefaultLimits returns the default daily limits.
func DefaultLimits() Limits {
	return Limits{PerCaller: 5, Global: 100}
}

// Quota is the result of a quota check.
type Quota struct {
	Allowed         bool `json:"allowed"`
	CallerRemaining int  `json:"callerRemaining"`
	GlobalRemaining int  `json:"globalRemaining"`
	CallerLimit     int  `json:"callerLimit"`
	GlobalLimit     int  `json:"globalLimit"`
}

// Config configures a Limiter.
type Config struct {
	// Namespace prefixes every counter key, e.g. "usage:analyze".
	Namespace string
	Limits    Limits
	// Salt keys the caller identity hash. Empty means unkeyed.
	Salt string
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used to derive the date key.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics records quota decisions and store errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// Limiter enforces fixed-window daily quotas.
type Limiter struct {
	store   kvstore.Store
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewLimiter creates a new limiter.
func NewLimiter(store kvstore.Store, cfg Config, logger *zap.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the configured limits.
func (l *Limiter) Limits() Limits {
	return l.cfg.Limits
}

// CheckQuota reports the caller's remaining quota for today. It never
// writes. Store read failures count as zero usage.
func (l *Limiter) CheckQuota(ctx context.Context, callerID string) Quota {
	date := l.dateKey()
	scopeID := ScopeID(callerID, l.cfg.Salt)

	callerCount := l.read(ctx, l.key(ScopeCaller, scopeID, date))
	globalCount := l.read(ctx, l.key(ScopeGlobal, globalScopeID, date))

	q := Quota{
		CallerRemaining: max(0, l.cfg.Limits.PerCaller-callerCount),
		GlobalRemaining: max(0, l.cfg.Limits.Global-globalCount),
		CallerLimit:     l.cfg.Limits.PerCaller,
		GlobalLimit:     l.cfg.Limits.Global,
	}
	q.Allowed = q.CallerRemaining > 0 && q.GlobalRemaining > 0

	decision := "allowed"
	if !q.Allowed {
		decision = "denied"
	}
	l.metrics.RecordQuotaDecision(l.cfg.Namespace, decision)

	return q
}

// RecordUsage charges one operation to the caller and to the global counter
// for today. Call it only after the metered operation succeeded. Store
// failures are logged and dropped.
func (l *Limiter) RecordUsage(ctx context.Context, callerID string) {
	date := l.dateKey()
	scopeID := ScopeID(callerID, l.cfg.Salt)

	l.increment(ctx, l.key(ScopeCaller, scopeID, date))
	l.increment(ctx, l.key(ScopeGlobal, globalScopeID, date))
}

func (l *Limiter) increment(ctx context.Context, key string) {
	count, err := l.get(ctx, key)
	if err != nil {
		// Writing now could overwrite a larger count with 1.
		l.logger.Warn("skip usage increment after read failure", zap.String("key", key), zap.Error(err))
		l.metrics.RecordStoreError("get")
		return
	}
	if err := l.store.Set(ctx, key, strconv.Itoa(count+1)); err != nil {
		l.logger.Warn("failed to record usage", zap.String("key", key), zap.Error(err))
		l.metrics.RecordStoreError("set")
	}
}

// read returns the stored count, or 0 when the store fails.
func (l *Limiter) read(ctx context.Context, key string) int {
	count, err := l.get(ctx, key)
	if err != nil {
		l.logger.Warn("usage store read failed, allowing request", zap.String("key", key), zap.Error(err))
		l.metrics.RecordStoreError("get")
		return 0
	}
	return count
}

func (l *Limiter) get(ctx context.Context, key string) (int, error) {
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		l.logger.Warn("ignoring malformed usage counter", zap.String("key", key), zap.String("value", raw))
		return 0, nil
	}
	return n, nil
}

func (l *Limiter) key(kind, scopeID, date string) string {
	return fmt.Sprintf("%s:%s:%s:%s", l.cfg.Namespace, kind, scopeID, date)
}

func (l *Limiter) dateKey() string {
	return l.now().UTC().Format(dateLayout)
}
