package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/donorrecon/internal/clock"
	"github.com/smallbiznis/donorrecon/internal/config"
	"go.uber.org/zap"
)

const (
	BackendRedis = "redis"
	BackendLocal = "local"

	minRetry = 10 * time.Millisecond
)

// Pacer spaces out calls that share one external rate budget.
type Pacer interface {
	Wait(ctx context.Context) error
	Backend() string
}

// Allower is the subset of TokenBucket used by RedisPacer.
type Allower interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error)
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LocalPacer keeps a minimum interval between calls made by this process.
type LocalPacer struct {
	mu     sync.Mutex
	next   time.Time
	holder *config.ReconcileConfigHolder
	clock  clock.Clock
	sleep  sleepFunc
}

func NewLocalPacer(holder *config.ReconcileConfigHolder, clk clock.Clock) *LocalPacer {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &LocalPacer{holder: holder, clock: clk, sleep: sleepContext}
}

func (p *LocalPacer) Backend() string { return BackendLocal }

func (p *LocalPacer) Wait(ctx context.Context) error {
	rps := p.holder.Get().RateLimit.RequestsPerSecond
	interval := time.Duration(float64(time.Second) / rps)

	p.mu.Lock()
	now := p.clock.Now()
	at := p.next
	if at.Before(now) {
		at = now
	}
	p.next = at.Add(interval)
	p.mu.Unlock()

	wait := at.Sub(now)
	if wait <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, wait)
}

// RedisPacer shares the budget across processes through a Redis token bucket.
// When Redis errors it degrades to the local pacer rather than stalling a run.
type RedisPacer struct {
	bucket   Allower
	key      string
	holder   *config.ReconcileConfigHolder
	fallback *LocalPacer
	sleep    sleepFunc
	log      *zap.Logger
}

func NewRedisPacer(bucket Allower, key string, holder *config.ReconcileConfigHolder, fallback *LocalPacer, log *zap.Logger) *RedisPacer {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPacer{
		bucket:   bucket,
		key:      key,
		holder:   holder,
		fallback: fallback,
		sleep:    sleepContext,
		log:      log.Named("ratelimit.pacer"),
	}
}

func (p *RedisPacer) Backend() string { return BackendRedis }

func (p *RedisPacer) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		limits := p.holder.Get().RateLimit
		res, err := p.bucket.Allow(ctx, p.key, limits.RequestsPerSecond, limits.Burst)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("ratelimit.redis.unavailable", zap.String("key", p.key), zap.Error(err))
			return p.fallback.Wait(ctx)
		}
		if res.Allowed {
			return nil
		}
		retry := res.RetryAfter
		if retry < minRetry {
			retry = minRetry
		}
		if err := p.sleep(ctx, retry); err != nil {
			return err
		}
	}
}
