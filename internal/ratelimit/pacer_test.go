package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/donorrecon/internal/clock"
	"github.com/smallbiznis/donorrecon/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHolder(rps float64, burst int) *config.ReconcileConfigHolder {
	cfg := config.DefaultReconcileConfig()
	cfg.RateLimit.RequestsPerSecond = rps
	cfg.RateLimit.Burst = burst
	return config.NewStaticReconcileConfigHolder(cfg)
}

func TestLocalPacerSpacesCalls(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pacer := NewLocalPacer(newHolder(2, 2), clk)

	var waits []time.Duration
	pacer.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	ctx := context.Background()
	require.NoError(t, pacer.Wait(ctx))
	require.NoError(t, pacer.Wait(ctx))
	require.NoError(t, pacer.Wait(ctx))

	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, waits)

	clk.Advance(5 * time.Second)
	require.NoError(t, pacer.Wait(ctx))
	assert.Len(t, waits, 2)
	assert.Equal(t, BackendLocal, pacer.Backend())
}

func TestLocalPacerHonoursCancellation(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pacer := NewLocalPacer(newHolder(1, 1), clk)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, pacer.Wait(ctx))
	cancel()
	assert.ErrorIs(t, pacer.Wait(ctx), context.Canceled)
}

type scriptedBucket struct {
	results []*RateLimitResult
	err     error
	calls   int
}

func (b *scriptedBucket) Allow(context.Context, string, float64, int) (*RateLimitResult, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	res := b.results[0]
	if len(b.results) > 1 {
		b.results = b.results[1:]
	}
	return res, nil
}

func TestRedisPacerRetriesUntilAllowed(t *testing.T) {
	bucket := &scriptedBucket{results: []*RateLimitResult{
		{Allowed: false, RetryAfter: 300 * time.Millisecond},
		{Allowed: false, RetryAfter: time.Millisecond},
		{Allowed: true},
	}}
	holder := newHolder(2, 2)
	pacer := NewRedisPacer(bucket, "k", holder, NewLocalPacer(holder, clock.NewSystemClock()), zap.NewNop())

	var waits []time.Duration
	pacer.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	require.NoError(t, pacer.Wait(context.Background()))
	assert.Equal(t, 3, bucket.calls)
	assert.Equal(t, []time.Duration{300 * time.Millisecond, minRetry}, waits)
}

func TestRedisPacerFallsBackWhenRedisFails(t *testing.T) {
	bucket := &scriptedBucket{err: errors.New("dial tcp: connection refused")}
	holder := newHolder(2, 2)
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	local := NewLocalPacer(holder, clk)

	var localWaits int
	local.sleep = func(context.Context, time.Duration) error {
		localWaits++
		return nil
	}

	pacer := NewRedisPacer(bucket, "k", holder, local, zap.NewNop())
	require.NoError(t, pacer.Wait(context.Background()))
	require.NoError(t, pacer.Wait(context.Background()))
	assert.Equal(t, 1, localWaits)
}

func TestTokenBucketRequiresClient(t *testing.T) {
	var bucket *TokenBucket
	res, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, res.Allowed)
	assert.Nil(t, NewTokenBucket(nil))
}

func TestParseScriptResult(t *testing.T) {
	res, err := parseScriptResult([]interface{}{int64(0), "0.5", int64(1_700_000_000_000)}, 2, 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 250*time.Millisecond, res.RetryAfter)
	assert.Equal(t, 2, res.Limit)

	res, err = parseScriptResult([]interface{}{int64(1), "1", int64(1_700_000_000_000)}, 2, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
	assert.Zero(t, res.RetryAfter)

	_, err = parseScriptResult([]interface{}{int64(1)}, 2, 2)
	assert.Error(t, err)
}
