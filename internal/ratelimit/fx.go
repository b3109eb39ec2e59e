package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/donorrecon/internal/clock"
	"github.com/smallbiznis/donorrecon/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const processorBudgetKey = "donorrecon:processor:calls"

var Module = fx.Module("rate.limit",
	fx.Provide(NewPacer),
)

type PacerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Holder    *config.ReconcileConfigHolder
	Clock     clock.Clock
	Log       *zap.Logger
}

// NewPacer uses the shared Redis budget when Redis is configured, and an
// in-process pacer otherwise.
func NewPacer(p PacerParams) Pacer {
	local := NewLocalPacer(p.Holder, p.Clock)
	if !p.Config.Redis.Enabled() {
		p.Log.Info("ratelimit.backend", zap.String("backend", BackendLocal))
		return local
	}

	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(p.Config.Redis.Addr),
		Password: strings.TrimSpace(p.Config.Redis.Password),
		DB:       p.Config.Redis.DB,
	})
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	p.Log.Info("ratelimit.backend", zap.String("backend", BackendRedis), zap.String("addr", p.Config.Redis.Addr))
	return NewRedisPacer(NewTokenBucket(client), processorBudgetKey, p.Holder, local, p.Log)
}
