package processor

import (
	"strings"

	"github.com/smallbiznis/donorrecon/internal/config"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	"github.com/smallbiznis/donorrecon/internal/observability/metrics"
	"github.com/smallbiznis/donorrecon/internal/processor/domain"
	"github.com/smallbiznis/donorrecon/internal/processor/stripe"
	"github.com/smallbiznis/donorrecon/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("processor",
	fx.Provide(
		NewRegistry,
		func(r *Registry) domain.Registry { return r },
	),
)

type Params struct {
	fx.In

	Config  config.Config
	Pacer   ratelimit.Pacer
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// NewRegistry builds Stripe clients for every mode with a configured secret key.
// All clients share the same pacer.
func NewRegistry(p Params) *Registry {
	keys := map[donationdomain.Mode]string{
		donationdomain.ModeLive: p.Config.Stripe.LiveSecretKey,
		donationdomain.ModeTest: p.Config.Stripe.TestSecretKey,
	}

	processors := map[donationdomain.Mode]domain.Processor{}
	for mode, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			p.Log.Info("processor.mode.disabled", zap.String("mode", string(mode)))
			continue
		}
		processors[mode] = stripe.New(key, mode, p.Pacer, p.Metrics, p.Log)
	}
	return NewStaticRegistry(processors)
}
