package reconciliation

import (
	"github.com/smallbiznis/donorrecon/internal/reconciliation/duplicate"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/matcher"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation",
	fx.Provide(matcher.New),
	fx.Provide(service.NewService),
	duplicate.Module,
)
