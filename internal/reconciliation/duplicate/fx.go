package duplicate

import "go.uber.org/fx"

var Module = fx.Module("reconciliation.duplicate",
	fx.Provide(NewService),
)
