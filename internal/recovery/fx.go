package recovery

import (
	receiptservice "github.com/smallbiznis/donorrecon/internal/receipt/service"
	"github.com/smallbiznis/donorrecon/internal/recovery/service"
	"github.com/smallbiznis/donorrecon/internal/recovery/source"
	"go.uber.org/fx"
)

var Module = fx.Module("recovery.service",
	fx.Provide(source.NewOpener),
	fx.Provide(func(s *receiptservice.Service) service.Receipts { return s }),
	fx.Provide(service.NewService),
)
