package receipt

import (
	"github.com/smallbiznis/donorrecon/internal/receipt/repository"
	"github.com/smallbiznis/donorrecon/internal/receipt/service"
	recondomain "github.com/smallbiznis/donorrecon/internal/reconciliation/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("receipt.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) recondomain.Notifier { return s }),
)
