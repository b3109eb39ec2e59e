package donation

import (
	"github.com/smallbiznis/donorrecon/internal/donation/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("donation.repository",
	fx.Provide(repository.Provide),
)
