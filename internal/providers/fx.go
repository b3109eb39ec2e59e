package providers

import (
	"github.com/smallbiznis/donorrecon/internal/providers/email"
	"github.com/smallbiznis/donorrecon/internal/providers/pdf"
	"github.com/smallbiznis/donorrecon/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	pdf.Module,
	slack.Module,
)
