package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/donorrecon/internal/authorization"
	"github.com/smallbiznis/donorrecon/internal/clock"
	"github.com/smallbiznis/donorrecon/internal/config"
	"github.com/smallbiznis/donorrecon/internal/donation"
	"github.com/smallbiznis/donorrecon/internal/health"
	"github.com/smallbiznis/donorrecon/internal/joblog"
	"github.com/smallbiznis/donorrecon/internal/migration"
	"github.com/smallbiznis/donorrecon/internal/observability"
	obscontext "github.com/smallbiznis/donorrecon/internal/observability/context"
	"github.com/smallbiznis/donorrecon/internal/processor"
	"github.com/smallbiznis/donorrecon/internal/providers"
	"github.com/smallbiznis/donorrecon/internal/ratelimit"
	"github.com/smallbiznis/donorrecon/internal/receipt"
	"github.com/smallbiznis/donorrecon/internal/reconciliation"
	"github.com/smallbiznis/donorrecon/internal/recovery"
	"github.com/smallbiznis/donorrecon/pkg/db"
	"go.uber.org/fx"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 15 * time.Second
)

// cliOperator is recorded on runs started from a shell. Shell access already
// implies full rights over the store.
const cliOperator = "cli"

func coreModules() fx.Option {
	return fx.Options(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Outbound
		ratelimit.Module,
		processor.Module,
		providers.Module,

		// Functional Domains
		donation.Module,
		joblog.Module,
		receipt.Module,
		reconciliation.Module,
		recovery.Module,
		health.Module,
		authorization.Module,
	)
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// withApp starts the core graph, fills targets and returns a stop function.
func withApp(ctx context.Context, targets ...any) (func(), error) {
	app := fx.New(
		coreModules(),
		fx.NopLogger,
		fx.Populate(targets...),
	)
	if err := app.Err(); err != nil {
		return nil, err
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return nil, err
	}

	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}, nil
}

func operatorContext(ctx context.Context) context.Context {
	return obscontext.WithOperator(ctx, cliOperator, authorization.RoleAdmin)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
