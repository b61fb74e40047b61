package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/callback"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/events"
	"github.com/smallbiznis/creatorledger/internal/ledger"
	"github.com/smallbiznis/creatorledger/internal/observability"
	"github.com/smallbiznis/creatorledger/internal/payout"
	"github.com/smallbiznis/creatorledger/internal/provider"
	"github.com/smallbiznis/creatorledger/internal/ratelimit"
	"github.com/smallbiznis/creatorledger/internal/reconciliation"
	"github.com/smallbiznis/creatorledger/internal/scheduler"
	"github.com/smallbiznis/creatorledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		// Domain services required by scheduler
		events.Module,
		ledger.Module,
		provider.Module,
		payout.Module,
		callback.Module,
		reconciliation.Module,

		// No server module!
		scheduler.Module,
		fx.Decorate(forceScheduler),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	// Workers share the database with the API; keep their ids apart.
	return snowflake.NewNode(cfg.NodeID + 512)
}

// A dedicated worker always runs the cron loop, whatever SCHEDULER_ENABLED says.
func forceScheduler(cfg scheduler.Config) scheduler.Config {
	cfg.Enabled = true
	return cfg
}
