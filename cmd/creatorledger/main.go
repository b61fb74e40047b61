package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/callback"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/events"
	"github.com/smallbiznis/creatorledger/internal/ledger"
	"github.com/smallbiznis/creatorledger/internal/migration"
	"github.com/smallbiznis/creatorledger/internal/observability"
	"github.com/smallbiznis/creatorledger/internal/payout"
	"github.com/smallbiznis/creatorledger/internal/provider"
	"github.com/smallbiznis/creatorledger/internal/ratelimit"
	"github.com/smallbiznis/creatorledger/internal/rating"
	"github.com/smallbiznis/creatorledger/internal/reconciliation"
	"github.com/smallbiznis/creatorledger/internal/revenue"
	"github.com/smallbiznis/creatorledger/internal/scheduler"
	"github.com/smallbiznis/creatorledger/internal/server"
	"github.com/smallbiznis/creatorledger/pkg/db"
	"go.uber.org/fx"
)

// creatorledger runs the HTTP API and the background scheduler in one process.
// apps/api and apps/scheduler split the same modules for separate deployments.
func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Functional domains
		events.Module,
		rating.Module,
		revenue.Module,
		ledger.Module,
		provider.Module,
		payout.Module,
		callback.Module,
		reconciliation.Module,

		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
