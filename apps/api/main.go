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
	"github.com/smallbiznis/creatorledger/internal/server"
	"github.com/smallbiznis/creatorledger/pkg/db"
	"go.uber.org/fx"
)

// api serves HTTP without the cron loop; manual job runs answer 503.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		events.Module,
		rating.Module,
		revenue.Module,
		ledger.Module,
		provider.Module,
		payout.Module,
		callback.Module,
		reconciliation.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
