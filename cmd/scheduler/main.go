package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/connectpay/internal/account"
	"github.com/smallbiznis/connectpay/internal/affiliate"
	"github.com/smallbiznis/connectpay/internal/audit"
	"github.com/smallbiznis/connectpay/internal/clock"
	"github.com/smallbiznis/connectpay/internal/config"
	"github.com/smallbiznis/connectpay/internal/events"
	"github.com/smallbiznis/connectpay/internal/fee"
	"github.com/smallbiznis/connectpay/internal/observability"
	"github.com/smallbiznis/connectpay/internal/payment"
	"github.com/smallbiznis/connectpay/internal/payout"
	"github.com/smallbiznis/connectpay/internal/providers/connect"
	"github.com/smallbiznis/connectpay/internal/ratelimit"
	"github.com/smallbiznis/connectpay/internal/reconcile"
	"github.com/smallbiznis/connectpay/internal/scheduler"
	"github.com/smallbiznis/connectpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.SchedulerModule,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		events.Module,
		audit.Module,

		connect.Module,
		fee.Module,
		account.Module,
		payment.Module,
		reconcile.Module,
		affiliate.Module,
		payout.Module,

		scheduler.Module,
	)
	app.Run()
}

// RegisterSnowflake uses a node id distinct from the API process.
func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
