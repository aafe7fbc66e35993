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
	"github.com/smallbiznis/connectpay/internal/migration"
	"github.com/smallbiznis/connectpay/internal/observability"
	"github.com/smallbiznis/connectpay/internal/payment"
	"github.com/smallbiznis/connectpay/internal/payout"
	"github.com/smallbiznis/connectpay/internal/providers"
	"github.com/smallbiznis/connectpay/internal/ratelimit"
	"github.com/smallbiznis/connectpay/internal/reconcile"
	"github.com/smallbiznis/connectpay/internal/server"
	"github.com/smallbiznis/connectpay/internal/webhook"
	"github.com/smallbiznis/connectpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,
		events.Module,
		audit.Module,

		// Money movement
		providers.Module,
		fee.Module,
		account.Module,
		payment.Module,
		reconcile.Module,

		// Affiliates
		affiliate.Module,
		payout.Module,

		webhook.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
