package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/connectpay/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsRequestFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithOwnerID(ctx, "99")
	ctx = obscontext.WithActor(ctx, "system", "scheduler")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "99", fields["owner_id"])
		assert.Equal(t, "system", fields["actor_type"])
		assert.NotContains(t, fields, "trace_id")
	}
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "UPDATE", operationFromSQL("UPDATE payment_transactions SET x = 1"))
	assert.Equal(t, "SELECT", operationFromSQL("WITH t AS (SELECT 1) SELECT * FROM t"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}
