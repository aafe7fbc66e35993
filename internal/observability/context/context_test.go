package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureCorrelationIDIsStable(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	assert.NotEmpty(t, cid)

	_, again := EnsureCorrelationID(ctx)
	assert.Equal(t, cid, again)
}

func TestActorAndOwnerRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), " system ", "scheduler")
	ctx = WithOwnerID(ctx, "42")

	actorType, actorID := ActorFromContext(ctx)
	assert.Equal(t, "system", actorType)
	assert.Equal(t, "scheduler", actorID)
	assert.Equal(t, "42", OwnerIDFromContext(ctx))
	assert.Equal(t, "", RequestIDFromContext(ctx))
}
