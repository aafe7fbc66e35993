package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusIncomplete, StatusPending))
	assert.True(t, CanTransition(StatusIncomplete, StatusActive))
	assert.True(t, CanTransition(StatusPending, StatusActive))
	assert.True(t, CanTransition(StatusActive, StatusIncomplete))
	assert.True(t, CanTransition(StatusActive, StatusActive))
	assert.False(t, CanTransition(StatusActive, Status("closed")))
	assert.False(t, CanTransition(Status(""), StatusActive))
}
