package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionPayment(t *testing.T) {
	assert.True(t, CanTransitionPayment(PaymentRequiresPayment, PaymentSucceeded))
	assert.True(t, CanTransitionPayment(PaymentRequiresPayment, PaymentFailed))
	assert.True(t, CanTransitionPayment(PaymentFailed, PaymentSucceeded))
	assert.False(t, CanTransitionPayment(PaymentSucceeded, PaymentFailed))
	assert.False(t, CanTransitionPayment(PaymentSucceeded, PaymentRequiresPayment))
}

func TestCanSettle(t *testing.T) {
	assert.True(t, CanSettle(SettlementPendingManualPayout, SettlementTransferred))
	assert.False(t, CanSettle(SettlementRouted, SettlementTransferred))
	assert.False(t, CanSettle(SettlementTransferred, SettlementPendingManualPayout))
}
