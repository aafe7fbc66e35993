package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConversionStatusOnlyAdvances(t *testing.T) {
	assert.True(t, CanAdvance(ConversionClicked, ConversionSignedUp))
	assert.True(t, CanAdvance(ConversionSignedUp, ConversionActiveUser))
	assert.False(t, CanAdvance(ConversionSubscribed, ConversionSignedUp))
	assert.False(t, CanAdvance(ConversionSubscribed, ConversionSubscribed))
	assert.False(t, CanAdvance(ConversionStatus("unknown"), ConversionSubscribed))
}

func TestCommissionTransitions(t *testing.T) {
	cases := []struct {
		from, to CommissionStatus
		want     bool
	}{
		{CommissionPending, CommissionApproved, true},
		{CommissionApproved, CommissionPaid, true},
		{CommissionApproved, CommissionDisputed, true},
		{CommissionDisputed, CommissionApproved, true},
		{CommissionDisputed, CommissionPaid, false},
		{CommissionPaid, CommissionCancelled, false},
		{CommissionCancelled, CommissionApproved, false},
		{CommissionPending, CommissionPaid, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransitionCommission(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestReferralEligibleAt(t *testing.T) {
	until := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	ref := Referral{CommissionEligible: true, EligibleUntil: &until}

	assert.True(t, ref.EligibleAt(until.Add(-time.Hour)))
	assert.True(t, ref.EligibleAt(until))
	assert.False(t, ref.EligibleAt(until.Add(time.Second)))

	ref.CommissionEligible = false
	assert.False(t, ref.EligibleAt(until.Add(-time.Hour)))

	assert.False(t, Referral{CommissionEligible: true}.EligibleAt(until))
}
