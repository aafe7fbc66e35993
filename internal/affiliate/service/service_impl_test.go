package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	affiliatedomain "github.com/smallbiznis/connectpay/internal/affiliate/domain"
	"github.com/smallbiznis/connectpay/internal/affiliate/repository"
	"github.com/smallbiznis/connectpay/internal/clock"
	"github.com/smallbiznis/connectpay/internal/config"
	"github.com/smallbiznis/connectpay/internal/events"
	paymentdomain "github.com/smallbiznis/connectpay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/connectpay/internal/payment/repository"
	"github.com/smallbiznis/connectpay/internal/providers/connect/connecttest"
	connectdomain "github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TABLE affiliates (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL UNIQUE,
			code TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			status TEXT NOT NULL,
			commission_rate_pct TEXT NOT NULL,
			platform_fee_share_pct TEXT NOT NULL,
			payout_threshold INTEGER NOT NULL,
			payout_frequency TEXT NOT NULL,
			auto_payout BOOLEAN NOT NULL,
			payout_account_id TEXT,
			payout_account_verified BOOLEAN NOT NULL DEFAULT 0,
			pending_balance INTEGER NOT NULL DEFAULT 0,
			total_earned INTEGER NOT NULL DEFAULT 0,
			total_paid INTEGER NOT NULL DEFAULT 0,
			total_clicks INTEGER NOT NULL DEFAULT 0,
			total_signups INTEGER NOT NULL DEFAULT 0,
			total_conversions INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE affiliate_referrals (
			id INTEGER PRIMARY KEY,
			affiliate_id INTEGER NOT NULL,
			referred_owner_id INTEGER UNIQUE,
			conversion_status TEXT NOT NULL,
			eligible_until DATETIME,
			commission_eligible BOOLEAN NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT 'direct',
			utm_source TEXT NOT NULL DEFAULT '',
			utm_medium TEXT NOT NULL DEFAULT '',
			utm_campaign TEXT NOT NULL DEFAULT '',
			client_ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			landing_page TEXT NOT NULL DEFAULT '',
			click_metadata TEXT NOT NULL DEFAULT '{}',
			clicked_at DATETIME NOT NULL,
			converted_at DATETIME,
			subscribed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE subscription_charges (
			id INTEGER PRIMARY KEY,
			owner_id INTEGER NOT NULL,
			provider_event_id TEXT NOT NULL UNIQUE,
			amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			plan TEXT NOT NULL DEFAULT '',
			commission_processed BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE affiliate_commissions (
			id INTEGER PRIMARY KEY,
			affiliate_id INTEGER NOT NULL,
			referral_id INTEGER,
			amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			type TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_transaction_id TEXT NOT NULL,
			source_amount INTEGER NOT NULL DEFAULT 0,
			commission_rate_pct TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL,
			status_reason TEXT,
			approved_at DATETIME,
			payout_batch_id INTEGER,
			payout_transfer_id TEXT,
			paid_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (type, source_type, source_transaction_id)
		)`,
		`CREATE TABLE payment_transactions (
			id INTEGER PRIMARY KEY,
			owner_id INTEGER NOT NULL,
			account_id INTEGER,
			provider_payment_id TEXT NOT NULL UNIQUE,
			client_secret TEXT NOT NULL DEFAULT '',
			gross_amount INTEGER NOT NULL,
			fee_amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			destination TEXT NOT NULL,
			settlement_status TEXT NOT NULL,
			transfer_id TEXT,
			payment_status TEXT NOT NULL,
			commission_processed BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE domain_events (
			id INTEGER PRIMARY KEY,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			dedupe_key TEXT NOT NULL UNIQUE,
			published BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			published_at DATETIME
		)`,
	}
	for _, stmt := range stmts {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

type fixture struct {
	db       *gorm.DB
	svc      *Service
	clock    *clock.FakeClock
	node     *snowflake.Node
	provider *connecttest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	log := zap.NewNop()
	clk := clock.NewFakeClock(testNow)
	provider := connecttest.NewFake()
	svc := NewService(Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Config: config.Config{
			PublicBaseURL: "https://connectpay.test",
			Provider: config.ProviderConfig{
				OnboardingRefresh: "https://app.connectpay.test/affiliate/refresh",
				OnboardingReturn:  "https://app.connectpay.test/affiliate/done",
			},
		},
		Payments:    config.NewStaticPaymentsConfigHolder(config.DefaultPaymentsConfig()),
		Repo:        repository.Provide(),
		PaymentRepo: paymentrepo.Provide(),
		Provider:    provider,
		Outbox:      events.NewOutbox(events.Params{DB: db, Log: log, GenID: node}),
	})
	return &fixture{db: db, svc: svc, clock: clk, node: node, provider: provider}
}

func (f *fixture) register(t *testing.T, name string) affiliatedomain.Affiliate {
	t.Helper()
	res, err := f.svc.RegisterAffiliate(context.Background(), affiliatedomain.RegisterRequest{
		UserID:      f.node.Generate(),
		DisplayName: name,
	})
	require.NoError(t, err)
	return res.Affiliate
}

// referred clicks the affiliate link and converts the click into a new owner.
func (f *fixture) referred(t *testing.T, affiliate affiliatedomain.Affiliate) (affiliatedomain.Referral, snowflake.ID) {
	t.Helper()
	ctx := context.Background()
	click, err := f.svc.TrackReferralClick(ctx, affiliate.Code, affiliatedomain.ClientMetadata{ClientIP: "203.0.113.7"})
	require.NoError(t, err)
	ownerID := f.node.Generate()
	ref, err := f.svc.ConvertReferral(ctx, click.ID, ownerID)
	require.NoError(t, err)
	return ref, ownerID
}

func (f *fixture) affiliate(t *testing.T, id snowflake.ID) affiliatedomain.Affiliate {
	t.Helper()
	a, err := f.svc.getAffiliate(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) referral(t *testing.T, id snowflake.ID) affiliatedomain.Referral {
	t.Helper()
	ref, err := f.svc.repo.FindReferralByID(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, ref)
	return *ref
}

func (f *fixture) charge(t *testing.T, ownerID snowflake.ID, eventID string, amount int64) {
	t.Helper()
	_, err := f.svc.RecordSubscriptionCharge(context.Background(), affiliatedomain.SubscriptionChargeRequest{
		OwnerID:         ownerID,
		ProviderEventID: eventID,
		Amount:          amount,
		Currency:        "USD",
		Plan:            "pro",
	})
	require.NoError(t, err)
}

func TestRegisterAffiliateDefaults(t *testing.T) {
	f := newFixture(t)
	f.svc.randomSuffix = func() int { return 7 }

	res, err := f.svc.RegisterAffiliate(context.Background(), affiliatedomain.RegisterRequest{
		UserID:      f.node.Generate(),
		DisplayName: "Jane Doe",
	})
	require.NoError(t, err)

	assert.Equal(t, "janedoe_007", res.AffiliateCode)
	assert.Equal(t, "https://connectpay.test/r/janedoe_007", res.ReferralLink)
	assert.Equal(t, affiliatedomain.StatusActive, res.Affiliate.Status)
	assert.Equal(t, affiliatedomain.PayoutMonthly, res.Affiliate.PayoutFrequency)
	assert.Equal(t, int64(2500), res.Affiliate.PayoutThreshold)
	assert.True(t, res.Affiliate.AutoPayout)
	assert.Equal(t, "25", res.Affiliate.CommissionRatePct.String())
	assert.Equal(t, "10", res.Affiliate.PlatformFeeSharePct.String())

	stored := f.affiliate(t, res.Affiliate.ID)
	assert.Equal(t, "janedoe_007", stored.Code)
	assert.Equal(t, "25", stored.CommissionRatePct.String())
}

func TestRegisterAffiliateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RegisterAffiliate(ctx, affiliatedomain.RegisterRequest{DisplayName: "x"})
	assert.ErrorIs(t, err, affiliatedomain.ErrInvalidUser)

	_, err = f.svc.RegisterAffiliate(ctx, affiliatedomain.RegisterRequest{UserID: 1, DisplayName: "  "})
	assert.ErrorIs(t, err, affiliatedomain.ErrInvalidDisplayName)

	_, err = f.svc.RegisterAffiliate(ctx, affiliatedomain.RegisterRequest{
		UserID:      1,
		DisplayName: "x",
		Preferences: affiliatedomain.PayoutPreferences{PayoutFrequency: "daily"},
	})
	assert.ErrorIs(t, err, affiliatedomain.ErrInvalidPayoutFrequency)

	negative := int64(-1)
	_, err = f.svc.RegisterAffiliate(ctx, affiliatedomain.RegisterRequest{
		UserID:      1,
		DisplayName: "x",
		Preferences: affiliatedomain.PayoutPreferences{PayoutThreshold: &negative},
	})
	assert.ErrorIs(t, err, affiliatedomain.ErrInvalidPayoutThreshold)
}

func TestRegisterAffiliateRejectsSecondRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.node.Generate()

	_, err := f.svc.RegisterAffiliate(ctx, affiliatedomain.RegisterRequest{UserID: userID, DisplayName: "Sam"})
	require.NoError(t, err)
	_, err = f.svc.RegisterAffiliate(ctx, affiliatedomain.RegisterRequest{UserID: userID, DisplayName: "Sam Again"})
	assert.ErrorIs(t, err, affiliatedomain.ErrAffiliateExists)
}

func TestRegisterAffiliateRetriesCodeCollision(t *testing.T) {
	f := newFixture(t)
	suffixes := []int{42, 42, 43}
	f.svc.randomSuffix = func() int {
		next := suffixes[0]
		if len(suffixes) > 1 {
			suffixes = suffixes[1:]
		}
		return next
	}

	first := f.register(t, "Acme")
	second := f.register(t, "Acme")

	assert.Equal(t, "acme_042", first.Code)
	assert.Equal(t, "acme_043", second.Code)
}

func TestRegisterAffiliateGivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture(t)
	f.svc.randomSuffix = func() int { return 1 }
	f.register(t, "Acme")

	_, err := f.svc.RegisterAffiliate(context.Background(), affiliatedomain.RegisterRequest{
		UserID:      f.node.Generate(),
		DisplayName: "Acme",
	})
	assert.ErrorIs(t, err, affiliatedomain.ErrCodeGenerationFailed)
}

func TestTrackReferralClickCountsAndClassifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Clicker")

	ref, err := f.svc.TrackReferralClick(ctx, strings.ToUpper(affiliate.Code), affiliatedomain.ClientMetadata{
		UTMMedium: "Social",
		ClientIP:  "198.51.100.4",
		Extra:     map[string]any{"gclid": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, affiliatedomain.ConversionClicked, ref.ConversionStatus)
	assert.Equal(t, "social", ref.Source)

	stored := f.referral(t, ref.ID)
	assert.Equal(t, "abc", stored.ClickMetadata["gclid"])
	assert.Equal(t, int64(1), f.affiliate(t, affiliate.ID).TotalClicks)

	_, err = f.svc.TrackReferralClick(ctx, "nobody_000", affiliatedomain.ClientMetadata{})
	assert.ErrorIs(t, err, affiliatedomain.ErrAffiliateNotFound)

	_, err = f.svc.TrackReferralClick(ctx, " ", affiliatedomain.ClientMetadata{})
	assert.ErrorIs(t, err, affiliatedomain.ErrInvalidCode)
}

func TestDeriveSource(t *testing.T) {
	cases := map[string]string{
		"":            "direct",
		"cpc":         "direct",
		"social":      "social",
		"paid-social": "social",
		"instagram":   "social",
		"email":       "email",
		"Newsletter":  "email",
		"qr_code":     "qr",
	}
	for medium, want := range cases {
		assert.Equal(t, want, DeriveSource(medium), medium)
	}
}

func TestConvertReferral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Converter")

	ref, ownerID := f.referred(t, affiliate)
	assert.Equal(t, affiliatedomain.ConversionSignedUp, ref.ConversionStatus)
	require.NotNil(t, ref.EligibleUntil)
	assert.True(t, ref.EligibleUntil.Equal(testNow.Add(365*24*time.Hour)))
	assert.True(t, ref.CommissionEligible)
	assert.Equal(t, int64(1), f.affiliate(t, affiliate.ID).TotalSignups)

	again, err := f.svc.ConvertReferral(ctx, ref.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, ref.ID, again.ID)
	assert.Equal(t, int64(1), f.affiliate(t, affiliate.ID).TotalSignups)

	_, err = f.svc.ConvertReferral(ctx, ref.ID, f.node.Generate())
	assert.ErrorIs(t, err, affiliatedomain.ErrReferralAlreadyConverted)

	other, err := f.svc.TrackReferralClick(ctx, affiliate.Code, affiliatedomain.ClientMetadata{})
	require.NoError(t, err)
	_, err = f.svc.ConvertReferral(ctx, other.ID, ownerID)
	assert.ErrorIs(t, err, affiliatedomain.ErrOwnerAlreadyReferred)

	_, err = f.svc.ConvertReferral(ctx, f.node.Generate(), f.node.Generate())
	assert.ErrorIs(t, err, affiliatedomain.ErrReferralNotFound)
}

func TestSubscriptionCommissionRoundsHalfUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Rounder")
	ref, ownerID := f.referred(t, affiliate)

	f.charge(t, ownerID, "evt_1", 999)
	res, err := f.svc.ProcessSubscriptionCommission(ctx, ownerID)
	require.NoError(t, err)

	require.Equal(t, 1, res.Created)
	commission := res.Commissions[0]
	assert.Equal(t, int64(250), commission.Amount)
	assert.Equal(t, int64(999), commission.SourceAmount)
	assert.Equal(t, affiliatedomain.CommissionApproved, commission.Status)
	assert.Equal(t, affiliatedomain.CommissionSubscriptionMonthly, commission.Type)
	assert.Equal(t, "usd", commission.Currency)

	stored := f.affiliate(t, affiliate.ID)
	assert.Equal(t, int64(250), stored.PendingBalance)
	assert.Equal(t, int64(250), stored.TotalEarned)
	assert.Equal(t, int64(1), stored.TotalConversions)

	updated := f.referral(t, ref.ID)
	assert.Equal(t, affiliatedomain.ConversionSubscribed, updated.ConversionStatus)
	assert.NotNil(t, updated.SubscribedAt)

	var published int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM domain_events WHERE event_type = ?`, events.EventCommissionCreated).Scan(&published).Error)
	assert.Equal(t, int64(1), published)
}

func TestSubscriptionCommissionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Twice")
	_, ownerID := f.referred(t, affiliate)

	f.charge(t, ownerID, "evt_1", 4900)
	f.charge(t, ownerID, "evt_1", 4900)

	first, err := f.svc.ProcessSubscriptionCommission(ctx, ownerID)
	require.NoError(t, err)
	second, err := f.svc.ProcessSubscriptionCommission(ctx, ownerID)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Created)
	assert.Equal(t, 0, second.Processed)

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM affiliate_commissions`).Scan(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(1225), f.affiliate(t, affiliate.ID).PendingBalance)
}

func TestSubscriptionCommissionDoesNotRegressReferral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Forward")
	ref, ownerID := f.referred(t, affiliate)
	require.NoError(t, f.db.Exec(
		`UPDATE affiliate_referrals SET conversion_status = ? WHERE id = ?`,
		affiliatedomain.ConversionActiveUser, ref.ID,
	).Error)

	f.charge(t, ownerID, "evt_1", 1000)
	res, err := f.svc.ProcessSubscriptionCommission(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	assert.Equal(t, affiliatedomain.ConversionActiveUser, f.referral(t, ref.ID).ConversionStatus)
	assert.Equal(t, int64(0), f.affiliate(t, affiliate.ID).TotalConversions)
}

func TestSubscriptionCommissionOutsideWindowIsIneligible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Late")
	_, ownerID := f.referred(t, affiliate)

	f.clock.Advance(366 * 24 * time.Hour)
	f.charge(t, ownerID, "evt_late", 2000)

	res, err := f.svc.ProcessSubscriptionCommission(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Ineligible)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, int64(0), f.affiliate(t, affiliate.ID).PendingBalance)

	again, err := f.svc.ProcessSubscriptionCommission(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Processed)
}

func TestSubscriptionCommissionWithoutReferral(t *testing.T) {
	f := newFixture(t)
	ownerID := f.node.Generate()
	f.charge(t, ownerID, "evt_1", 2000)

	res, err := f.svc.ProcessSubscriptionCommission(context.Background(), ownerID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ineligible)
	assert.Empty(t, res.Commissions)
}

func TestRecordSubscriptionChargeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordSubscriptionCharge(ctx, affiliatedomain.SubscriptionChargeRequest{ProviderEventID: "evt", Amount: 1, Currency: "usd"})
	assert.ErrorIs(t, err, affiliatedomain.ErrInvalidOwner)

	_, err = f.svc.RecordSubscriptionCharge(ctx, affiliatedomain.SubscriptionChargeRequest{OwnerID: 1, Amount: 1, Currency: "usd"})
	assert.ErrorIs(t, err, affiliatedomain.ErrInvalidProviderEvent)

	first, err := f.svc.RecordSubscriptionCharge(ctx, affiliatedomain.SubscriptionChargeRequest{OwnerID: 1, ProviderEventID: "evt", Amount: 100, Currency: "usd"})
	require.NoError(t, err)
	second, err := f.svc.RecordSubscriptionCharge(ctx, affiliatedomain.SubscriptionChargeRequest{OwnerID: 1, ProviderEventID: "evt", Amount: 100, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func (f *fixture) payment(t *testing.T, ownerID snowflake.ID, status paymentdomain.PaymentStatus) paymentdomain.Transaction {
	t.Helper()
	tx := paymentdomain.Transaction{
		ID:                f.node.Generate(),
		OwnerID:           ownerID,
		ProviderPaymentID: "pi_" + f.node.Generate().String(),
		GrossAmount:       10000,
		FeeAmount:         380,
		Currency:          "usd",
		Destination:       paymentdomain.DestinationDirect,
		SettlementStatus:  paymentdomain.SettlementRouted,
		PaymentStatus:     status,
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
	require.NoError(t, paymentrepo.Provide().Insert(context.Background(), f.db, &tx))
	return tx
}

func TestPlatformFeeCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Share")
	_, ownerID := f.referred(t, affiliate)
	payment := f.payment(t, ownerID, paymentdomain.PaymentSucceeded)

	commission, err := f.svc.ProcessPlatformFeeCommission(ctx, payment.ID)
	require.NoError(t, err)
	require.NotNil(t, commission)
	assert.Equal(t, int64(38), commission.Amount)
	assert.Equal(t, int64(380), commission.SourceAmount)
	assert.Equal(t, payment.ID.String(), commission.SourceTransactionID)

	again, err := f.svc.ProcessPlatformFeeCommission(ctx, payment.ID)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, int64(38), f.affiliate(t, affiliate.ID).PendingBalance)
}

func TestPlatformFeeCommissionRequiresSucceededPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Pending")
	_, ownerID := f.referred(t, affiliate)
	payment := f.payment(t, ownerID, paymentdomain.PaymentRequiresPayment)

	_, err := f.svc.ProcessPlatformFeeCommission(ctx, payment.ID)
	assert.ErrorIs(t, err, affiliatedomain.ErrTransactionNotSucceeded)

	_, err = f.svc.ProcessPlatformFeeCommission(ctx, f.node.Generate())
	assert.ErrorIs(t, err, paymentdomain.ErrTransactionNotFound)
}

func TestPlatformFeeCommissionWithoutReferralMarksProcessed(t *testing.T) {
	f := newFixture(t)
	payment := f.payment(t, f.node.Generate(), paymentdomain.PaymentSucceeded)

	commission, err := f.svc.ProcessPlatformFeeCommission(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Nil(t, commission)

	var processed bool
	require.NoError(t, f.db.Raw(`SELECT commission_processed FROM payment_transactions WHERE id = ?`, payment.ID).Scan(&processed).Error)
	assert.True(t, processed)
}

func TestReferralBonus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Bonus")
	ref, ownerID := f.referred(t, affiliate)

	_, err := f.svc.ProcessReferralBonus(ctx, ref.ID)
	assert.ErrorIs(t, err, affiliatedomain.ErrReferralNotSubscribed)

	f.charge(t, ownerID, "evt_1", 1000)
	_, err = f.svc.ProcessSubscriptionCommission(ctx, ownerID)
	require.NoError(t, err)

	bonus, err := f.svc.ProcessReferralBonus(ctx, ref.ID)
	require.NoError(t, err)
	require.NotNil(t, bonus)
	assert.Equal(t, int64(500), bonus.Amount)
	assert.Equal(t, affiliatedomain.CommissionReferralBonus, bonus.Type)

	again, err := f.svc.ProcessReferralBonus(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, bonus.ID, again.ID)
	assert.Equal(t, int64(750), f.affiliate(t, affiliate.ID).PendingBalance)
}

func TestCommissionTransitionsKeepBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Dispute")
	_, ownerID := f.referred(t, affiliate)
	f.charge(t, ownerID, "evt_1", 4000)
	res, err := f.svc.ProcessSubscriptionCommission(ctx, ownerID)
	require.NoError(t, err)
	require.Len(t, res.Commissions, 1)
	id := res.Commissions[0].ID
	assert.Equal(t, int64(1000), f.affiliate(t, affiliate.ID).PendingBalance)

	disputed, err := f.svc.DisputeCommission(ctx, id, "chargeback opened")
	require.NoError(t, err)
	assert.Equal(t, affiliatedomain.CommissionDisputed, disputed.Status)
	require.NotNil(t, disputed.StatusReason)
	assert.Equal(t, "chargeback opened", *disputed.StatusReason)
	assert.Equal(t, int64(0), f.affiliate(t, affiliate.ID).PendingBalance)
	assert.Equal(t, int64(0), f.affiliate(t, affiliate.ID).TotalEarned)

	_, err = f.svc.ApproveCommission(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), f.affiliate(t, affiliate.ID).PendingBalance)

	cancelled, err := f.svc.CancelCommission(ctx, id, "refunded")
	require.NoError(t, err)
	assert.Equal(t, affiliatedomain.CommissionCancelled, cancelled.Status)
	assert.Equal(t, int64(0), f.affiliate(t, affiliate.ID).PendingBalance)

	_, err = f.svc.ApproveCommission(ctx, id)
	assert.ErrorIs(t, err, affiliatedomain.ErrInvalidTransition)

	_, err = f.svc.ApproveCommission(ctx, f.node.Generate())
	assert.ErrorIs(t, err, affiliatedomain.ErrCommissionNotFound)
}

func TestListCommissionsPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Pager")
	_, ownerID := f.referred(t, affiliate)
	for i := 0; i < 3; i++ {
		f.charge(t, ownerID, "evt_"+string(rune('a'+i)), 1000)
	}
	_, err := f.svc.ProcessSubscriptionCommission(ctx, ownerID)
	require.NoError(t, err)

	first, err := f.svc.ListCommissions(ctx, affiliatedomain.ListCommissionsRequest{AffiliateID: affiliate.ID, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, first.Commissions, 2)
	assert.True(t, first.PageInfo.HasMore)
	require.NotEmpty(t, first.PageInfo.NextPageToken)

	second, err := f.svc.ListCommissions(ctx, affiliatedomain.ListCommissionsRequest{
		AffiliateID: affiliate.ID,
		PageSize:    2,
		PageToken:   first.PageInfo.NextPageToken,
	})
	require.NoError(t, err)
	assert.Len(t, second.Commissions, 1)
	assert.False(t, second.PageInfo.HasMore)

	seen := map[snowflake.ID]bool{}
	for _, c := range append(first.Commissions, second.Commissions...) {
		seen[c.ID] = true
	}
	assert.Len(t, seen, 3)

	_, err = f.svc.ListCommissions(ctx, affiliatedomain.ListCommissionsRequest{AffiliateID: affiliate.ID, PageToken: "not-a-token"})
	assert.ErrorIs(t, err, affiliatedomain.ErrInvalidPageToken)
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Board")
	_, ownerID := f.referred(t, affiliate)
	f.charge(t, ownerID, "evt_1", 2000)
	_, err := f.svc.ProcessSubscriptionCommission(ctx, ownerID)
	require.NoError(t, err)

	board, err := f.svc.Dashboard(ctx, affiliate.ID)
	require.NoError(t, err)
	assert.Equal(t, affiliatedomain.Dashboard{
		AffiliateID:    affiliate.ID,
		Code:           affiliate.Code,
		Clicks:         1,
		Signups:        1,
		Conversions:    1,
		PendingBalance: 500,
		TotalEarned:    500,
	}, board)

	_, err = f.svc.Dashboard(ctx, f.node.Generate())
	assert.ErrorIs(t, err, affiliatedomain.ErrAffiliateNotFound)
}

func TestSetupPayoutAccountCreatesTransfersOnlyAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Payee")

	setup, err := f.svc.SetupPayoutAccount(ctx, affiliate.ID, affiliatedomain.PayoutAccountRequest{
		Email:   "payee@example.com",
		Country: "gb",
	})
	require.NoError(t, err)
	require.Len(t, f.provider.AccountRequests, 1)
	req := f.provider.AccountRequests[0]
	assert.True(t, req.TransfersOnly)
	assert.Equal(t, "GB", req.Country)
	assert.Equal(t, connectdomain.BusinessTypeIndividual, req.BusinessType)
	assert.Equal(t, affiliate.ID.String(), req.Metadata["affiliate_id"])
	assert.Equal(t, "affiliate_account:"+affiliate.ID.String(), req.IdempotencyKey)

	assert.NotEmpty(t, setup.OnboardingURL)
	require.NotNil(t, setup.Affiliate.PayoutAccountID)
	assert.Equal(t, setup.PayoutAccountID, *setup.Affiliate.PayoutAccountID)
	assert.False(t, setup.Affiliate.PayoutAccountVerified)
	require.Len(t, f.provider.LinkRequests, 1)
	assert.Equal(t, "https://app.connectpay.test/affiliate/done", f.provider.LinkRequests[0].ReturnURL)

	again, err := f.svc.SetupPayoutAccount(ctx, affiliate.ID, affiliatedomain.PayoutAccountRequest{
		ReturnURL: "https://partners.example.com/back",
	})
	require.NoError(t, err)
	assert.Equal(t, setup.PayoutAccountID, again.PayoutAccountID)
	assert.Len(t, f.provider.AccountRequests, 1)
	require.Len(t, f.provider.LinkRequests, 2)
	assert.Equal(t, "https://partners.example.com/back", f.provider.LinkRequests[1].ReturnURL)
}

func TestSetupPayoutAccountValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Payee")

	cases := []struct {
		name string
		req  affiliatedomain.PayoutAccountRequest
		want error
	}{
		{"bad email", affiliatedomain.PayoutAccountRequest{Email: "nope"}, affiliatedomain.ErrInvalidEmail},
		{"bad country", affiliatedomain.PayoutAccountRequest{Country: "USA"}, affiliatedomain.ErrInvalidCountry},
		{"relative return url", affiliatedomain.PayoutAccountRequest{ReturnURL: "/done"}, affiliatedomain.ErrInvalidRedirectURL},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.SetupPayoutAccount(ctx, affiliate.ID, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, f.provider.AccountRequests)

	_, err := f.svc.SetupPayoutAccount(ctx, f.node.Generate(), affiliatedomain.PayoutAccountRequest{})
	assert.ErrorIs(t, err, affiliatedomain.ErrAffiliateNotFound)
}

func TestPayoutAccountVerifiedFollowsProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Payee")

	_, err := f.svc.RefreshPayoutAccount(ctx, affiliate.ID)
	assert.ErrorIs(t, err, affiliatedomain.ErrPayoutAccountMissing)

	setup, err := f.svc.SetupPayoutAccount(ctx, affiliate.ID, affiliatedomain.PayoutAccountRequest{})
	require.NoError(t, err)

	f.provider.SetAccount(connectdomain.Account{ID: setup.PayoutAccountID, DetailsSubmitted: true, PayoutsEnabled: true})
	updated, err := f.svc.RefreshPayoutAccount(ctx, affiliate.ID)
	require.NoError(t, err)
	assert.True(t, updated.PayoutAccountVerified)

	f.clock.Advance(time.Hour)
	updated, err = f.svc.ApplyPayoutAccountSnapshot(ctx, connectdomain.Account{ID: setup.PayoutAccountID, PayoutsEnabled: false})
	require.NoError(t, err)
	assert.False(t, updated.PayoutAccountVerified)

	var published int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM domain_events WHERE event_type = ?`, events.EventAffiliatePayoutAccountUpdated).Scan(&published).Error)
	assert.Equal(t, int64(2), published)

	_, err = f.svc.ApplyPayoutAccountSnapshot(ctx, connectdomain.Account{ID: "acct_unknown", PayoutsEnabled: true})
	assert.ErrorIs(t, err, affiliatedomain.ErrAffiliateNotFound)
}

func TestUpdateSettingsIsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliate := f.register(t, "Payee")

	threshold := int64(2500)
	updated, err := f.svc.UpdateSettings(ctx, affiliate.ID, affiliatedomain.SettingsUpdate{PayoutThreshold: &threshold})
	require.NoError(t, err)
	assert.Equal(t, int64(2500), updated.PayoutThreshold)
	assert.Equal(t, affiliate.PayoutFrequency, updated.PayoutFrequency)
	assert.Equal(t, affiliate.AutoPayout, updated.AutoPayout)

	weekly := affiliatedomain.PayoutWeekly
	off := false
	updated, err = f.svc.UpdateSettings(ctx, affiliate.ID, affiliatedomain.SettingsUpdate{PayoutFrequency: &weekly, AutoPayout: &off})
	require.NoError(t, err)
	assert.Equal(t, affiliatedomain.PayoutWeekly, updated.PayoutFrequency)
	assert.False(t, updated.AutoPayout)
	assert.Equal(t, int64(2500), updated.PayoutThreshold)

	negative := int64(-1)
	_, err = f.svc.UpdateSettings(ctx, affiliate.ID, affiliatedomain.SettingsUpdate{PayoutThreshold: &negative})
	assert.ErrorIs(t, err, affiliatedomain.ErrInvalidPayoutThreshold)

	daily := affiliatedomain.PayoutFrequency("daily")
	_, err = f.svc.UpdateSettings(ctx, affiliate.ID, affiliatedomain.SettingsUpdate{PayoutFrequency: &daily})
	assert.ErrorIs(t, err, affiliatedomain.ErrInvalidPayoutFrequency)
}
