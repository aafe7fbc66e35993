package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/smallbiznis/connectpay/internal/account/domain"
	"github.com/smallbiznis/connectpay/internal/clock"
	"github.com/smallbiznis/connectpay/internal/config"
	"github.com/smallbiznis/connectpay/internal/errs"
	paymentdomain "github.com/smallbiznis/connectpay/internal/payment/domain"
	"github.com/smallbiznis/connectpay/internal/payment/repository"
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

	require.NoError(t, db.Exec(`CREATE TABLE payment_transactions (
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
	)`).Error)
	return db
}

// stubAccounts serves CurrentAccount from a map; other methods are unused.
type stubAccounts struct {
	accountdomain.Service
	byOwner map[snowflake.ID]accountdomain.ConnectedAccount
}

func (s *stubAccounts) CurrentAccount(ctx context.Context, ownerID snowflake.ID) (accountdomain.ConnectedAccount, error) {
	account, ok := s.byOwner[ownerID]
	if !ok {
		return accountdomain.ConnectedAccount{}, accountdomain.ErrAccountNotFound
	}
	return account, nil
}

type fixture struct {
	db       *gorm.DB
	svc      paymentdomain.Service
	provider *connecttest.Fake
	accounts *stubAccounts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := connecttest.NewFake()
	accounts := &stubAccounts{byOwner: map[snowflake.ID]accountdomain.ConnectedAccount{}}
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewFakeClock(testNow),
		Payments: config.NewStaticPaymentsConfigHolder(config.DefaultPaymentsConfig()),
		Repo:     repository.Provide(),
		Accounts: accounts,
		Provider: fake,
	})
	return &fixture{db: db, svc: svc, provider: fake, accounts: accounts}
}

func (f *fixture) withAccount(ownerID snowflake.ID, status accountdomain.Status) accountdomain.ConnectedAccount {
	account := accountdomain.ConnectedAccount{
		ID:                snowflake.ID(9000 + int64(ownerID)),
		OwnerID:           ownerID,
		ProviderAccountID: "acct_owner_" + ownerID.String(),
		Status:            status,
	}
	f.accounts.byOwner[ownerID] = account
	return account
}

func TestRoutePaymentWithoutAccountHoldsFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.RoutePayment(ctx, paymentdomain.RoutePaymentRequest{OwnerID: 42, Amount: 10000, Currency: "USD"})
	require.NoError(t, err)

	tx := res.Transaction
	assert.Equal(t, paymentdomain.DestinationPlatformHolding, tx.Destination)
	assert.Equal(t, paymentdomain.SettlementPendingManualPayout, tx.SettlementStatus)
	assert.Equal(t, paymentdomain.PaymentRequiresPayment, tx.PaymentStatus)
	assert.Equal(t, int64(380), tx.FeeAmount)
	assert.Equal(t, int64(9620), tx.NetAmount())
	assert.Equal(t, "usd", tx.Currency)
	assert.Nil(t, tx.AccountID)
	assert.NotEmpty(t, res.ClientSecret)

	require.Len(t, f.provider.Payments, 1)
	req := f.provider.Payments[0]
	assert.Empty(t, req.DestinationAccountID)
	assert.Zero(t, req.ApplicationFee)
	assert.Equal(t, "42", req.Metadata["owner_id"])
	assert.Equal(t, "payment:"+tx.ID.String(), req.IdempotencyKey)

	stored, err := f.svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(42), stored.OwnerID)
	assert.Equal(t, paymentdomain.DestinationPlatformHolding, stored.Destination)
}

func TestRoutePaymentActiveAccountUsesDestinationCharge(t *testing.T) {
	f := newFixture(t)
	account := f.withAccount(7, accountdomain.StatusActive)

	res, err := f.svc.RoutePayment(context.Background(), paymentdomain.RoutePaymentRequest{OwnerID: 7, Amount: 10000, Currency: "usd"})
	require.NoError(t, err)

	assert.Equal(t, paymentdomain.DestinationDirect, res.Transaction.Destination)
	assert.Equal(t, paymentdomain.SettlementRouted, res.Transaction.SettlementStatus)
	require.NotNil(t, res.Transaction.AccountID)
	assert.Equal(t, account.ID, *res.Transaction.AccountID)

	require.Len(t, f.provider.Payments, 1)
	assert.Equal(t, account.ProviderAccountID, f.provider.Payments[0].DestinationAccountID)
	assert.Equal(t, int64(380), f.provider.Payments[0].ApplicationFee)
	assert.Equal(t, int64(10000), f.provider.Payments[0].Amount)
}

func TestRoutePaymentIncompleteAccountHoldsFunds(t *testing.T) {
	f := newFixture(t)
	account := f.withAccount(8, accountdomain.StatusPending)

	res, err := f.svc.RoutePayment(context.Background(), paymentdomain.RoutePaymentRequest{OwnerID: 8, Amount: 5000, Currency: "usd"})
	require.NoError(t, err)

	assert.Equal(t, paymentdomain.DestinationPlatformHolding, res.Transaction.Destination)
	require.NotNil(t, res.Transaction.AccountID)
	assert.Equal(t, account.ID, *res.Transaction.AccountID)
	assert.Empty(t, f.provider.Payments[0].DestinationAccountID)
}

func TestRoutePaymentRejectsAmountBelowFee(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RoutePayment(context.Background(), paymentdomain.RoutePaymentRequest{OwnerID: 1, Amount: 30, Currency: "usd"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, paymentdomain.ErrAmountBelowFee))
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.Empty(t, f.provider.Payments)
}

func TestRoutePaymentValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RoutePayment(ctx, paymentdomain.RoutePaymentRequest{Amount: 1000, Currency: "usd"})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidOwner)

	_, err = f.svc.RoutePayment(ctx, paymentdomain.RoutePaymentRequest{OwnerID: 1, Amount: 1000, Currency: "dollars"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.svc.RoutePayment(ctx, paymentdomain.RoutePaymentRequest{OwnerID: 1, Amount: 0, Currency: "usd"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	assert.Empty(t, f.provider.Payments)
}

func TestRoutePaymentProviderFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.provider.CreatePaymentFunc = func(req connectdomain.PaymentRequest) (connectdomain.Payment, error) {
		return connectdomain.Payment{}, errs.Permanent("create_payment", 400, "card_declined", "declined")
	}

	_, err := f.svc.RoutePayment(context.Background(), paymentdomain.RoutePaymentRequest{OwnerID: 1, Amount: 1000, Currency: "usd"})
	require.ErrorIs(t, err, errs.ErrPermanentProvider)

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(1) FROM payment_transactions`).Scan(&count).Error)
	assert.Zero(t, count)
}

func TestMarkPaymentStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.RoutePayment(ctx, paymentdomain.RoutePaymentRequest{OwnerID: 3, Amount: 2000, Currency: "usd"})
	require.NoError(t, err)
	providerID := res.Transaction.ProviderPaymentID

	failed, err := f.svc.MarkPaymentFailed(ctx, providerID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentFailed, failed.PaymentStatus)

	succeeded, err := f.svc.MarkPaymentSucceeded(ctx, providerID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentSucceeded, succeeded.PaymentStatus)

	again, err := f.svc.MarkPaymentSucceeded(ctx, providerID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentSucceeded, again.PaymentStatus)

	_, err = f.svc.MarkPaymentFailed(ctx, providerID)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPaymentTransition)

	stored, err := f.svc.GetTransaction(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentSucceeded, stored.PaymentStatus)
	assert.Equal(t, paymentdomain.DestinationPlatformHolding, stored.Destination)
	assert.Equal(t, paymentdomain.SettlementPendingManualPayout, stored.SettlementStatus)
}

func TestMarkPaymentUnknownProviderID(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.MarkPaymentSucceeded(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, paymentdomain.ErrTransactionNotFound)

	_, err = f.svc.GetTransaction(context.Background(), 12345)
	assert.ErrorIs(t, err, paymentdomain.ErrTransactionNotFound)
}
