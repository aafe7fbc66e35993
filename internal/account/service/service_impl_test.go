package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/smallbiznis/connectpay/internal/account/domain"
	"github.com/smallbiznis/connectpay/internal/account/repository"
	"github.com/smallbiznis/connectpay/internal/clock"
	"github.com/smallbiznis/connectpay/internal/config"
	"github.com/smallbiznis/connectpay/internal/errs"
	"github.com/smallbiznis/connectpay/internal/events"
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
		`CREATE TABLE connected_accounts (
			id INTEGER PRIMARY KEY,
			owner_id INTEGER NOT NULL,
			provider TEXT NOT NULL,
			provider_account_id TEXT NOT NULL,
			status TEXT NOT NULL,
			charges_enabled BOOLEAN NOT NULL DEFAULT 0,
			payouts_enabled BOOLEAN NOT NULL DEFAULT 0,
			details_submitted BOOLEAN NOT NULL DEFAULT 0,
			requirements TEXT NOT NULL DEFAULT '{}',
			country TEXT NOT NULL DEFAULT '',
			business_type TEXT NOT NULL DEFAULT '',
			superseded_at DATETIME,
			last_synced_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE onboarding_links (
			id INTEGER PRIMARY KEY,
			account_id INTEGER NOT NULL,
			url TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			consumed_at DATETIME,
			created_at DATETIME NOT NULL
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

type recordingListener struct {
	mu    sync.Mutex
	calls []snowflake.ID
}

func (l *recordingListener) AccountActivated(ctx context.Context, ownerID, accountID snowflake.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, ownerID)
	return nil
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

type fixture struct {
	db       *gorm.DB
	svc      *Service
	provider *connecttest.Fake
	clock    *clock.FakeClock
	listener *recordingListener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := connecttest.NewFake()
	fakeClock := clock.NewFakeClock(testNow)
	listener := &recordingListener{}
	log := zap.NewNop()

	svc := NewService(Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Config: config.Config{Provider: config.ProviderConfig{
			DefaultCountry:    "US",
			OnboardingRefresh: "https://app.example.com/refresh",
			OnboardingReturn:  "https://app.example.com/done",
			OnboardingLinkTTL: 5 * time.Minute,
		}},
		Clock:    fakeClock,
		Repo:     repository.Provide(),
		Provider: fake,
		Outbox:   events.NewOutbox(events.Params{DB: db, Log: log, GenID: node}),
		Listener: listener,
	})
	return &fixture{db: db, svc: svc, provider: fake, clock: fakeClock, listener: listener}
}

func (f *fixture) createAccount(t *testing.T, ownerID snowflake.ID) accountdomain.CreateAccountResult {
	t.Helper()
	res, err := f.svc.CreateConnectedAccount(context.Background(), accountdomain.CreateAccountRequest{
		OwnerID: ownerID,
		Profile: accountdomain.Profile{Email: "owner@example.com", BusinessType: "company"},
		Branding: connectdomain.Branding{
			IconURL:      "https://cdn.example.com/icon.png",
			PrimaryColor: "#112233",
		},
	})
	require.NoError(t, err)
	return res
}

func countRows(t *testing.T, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Raw(query, args...).Scan(&count).Error)
	return count
}

func TestCreateConnectedAccountStoresIncompleteWithLink(t *testing.T) {
	f := newFixture(t)
	res := f.createAccount(t, 42)

	assert.Equal(t, accountdomain.StatusIncomplete, res.Account.Status)
	assert.Equal(t, "US", res.Account.Country)
	assert.Equal(t, "company", res.Account.BusinessType)
	assert.NotEmpty(t, res.OnboardingLink.URL)
	assert.Equal(t, testNow.Add(5*time.Minute), res.OnboardingLink.ExpiresAt)

	require.Len(t, f.provider.AccountRequests, 1)
	assert.Equal(t, "42", f.provider.AccountRequests[0].OwnerID)
	assert.Equal(t, "#112233", f.provider.AccountRequests[0].Branding.PrimaryColor)
	require.Len(t, f.provider.LinkRequests, 1)
	assert.Equal(t, "https://app.example.com/done", f.provider.LinkRequests[0].ReturnURL)
}

func TestCreateConnectedAccountSupersedesPrevious(t *testing.T) {
	f := newFixture(t)
	first := f.createAccount(t, 42)
	second := f.createAccount(t, 42)

	current, err := f.svc.CurrentAccount(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, second.Account.ID, current.ID)

	assert.Equal(t, int64(2), countRows(t, f.db, `SELECT COUNT(*) FROM connected_accounts WHERE owner_id = ?`, 42))
	assert.Equal(t, int64(1), countRows(t, f.db, `SELECT COUNT(*) FROM connected_accounts WHERE id = ? AND superseded_at IS NOT NULL`, first.Account.ID))
}

func TestCreateConnectedAccountValidatesBranding(t *testing.T) {
	cases := []struct {
		name     string
		branding connectdomain.Branding
		want     error
	}{
		{"relative icon", connectdomain.Branding{IconURL: "/icon.png"}, accountdomain.ErrInvalidIconURL},
		{"non http icon", connectdomain.Branding{IconURL: "ftp://cdn.example.com/icon.png"}, accountdomain.ErrInvalidIconURL},
		{"short color", connectdomain.Branding{PrimaryColor: "#123"}, accountdomain.ErrInvalidColor},
		{"named color", connectdomain.Branding{SecondaryColor: "red"}, accountdomain.ErrInvalidColor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateConnectedAccount(context.Background(), accountdomain.CreateAccountRequest{
				OwnerID:  1,
				Branding: tc.branding,
			})
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, errs.ErrValidation)
			assert.Empty(t, f.provider.AccountRequests)
		})
	}
}

func TestCreateConnectedAccountRejectsBadProfile(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateConnectedAccount(context.Background(), accountdomain.CreateAccountRequest{
		OwnerID: 1,
		Profile: accountdomain.Profile{Country: "USA"},
	})
	assert.ErrorIs(t, err, accountdomain.ErrInvalidCountry)

	_, err = f.svc.CreateConnectedAccount(context.Background(), accountdomain.CreateAccountRequest{
		OwnerID: 1,
		Profile: accountdomain.Profile{BusinessType: "nonprofit_trust"},
	})
	assert.ErrorIs(t, err, accountdomain.ErrInvalidBusinessType)

	_, err = f.svc.CreateConnectedAccount(context.Background(), accountdomain.CreateAccountRequest{})
	assert.ErrorIs(t, err, accountdomain.ErrInvalidOwner)
}

func TestRefreshAccountStatusMapsProviderState(t *testing.T) {
	cases := []struct {
		name     string
		snapshot connectdomain.Account
		want     accountdomain.Status
	}{
		{"nothing submitted", connectdomain.Account{}, accountdomain.StatusIncomplete},
		{"details submitted", connectdomain.Account{DetailsSubmitted: true}, accountdomain.StatusPending},
		{"charges only", connectdomain.Account{DetailsSubmitted: true, ChargesEnabled: true}, accountdomain.StatusPending},
		{"fully enabled", connectdomain.Account{DetailsSubmitted: true, ChargesEnabled: true, PayoutsEnabled: true}, accountdomain.StatusActive},
		{"past due blocks activation", connectdomain.Account{
			DetailsSubmitted: true, ChargesEnabled: true, PayoutsEnabled: true,
			Requirements: connectdomain.Requirements{PastDue: []string{"external_account"}},
		}, accountdomain.StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			res := f.createAccount(t, 7)
			snapshot := tc.snapshot
			snapshot.ID = res.Account.ProviderAccountID
			f.provider.SetAccount(snapshot)

			updated, err := f.svc.RefreshAccountStatus(context.Background(), res.Account.ID)
			require.NoError(t, err)
			f.svc.Wait()
			assert.Equal(t, tc.want, updated.Status)

			status, err := f.svc.GetAccountStatus(context.Background(), 7)
			require.NoError(t, err)
			assert.Equal(t, tc.want, status.Status)
			assert.Equal(t, snapshot.ChargesEnabled, status.ChargesEnabled)
		})
	}
}

func TestActivationNotifiesListenerOnce(t *testing.T) {
	f := newFixture(t)
	res := f.createAccount(t, 9)
	f.provider.SetAccount(connectdomain.Account{
		ID:               res.Account.ProviderAccountID,
		DetailsSubmitted: true,
		ChargesEnabled:   true,
		PayoutsEnabled:   true,
	})

	_, err := f.svc.RefreshAccountStatus(context.Background(), res.Account.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.RefreshAccountStatus(context.Background(), res.Account.ID)
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, 1, f.listener.count())
	assert.Equal(t, int64(1), countRows(t, f.db, `SELECT COUNT(*) FROM domain_events WHERE event_type = ?`, events.EventAccountActivated))
}

func TestActivationListenerSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	res := f.createAccount(t, 9)
	f.provider.SetAccount(connectdomain.Account{
		ID: res.Account.ProviderAccountID, DetailsSubmitted: true, ChargesEnabled: true, PayoutsEnabled: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.svc.RefreshAccountStatus(ctx, res.Account.ID)
	require.NoError(t, err)
	cancel()
	f.svc.Wait()

	assert.Equal(t, 1, f.listener.count())
}

func TestApplyProviderSnapshotDeactivatesLiveAccount(t *testing.T) {
	f := newFixture(t)
	res := f.createAccount(t, 3)
	providerID := res.Account.ProviderAccountID

	_, err := f.svc.ApplyProviderSnapshot(context.Background(), connectdomain.Account{
		ID: providerID, DetailsSubmitted: true, ChargesEnabled: true, PayoutsEnabled: true,
	})
	require.NoError(t, err)

	updated, err := f.svc.ApplyProviderSnapshot(context.Background(), connectdomain.Account{
		ID:           providerID,
		Requirements: connectdomain.Requirements{DisabledReason: "rejected.fraud"},
	})
	require.NoError(t, err)
	f.svc.Wait()
	assert.Equal(t, accountdomain.StatusIncomplete, updated.Status)
	assert.Equal(t, "rejected.fraud", updated.Requirements.Data().DisabledReason)

	_, err = f.svc.ApplyProviderSnapshot(context.Background(), connectdomain.Account{ID: "acct_unknown"})
	assert.ErrorIs(t, err, accountdomain.ErrAccountNotFound)
}

func TestConsumeOnboardingLinkIsOneTime(t *testing.T) {
	f := newFixture(t)
	res := f.createAccount(t, 5)

	_, err := f.svc.ConsumeOnboardingLink(context.Background(), res.OnboardingLink.ID)
	require.NoError(t, err)
	_, err = f.svc.ConsumeOnboardingLink(context.Background(), res.OnboardingLink.ID)
	assert.ErrorIs(t, err, accountdomain.ErrLinkConsumed)

	renewed, err := f.svc.RenewOnboardingLink(context.Background(), res.Account.ID)
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)
	_, err = f.svc.ConsumeOnboardingLink(context.Background(), renewed.ID)
	assert.ErrorIs(t, err, accountdomain.ErrLinkExpired)

	_, err = f.svc.ConsumeOnboardingLink(context.Background(), 123456)
	assert.ErrorIs(t, err, accountdomain.ErrLinkNotFound)
}

func TestRenewOnboardingLinkRejectsSupersededAccount(t *testing.T) {
	f := newFixture(t)
	first := f.createAccount(t, 5)
	f.createAccount(t, 5)

	_, err := f.svc.RenewOnboardingLink(context.Background(), first.Account.ID)
	assert.ErrorIs(t, err, accountdomain.ErrAccountSuperseded)
}

func TestGetAccountStatusWithoutAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetAccountStatus(context.Background(), 99)
	assert.ErrorIs(t, err, accountdomain.ErrAccountNotFound)
}

func TestGetAccountStatusIncludesBalanceAndSchedule(t *testing.T) {
	f := newFixture(t)
	res := f.createAccount(t, 7)
	f.provider.SetAccount(connectdomain.Account{
		ID:             res.Account.ProviderAccountID,
		PayoutSchedule: connectdomain.PayoutSchedule{Interval: "daily", DelayDays: 2},
	})
	f.provider.SetBalance(res.Account.ProviderAccountID, connectdomain.Balance{
		Available:        []connectdomain.BalanceAmount{{Amount: 5000, Currency: "USD"}},
		InstantAvailable: []connectdomain.BalanceAmount{{Amount: 4000, Currency: "USD"}},
		Pending:          []connectdomain.BalanceAmount{{Amount: 700, Currency: "USD"}},
	})

	status, err := f.svc.GetAccountStatus(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, status.Balance)
	assert.Equal(t, int64(4000), status.Balance.InstantAvailableFor("USD"))
	assert.Equal(t, int64(700), status.Balance.PendingFor("USD"))
	require.NotNil(t, status.PayoutSchedule)
	assert.Equal(t, "daily", status.PayoutSchedule.Interval)
}

func TestGetAccountStatusWithoutProviderFunds(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, 7)
	f.provider.RetrieveBalanceFunc = func(string) (connectdomain.Balance, error) {
		return connectdomain.Balance{}, errs.Transient("retrieve_balance", 503, "unavailable")
	}

	status, err := f.svc.GetAccountStatus(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, status.Balance)
	assert.Nil(t, status.PayoutSchedule)
}
