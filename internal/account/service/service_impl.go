package service

import (
	"context"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/connectpay/internal/account/domain"
	auditdomain "github.com/smallbiznis/connectpay/internal/audit/domain"
	"github.com/smallbiznis/connectpay/internal/clock"
	"github.com/smallbiznis/connectpay/internal/config"
	"github.com/smallbiznis/connectpay/internal/events"
	connectdomain "github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const activationTimeout = 30 * time.Second

var (
	colorPattern   = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
	countryPattern = regexp.MustCompile(`^[A-Z]{2}$`)
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Config   config.Config
	Clock    clock.Clock
	Repo     accountdomain.Repository
	Provider connectdomain.Client
	AuditSvc auditdomain.Service              `optional:"true"`
	Outbox   *events.Outbox                   `optional:"true"`
	Listener accountdomain.ActivationListener `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	cfg      config.ProviderConfig
	clock    clock.Clock
	repo     accountdomain.Repository
	provider connectdomain.Client
	auditSvc auditdomain.Service
	outbox   *events.Outbox
	listener accountdomain.ActivationListener

	inflight sync.WaitGroup
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("account.provisioner"),
		genID:    p.GenID,
		cfg:      p.Config.Provider,
		clock:    p.Clock,
		repo:     p.Repo,
		provider: p.Provider,
		auditSvc: p.AuditSvc,
		outbox:   p.Outbox,
		listener: p.Listener,
	}
}

func (s *Service) CreateConnectedAccount(ctx context.Context, req accountdomain.CreateAccountRequest) (accountdomain.CreateAccountResult, error) {
	if req.OwnerID == 0 {
		return accountdomain.CreateAccountResult{}, accountdomain.ErrInvalidOwner
	}
	profile, err := s.normalizeProfile(req.Profile)
	if err != nil {
		return accountdomain.CreateAccountResult{}, err
	}
	branding, err := normalizeBranding(req.Branding)
	if err != nil {
		return accountdomain.CreateAccountResult{}, err
	}

	snapshot, err := s.provider.CreateAccount(ctx, connectdomain.CreateAccountRequest{
		OwnerID:      req.OwnerID.String(),
		Email:        profile.Email,
		Country:      profile.Country,
		BusinessType: profile.BusinessType,
		BusinessName: profile.BusinessName,
		Branding:     branding,
	})
	if err != nil {
		return accountdomain.CreateAccountResult{}, err
	}

	now := s.clock.Now()
	account := accountdomain.ConnectedAccount{
		ID:                s.genID.Generate(),
		OwnerID:           req.OwnerID,
		Provider:          s.provider.Name(),
		ProviderAccountID: snapshot.ID,
		Status:            accountdomain.StatusIncomplete,
		ChargesEnabled:    snapshot.ChargesEnabled,
		PayoutsEnabled:    snapshot.PayoutsEnabled,
		DetailsSubmitted:  snapshot.DetailsSubmitted,
		Requirements:      datatypes.NewJSONType(snapshot.Requirements),
		Country:           profile.Country,
		BusinessType:      profile.BusinessType,
		LastSyncedAt:      &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		superseded, err := s.repo.SupersedeCurrent(ctx, tx, req.OwnerID, now)
		if err != nil {
			return err
		}
		if err := s.repo.InsertAccount(ctx, tx, &account); err != nil {
			return err
		}
		return s.audit(ctx, tx, account, "connected_account.created", map[string]any{
			"provider_account_id": account.ProviderAccountID,
			"superseded":          superseded,
		})
	})
	if err != nil {
		return accountdomain.CreateAccountResult{}, err
	}

	link, err := s.createLink(ctx, account)
	if err != nil {
		s.log.Warn("onboarding link creation failed; account stored without link",
			zap.String("account_id", account.ID.String()),
			zap.Error(err),
		)
		return accountdomain.CreateAccountResult{}, err
	}

	s.log.Info("connected account created",
		zap.String("account_id", account.ID.String()),
		zap.String("owner_id", account.OwnerID.String()),
	)
	return accountdomain.CreateAccountResult{Account: account, OnboardingLink: link}, nil
}

func (s *Service) RefreshAccountStatus(ctx context.Context, accountID snowflake.ID) (accountdomain.ConnectedAccount, error) {
	account, err := s.repo.FindByID(ctx, s.db, accountID)
	if err != nil {
		return accountdomain.ConnectedAccount{}, err
	}
	if account == nil {
		return accountdomain.ConnectedAccount{}, accountdomain.ErrAccountNotFound
	}

	snapshot, err := s.provider.RetrieveAccount(ctx, account.ProviderAccountID)
	if err != nil {
		return accountdomain.ConnectedAccount{}, err
	}
	return s.applySnapshot(ctx, account, snapshot)
}

func (s *Service) ApplyProviderSnapshot(ctx context.Context, snapshot connectdomain.Account) (accountdomain.ConnectedAccount, error) {
	account, err := s.repo.FindByProviderAccountID(ctx, s.db, s.provider.Name(), snapshot.ID)
	if err != nil {
		return accountdomain.ConnectedAccount{}, err
	}
	if account == nil {
		return accountdomain.ConnectedAccount{}, accountdomain.ErrAccountNotFound
	}
	return s.applySnapshot(ctx, account, snapshot)
}

// applySnapshot persists the observed state. A concurrent writer that moved
// the status first causes one reload before giving up.
func (s *Service) applySnapshot(ctx context.Context, account *accountdomain.ConnectedAccount, snapshot connectdomain.Account) (accountdomain.ConnectedAccount, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			reloaded, err := s.repo.FindByID(ctx, s.db, account.ID)
			if err != nil {
				return accountdomain.ConnectedAccount{}, err
			}
			if reloaded == nil {
				return accountdomain.ConnectedAccount{}, accountdomain.ErrAccountNotFound
			}
			account = reloaded
		}

		updated, activated, ok, err := s.writeSnapshot(ctx, *account, snapshot)
		if err != nil {
			return accountdomain.ConnectedAccount{}, err
		}
		if !ok {
			continue
		}
		if activated {
			s.notifyActivated(ctx, updated)
		}
		return updated, nil
	}
	return accountdomain.ConnectedAccount{}, accountdomain.ErrConcurrentUpdate
}

func (s *Service) writeSnapshot(
	ctx context.Context,
	account accountdomain.ConnectedAccount,
	snapshot connectdomain.Account,
) (accountdomain.ConnectedAccount, bool, bool, error) {
	previous := account.Status
	next := accountdomain.DeriveStatus(snapshot)
	if !accountdomain.CanTransition(previous, next) {
		return account, false, false, accountdomain.ErrInvalidTransition
	}

	now := s.clock.Now()
	account.Status = next
	account.ChargesEnabled = snapshot.ChargesEnabled
	account.PayoutsEnabled = snapshot.PayoutsEnabled
	account.DetailsSubmitted = snapshot.DetailsSubmitted
	account.Requirements = datatypes.NewJSONType(snapshot.Requirements)
	account.LastSyncedAt = &now
	account.UpdatedAt = now

	activated := previous != accountdomain.StatusActive && next == accountdomain.StatusActive && account.SupersededAt == nil
	written := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.UpdateSnapshot(ctx, tx, &account, previous)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		written = true

		if previous == next {
			return nil
		}
		if err := s.audit(ctx, tx, account, "connected_account.status_changed", map[string]any{
			"from": string(previous),
			"to":   string(next),
		}); err != nil {
			return err
		}
		if activated && s.outbox != nil {
			return s.outbox.PublishTx(ctx, tx, events.Event{
				AggregateType: "connected_account",
				AggregateID:   account.ID.String(),
				Type:          events.EventAccountActivated,
				Payload: map[string]any{
					"account_id": account.ID.String(),
					"owner_id":   account.OwnerID.String(),
				},
				DedupeKey: "account_activated:" + account.ID.String() + ":" + now.Format(time.RFC3339Nano),
			})
		}
		return nil
	})
	if err != nil {
		return account, false, false, err
	}
	if written && previous != next {
		s.log.Info("connected account status changed",
			zap.String("account_id", account.ID.String()),
			zap.String("from", string(previous)),
			zap.String("to", string(next)),
		)
	}
	return account, activated && written, written, nil
}

// notifyActivated runs the listener on a detached context so the caller's
// cancellation does not abort settlement of held funds.
func (s *Service) notifyActivated(ctx context.Context, account accountdomain.ConnectedAccount) {
	if s.listener == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		runCtx, cancel := context.WithTimeout(detached, activationTimeout)
		defer cancel()

		if err := s.listener.AccountActivated(runCtx, account.OwnerID, account.ID); err != nil {
			s.log.Error("activation listener failed",
				zap.String("account_id", account.ID.String()),
				zap.String("owner_id", account.OwnerID.String()),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until in-flight activation listeners finish.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) GetAccountStatus(ctx context.Context, ownerID snowflake.ID) (accountdomain.AccountStatus, error) {
	account, err := s.CurrentAccount(ctx, ownerID)
	if err != nil {
		return accountdomain.AccountStatus{}, err
	}
	status := accountdomain.AccountStatus{
		AccountID:        account.ID,
		Status:           account.Status,
		ChargesEnabled:   account.ChargesEnabled,
		PayoutsEnabled:   account.PayoutsEnabled,
		DetailsSubmitted: account.DetailsSubmitted,
		Requirements:     account.Requirements.Data(),
	}
	s.attachFunds(ctx, account, &status)
	return status, nil
}

// attachFunds reads the live balance and payout schedule. Provider failures
// leave both unset instead of failing the status read.
func (s *Service) attachFunds(ctx context.Context, account accountdomain.ConnectedAccount, status *accountdomain.AccountStatus) {
	if account.ProviderAccountID == "" {
		return
	}
	var (
		balance  connectdomain.Balance
		snapshot connectdomain.Account
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balance, err = s.provider.RetrieveBalance(gctx, account.ProviderAccountID)
		return err
	})
	g.Go(func() error {
		var err error
		snapshot, err = s.provider.RetrieveAccount(gctx, account.ProviderAccountID)
		return err
	})
	if err := g.Wait(); err != nil {
		s.log.Warn("account funds unavailable",
			zap.String("account_id", account.ID.String()),
			zap.Error(err),
		)
		return
	}
	status.Balance = &balance
	status.PayoutSchedule = &snapshot.PayoutSchedule
}

func (s *Service) CurrentAccount(ctx context.Context, ownerID snowflake.ID) (accountdomain.ConnectedAccount, error) {
	if ownerID == 0 {
		return accountdomain.ConnectedAccount{}, accountdomain.ErrInvalidOwner
	}
	account, err := s.repo.FindCurrentByOwner(ctx, s.db, ownerID)
	if err != nil {
		return accountdomain.ConnectedAccount{}, err
	}
	if account == nil {
		return accountdomain.ConnectedAccount{}, accountdomain.ErrAccountNotFound
	}
	return *account, nil
}

func (s *Service) RenewOnboardingLink(ctx context.Context, accountID snowflake.ID) (accountdomain.OnboardingLink, error) {
	account, err := s.repo.FindByID(ctx, s.db, accountID)
	if err != nil {
		return accountdomain.OnboardingLink{}, err
	}
	if account == nil {
		return accountdomain.OnboardingLink{}, accountdomain.ErrAccountNotFound
	}
	if account.SupersededAt != nil {
		return accountdomain.OnboardingLink{}, accountdomain.ErrAccountSuperseded
	}
	return s.createLink(ctx, *account)
}

func (s *Service) ConsumeOnboardingLink(ctx context.Context, linkID snowflake.ID) (accountdomain.OnboardingLink, error) {
	now := s.clock.Now()
	consumed, err := s.repo.ConsumeLink(ctx, s.db, linkID, now)
	if err != nil {
		return accountdomain.OnboardingLink{}, err
	}

	link, err := s.repo.FindLink(ctx, s.db, linkID)
	if err != nil {
		return accountdomain.OnboardingLink{}, err
	}
	if link == nil {
		return accountdomain.OnboardingLink{}, accountdomain.ErrLinkNotFound
	}
	if consumed {
		return *link, nil
	}
	if link.ConsumedAt != nil {
		return accountdomain.OnboardingLink{}, accountdomain.ErrLinkConsumed
	}
	return accountdomain.OnboardingLink{}, accountdomain.ErrLinkExpired
}

func (s *Service) createLink(ctx context.Context, account accountdomain.ConnectedAccount) (accountdomain.OnboardingLink, error) {
	providerLink, err := s.provider.CreateAccountLink(ctx, connectdomain.AccountLinkRequest{
		ProviderAccountID: account.ProviderAccountID,
		RefreshURL:        s.cfg.OnboardingRefresh,
		ReturnURL:         s.cfg.OnboardingReturn,
	})
	if err != nil {
		return accountdomain.OnboardingLink{}, err
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.linkTTL())
	if providerLink.ExpiresAt > 0 {
		providerExpiry := time.Unix(providerLink.ExpiresAt, 0).UTC()
		if providerExpiry.Before(expiresAt) {
			expiresAt = providerExpiry
		}
	}

	link := accountdomain.OnboardingLink{
		ID:        s.genID.Generate(),
		AccountID: account.ID,
		URL:       providerLink.URL,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	if err := s.repo.InsertLink(ctx, s.db, &link); err != nil {
		return accountdomain.OnboardingLink{}, err
	}
	return link, nil
}

func (s *Service) linkTTL() time.Duration {
	if s.cfg.OnboardingLinkTTL <= 0 {
		return 5 * time.Minute
	}
	return s.cfg.OnboardingLinkTTL
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, account accountdomain.ConnectedAccount, action string, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	ownerID := account.OwnerID
	return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
		OwnerID:    &ownerID,
		Action:     action,
		TargetType: "connected_account",
		TargetID:   account.ID.String(),
		Metadata:   metadata,
	})
}

func (s *Service) normalizeProfile(profile accountdomain.Profile) (accountdomain.Profile, error) {
	profile.Country = strings.ToUpper(strings.TrimSpace(profile.Country))
	if profile.Country == "" {
		profile.Country = s.cfg.DefaultCountry
	}
	if !countryPattern.MatchString(profile.Country) {
		return profile, accountdomain.ErrInvalidCountry
	}

	profile.BusinessType = strings.ToLower(strings.TrimSpace(profile.BusinessType))
	switch profile.BusinessType {
	case "":
		profile.BusinessType = connectdomain.BusinessTypeIndividual
	case connectdomain.BusinessTypeIndividual, connectdomain.BusinessTypeCompany:
	default:
		return profile, accountdomain.ErrInvalidBusinessType
	}

	profile.Email = strings.TrimSpace(profile.Email)
	if profile.Email != "" {
		if _, err := mail.ParseAddress(profile.Email); err != nil {
			return profile, accountdomain.ErrInvalidEmail
		}
	}
	profile.BusinessName = strings.TrimSpace(profile.BusinessName)
	return profile, nil
}

func normalizeBranding(branding connectdomain.Branding) (connectdomain.Branding, error) {
	branding.IconURL = strings.TrimSpace(branding.IconURL)
	if branding.IconURL != "" {
		parsed, err := url.Parse(branding.IconURL)
		if err != nil || !parsed.IsAbs() || parsed.Host == "" ||
			(parsed.Scheme != "https" && parsed.Scheme != "http") {
			return branding, accountdomain.ErrInvalidIconURL
		}
	}
	for _, color := range []*string{&branding.PrimaryColor, &branding.SecondaryColor} {
		*color = strings.TrimSpace(*color)
		if *color != "" && !colorPattern.MatchString(*color) {
			return branding, accountdomain.ErrInvalidColor
		}
	}
	return branding, nil
}
