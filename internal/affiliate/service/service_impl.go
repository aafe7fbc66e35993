package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	affiliatedomain "github.com/smallbiznis/connectpay/internal/affiliate/domain"
	auditdomain "github.com/smallbiznis/connectpay/internal/audit/domain"
	"github.com/smallbiznis/connectpay/internal/clock"
	"github.com/smallbiznis/connectpay/internal/config"
	"github.com/smallbiznis/connectpay/internal/events"
	"github.com/smallbiznis/connectpay/internal/fee"
	obsmetrics "github.com/smallbiznis/connectpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/connectpay/internal/payment/domain"
	connectdomain "github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"github.com/smallbiznis/connectpay/internal/ratelimit"
	"github.com/smallbiznis/connectpay/pkg/db"
	"github.com/smallbiznis/connectpay/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	codeAttempts         = 10
	codePrefixMaxLen     = 12
	defaultPayoutCountry = "US"
)

var countryPattern = regexp.MustCompile(`^[A-Z]{2}$`)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      config.Config
	Payments    *config.PaymentsConfigHolder
	Repo        affiliatedomain.Repository
	PaymentRepo paymentdomain.Repository
	Provider    connectdomain.Client
	Limiter     *ratelimit.ClickLimiter `optional:"true"`
	AuditSvc    auditdomain.Service     `optional:"true"`
	Outbox      *events.Outbox          `optional:"true"`
	Metrics     *obsmetrics.Metrics     `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	baseURL     string
	payments    *config.PaymentsConfigHolder
	repo        affiliatedomain.Repository
	paymentRepo paymentdomain.Repository
	provider    connectdomain.Client
	onboarding  config.ProviderConfig
	limiter     *ratelimit.ClickLimiter
	auditSvc    auditdomain.Service
	outbox      *events.Outbox
	metrics     *obsmetrics.Metrics

	// randomSuffix is replaced in tests to force code collisions.
	randomSuffix func() int
}

func NewService(p Params) *Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("affiliate.commission"),
		genID:        p.GenID,
		clock:        p.Clock,
		baseURL:      strings.TrimRight(p.Config.PublicBaseURL, "/"),
		payments:     p.Payments,
		repo:         p.Repo,
		paymentRepo:  p.PaymentRepo,
		provider:     p.Provider,
		onboarding:   p.Config.Provider,
		limiter:      p.Limiter,
		auditSvc:     p.AuditSvc,
		outbox:       p.Outbox,
		metrics:      p.Metrics,
		randomSuffix: func() int { return rand.IntN(1000) },
	}
}

func (s *Service) RegisterAffiliate(ctx context.Context, req affiliatedomain.RegisterRequest) (affiliatedomain.RegisterResult, error) {
	if req.UserID == 0 {
		return affiliatedomain.RegisterResult{}, affiliatedomain.ErrInvalidUser
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" || len(displayName) > 120 {
		return affiliatedomain.RegisterResult{}, affiliatedomain.ErrInvalidDisplayName
	}

	policy := s.payments.Get().Commission
	prefs := req.Preferences
	frequency := prefs.PayoutFrequency
	if frequency == "" {
		frequency = affiliatedomain.PayoutMonthly
	}
	if !frequency.Valid() {
		return affiliatedomain.RegisterResult{}, affiliatedomain.ErrInvalidPayoutFrequency
	}
	threshold := policy.DefaultPayoutThreshold
	if prefs.PayoutThreshold != nil {
		if *prefs.PayoutThreshold < 0 {
			return affiliatedomain.RegisterResult{}, affiliatedomain.ErrInvalidPayoutThreshold
		}
		threshold = *prefs.PayoutThreshold
	}
	autoPayout := true
	if prefs.AutoPayout != nil {
		autoPayout = *prefs.AutoPayout
	}

	existing, err := s.repo.FindAffiliateByUserID(ctx, s.db, req.UserID)
	if err != nil {
		return affiliatedomain.RegisterResult{}, err
	}
	if existing != nil {
		return affiliatedomain.RegisterResult{}, affiliatedomain.ErrAffiliateExists
	}

	now := s.clock.Now()
	affiliate := affiliatedomain.Affiliate{
		ID:                  s.genID.Generate(),
		UserID:              req.UserID,
		DisplayName:         displayName,
		Status:              affiliatedomain.StatusActive,
		CommissionRatePct:   policy.DefaultRate(),
		PlatformFeeSharePct: policy.DefaultPlatformShare(),
		PayoutThreshold:     threshold,
		PayoutFrequency:     frequency,
		AutoPayout:          autoPayout,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	prefix := codePrefix(displayName)
	for attempt := 0; attempt < codeAttempts; attempt++ {
		affiliate.Code = fmt.Sprintf("%s_%03d", prefix, s.randomSuffix())
		taken, err := s.repo.FindAffiliateByCode(ctx, s.db, affiliate.Code)
		if err != nil {
			return affiliatedomain.RegisterResult{}, err
		}
		if taken != nil {
			continue
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.repo.InsertAffiliate(ctx, tx, &affiliate); err != nil {
				return err
			}
			return s.audit(ctx, tx, "affiliate.registered", "affiliate", affiliate.ID.String(), map[string]any{
				"code":    affiliate.Code,
				"user_id": affiliate.UserID.String(),
			})
		})
		if err == nil {
			s.log.Info("affiliate registered",
				zap.String("affiliate_id", affiliate.ID.String()),
				zap.String("code", affiliate.Code),
			)
			return affiliatedomain.RegisterResult{
				Affiliate:     affiliate,
				AffiliateCode: affiliate.Code,
				ReferralLink:  s.referralLink(affiliate.Code),
			}, nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return affiliatedomain.RegisterResult{}, err
		}
		// Lost a race on either the code or the user id.
		if existing, findErr := s.repo.FindAffiliateByUserID(ctx, s.db, req.UserID); findErr == nil && existing != nil {
			return affiliatedomain.RegisterResult{}, affiliatedomain.ErrAffiliateExists
		}
	}
	return affiliatedomain.RegisterResult{}, affiliatedomain.ErrCodeGenerationFailed
}

// SetupPayoutAccount opens the transfers-only account commissions are paid
// to and returns an onboarding link for it. Calling it again reuses the
// attached account and only issues a new link.
func (s *Service) SetupPayoutAccount(ctx context.Context, affiliateID snowflake.ID, req affiliatedomain.PayoutAccountRequest) (affiliatedomain.PayoutAccountSetup, error) {
	refreshURL, err := redirectURL(req.RefreshURL, s.onboarding.OnboardingRefresh)
	if err != nil {
		return affiliatedomain.PayoutAccountSetup{}, err
	}
	returnURL, err := redirectURL(req.ReturnURL, s.onboarding.OnboardingReturn)
	if err != nil {
		return affiliatedomain.PayoutAccountSetup{}, err
	}
	affiliate, err := s.getAffiliate(ctx, affiliateID)
	if err != nil {
		return affiliatedomain.PayoutAccountSetup{}, err
	}
	if affiliate.Status != affiliatedomain.StatusActive {
		return affiliatedomain.PayoutAccountSetup{}, affiliatedomain.ErrAffiliateNotActive
	}

	accountID := ""
	if affiliate.PayoutAccountID != nil {
		accountID = *affiliate.PayoutAccountID
	} else {
		accountID, err = s.createPayoutAccount(ctx, affiliate, req)
		if err != nil {
			return affiliatedomain.PayoutAccountSetup{}, err
		}
	}

	link, err := s.provider.CreateAccountLink(ctx, connectdomain.AccountLinkRequest{
		ProviderAccountID: accountID,
		RefreshURL:        refreshURL,
		ReturnURL:         returnURL,
	})
	if err != nil {
		return affiliatedomain.PayoutAccountSetup{}, err
	}
	affiliate, err = s.getAffiliate(ctx, affiliateID)
	if err != nil {
		return affiliatedomain.PayoutAccountSetup{}, err
	}
	return affiliatedomain.PayoutAccountSetup{
		Affiliate:       affiliate,
		PayoutAccountID: accountID,
		OnboardingURL:   link.URL,
		ExpiresAt:       link.ExpiresAt,
	}, nil
}

func (s *Service) createPayoutAccount(ctx context.Context, affiliate affiliatedomain.Affiliate, req affiliatedomain.PayoutAccountRequest) (string, error) {
	email := strings.TrimSpace(req.Email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return "", affiliatedomain.ErrInvalidEmail
		}
	}
	country := strings.ToUpper(strings.TrimSpace(req.Country))
	if country == "" {
		country = strings.ToUpper(s.onboarding.DefaultCountry)
	}
	if country == "" {
		country = defaultPayoutCountry
	}
	if !countryPattern.MatchString(country) {
		return "", affiliatedomain.ErrInvalidCountry
	}

	snapshot, err := s.provider.CreateAccount(ctx, connectdomain.CreateAccountRequest{
		Email:          email,
		Country:        country,
		BusinessType:   connectdomain.BusinessTypeIndividual,
		TransfersOnly:  true,
		Metadata:       map[string]string{"affiliate_id": affiliate.ID.String()},
		IdempotencyKey: "affiliate_account:" + affiliate.ID.String(),
	})
	if err != nil {
		s.log.Warn("payout account creation failed", zap.String("affiliate_id", affiliate.ID.String()), zap.Error(err))
		return "", err
	}

	attached := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.SetPayoutAccount(ctx, tx, affiliate.ID, snapshot.ID, s.clock.Now())
		if err != nil || !ok {
			return err
		}
		attached = true
		return s.audit(ctx, tx, "affiliate.payout_account_created", "affiliate", affiliate.ID.String(), map[string]any{
			"payout_account_id": snapshot.ID,
			"country":           country,
		})
	})
	if err != nil {
		return "", err
	}
	if attached {
		s.log.Info("payout account created",
			zap.String("affiliate_id", affiliate.ID.String()),
			zap.String("payout_account_id", snapshot.ID),
		)
		return snapshot.ID, nil
	}

	// A concurrent setup attached its account first.
	current, err := s.getAffiliate(ctx, affiliate.ID)
	if err != nil {
		return "", err
	}
	if current.PayoutAccountID == nil {
		return "", affiliatedomain.ErrAffiliateNotFound
	}
	if *current.PayoutAccountID != snapshot.ID {
		s.log.Warn("payout account created but not attached",
			zap.String("affiliate_id", affiliate.ID.String()),
			zap.String("payout_account_id", snapshot.ID),
			zap.String("attached_account_id", *current.PayoutAccountID),
		)
	}
	return *current.PayoutAccountID, nil
}

func (s *Service) RefreshPayoutAccount(ctx context.Context, affiliateID snowflake.ID) (affiliatedomain.Affiliate, error) {
	affiliate, err := s.getAffiliate(ctx, affiliateID)
	if err != nil {
		return affiliatedomain.Affiliate{}, err
	}
	if affiliate.PayoutAccountID == nil {
		return affiliatedomain.Affiliate{}, affiliatedomain.ErrPayoutAccountMissing
	}
	snapshot, err := s.provider.RetrieveAccount(ctx, *affiliate.PayoutAccountID)
	if err != nil {
		return affiliatedomain.Affiliate{}, err
	}
	return s.applyPayoutAccount(ctx, affiliate, snapshot)
}

func (s *Service) ApplyPayoutAccountSnapshot(ctx context.Context, snapshot connectdomain.Account) (affiliatedomain.Affiliate, error) {
	affiliate, err := s.repo.FindAffiliateByPayoutAccount(ctx, s.db, snapshot.ID)
	if err != nil {
		return affiliatedomain.Affiliate{}, err
	}
	if affiliate == nil {
		return affiliatedomain.Affiliate{}, affiliatedomain.ErrAffiliateNotFound
	}
	return s.applyPayoutAccount(ctx, *affiliate, snapshot)
}

// applyPayoutAccount marks the destination verified exactly while the
// provider reports payouts enabled for it.
func (s *Service) applyPayoutAccount(ctx context.Context, affiliate affiliatedomain.Affiliate, snapshot connectdomain.Account) (affiliatedomain.Affiliate, error) {
	verified := snapshot.PayoutsEnabled
	if affiliate.PayoutAccountVerified == verified {
		return affiliate, nil
	}
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.SetPayoutAccountVerified(ctx, tx, affiliate.ID, snapshot.ID, verified, now)
		if err != nil {
			return err
		}
		if !ok {
			return affiliatedomain.ErrAffiliateNotFound
		}
		metadata := map[string]any{
			"payout_account_id": snapshot.ID,
			"verified":          verified,
			"details_submitted": snapshot.DetailsSubmitted,
		}
		if err := s.audit(ctx, tx, "affiliate.payout_account_updated", "affiliate", affiliate.ID.String(), metadata); err != nil {
			return err
		}
		if s.outbox == nil {
			return nil
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			AggregateType: "affiliate",
			AggregateID:   affiliate.ID.String(),
			Type:          events.EventAffiliatePayoutAccountUpdated,
			Payload:       metadata,
			DedupeKey:     "affiliate_payout_account:" + affiliate.ID.String() + ":" + now.UTC().Format(time.RFC3339Nano),
		})
	})
	if err != nil {
		return affiliatedomain.Affiliate{}, err
	}
	s.log.Info("payout account updated",
		zap.String("affiliate_id", affiliate.ID.String()),
		zap.Bool("verified", verified),
	)
	return s.getAffiliate(ctx, affiliate.ID)
}

func (s *Service) UpdateSettings(ctx context.Context, affiliateID snowflake.ID, update affiliatedomain.SettingsUpdate) (affiliatedomain.Affiliate, error) {
	affiliate, err := s.getAffiliate(ctx, affiliateID)
	if err != nil {
		return affiliatedomain.Affiliate{}, err
	}
	if update.PayoutThreshold != nil {
		if *update.PayoutThreshold < 0 {
			return affiliatedomain.Affiliate{}, affiliatedomain.ErrInvalidPayoutThreshold
		}
		affiliate.PayoutThreshold = *update.PayoutThreshold
	}
	if update.PayoutFrequency != nil {
		if !update.PayoutFrequency.Valid() {
			return affiliatedomain.Affiliate{}, affiliatedomain.ErrInvalidPayoutFrequency
		}
		affiliate.PayoutFrequency = *update.PayoutFrequency
	}
	if update.AutoPayout != nil {
		affiliate.AutoPayout = *update.AutoPayout
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.UpdateSettings(ctx, tx, affiliate.ID, affiliate.PayoutThreshold, affiliate.PayoutFrequency, affiliate.AutoPayout, s.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return affiliatedomain.ErrAffiliateNotFound
		}
		return s.audit(ctx, tx, "affiliate.settings_updated", "affiliate", affiliate.ID.String(), map[string]any{
			"payout_threshold": affiliate.PayoutThreshold,
			"payout_frequency": string(affiliate.PayoutFrequency),
			"auto_payout":      affiliate.AutoPayout,
		})
	})
	if err != nil {
		return affiliatedomain.Affiliate{}, err
	}
	return s.getAffiliate(ctx, affiliate.ID)
}

func (s *Service) TrackReferralClick(ctx context.Context, code string, meta affiliatedomain.ClientMetadata) (affiliatedomain.Referral, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return affiliatedomain.Referral{}, affiliatedomain.ErrInvalidCode
	}

	allowed, err := s.limiter.AllowClick(ctx, code, meta.ClientIP)
	if err != nil {
		s.log.Warn("click rate limit check failed", zap.String("code", code), zap.Error(err))
	} else if !allowed {
		return affiliatedomain.Referral{}, affiliatedomain.ErrClickRateLimited
	}

	affiliate, err := s.repo.FindAffiliateByCode(ctx, s.db, code)
	if err != nil {
		return affiliatedomain.Referral{}, err
	}
	if affiliate == nil {
		return affiliatedomain.Referral{}, affiliatedomain.ErrAffiliateNotFound
	}
	if affiliate.Status != affiliatedomain.StatusActive {
		return affiliatedomain.Referral{}, affiliatedomain.ErrAffiliateNotActive
	}

	now := s.clock.Now()
	extra := datatypes.JSONMap{}
	for k, v := range meta.Extra {
		extra[k] = v
	}
	referral := affiliatedomain.Referral{
		ID:               s.genID.Generate(),
		AffiliateID:      affiliate.ID,
		ConversionStatus: affiliatedomain.ConversionClicked,
		Source:           DeriveSource(meta.UTMMedium),
		UTMSource:        strings.TrimSpace(meta.UTMSource),
		UTMMedium:        strings.TrimSpace(meta.UTMMedium),
		UTMCampaign:      strings.TrimSpace(meta.UTMCampaign),
		ClientIP:         strings.TrimSpace(meta.ClientIP),
		UserAgent:        db.Truncate(meta.UserAgent, 512),
		LandingPage:      db.Truncate(meta.LandingPage, 2048),
		ClickMetadata:    extra,
		ClickedAt:        now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertReferral(ctx, tx, &referral); err != nil {
			return err
		}
		return s.repo.ApplyCounters(ctx, tx, affiliate.ID, affiliatedomain.CounterDelta{Clicks: 1}, now)
	})
	if err != nil {
		return affiliatedomain.Referral{}, err
	}
	return referral, nil
}

// DeriveSource buckets a referral by its utm_medium.
func DeriveSource(utmMedium string) string {
	medium := strings.ToLower(strings.TrimSpace(utmMedium))
	switch {
	case medium == "":
		return "direct"
	case strings.Contains(medium, "qr"):
		return "qr"
	case strings.Contains(medium, "email"), strings.Contains(medium, "newsletter"):
		return "email"
	case strings.Contains(medium, "social"), medium == "facebook", medium == "instagram",
		medium == "twitter", medium == "x", medium == "tiktok", medium == "linkedin":
		return "social"
	default:
		return "direct"
	}
}

func (s *Service) ConvertReferral(ctx context.Context, referralID, newOwnerID snowflake.ID) (affiliatedomain.Referral, error) {
	if newOwnerID == 0 {
		return affiliatedomain.Referral{}, affiliatedomain.ErrInvalidOwner
	}
	referral, err := s.repo.FindReferralByID(ctx, s.db, referralID)
	if err != nil {
		return affiliatedomain.Referral{}, err
	}
	if referral == nil {
		return affiliatedomain.Referral{}, affiliatedomain.ErrReferralNotFound
	}
	if referral.ConversionStatus != affiliatedomain.ConversionClicked {
		if referral.ReferredOwnerID != nil && *referral.ReferredOwnerID == newOwnerID {
			return *referral, nil
		}
		return affiliatedomain.Referral{}, affiliatedomain.ErrReferralAlreadyConverted
	}

	prior, err := s.repo.FindReferralByOwner(ctx, s.db, newOwnerID)
	if err != nil {
		return affiliatedomain.Referral{}, err
	}
	if prior != nil {
		return affiliatedomain.Referral{}, affiliatedomain.ErrOwnerAlreadyReferred
	}

	now := s.clock.Now()
	eligibleUntil := now.Add(s.attributionWindow())
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkReferralSignedUp(ctx, tx, referral.ID, newOwnerID, eligibleUntil, now)
		if err != nil {
			return err
		}
		if !ok {
			return affiliatedomain.ErrReferralAlreadyConverted
		}
		return s.repo.ApplyCounters(ctx, tx, referral.AffiliateID, affiliatedomain.CounterDelta{Signups: 1}, now)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return affiliatedomain.Referral{}, affiliatedomain.ErrOwnerAlreadyReferred
		}
		return affiliatedomain.Referral{}, err
	}

	referral.ReferredOwnerID = &newOwnerID
	referral.ConversionStatus = affiliatedomain.ConversionSignedUp
	referral.EligibleUntil = &eligibleUntil
	referral.CommissionEligible = true
	referral.ConvertedAt = &now
	referral.UpdatedAt = now
	return *referral, nil
}

// RecordSubscriptionCharge stores a billed subscription payment once per
// provider event. Redelivery returns the stored row.
func (s *Service) RecordSubscriptionCharge(ctx context.Context, req affiliatedomain.SubscriptionChargeRequest) (affiliatedomain.SubscriptionCharge, error) {
	if req.OwnerID == 0 {
		return affiliatedomain.SubscriptionCharge{}, affiliatedomain.ErrInvalidOwner
	}
	eventID := strings.TrimSpace(req.ProviderEventID)
	if eventID == "" {
		return affiliatedomain.SubscriptionCharge{}, affiliatedomain.ErrInvalidProviderEvent
	}
	if req.Amount <= 0 {
		return affiliatedomain.SubscriptionCharge{}, fee.ErrInvalidAmount
	}
	currency, ok := fee.NormalizeCurrency(req.Currency)
	if !ok {
		return affiliatedomain.SubscriptionCharge{}, fee.ErrInvalidCurrency
	}

	charge := affiliatedomain.SubscriptionCharge{
		ID:              s.genID.Generate(),
		OwnerID:         req.OwnerID,
		ProviderEventID: eventID,
		Amount:          req.Amount,
		Currency:        currency,
		Plan:            strings.TrimSpace(req.Plan),
		CreatedAt:       s.clock.Now(),
	}
	inserted, err := s.repo.InsertSubscriptionCharge(ctx, s.db, &charge)
	if err != nil {
		return affiliatedomain.SubscriptionCharge{}, err
	}
	if inserted {
		return charge, nil
	}
	existing, err := s.repo.FindSubscriptionChargeByEvent(ctx, s.db, eventID)
	if err != nil {
		return affiliatedomain.SubscriptionCharge{}, err
	}
	if existing == nil {
		return affiliatedomain.SubscriptionCharge{}, fmt.Errorf("subscription charge %s vanished after conflict", eventID)
	}
	return *existing, nil
}

// ProcessSubscriptionCommission turns every unprocessed subscription charge
// of the owner into at most one commission. A charge is claimed before it is
// evaluated, so ineligible charges are never looked at again.
func (s *Service) ProcessSubscriptionCommission(ctx context.Context, ownerID snowflake.ID) (affiliatedomain.ProcessResult, error) {
	var result affiliatedomain.ProcessResult
	if ownerID == 0 {
		return result, affiliatedomain.ErrInvalidOwner
	}
	charges, err := s.repo.ListUnprocessedCharges(ctx, s.db, ownerID)
	if err != nil {
		return result, err
	}

	for _, charge := range charges {
		var (
			claimed    bool
			commission *affiliatedomain.Commission
			reason     string
		)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ok, err := s.repo.ClaimSubscriptionCharge(ctx, tx, charge.ID)
			if err != nil || !ok {
				return err
			}
			claimed = true

			referral, affiliate, why, err := s.eligibleReferral(ctx, tx, ownerID, charge.CreatedAt)
			if err != nil || referral == nil {
				reason = why
				return err
			}

			rate := affiliate.CommissionRatePct
			commission, reason, err = s.createCommission(ctx, tx, affiliate, referral, commissionInput{
				Type:         affiliatedomain.CommissionSubscriptionMonthly,
				SourceType:   affiliatedomain.SourceSubscriptionCharge,
				SourceID:     charge.ID.String(),
				SourceAmount: charge.Amount,
				Currency:     charge.Currency,
				Rate:         rate,
				Amount:       fee.Percent(charge.Amount, rate),
			})
			if err != nil || commission == nil {
				return err
			}

			if referral.ConversionStatus.Rank() < affiliatedomain.ConversionSubscribed.Rank() {
				advanced, err := s.repo.AdvanceReferral(ctx, tx, referral.ID, referral.ConversionStatus, affiliatedomain.ConversionSubscribed, commission.CreatedAt)
				if err != nil {
					return err
				}
				if advanced {
					return s.repo.ApplyCounters(ctx, tx, affiliate.ID, affiliatedomain.CounterDelta{Conversions: 1}, commission.CreatedAt)
				}
			}
			return nil
		})
		if err != nil {
			return result, err
		}
		if !claimed {
			continue
		}
		result.Processed++
		if commission == nil {
			result.Ineligible++
			s.metrics.RecordCommission(ctx, string(affiliatedomain.CommissionSubscriptionMonthly), "skipped")
			s.log.Debug("subscription charge not commissionable",
				zap.String("charge_id", charge.ID.String()),
				zap.String("reason", reason),
			)
			continue
		}
		result.Created++
		result.Commissions = append(result.Commissions, *commission)
		s.metrics.RecordCommission(ctx, string(commission.Type), "created")
	}
	return result, nil
}

// ProcessPlatformFeeCommission shares the platform fee collected on a
// succeeded transaction with the referring affiliate. It returns nil when
// the transaction was already processed or earns nothing.
func (s *Service) ProcessPlatformFeeCommission(ctx context.Context, transactionID snowflake.ID) (*affiliatedomain.Commission, error) {
	transaction, err := s.paymentRepo.FindByID(ctx, s.db, transactionID)
	if err != nil {
		return nil, err
	}
	if transaction == nil {
		return nil, paymentdomain.ErrTransactionNotFound
	}
	if transaction.PaymentStatus != paymentdomain.PaymentSucceeded {
		return nil, affiliatedomain.ErrTransactionNotSucceeded
	}

	var (
		commission *affiliatedomain.Commission
		reason     string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.paymentRepo.ClaimCommission(ctx, tx, transaction.ID, s.clock.Now())
		if err != nil {
			return err
		}
		if !claimed {
			reason = "already_processed"
			return nil
		}

		referral, affiliate, why, err := s.eligibleReferral(ctx, tx, transaction.OwnerID, transaction.CreatedAt)
		if err != nil || referral == nil {
			reason = why
			return err
		}

		share := affiliate.PlatformFeeSharePct
		commission, reason, err = s.createCommission(ctx, tx, affiliate, referral, commissionInput{
			Type:         affiliatedomain.CommissionPlatformFee,
			SourceType:   affiliatedomain.SourcePaymentTransaction,
			SourceID:     transaction.ID.String(),
			SourceAmount: transaction.FeeAmount,
			Currency:     transaction.Currency,
			Rate:         share,
			Amount:       fee.Percent(transaction.FeeAmount, share),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if commission == nil {
		s.metrics.RecordCommission(ctx, string(affiliatedomain.CommissionPlatformFee), "skipped")
		s.log.Debug("platform fee not commissionable",
			zap.String("transaction_id", transactionID.String()),
			zap.String("reason", reason),
		)
		return nil, nil
	}
	s.metrics.RecordCommission(ctx, string(commission.Type), "created")
	return commission, nil
}

// ProcessReferralBonus pays the flat bonus once per referral after it
// reaches subscribed.
func (s *Service) ProcessReferralBonus(ctx context.Context, referralID snowflake.ID) (*affiliatedomain.Commission, error) {
	referral, err := s.repo.FindReferralByID(ctx, s.db, referralID)
	if err != nil {
		return nil, err
	}
	if referral == nil {
		return nil, affiliatedomain.ErrReferralNotFound
	}
	if referral.ConversionStatus.Rank() < affiliatedomain.ConversionSubscribed.Rank() {
		return nil, affiliatedomain.ErrReferralNotSubscribed
	}

	existing, err := s.repo.FindCommissionBySource(ctx, s.db, affiliatedomain.CommissionReferralBonus, affiliatedomain.SourceReferral, referral.ID.String())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	affiliate, err := s.repo.FindAffiliateByID(ctx, s.db, referral.AffiliateID)
	if err != nil {
		return nil, err
	}
	if affiliate == nil {
		return nil, affiliatedomain.ErrAffiliateNotFound
	}
	if affiliate.Status != affiliatedomain.StatusActive {
		return nil, affiliatedomain.ErrAffiliateNotActive
	}

	policy := s.payments.Get().Commission
	var commission *affiliatedomain.Commission
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		commission, _, err = s.createCommission(ctx, tx, affiliate, referral, commissionInput{
			Type:       affiliatedomain.CommissionReferralBonus,
			SourceType: affiliatedomain.SourceReferral,
			SourceID:   referral.ID.String(),
			Currency:   policy.Currency,
			Rate:       decimal.Zero,
			Amount:     policy.ReferralBonusAmount,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if commission == nil {
		// A concurrent call inserted the bonus first.
		return s.repo.FindCommissionBySource(ctx, s.db, affiliatedomain.CommissionReferralBonus, affiliatedomain.SourceReferral, referral.ID.String())
	}
	s.metrics.RecordCommission(ctx, string(commission.Type), "created")
	return commission, nil
}

func (s *Service) ApproveCommission(ctx context.Context, commissionID snowflake.ID) (affiliatedomain.Commission, error) {
	return s.transitionCommission(ctx, commissionID, affiliatedomain.CommissionApproved, "")
}

func (s *Service) CancelCommission(ctx context.Context, commissionID snowflake.ID, reason string) (affiliatedomain.Commission, error) {
	return s.transitionCommission(ctx, commissionID, affiliatedomain.CommissionCancelled, reason)
}

func (s *Service) DisputeCommission(ctx context.Context, commissionID snowflake.ID, reason string) (affiliatedomain.Commission, error) {
	return s.transitionCommission(ctx, commissionID, affiliatedomain.CommissionDisputed, reason)
}

// transitionCommission keeps pending_balance equal to the sum of approved
// unpaid commissions: entering approved credits the balance, leaving it
// debits the balance.
func (s *Service) transitionCommission(ctx context.Context, commissionID snowflake.ID, to affiliatedomain.CommissionStatus, reason string) (affiliatedomain.Commission, error) {
	commission, err := s.repo.FindCommissionByID(ctx, s.db, commissionID)
	if err != nil {
		return affiliatedomain.Commission{}, err
	}
	if commission == nil {
		return affiliatedomain.Commission{}, affiliatedomain.ErrCommissionNotFound
	}
	from := commission.Status
	if !affiliatedomain.CanTransitionCommission(from, to) {
		return affiliatedomain.Commission{}, affiliatedomain.ErrInvalidTransition
	}

	var delta int64
	switch {
	case to == affiliatedomain.CommissionApproved:
		delta = commission.Amount
	case from == affiliatedomain.CommissionApproved:
		delta = -commission.Amount
	}

	var statusReason *string
	if reason = strings.TrimSpace(reason); reason != "" {
		statusReason = &reason
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.UpdateCommissionStatus(ctx, tx, commission.ID, from, to, statusReason, now)
		if err != nil {
			return err
		}
		if !ok {
			return affiliatedomain.ErrInvalidTransition
		}
		if delta != 0 {
			if err := s.repo.ApplyCounters(ctx, tx, commission.AffiliateID, affiliatedomain.CounterDelta{
				PendingBalance: delta,
				TotalEarned:    delta,
			}, now); err != nil {
				return err
			}
		}
		return s.audit(ctx, tx, "affiliate.commission."+string(to), "affiliate_commission", commission.ID.String(), map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		})
	})
	if err != nil {
		return affiliatedomain.Commission{}, err
	}

	commission.Status = to
	commission.StatusReason = statusReason
	commission.UpdatedAt = now
	if to == affiliatedomain.CommissionApproved {
		commission.ApprovedAt = &now
	}
	s.metrics.RecordCommission(ctx, string(commission.Type), string(to))
	return *commission, nil
}

func (s *Service) ListCommissions(ctx context.Context, req affiliatedomain.ListCommissionsRequest) (affiliatedomain.ListCommissionsResponse, error) {
	if req.AffiliateID == 0 {
		return affiliatedomain.ListCommissionsResponse{}, affiliatedomain.ErrAffiliateNotFound
	}

	var cursor *affiliatedomain.CommissionCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return affiliatedomain.ListCommissionsResponse{}, affiliatedomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return affiliatedomain.ListCommissionsResponse{}, affiliatedomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return affiliatedomain.ListCommissionsResponse{}, affiliatedomain.ErrInvalidPageToken
		}
		cursor = &affiliatedomain.CommissionCursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.ListCommissions(ctx, s.db, affiliatedomain.CommissionFilter{
		AffiliateID: req.AffiliateID,
		Status:      req.Status,
		Cursor:      cursor,
		Limit:       pageSize,
	})
	if err != nil {
		return affiliatedomain.ListCommissionsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *affiliatedomain.Commission) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	commissions := make([]affiliatedomain.Commission, 0, len(items))
	for _, item := range items {
		if item != nil {
			commissions = append(commissions, *item)
		}
	}
	resp := affiliatedomain.ListCommissionsResponse{Commissions: commissions}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) Dashboard(ctx context.Context, affiliateID snowflake.ID) (affiliatedomain.Dashboard, error) {
	affiliate, err := s.getAffiliate(ctx, affiliateID)
	if err != nil {
		return affiliatedomain.Dashboard{}, err
	}
	return affiliatedomain.Dashboard{
		AffiliateID:    affiliate.ID,
		Code:           affiliate.Code,
		Clicks:         affiliate.TotalClicks,
		Signups:        affiliate.TotalSignups,
		Conversions:    affiliate.TotalConversions,
		PendingBalance: affiliate.PendingBalance,
		TotalEarned:    affiliate.TotalEarned,
		TotalPaid:      affiliate.TotalPaid,
	}, nil
}

type commissionInput struct {
	Type         affiliatedomain.CommissionType
	SourceType   string
	SourceID     string
	SourceAmount int64
	Currency     string
	Rate         decimal.Decimal
	Amount       int64
}

// createCommission writes an auto-approved commission and credits the
// affiliate. It returns a nil commission with a reason when nothing was
// written.
func (s *Service) createCommission(
	ctx context.Context,
	tx *gorm.DB,
	affiliate *affiliatedomain.Affiliate,
	referral *affiliatedomain.Referral,
	in commissionInput,
) (*affiliatedomain.Commission, string, error) {
	minimum := s.payments.Get().Commission.MinimumCommission
	if in.Amount < minimum {
		return nil, "below_minimum", nil
	}

	now := s.clock.Now()
	referralID := referral.ID
	commission := affiliatedomain.Commission{
		ID:                  s.genID.Generate(),
		AffiliateID:         affiliate.ID,
		ReferralID:          &referralID,
		Amount:              in.Amount,
		Currency:            in.Currency,
		Type:                in.Type,
		SourceType:          in.SourceType,
		SourceTransactionID: in.SourceID,
		SourceAmount:        in.SourceAmount,
		CommissionRatePct:   in.Rate,
		Status:              affiliatedomain.CommissionApproved,
		ApprovedAt:          &now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	inserted, err := s.repo.InsertCommission(ctx, tx, &commission)
	if err != nil {
		return nil, "", err
	}
	if !inserted {
		return nil, "duplicate", nil
	}
	if err := s.repo.ApplyCounters(ctx, tx, affiliate.ID, affiliatedomain.CounterDelta{
		PendingBalance: commission.Amount,
		TotalEarned:    commission.Amount,
	}, now); err != nil {
		return nil, "", err
	}
	if s.outbox != nil {
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			AggregateType: "affiliate",
			AggregateID:   affiliate.ID.String(),
			Type:          events.EventCommissionCreated,
			Payload: map[string]any{
				"commission_id":         commission.ID.String(),
				"type":                  string(commission.Type),
				"amount":                commission.Amount,
				"currency":              commission.Currency,
				"source_transaction_id": commission.SourceTransactionID,
			},
			DedupeKey: "commission:" + string(commission.Type) + ":" + commission.SourceType + ":" + commission.SourceTransactionID,
		}); err != nil {
			return nil, "", err
		}
	}
	return &commission, "", nil
}

// eligibleReferral resolves the referral that attributes the owner's revenue
// at the given time. A nil referral comes with the reason it was rejected.
func (s *Service) eligibleReferral(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID, at time.Time) (*affiliatedomain.Referral, *affiliatedomain.Affiliate, string, error) {
	referral, err := s.repo.FindReferralByOwner(ctx, tx, ownerID)
	if err != nil {
		return nil, nil, "", err
	}
	if referral == nil {
		return nil, nil, "no_referral", nil
	}
	if !referral.EligibleAt(at) {
		return nil, nil, "referral_not_eligible", nil
	}
	affiliate, err := s.repo.FindAffiliateByID(ctx, tx, referral.AffiliateID)
	if err != nil {
		return nil, nil, "", err
	}
	if affiliate == nil || affiliate.Status != affiliatedomain.StatusActive {
		return nil, nil, "affiliate_not_active", nil
	}
	return referral, affiliate, "", nil
}

func (s *Service) getAffiliate(ctx context.Context, id snowflake.ID) (affiliatedomain.Affiliate, error) {
	affiliate, err := s.repo.FindAffiliateByID(ctx, s.db, id)
	if err != nil {
		return affiliatedomain.Affiliate{}, err
	}
	if affiliate == nil {
		return affiliatedomain.Affiliate{}, affiliatedomain.ErrAffiliateNotFound
	}
	return *affiliate, nil
}

func (s *Service) attributionWindow() time.Duration {
	days := s.payments.Get().Commission.AttributionWindowDays
	if days <= 0 {
		days = 365
	}
	return time.Duration(days) * 24 * time.Hour
}

func (s *Service) referralLink(code string) string {
	return s.baseURL + "/r/" + code
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, action, targetType, targetID string, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   metadata,
	})
}

// redirectURL falls back to the configured onboarding URL and accepts only
// absolute http(s) URLs.
func redirectURL(value, fallback string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		value = fallback
	}
	parsed, err := url.Parse(value)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" ||
		(parsed.Scheme != "https" && parsed.Scheme != "http") {
		return "", affiliatedomain.ErrInvalidRedirectURL
	}
	return value, nil
}

// codePrefix keeps the leading alphanumerics of the slugified name.
func codePrefix(displayName string) string {
	prefix := strings.ReplaceAll(slug.Make(displayName), "-", "")
	if len(prefix) > codePrefixMaxLen {
		prefix = prefix[:codePrefixMaxLen]
	}
	if prefix == "" {
		prefix = "affiliate"
	}
	return prefix
}

var _ affiliatedomain.Service = (*Service)(nil)
