package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	affiliatedomain "github.com/smallbiznis/connectpay/internal/affiliate/domain"
	"github.com/smallbiznis/connectpay/pkg/db/pagination"
	"go.uber.org/zap"
)

type registerAffiliateRequest struct {
	UserID      string                            `json:"user_id"`
	DisplayName string                            `json:"display_name"`
	Preferences affiliatedomain.PayoutPreferences `json:"preferences"`
}

func (s *Server) RegisterAffiliate(c *gin.Context) {
	var req registerAffiliateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	userID, ok := parseSnowflakeID(req.UserID)
	if !ok {
		AbortWithError(c, affiliatedomain.ErrInvalidUser)
		return
	}

	resp, err := s.affiliateSvc.RegisterAffiliate(c.Request.Context(), affiliatedomain.RegisterRequest{
		UserID:      userID,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Preferences: req.Preferences,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetAffiliateDashboard(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	dashboard, err := s.affiliateSvc.Dashboard(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": dashboard})
}

func (s *Server) ListCommissions(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var query struct {
		pagination.Pagination
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.affiliateSvc.ListCommissions(c.Request.Context(), affiliatedomain.ListCommissionsRequest{
		AffiliateID: id,
		Status:      affiliatedomain.CommissionStatus(strings.TrimSpace(query.Status)),
		PageToken:   query.PageToken,
		PageSize:    query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Commissions, "page_info": resp.PageInfo})
}

func (s *Server) SetupPayoutAccount(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req affiliatedomain.PayoutAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	setup, err := s.affiliateSvc.SetupPayoutAccount(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": setup})
}

func (s *Server) RefreshPayoutAccount(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	affiliate, err := s.affiliateSvc.RefreshPayoutAccount(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": affiliate})
}

func (s *Server) UpdateAffiliateSettings(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req affiliatedomain.SettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	affiliate, err := s.affiliateSvc.UpdateSettings(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": affiliate})
}

type referralClickRequest struct {
	Code        string `json:"code"`
	UTMSource   string `json:"utm_source"`
	UTMMedium   string `json:"utm_medium"`
	UTMCampaign string `json:"utm_campaign"`
	LandingPage string `json:"landing_page"`
}

func (s *Server) TrackReferralClick(c *gin.Context) {
	var req referralClickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	referral, err := s.affiliateSvc.TrackReferralClick(c.Request.Context(), req.Code, affiliatedomain.ClientMetadata{
		UTMSource:   req.UTMSource,
		UTMMedium:   req.UTMMedium,
		UTMCampaign: req.UTMCampaign,
		ClientIP:    c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		LandingPage: req.LandingPage,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": referral})
}

// FollowReferralLink records a click on a shared referral link and sends the
// visitor on to the landing page. Tracking failures never block the redirect.
func (s *Server) FollowReferralLink(c *gin.Context) {
	code := c.Param("code")
	_, err := s.affiliateSvc.TrackReferralClick(c.Request.Context(), code, affiliatedomain.ClientMetadata{
		UTMSource:   c.Query("utm_source"),
		UTMMedium:   c.Query("utm_medium"),
		UTMCampaign: c.Query("utm_campaign"),
		ClientIP:    c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		LandingPage: c.Request.URL.String(),
	})
	if err != nil && !errors.Is(err, affiliatedomain.ErrClickRateLimited) {
		s.log.Info("referral click not tracked", zap.String("code", code), zap.Error(err))
	}

	target := strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/"
	if err == nil || errors.Is(err, affiliatedomain.ErrClickRateLimited) {
		target += "?ref=" + strings.ToLower(strings.TrimSpace(code))
	}
	c.Redirect(http.StatusFound, target)
}

type convertReferralRequest struct {
	OwnerID string `json:"owner_id"`
}

func (s *Server) ConvertReferral(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req convertReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	ownerID, ok := parseSnowflakeID(req.OwnerID)
	if !ok {
		AbortWithError(c, affiliatedomain.ErrInvalidOwner)
		return
	}

	referral, err := s.affiliateSvc.ConvertReferral(c.Request.Context(), id, ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": referral})
}

func (s *Server) AwardReferralBonus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	commission, err := s.affiliateSvc.ProcessReferralBonus(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": commission})
}

type commissionReasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ApproveCommission(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	commission, err := s.affiliateSvc.ApproveCommission(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": commission})
}

func (s *Server) CancelCommission(c *gin.Context) {
	s.transitionCommission(c, s.affiliateSvc.CancelCommission)
}

func (s *Server) DisputeCommission(c *gin.Context) {
	s.transitionCommission(c, s.affiliateSvc.DisputeCommission)
}

func (s *Server) transitionCommission(c *gin.Context, apply func(ctx context.Context, id snowflake.ID, reason string) (affiliatedomain.Commission, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req commissionReasonRequest
	// The reason is optional; an empty body is accepted.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	commission, err := apply(c.Request.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": commission})
}
