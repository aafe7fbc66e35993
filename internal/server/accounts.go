package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/connectpay/internal/account/domain"
	connectdomain "github.com/smallbiznis/connectpay/internal/providers/connect/domain"
)

type createAccountRequest struct {
	OwnerID  string                 `json:"owner_id"`
	Profile  accountdomain.Profile  `json:"profile"`
	Branding connectdomain.Branding `json:"branding"`
}

func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	ownerID, ok := parseSnowflakeID(req.OwnerID)
	if !ok {
		AbortWithError(c, accountdomain.ErrInvalidOwner)
		return
	}

	resp, err := s.accountSvc.CreateConnectedAccount(c.Request.Context(), accountdomain.CreateAccountRequest{
		OwnerID:  ownerID,
		Profile:  req.Profile,
		Branding: req.Branding,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetAccountStatus(c *gin.Context) {
	ownerID, ok := pathID(c, "owner_id")
	if !ok {
		return
	}

	status, err := s.accountSvc.GetAccountStatus(c.Request.Context(), ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) RefreshAccount(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	account, err := s.accountSvc.RefreshAccountStatus(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) RenewOnboardingLink(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	link, err := s.accountSvc.RenewOnboardingLink(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": link})
}

func (s *Server) ConsumeOnboardingLink(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	link, err := s.accountSvc.ConsumeOnboardingLink(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": link})
}
