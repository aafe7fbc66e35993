package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/connectpay/internal/fee"
)

func (s *Server) ListPendingTransactions(c *gin.Context) {
	ownerID, ok := pathID(c, "owner_id")
	if !ok {
		return
	}
	days, err := parseOptionalInt64(c.Query("lookback_days"))
	if err != nil || (days != nil && *days <= 0) {
		AbortWithError(c, invalidField("lookback_days", "invalid_lookback_days"))
		return
	}
	// Zero selects the configured default.
	var lookback time.Duration
	if days != nil {
		lookback = time.Duration(*days) * 24 * time.Hour
	}

	set, err := s.reconcileSvc.FindPendingTransactions(c.Request.Context(), ownerID, lookback)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": set})
}

// ReconcileOwner transfers an owner's held funds to their current account.
func (s *Server) ReconcileOwner(c *gin.Context) {
	ownerID, ok := pathID(c, "owner_id")
	if !ok {
		return
	}

	account, err := s.accountSvc.CurrentAccount(c.Request.Context(), ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	result, err := s.reconcileSvc.TransferAccumulatedFunds(c.Request.Context(), ownerID, account.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result, "noop": result.NoOp()})
}

type instantPayoutRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (s *Server) RequestInstantPayout(c *gin.Context) {
	ownerID, ok := pathID(c, "owner_id")
	if !ok {
		return
	}
	var req instantPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.reconcileSvc.RequestInstantPayout(c.Request.Context(), ownerID, req.Amount, strings.TrimSpace(req.Currency))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": result})
}

func (s *Server) QuoteInstantPayout(c *gin.Context) {
	amount, err := parseOptionalInt64(c.Query("amount"))
	if err != nil || amount == nil {
		AbortWithError(c, fee.ErrInvalidAmount)
		return
	}

	quote, err := s.reconcileSvc.QuoteInstantPayout(c.Request.Context(), *amount, c.Query("currency"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": quote})
}

func (s *Server) GetPayoutBatch(c *gin.Context) {
	batchID, ok := pathID(c, "id")
	if !ok {
		return
	}

	batch, err := s.payoutSvc.GetBatch(c.Request.Context(), batchID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": batch})
}

func (s *Server) DownloadPayoutStatement(c *gin.Context) {
	batchID, ok := pathID(c, "id")
	if !ok {
		return
	}

	doc, err := s.payoutSvc.RenderStatement(c.Request.Context(), batchID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+doc.Filename+`"`)
	c.Data(http.StatusOK, doc.ContentType, doc.Content)
}
