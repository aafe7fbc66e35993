package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/connectpay/internal/payment/domain"
)

type createPaymentRequest struct {
	OwnerID  string `json:"owner_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (s *Server) CreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	ownerID, ok := parseSnowflakeID(req.OwnerID)
	if !ok {
		AbortWithError(c, paymentdomain.ErrInvalidOwner)
		return
	}

	resp, err := s.paymentSvc.RoutePayment(c.Request.Context(), paymentdomain.RoutePaymentRequest{
		OwnerID:  ownerID,
		Amount:   req.Amount,
		Currency: strings.TrimSpace(req.Currency),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetPayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	transaction, err := s.paymentSvc.GetTransaction(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transaction})
}
