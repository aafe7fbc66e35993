package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/connectpay/internal/webhook/domain"
)

// maxWebhookBody bounds provider payloads.
const maxWebhookBody = 1 << 20

func (s *Server) HandleProviderWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, webhookdomain.ErrInvalidPayload)
		return
	}

	err = s.webhookSvc.Ingest(c.Request.Context(), c.Param("provider"), payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, webhookdomain.ErrEventAlreadyProcessed) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
