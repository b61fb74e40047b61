package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	callbackdomain "github.com/smallbiznis/creatorledger/internal/callback/domain"
	"github.com/smallbiznis/creatorledger/internal/observability/logger"
)

const maxWebhookBodyBytes = 1 << 20

// HandleProviderWebhook acknowledges every callback it has durably recorded,
// including duplicates and ones waiting on their payout, so providers stop retrying.
func (s *Server) HandleProviderWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.callbackSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, callbackdomain.ErrCallbackAlreadyProcessed) {
			logger.MarkDuplicate(c)
			c.JSON(http.StatusOK, gin.H{"status": "ok", "duplicate": true})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": result})
}
