package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creatorledger/internal/observability/logger"
	revenuedomain "github.com/smallbiznis/creatorledger/internal/revenue/domain"
)

const defaultSummaryWindow = 30 * 24 * time.Hour

func (s *Server) IngestEvent(c *gin.Context) {
	var req revenuedomain.RawEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	event, err := s.revenueSvc.Ingest(c.Request.Context(), req)
	if err != nil {
		var dup *revenuedomain.DuplicateError
		if errors.As(err, &dup) {
			// Replays are acknowledged so upstream producers can stop retrying.
			logger.MarkDuplicate(c)
			c.JSON(http.StatusOK, gin.H{
				"duplicate": true,
				"event_id":  dup.EventID.String(),
			})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, event)
}

func (s *Server) GetEarningsSummary(c *gin.Context) {
	creatorID, err := creatorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}

	end := s.clock.Now().UTC()
	if to != nil {
		end = *to
	}
	start := end.Add(-defaultSummaryWindow)
	if from != nil {
		start = *from
	}

	summary, err := s.revenueSvc.Summary(c.Request.Context(), creatorID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}
