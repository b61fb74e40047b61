package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
)

const headerIdempotencyKey = "Idempotency-Key"

func (s *Server) GetEligibility(c *gin.Context) {
	creatorID, err := creatorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	eligibility, err := s.payoutSvc.EvaluateEligibility(c.Request.Context(), creatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, eligibility)
}

func (s *Server) RequestPayout(c *gin.Context) {
	creatorID, err := creatorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req payoutdomain.RequestPayoutInput
	// An empty body requests the full payable balance.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CreatorID = creatorID
	req.IdempotencyKey = strings.TrimSpace(c.GetHeader(headerIdempotencyKey))

	payout, err := s.payoutSvc.RequestPayout(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, payout)
}

func (s *Server) GetPayout(c *gin.Context) {
	creatorID, err := creatorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	id, err := parseSnowflakeID(c.Param("payoutId"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	detail, err := s.payoutSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if detail.CreatorID != creatorID {
		AbortWithError(c, ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, detail)
}

func (s *Server) ListPayouts(c *gin.Context) {
	creatorID, err := creatorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	pageSize, err := parseOptionalInt(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page_size"))
		return
	}

	resp, err := s.payoutSvc.List(c.Request.Context(), payoutdomain.ListRequest{
		CreatorID: creatorID,
		PageToken: c.Query("page_token"),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListDestinations(c *gin.Context) {
	creatorID, err := creatorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	destinations, err := s.payoutSvc.ListDestinations(c.Request.Context(), creatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"destinations": destinations})
}

func (s *Server) UpsertDestination(c *gin.Context) {
	creatorID, err := creatorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req payoutdomain.UpsertDestinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CreatorID = creatorID

	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	if req.Destination.Provider != "" && !strings.EqualFold(req.Destination.Provider, provider) {
		AbortWithError(c, newValidationError("provider", "invalid_provider", "provider does not match the path"))
		return
	}
	req.Destination.Provider = provider

	view, err := s.payoutSvc.UpsertDestination(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}
