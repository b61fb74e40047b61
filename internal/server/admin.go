package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	"github.com/smallbiznis/creatorledger/internal/observability/logger"
	ratingdomain "github.com/smallbiznis/creatorledger/internal/rating/domain"
	"github.com/smallbiznis/creatorledger/internal/scheduler"
	"go.uber.org/zap"
)

type freezeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) FreezeCreator(c *gin.Context) {
	creatorID, err := creatorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req freezeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		AbortWithError(c, newValidationError("reason", "invalid_reason", "reason is required"))
		return
	}

	account, err := s.payoutSvc.Freeze(c.Request.Context(), creatorID, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.auditAdmin(c, "creator.freeze", zap.String("creator_id", creatorID), zap.String("reason", reason))
	c.JSON(http.StatusOK, account)
}

func (s *Server) UnfreezeCreator(c *gin.Context) {
	creatorID, err := creatorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	account, err := s.payoutSvc.Unfreeze(c.Request.Context(), creatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.auditAdmin(c, "creator.unfreeze", zap.String("creator_id", creatorID))
	c.JSON(http.StatusOK, account)
}

// ResumeCreator lifts an integrity halt after an operator has reviewed the violation.
func (s *Server) ResumeCreator(c *gin.Context) {
	creatorID, err := creatorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	account, err := s.ledgerSvc.Resume(c.Request.Context(), creatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.auditAdmin(c, "creator.resume", zap.String("creator_id", creatorID))
	c.JSON(http.StatusOK, account)
}

func (s *Server) AdjustBalance(c *gin.Context) {
	creatorID, err := creatorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req ledgerdomain.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CreatorID = creatorID

	entry, err := s.ledgerSvc.Adjust(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.auditAdmin(c, "ledger.adjust",
		zap.String("creator_id", creatorID),
		zap.String("amount", entry.Amount.String()),
		zap.String("entry_id", entry.ID.String()),
	)
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) ReconcilePayout(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	detail, err := s.reconciliationSvc.ReconcilePayout(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.auditAdmin(c, "payout.reconcile", zap.String("payout_id", id.String()), zap.String("state", string(detail.State)))
	c.JSON(http.StatusOK, detail)
}

func (s *Server) ListRates(c *gin.Context) {
	snapshots, err := s.ratingSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rates": snapshots})
}

func (s *Server) PublishRate(c *gin.Context) {
	var req ratingdomain.RateCard
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	snapshot, err := s.ratingSvc.Publish(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.auditAdmin(c, "rate.publish", zap.Int64("version", snapshot.Version))
	c.JSON(http.StatusCreated, snapshot)
}

// RunSchedulerJob triggers one pass of a background job outside its schedule.
func (s *Server) RunSchedulerJob(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	name := strings.TrimSpace(c.Param("name"))
	if err := s.scheduler.RunJob(c.Request.Context(), name); err != nil {
		if errors.Is(err, scheduler.ErrUnknownJob) {
			AbortWithError(c, ErrNotFound)
			return
		}
		AbortWithError(c, err)
		return
	}

	s.auditAdmin(c, "scheduler.run", zap.String("job", name))
	c.JSON(http.StatusAccepted, gin.H{"status": "ok", "job": name})
}

func (s *Server) auditAdmin(c *gin.Context, action string, fields ...zap.Field) {
	fields = append([]zap.Field{
		zap.String("action", action),
		zap.String("admin_id", c.GetString(contextAdminIDKey)),
	}, fields...)
	logger.FromContext(c.Request.Context()).Info("admin action", fields...)
}
