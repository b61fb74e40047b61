package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
)

func (s *Server) GetBalance(c *gin.Context) {
	creatorID, err := creatorIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	asOf, err := parseOptionalTime(c.Query("as_of"), true)
	if err != nil {
		AbortWithError(c, newValidationError("as_of", "invalid_as_of", "invalid as_of"))
		return
	}

	balance, err := s.ledgerSvc.Balance(c.Request.Context(), creatorID, asOf)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (s *Server) ListLedgerEntries(c *gin.Context) {
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

	resp, err := s.ledgerSvc.ListEntries(c.Request.Context(), ledgerdomain.ListEntriesRequest{
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
