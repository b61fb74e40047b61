package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	callbackdomain "github.com/smallbiznis/creatorledger/internal/callback/domain"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	ratingdomain "github.com/smallbiznis/creatorledger/internal/rating/domain"
	revenuedomain "github.com/smallbiznis/creatorledger/internal/revenue/domain"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("too_many_requests")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

var validationErrs = []error{
	ErrInvalidRequest,
	pagination.ErrInvalidPageToken,
	money.ErrInvalidAmount,
	money.ErrPrecision,
	revenuedomain.ErrInvalidEvent,
	revenuedomain.ErrMissingDedupSource,
	revenuedomain.ErrInvalidRange,
	ledgerdomain.ErrInvalidCreator,
	ledgerdomain.ErrInvalidAmount,
	ledgerdomain.ErrInvalidKind,
	payoutdomain.ErrInvalidRequest,
	payoutdomain.ErrInvalidDestination,
	providerdomain.ErrInvalidDestination,
	providerdomain.ErrInvalidPayload,
	ratingdomain.ErrInvalidRateCard,
	ratingdomain.ErrInvalidFeePct,
	ratingdomain.ErrUnknownSourceType,
	ratingdomain.ErrUnknownAction,
	ratingdomain.ErrInvalidQuantity,
	ratingdomain.ErrInvalidGrossAmount,
	ratingdomain.ErrInvalidMultiplier,
	callbackdomain.ErrInvalidProvider,
	callbackdomain.ErrInvalidCallback,
}

var notFoundErrs = []error{
	ErrNotFound,
	revenuedomain.ErrEventNotFound,
	ledgerdomain.ErrAccountNotFound,
	ledgerdomain.ErrHoldNotFound,
	ledgerdomain.ErrDebitNotFound,
	payoutdomain.ErrPayoutNotFound,
	providerdomain.ErrProviderNotFound,
	gorm.ErrRecordNotFound,
}

var conflictErrs = []error{
	ErrConflict,
	ledgerdomain.ErrDuplicateEntry,
	ledgerdomain.ErrHoldNotActive,
	ledgerdomain.ErrHoldCommitted,
	payoutdomain.ErrPayoutInFlight,
	payoutdomain.ErrIdempotencyConflict,
	payoutdomain.ErrInvalidTransition,
	payoutdomain.ErrPayoutLeased,
	payoutdomain.ErrOutcomeConflict,
	ratingdomain.ErrVersionExists,
}

// Business rule refusals: the request was well formed but cannot be honored now.
var unprocessableErrs = []error{
	ledgerdomain.ErrInsufficientBalance,
	payoutdomain.ErrNotEligible,
	payoutdomain.ErrNoDestination,
	payoutdomain.ErrProviderUnavailable,
	providerdomain.ErrProviderDisabled,
	ratingdomain.ErrNoRateConfig,
	ratingdomain.ErrZeroAccrual,
}

var unavailableErrs = []error{
	ErrServiceUnavailable,
	payoutdomain.ErrEncryptionKeyMissing,
	providerdomain.ErrNotConfigured,
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if sentinel := matchAny(err, validationErrs); sentinel != nil {
		code := sentinel.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, providerdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case matchAny(err, notFoundErrs) != nil:
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, revenuedomain.ErrDuplicateEvent):
		return http.StatusConflict, errorPayload{
			Type:    "duplicate_event",
			Message: "event already ingested",
		}
	case matchAny(err, conflictErrs) != nil:
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: matchAny(err, conflictErrs).Error(),
		}
	case errors.Is(err, ledgerdomain.ErrAccountFrozen):
		return http.StatusLocked, errorPayload{
			Type:    "account_frozen",
			Message: "payouts are frozen for this creator",
		}
	case errors.Is(err, ledgerdomain.ErrLedgerHalted),
		errors.Is(err, ledgerdomain.ErrIntegrityViolation):
		// Integrity detail goes to the logs and alerts, never to the caller.
		return http.StatusLocked, errorPayload{
			Type:    "ledger_halted",
			Message: "ledger is halted for this creator pending review",
		}
	case matchAny(err, unprocessableErrs) != nil:
		code := matchAny(err, unprocessableErrs).Error()
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    code,
			Message: unprocessableMessage(err),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "too_many_requests",
			Message: "rate limit exceeded",
		}
	case matchAny(err, unavailableErrs) != nil:
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type the client sees.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		return "internal", code
	}
	return payload.Type, code
}

func matchAny(err error, targets []error) error {
	for _, target := range targets {
		if errors.Is(err, target) {
			return target
		}
	}
	return nil
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

// Refusals wrap their sentinel, e.g. "not_eligible: amount 1.00 below minimum 5.00";
// only the detail after the sentinel is shown.
func unprocessableMessage(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, ": "); idx >= 0 {
		return msg[idx+2:]
	}
	return msg
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "invalid_page_token":
		return "page token is malformed or expired"
	case "missing_dedup_source":
		return "event needs an event_id or a source_ref"
	default:
		return "invalid value"
	}
}
