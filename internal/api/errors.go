package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stakeforge/arena-engine/internal/db"
)

// Stable machine-readable error codes. Clients branch on these, never on
// messages.
const (
	CodeValidation        = "VALIDATION"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeLobbyFull         = "LOBBY_FULL"
	CodeWrongState        = "WRONG_STATE"
	CodeAlreadyJoined     = "ALREADY_JOINED"
	CodeNotMember         = "NOT_MEMBER"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeKYCRequired       = "KYC_REQUIRED"
	CodeIdempotencyBusy   = "IDEMPOTENCY_BUSY"
	CodeAlreadySettled    = "ALREADY_SETTLED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeInternal          = "INTERNAL"
)

// writeError emits the stable error body shape: {"error": ..., "code": ...}.
func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": message, "code": code})
}

// respondStoreError translates store sentinels into HTTP responses. Unknown
// errors are logged server-side and surface as a generic 500.
func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(c, http.StatusNotFound, CodeNotFound, "Resource not found")
	case errors.Is(err, db.ErrInsufficientFunds):
		writeError(c, http.StatusConflict, CodeInsufficientFunds, "Insufficient available balance")
	case errors.Is(err, db.ErrKYCRequired):
		writeError(c, http.StatusForbidden, CodeKYCRequired, "Withdrawals require approved KYC")
	case errors.Is(err, db.ErrLobbyFull):
		writeError(c, http.StatusConflict, CodeLobbyFull, "Lobby is full")
	case errors.Is(err, db.ErrWrongState):
		writeError(c, http.StatusConflict, CodeWrongState, "Operation not allowed in the current state")
	case errors.Is(err, db.ErrAlreadyJoined), errors.Is(err, db.ErrActiveMembership):
		writeError(c, http.StatusConflict, CodeAlreadyJoined, err.Error())
	case errors.Is(err, db.ErrNotMember):
		writeError(c, http.StatusForbidden, CodeNotMember, "Account is not a member")
	case errors.Is(err, db.ErrIdempotencyBusy):
		writeError(c, http.StatusConflict, CodeIdempotencyBusy, "Operation with this idempotency key is still pending")
	case errors.Is(err, db.ErrAlreadySettled):
		writeError(c, http.StatusConflict, CodeAlreadySettled, "Match has already been settled")
	default:
		log.Printf("[API] Internal error: %v", err)
		writeError(c, http.StatusInternalServerError, CodeInternal, "Internal server error")
	}
}
