package http

import (
	"errors"
	"net/http"

	"github.com/brightventurez/vtu-wallet/internal/ledger"
	"github.com/brightventurez/vtu-wallet/internal/reconcile"
	"github.com/brightventurez/vtu-wallet/internal/sellreq"
	"github.com/brightventurez/vtu-wallet/internal/settlement"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, settlement.ErrInvalidRequest),
		errors.Is(err, sellreq.ErrInvalid),
		errors.Is(err, reconcile.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrDuplicateReference),
		errors.Is(err, settlement.ErrAlreadyCompleted):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrProviderFailure),
		errors.Is(err, settlement.ErrProviderUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, reconcile.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, reconcile.ErrPayerMismatch):
		return http.StatusForbidden
	case errors.Is(err, reconcile.ErrUnknownUser),
		errors.Is(err, sellreq.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrNotSettled):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, log *zap.SugaredLogger, err error) {
	var fe *settlement.FailureError
	if errors.As(err, &fe) {
		c.JSON(statusFor(err), gin.H{"status": "failed", "error": fe.Message, "refunded": fe.Refunded})
		return
	}

	status := statusFor(err)
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(status, gin.H{"error": "Insufficient wallet balance. Please fund your wallet."})
	case status < http.StatusInternalServerError:
		c.JSON(status, gin.H{"error": err.Error()})
	default:
		log.Errorw("request failed", "path", c.FullPath(), "user_id", userID(c), "err", err)
		c.JSON(status, gin.H{"error": "internal error"})
	}
}
