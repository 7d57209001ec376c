package handlers

import (
	"errors"
	"net/http"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/Dhoini/credit-ledger/pkg/res"
	"github.com/gin-gonic/gin"
)

// statusForError HTTP-статус для ошибок предметной области
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrStorageFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError отправляет ошибку; детали 5xx наружу не отдаются.
func respondError(c *gin.Context, err error, log *logger.Logger) {
	status := statusForError(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = http.StatusText(status)
		_ = c.Error(err)
	}
	res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: message, ErrorCode: status}, status, log)
	c.Abort()
}
