package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	saga "github.com/grafikui/saga-orchestrator-go"
)

// Codes that have no saga error behind them.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInternal       = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx response. SagaID is set when
// the saga was persisted before the failure, so the client can poll it.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SagaID    string `json:"sagaId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// statusFor maps an error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, saga.ErrIdempotencyRequired):
		return http.StatusBadRequest, saga.ErrCodeIdempotencyRequired
	case errors.Is(err, saga.ErrUnknownSagaType):
		return http.StatusNotFound, saga.ErrCodeUnknownSagaType
	case errors.Is(err, saga.ErrNotFound):
		return http.StatusNotFound, saga.ErrCodeNotFound
	case errors.Is(err, saga.ErrDuplicateSaga):
		return http.StatusConflict, saga.ErrCodeDuplicateSaga
	case errors.Is(err, saga.ErrOrchestratorFault):
		return http.StatusInternalServerError, saga.ErrCodeOrchestratorFault
	case errors.Is(err, saga.ErrConcurrencyConflict):
		return http.StatusConflict, saga.ErrCodeConcurrencyConflict
	case errors.Is(err, saga.ErrTransactionLocked):
		return http.StatusConflict, saga.ErrCodeTransactionLocked
	case errors.Is(err, saga.ErrInvalidDefinition):
		return http.StatusBadRequest, saga.ErrCodeInvalidDefinition
	}
	return http.StatusInternalServerError, CodeInternal
}

func writeError(c *gin.Context, err error) {
	writeSagaError(c, err, "")
}

func writeSagaError(c *gin.Context, err error, sagaID string) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Code:      code,
		Message:   err.Error(),
		SagaID:    sagaID,
		RequestID: c.GetString(requestIDKey),
	})
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: c.GetString(requestIDKey),
	})
}
