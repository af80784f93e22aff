package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"subscription-service/internal/gateway"
	"subscription-service/internal/services"
)

// Stable error codes returned to clients
const (
	CodeNotFound             = "NOT_FOUND"
	CodeNoActiveSubscription = "NO_ACTIVE_SUBSCRIPTION"
	CodeInvalidState         = "INVALID_STATE"
	CodeNotReactivatable     = "NOT_REACTIVATABLE"
	CodeValidation           = "VALIDATION_ERROR"
	CodeConcurrencyConflict  = "CONCURRENCY_CONFLICT"
	CodeGatewayRetryable     = "GATEWAY_RETRYABLE"
	CodeGatewayRejected      = "GATEWAY_REJECTED"
	CodeInternal             = "INTERNAL_ERROR"
)

// ErrorCode maps a service error to its client code and HTTP status
func ErrorCode(err error) (string, int) {
	// sentinels first: they wrap the broader typed classes
	switch {
	case errors.Is(err, services.ErrNoActiveSubscription):
		return CodeNoActiveSubscription, http.StatusNotFound
	case errors.Is(err, services.ErrNotReactivatable):
		return CodeNotReactivatable, http.StatusConflict
	}
	if _, ok := services.IsNotFoundError(err); ok {
		return CodeNotFound, http.StatusNotFound
	}
	if _, ok := services.IsInvalidStateError(err); ok {
		return CodeInvalidState, http.StatusConflict
	}
	if _, ok := services.IsValidationError(err); ok {
		return CodeValidation, http.StatusBadRequest
	}
	if _, ok := services.IsConcurrencyConflictError(err); ok {
		return CodeConcurrencyConflict, http.StatusConflict
	}
	if gwErr, ok := gateway.IsGatewayError(err); ok {
		if gwErr.Retryable {
			return CodeGatewayRetryable, http.StatusServiceUnavailable
		}
		return CodeGatewayRejected, http.StatusPaymentRequired
	}
	return CodeInternal, http.StatusInternalServerError
}

// ServiceErrorResponse translates a service error into a standardized error response
func ServiceErrorResponse(c *gin.Context, logger *logrus.Logger, err error) {
	code, status := ErrorCode(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "An unexpected error occurred"
	}
	errorResponse(c, logger, status, code, message, err)
}

// ErrorResponse sends a standardized error response.
// Internal errors are logged but not exposed to clients.
func ErrorResponse(c *gin.Context, logger *logrus.Logger, statusCode int, code, message string) {
	errorResponse(c, logger, statusCode, code, message, nil)
}

func errorResponse(c *gin.Context, logger *logrus.Logger, statusCode int, code, message string, err error) {
	requestID := getRequestID(c)

	if err != nil && statusCode >= http.StatusInternalServerError {
		logger.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID,
			"path":       c.FullPath(),
			"code":       code,
		}).Error(message)
	}

	response := gin.H{
		"success":    false,
		"error":      code,
		"message":    message,
		"request_id": requestID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}

	// Only include error details in development mode
	if gin.Mode() == gin.DebugMode && err != nil {
		response["error_details"] = err.Error()
	}

	c.JSON(statusCode, response)
}

// SuccessResponse sends a standardized success response
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	response := gin.H{
		"success":    true,
		"message":    message,
		"request_id": getRequestID(c),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}

	if data != nil {
		response["data"] = data
	}

	c.JSON(statusCode, response)
}

// getRequestID retrieves the request ID set by middleware
func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		if s, ok := requestID.(string); ok {
			return s
		}
	}
	return c.GetHeader("X-Request-ID")
}
