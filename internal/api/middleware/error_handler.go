// Package middleware provides HTTP middleware for the resource buffer API.
//
// Import Path: rbs.io/buffer/internal/api/middleware
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "rbs.io/buffer/internal/pkg/errors"
	"rbs.io/buffer/internal/pkg/logger"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// ErrorHandler captures errors added via c.Error() and writes a consistent
// JSON response.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		rid := GetRequestID(c.Request.Context())

		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			// Exhaustion is routine back-pressure, not worth a warning.
			log := logger.Warn
			if appErr.Retryable {
				log = logger.Debug
			}
			log("Request error",
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message),
				zap.Int("status", appErr.HTTPStatus),
				zap.String("request_id", rid),
				zap.Error(appErr.Err),
			)
			if appErr.Retryable {
				c.Header("Retry-After", "5")
			}
			c.JSON(appErr.HTTPStatus, ErrorResponse{
				Code:      appErr.Code,
				Message:   appErr.Message,
				Retryable: appErr.Retryable,
				Params:    appErr.Params,
				RequestID: rid,
			})
			return
		}

		logger.Error("Unhandled request error", zap.String("request_id", rid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:      "INTERNAL_ERROR",
			Message:   "An internal error occurred",
			RequestID: rid,
		})
	}
}
