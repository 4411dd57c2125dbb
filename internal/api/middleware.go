package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/alexschlessinger/pollyd/orchestrator"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// StatusFor maps an orchestrator error kind to an HTTP status.
func StatusFor(kind orchestrator.Kind) int {
	switch kind {
	case orchestrator.KindAuthorization:
		return http.StatusForbidden
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindInvalid:
		return http.StatusBadRequest
	case orchestrator.KindModel, orchestrator.KindProviderInit, orchestrator.KindQuery:
		return http.StatusBadGateway
	case orchestrator.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes err as an ErrorResponse. Authorization failures carry
// no details.
func HandleError(c *gin.Context, err error) {
	var oe *orchestrator.Error
	if !errors.As(err, &oe) {
		zap.S().Errorw("unhandled_error", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Kind:    "internal",
			Message: "internal server error",
		})
		return
	}

	resp := ErrorResponse{Kind: string(oe.Kind), Message: oe.Message}
	if oe.Err != nil && oe.Kind != orchestrator.KindAuthorization {
		resp.Details = oe.Err.Error()
	}
	c.AbortWithStatusJSON(StatusFor(oe.Kind), resp)
}

// Recovery turns handler panics into 500 responses.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if p := recover(); p != nil {
				zap.S().Errorw("panic_recovered", "panic", p, "method", c.Request.Method, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
					Kind:    "internal",
					Message: "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// Logger logs each request once it completes.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		switch {
		case status >= 500:
			zap.S().Errorw("request", fields...)
		case status >= 400:
			zap.S().Warnw("request", fields...)
		default:
			zap.S().Debugw("request", fields...)
		}
	}
}
