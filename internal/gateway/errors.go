package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the uniform error body across the HTTP boundary.
type ErrorResponse struct {
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	RetryAllowed bool      `json:"retry_allowed"`
	Timestamp    time.Time `json:"timestamp"`
	Path         string    `json:"path"`
}

// retryableStatus marks the HTTP statuses a caller may safely retry.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func writeError(c *gin.Context, code int, errorCode, message string) {
	c.JSON(code, ErrorResponse{
		Status:       "error",
		ErrorCode:    errorCode,
		ErrorMessage: message,
		RetryAllowed: retryableStatus(code),
		Timestamp:    time.Now().UTC(),
		Path:         c.Request.URL.Path,
	})
}
