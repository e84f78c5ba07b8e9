// internal/pkg/response/response.go
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	xerrors "zapfy-billing/internal/pkg/errors"
)

// Response is the envelope every API endpoint answers with. Code carries the
// domain reason code on failures; clients branch on it, not on the message.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Success writes a success envelope. A zero status defaults to 200.
func Success(c *gin.Context, status int, message string, data interface{}) {
	if status == 0 {
		status = http.StatusOK
	}
	c.JSON(status, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Error writes a failure envelope and aborts the handler chain. The reason
// code derived from err is always attached, so a failure never surfaces as an
// anonymous 500.
func Error(c *gin.Context, status int, message string, err error, data ...interface{}) {
	c.Abort()

	resp := Response{
		Success: false,
		Message: message,
		Code:    xerrors.ReasonCode(err),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if len(data) > 0 {
		resp.Data = data[0]
	}
	c.JSON(status, resp)
}

// ValidationError answers 400 for a request that failed binding or input
// checks.
func ValidationError(c *gin.Context, message string, err error) {
	Error(c, http.StatusBadRequest, message, err)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message, xerrors.ErrUnauthorized)
}

func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, message, xerrors.ErrForbidden)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message, xerrors.ErrNotFound)
}
