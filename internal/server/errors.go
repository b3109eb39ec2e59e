package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/donorrecon/internal/authorization"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	joblogdomain "github.com/smallbiznis/donorrecon/internal/joblog/domain"
	processordomain "github.com/smallbiznis/donorrecon/internal/processor/domain"
	recondomain "github.com/smallbiznis/donorrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/duplicate"
	recoverydomain "github.com/smallbiznis/donorrecon/internal/recovery/domain"
	"github.com/smallbiznis/donorrecon/internal/recovery/source"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
)

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

func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	case errors.Is(err, authorization.ErrUnauthenticated):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}
	case errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: "forbidden"}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
	case errors.Is(err, donationdomain.ErrNotDuplicate):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: err.Error()}
	case errors.Is(err, processordomain.ErrModeNotConfigured):
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, donationdomain.ErrNotFound),
		errors.Is(err, joblogdomain.ErrRunNotFound):
		return true
	default:
		return false
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, donationdomain.ErrInvalidKind),
		errors.Is(err, donationdomain.ErrInvalidMode),
		errors.Is(err, recondomain.ErrInvalidRequest),
		errors.Is(err, duplicate.ErrInvalidConfidence),
		errors.Is(err, recoverydomain.ErrInvalidSource),
		errors.Is(err, recoverydomain.ErrInvalidRequest),
		errors.Is(err, recoverydomain.ErrMissingCSV),
		errors.Is(err, source.ErrInvalidLocation),
		errors.Is(err, joblogdomain.ErrInvalidJobName):
		return true
	default:
		return false
	}
}

// classifyErrorForLog returns the error type and a stable code for request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return payload.Type, "server"
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return payload.Type, "auth"
	default:
		return payload.Type, "client"
	}
}
