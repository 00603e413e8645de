package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/chatsync/internal/coordinator"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/validate"
)

// Error codes carried in ErrorDetail.Code.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodePeerBlocked     = "PEER_BLOCKED"
	CodeNotFound        = "NOT_FOUND"
	CodeNotSynced       = "NOT_SYNCED"
	CodePushFailed      = "PUSH_FAILED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL_ERROR"
)

// Response is the envelope of every JSON response.
type Response struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Meta    Meta         `json:"meta"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Response{Success: true, Data: data, Meta: meta(c)})
}

func failure(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, Response{
		Success: false,
		Error:   &ErrorDetail{Code: code, Message: message},
		Meta:    meta(c),
	})
}

func validationError(c *gin.Context, message string) {
	failure(c, http.StatusBadRequest, CodeValidation, message)
}

func meta(c *gin.Context) Meta {
	return Meta{Timestamp: time.Now().UTC(), RequestID: c.GetString(requestIDKey)}
}

// writeError maps err onto a status code and error code.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	failure(c, status, code, err.Error())
}

func classify(err error) (int, string) {
	var push *identity.PushError
	switch {
	case errors.Is(err, validate.ErrEmpty),
		errors.Is(err, validate.ErrTooLong),
		errors.Is(err, validate.ErrEncoding),
		errors.Is(err, identity.ErrSelfConversation):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, identity.ErrNotAuthenticated):
		return http.StatusUnauthorized, CodeUnauthenticated
	case errors.Is(err, identity.ErrPeerBlocked):
		return http.StatusForbidden, CodePeerBlocked
	case errors.Is(err, identity.ErrPeerNotFound),
		errors.Is(err, intsync.ErrConversationNotFound),
		errors.Is(err, coordinator.ErrRecordNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, intsync.ErrConversationNotSynced):
		return http.StatusConflict, CodeNotSynced
	case errors.As(err, &push):
		return http.StatusBadGateway, CodePushFailed
	case errors.Is(err, coordinator.ErrShutdown),
		errors.Is(err, remote.ErrUnreachable),
		errors.Is(err, remote.ErrClosed):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
