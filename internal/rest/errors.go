package rest

import (
	"errors"
	"log/slog"
	"net/http"

	"groupregistry/internal/codec"
	"groupregistry/internal/schema/types"
	"groupregistry/internal/storage"

	"github.com/gin-gonic/gin"
)

// ErrorResponse represents an error message
type ErrorResponse struct {
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

// Error codes are the HTTP status followed by a two digit discriminator.
const (
	codeBadRequest         = 40001
	codeCodecNotRegistered = 40002
	codeFormatMismatch     = 40003
	codeUnauthorized       = 40101
	codeNotFound           = 40401
	codeGroupNotFound      = 40402
	codeExists             = 40901
	codeIncompatible       = 40902
	codeConflict           = 40903
	codeNotEmpty           = 41201
	codePrecondition       = 41202
	codeInvalidInput       = 42201
	codeInternal           = 50000
	codeUnavailable        = 50300
)

func classify(err error) (int, int) {
	var se *storage.Error
	switch {
	case errors.Is(err, types.ErrIncompatibleSchema):
		return http.StatusConflict, codeIncompatible
	case errors.Is(err, types.ErrPreconditionFailed):
		return http.StatusPreconditionFailed, codePrecondition
	case errors.Is(err, types.ErrFormatMismatch):
		return http.StatusBadRequest, codeFormatMismatch
	case errors.Is(err, codec.ErrMalformedFrame):
		return http.StatusBadRequest, codeBadRequest
	case errors.Is(err, types.ErrCodecNotRegistered):
		return http.StatusBadRequest, codeCodecNotRegistered
	case errors.Is(err, types.ErrInvalidSchema), errors.Is(err, types.ErrUnknownFormat):
		return http.StatusUnprocessableEntity, codeInvalidInput
	case errors.As(err, &se):
		switch se.Kind {
		case storage.KindDataExists:
			return http.StatusConflict, codeExists
		case storage.KindDataNotFound:
			return http.StatusNotFound, codeNotFound
		case storage.KindDataContainerNotFound:
			return http.StatusNotFound, codeGroupNotFound
		case storage.KindDataNotEmpty:
			return http.StatusPreconditionFailed, codeNotEmpty
		case storage.KindWriteConflict:
			return http.StatusConflict, codeConflict
		case storage.KindStoreConnection:
			return http.StatusServiceUnavailable, codeUnavailable
		case storage.KindAuth:
			return http.StatusUnauthorized, codeUnauthorized
		}
	}
	return http.StatusInternalServerError, codeInternal
}

func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	} else {
		slog.Debug("request rejected", "method", c.Request.Method, "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, ErrorResponse{ErrorCode: code, Message: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: codeBadRequest, Message: msg})
}

func invalidInput(c *gin.Context, err error) {
	c.JSON(http.StatusUnprocessableEntity, ErrorResponse{ErrorCode: codeInvalidInput, Message: err.Error()})
}
