package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/indexer"
	"github.com/fyrsmithlabs/recall/internal/recallerr"
)

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, indexer.ErrCycleInProgress) {
		return http.StatusConflict
	}
	switch recallerr.KindOf(err) {
	case recallerr.KindInvalidInput:
		return http.StatusBadRequest
	case recallerr.KindEmbeddingProvider:
		return http.StatusBadGateway
	case recallerr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorHandler renders echo and engine errors as ErrorResponse.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := statusFor(err)
	body := ErrorResponse{Error: err.Error(), Kind: string(recallerr.KindOf(err))}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		body = ErrorResponse{Error: http.StatusText(he.Code)}
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}
