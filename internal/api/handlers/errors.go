package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/polycorr/internal/database"
	"github.com/irfndi/polycorr/internal/middleware"
	"github.com/irfndi/polycorr/internal/services"
	"github.com/irfndi/polycorr/internal/utils"
	"github.com/sirupsen/logrus"
)

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case utils.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrMarketNotFound), errors.Is(err, services.ErrLeaderNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrLeaderNoHistory), errors.Is(err, services.ErrNoUsableTrades):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, logger logrus.FieldLogger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		middleware.RecordError(c, err, "request failed")
		logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		_ = c.Error(err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}
