package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/polycorr/internal/middleware"
	"github.com/irfndi/polycorr/internal/models"
	"github.com/irfndi/polycorr/internal/services"
	"github.com/irfndi/polycorr/internal/utils"
	"github.com/sirupsen/logrus"
)

// BacktestRunner runs backtests and searches resolved leaders.
type BacktestRunner interface {
	Run(ctx context.Context, req models.BacktestRequest) (*models.BacktestResult, error)
	SearchResolved(ctx context.Context, query, date string) ([]models.ResolvedMarket, error)
}

// BacktestHandler serves the backtest endpoints
type BacktestHandler struct {
	runner BacktestRunner
	logger *logrus.Entry
}

// NewBacktestHandler creates a new backtest handler.
func NewBacktestHandler(runner BacktestRunner, logger *logrus.Logger) *BacktestHandler {
	return &BacktestHandler{runner: runner, logger: logger.WithField("component", "backtest_handler")}
}

// SearchResolved finds resolved leader candidates by ?q= keyword or ?date=YYYY-MM-DD.
func (h *BacktestHandler) SearchResolved(c *gin.Context) {
	markets, err := h.runner.SearchResolved(c.Request.Context(), c.Query("q"), c.Query("date"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, markets)
}

// RunBacktest runs a backtest for the posted request. A run in which every
// follower was skipped answers 422 with the failed result, so the skip
// reasons stay visible.
func (h *BacktestHandler) RunBacktest(c *gin.Context) {
	var req models.BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, utils.NewValidationError("invalid request body: "+err.Error()))
		return
	}
	middleware.AddSpanAttribute(c, "backtest.leader_id", req.LeaderID)

	result, err := h.runner.Run(c.Request.Context(), req)
	if errors.Is(err, services.ErrNoUsableTrades) && result != nil {
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
