package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/polycorr/internal/middleware"
	"github.com/irfndi/polycorr/internal/models"
	"github.com/irfndi/polycorr/internal/utils"
	"github.com/sirupsen/logrus"
)

// GraphProvider serves the published graph and stored market data.
type GraphProvider interface {
	Graph(ctx context.Context) (models.Graph, error)
	Markets(ctx context.Context, req models.MarketRequest) ([]models.Market, error)
	Correlations(ctx context.Context) ([]models.CorrelationLink, error)
	MarketHistory(ctx context.Context, marketID string) (*models.Market, error)
}

// RefreshController exposes the refresh job to the API.
type RefreshController interface {
	Status(ctx context.Context) (models.RefreshStatus, error)
	RefreshIfStale(ctx context.Context) bool
	TriggerRefresh() bool
	InProgress() bool
}

// GraphHandler serves the correlation graph, market data and refresh status
type GraphHandler struct {
	graph   GraphProvider
	refresh RefreshController
	logger  *logrus.Entry
}

// StatusResponse is the refresh status plus whether a refresh is running
type StatusResponse struct {
	models.RefreshStatus
	RefreshInProgress bool `json:"refresh_in_progress"`
}

// NewGraphHandler creates a new graph handler.
func NewGraphHandler(graph GraphProvider, refresh RefreshController, logger *logrus.Logger) *GraphHandler {
	return &GraphHandler{graph: graph, refresh: refresh, logger: logger.WithField("component", "graph_handler")}
}

// GetGraph returns the published graph. Stale data schedules a background
// refresh and is still served.
func (h *GraphHandler) GetGraph(c *gin.Context) {
	h.refresh.RefreshIfStale(c.Request.Context())

	graph, err := h.graph.Graph(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	middleware.AddSpanAttribute(c, "graph.nodes", len(graph.Nodes))
	middleware.AddSpanAttribute(c, "graph.links", len(graph.Links))
	c.JSON(http.StatusOK, graph)
}

// GetMarkets lists stored markets filtered by min_volume, category and limit.
func (h *GraphHandler) GetMarkets(c *gin.Context) {
	var req models.MarketRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondError(c, h.logger, utils.NewValidationError(err.Error()))
		return
	}
	if req.MinVolume < 0 || req.Limit < 0 {
		respondError(c, h.logger, utils.NewValidationError("min_volume and limit must not be negative"))
		return
	}
	h.refresh.RefreshIfStale(c.Request.Context())

	markets, err := h.graph.Markets(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, markets)
}

// GetCorrelations returns every published link.
func (h *GraphHandler) GetCorrelations(c *gin.Context) {
	links, err := h.graph.Correlations(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, links)
}

// GetMarketHistory returns one market with its stored price history.
func (h *GraphHandler) GetMarketHistory(c *gin.Context) {
	market, err := h.graph.MarketHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, market)
}

// GetStatus reports the metadata of the last refresh.
func (h *GraphHandler) GetStatus(c *gin.Context) {
	status, err := h.refresh.Status(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{RefreshStatus: status, RefreshInProgress: h.refresh.InProgress()})
}

// TriggerRefresh starts a background refresh. A refresh already running is
// reported rather than duplicated.
func (h *GraphHandler) TriggerRefresh(c *gin.Context) {
	status := "refresh_started"
	if !h.refresh.TriggerRefresh() {
		status = "refresh_in_progress"
	}
	h.logger.WithField("status", status).Info("Manual refresh requested")
	c.JSON(http.StatusAccepted, gin.H{"status": status})
}
