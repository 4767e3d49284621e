package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/polycorr/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockHealthChecker struct {
	mock.Mock
}

func (m *MockHealthChecker) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockGraphProvider struct {
	mock.Mock
}

func (m *MockGraphProvider) Graph(ctx context.Context) (models.Graph, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.Graph), args.Error(1)
}

func (m *MockGraphProvider) Markets(ctx context.Context, req models.MarketRequest) ([]models.Market, error) {
	args := m.Called(ctx, req)
	markets, _ := args.Get(0).([]models.Market)
	return markets, args.Error(1)
}

func (m *MockGraphProvider) Correlations(ctx context.Context) ([]models.CorrelationLink, error) {
	args := m.Called(ctx)
	links, _ := args.Get(0).([]models.CorrelationLink)
	return links, args.Error(1)
}

func (m *MockGraphProvider) MarketHistory(ctx context.Context, marketID string) (*models.Market, error) {
	args := m.Called(ctx, marketID)
	market, _ := args.Get(0).(*models.Market)
	return market, args.Error(1)
}

type MockRefreshController struct {
	mock.Mock
}

func (m *MockRefreshController) Status(ctx context.Context) (models.RefreshStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.RefreshStatus), args.Error(1)
}

func (m *MockRefreshController) RefreshIfStale(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockRefreshController) TriggerRefresh() bool {
	return m.Called().Bool(0)
}

func (m *MockRefreshController) InProgress() bool {
	return m.Called().Bool(0)
}

type MockBacktestRunner struct {
	mock.Mock
}

func (m *MockBacktestRunner) Run(ctx context.Context, req models.BacktestRequest) (*models.BacktestResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*models.BacktestResult)
	return result, args.Error(1)
}

func (m *MockBacktestRunner) SearchResolved(ctx context.Context, query, date string) ([]models.ResolvedMarket, error) {
	args := m.Called(ctx, query, date)
	markets, _ := args.Get(0).([]models.ResolvedMarket)
	return markets, args.Error(1)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func perform(router *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decode(t, w, &resp)
	return resp.Error
}
