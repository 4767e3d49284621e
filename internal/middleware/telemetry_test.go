package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func TestTelemetryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := withRecorder(t)

	router := gin.New()
	router.Use(TelemetryMiddleware("polycorr-test"))
	router.GET("/api/v1/graph", func(c *gin.Context) {
		AddSpanAttribute(c, "graph.nodes", 3)
		AddSpanAttribute(c, "graph.cached", true)
		AddSpanAttribute(c, "graph.source", "snapshot")
		c.JSON(http.StatusOK, gin.H{"nodes": []string{}})
	})
	router.GET("/api/v1/fail", func(c *gin.Context) {
		RecordError(c, errors.New("db down"), "graph unavailable")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db down"})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	for _, path := range []string{"/api/v1/graph", "/api/v1/fail", "/health"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Contains(t, ended[0].Name(), "/api/v1/graph")

	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "3", attrs["graph.nodes"])
	assert.Equal(t, "true", attrs["graph.cached"])
	assert.Equal(t, "snapshot", attrs["graph.source"])

	assert.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestRecordError_NoSpan(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/x", func(c *gin.Context) {
		RecordError(c, errors.New("boom"), "boom")
		AddSpanAttribute(c, "k", struct{}{})
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRequestLogger_JSONOutput(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	router := gin.New()
	router.Use(RequestLogger(logger))
	router.GET("/api/v1/status", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/v1/markets/:id/history", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/api/v1/status", "/api/v1/markets/x/history", "/health"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	out := buf.String()
	assert.Contains(t, out, `"path":"/api/v1/status"`)
	assert.Contains(t, out, `"route":"/api/v1/markets/:id/history"`)
	assert.Contains(t, out, `"level":"warning"`)
	assert.NotContains(t, out, `"path":"/health"`)
}

func TestCORS_Subtests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	build := func(origins []string) *gin.Engine {
		router := gin.New()
		router.Use(CORS(origins))
		router.GET("/api/v1/graph", func(c *gin.Context) { c.Status(http.StatusOK) })
		return router
	}

	t.Run("wildcard", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/graph", nil)
		req.Header.Set("Origin", "https://example.org")
		w := httptest.NewRecorder()
		build([]string{"*"}).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("listed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/graph", nil)
		req.Header.Set("Origin", "https://app.example.org")
		w := httptest.NewRecorder()
		build([]string{"https://app.example.org"}).ServeHTTP(w, req)

		assert.Equal(t, "https://app.example.org", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", w.Header().Get("Vary"))
	})

	t.Run("unlisted origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/graph", nil)
		req.Header.Set("Origin", "https://evil.example")
		w := httptest.NewRecorder()
		build([]string{"https://app.example.org"}).ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/graph", nil)
		req.Header.Set("Origin", "https://example.org")
		w := httptest.NewRecorder()
		build([]string{"*"}).ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
	})
}
