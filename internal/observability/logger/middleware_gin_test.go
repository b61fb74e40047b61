package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observeRequests(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestDuplicateAcknowledgementLogsAtDebug(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := observeRequests(t)

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))
	r.POST("/api/events", func(c *gin.Context) {
		if c.Query("replay") == "1" {
			MarkDuplicate(c)
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	for _, target := range []string{"/api/events", "/api/events?replay=1"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.NotContains(t, entries[0].ContextMap(), "duplicate")
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, true, entries[1].ContextMap()["duplicate"])
	assert.NotEmpty(t, entries[1].ContextMap()["request_id"])
}

func TestServerErrorsLogAtError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := observeRequests(t)

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))
	r.GET("/boom", func(c *gin.Context) {
		MarkDuplicate(c)
		c.Status(http.StatusInternalServerError)
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
}
