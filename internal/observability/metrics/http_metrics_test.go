package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestHTTPMetricsMiddlewareCountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := newHTTPMetrics(registry, Config{Environment: "test"})

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/api/v1/creators/:id/balance", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/creators/"+id+"/balance", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/api/v1/creators/:id/balance", "200"))
	require.Equal(t, float64(2), got)
}

func TestAlertMetricsCountViolations(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newAlertMetrics(registry, Config{})
	m.IncIntegrityViolation("non_negative_available")
	require.Equal(t, float64(1), testutil.ToFloat64(m.integrityViolations.WithLabelValues("non_negative_available")))
}
