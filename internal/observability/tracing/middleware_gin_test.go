package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creatorledger/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func attrMap(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		out[string(attr.Key)] = attr.Value.Emit()
	}
	return out
}

func TestRouteAttributes(t *testing.T) {
	got := attrMap(RouteAttributes("/api/creators/:id/payouts/:payoutId", gin.Params{
		{Key: "id", Value: "creator-1"},
		{Key: "payoutId", Value: "42"},
	}))
	assert.Equal(t, map[string]string{"creator.id": "creator-1", "payout.id": "42"}, got)

	got = attrMap(RouteAttributes("/admin/payouts/:id/reconcile", gin.Params{{Key: "id", Value: "42"}}))
	assert.Equal(t, map[string]string{"payout.id": "42"}, got)

	got = attrMap(RouteAttributes("/webhooks/payouts/:provider", gin.Params{{Key: "provider", Value: "MPESA"}}))
	assert.Equal(t, map[string]string{"payout.provider": "mpesa"}, got)

	assert.Empty(t, RouteAttributes("/api/events", nil))
}

func TestGinMiddlewareTagsCreatorRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := recordSpans(t)

	r := gin.New()
	r.Use(GinMiddleware())
	r.PUT("/api/creators/:id/destinations/:provider", func(c *gin.Context) {
		c.Status(http.StatusLocked)
	})
	r.POST("/admin/creators/:id/freeze", func(c *gin.Context) {
		ctx := obscontext.WithActor(c.Request.Context(), "admin", "ops-1")
		c.Request = c.Request.WithContext(ctx)
		c.Status(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/api/creators/creator-7/destinations/mpesa", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/admin/creators/creator-7/freeze", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	dest := spans[0]
	assert.Equal(t, "PUT /api/creators/:id/destinations/:provider", dest.Name())
	attrs := attrMap(dest.Attributes())
	assert.Equal(t, "creator-7", attrs["creator.id"])
	assert.Equal(t, "mpesa", attrs["payout.provider"])
	assert.Equal(t, "423", attrs["http.status_code"])
	require.Len(t, dest.Events(), 1)
	assert.Equal(t, "creator.locked", dest.Events()[0].Name)

	freeze := attrMap(spans[1].Attributes())
	assert.Equal(t, "admin", freeze["actor.type"])
	assert.Equal(t, "ops-1", freeze["actor.id"])
}
