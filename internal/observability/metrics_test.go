package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	before := testutil.ToFloat64(retryExhausted)
	RecordRetryExhausted()
	assert.Equal(t, before+1, testutil.ToFloat64(retryExhausted))

	WatchHandlerStarted("node_created")
	assert.Equal(t, float64(1), testutil.ToFloat64(watchActive))
	WatchHandlerDone()
	assert.Equal(t, float64(0), testutil.ToFloat64(watchActive))

	SetLiveSessions(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(liveSessions))

	RecordHTTPRequest(http.MethodGet, "/health", http.StatusOK, time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/health", "200")))
}

func TestMiddlewareRecordsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(zerolog.Nop(), "/quiet"), RequestMetricsMiddleware())
	r.GET("/things/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/things/42", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	got := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/things/:id", "204"))
	assert.Equal(t, float64(1), got)
}
