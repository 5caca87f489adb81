package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{409, "4xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	// Gauges are exported with a zero value before any observation.
	for _, name := range []string{"bchescrow_goroutines", "bchescrow_ledger_ws_subscribed_addresses"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("expected metrics output to contain %s", name)
		}
	}
}

func TestMiddleware_CountsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/escrows/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	before := counterValue(t, "GET", "/v1/escrows/:id", "4xx")
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/escrows/ESC-1", nil))
	if got := counterValue(t, "GET", "/v1/escrows/:id", "4xx"); got != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, got)
	}
}

func TestObserveLedgerCall(t *testing.T) {
	c := LedgerRequestsTotal.WithLabelValues("blockbook", "balance", "error")
	var m dto.Metric
	_ = c.Write(&m)
	before := m.GetCounter().GetValue()

	ObserveLedgerCall("blockbook", "balance", time.Now(), errors.New("timeout"))

	m.Reset()
	_ = c.Write(&m)
	if got := m.GetCounter().GetValue(); got != before+1 {
		t.Fatalf("ledger error counter = %v, want %v", got, before+1)
	}
}

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := HTTPRequestsTotal.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("write: %v", err)
	}
	return m.GetCounter().GetValue()
}
