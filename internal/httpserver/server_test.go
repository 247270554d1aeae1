package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duster/internal/domain"
	"duster/internal/store/memory"
)

type brokenReader struct{}

func (brokenReader) GetMessage(context.Context, int64) (domain.Message, error) {
	return domain.Message{}, errors.New("db down")
}

func newRouter(reader MessageReader) http.Handler {
	s := New()
	(&API{Store: reader}).Register(s.Mux)
	return s.Mux
}

func TestGetMessage(t *testing.T) {
	st := memory.New()
	saved, err := st.Save(context.Background(), domain.Message{
		DeviceID:          "dev42",
		Command:           "reboot",
		DeliveryGuarantee: domain.GuaranteeReceiptConfirmation,
		CreatedDate:       time.Now(),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	newRouter(st).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, saved.ID, got.ID)
	assert.Equal(t, "dev42", got.DeviceID)
	assert.False(t, got.Delivered)
}

func TestGetMessageErrors(t *testing.T) {
	tests := []struct {
		name   string
		reader MessageReader
		path   string
		status int
	}{
		{"not a number", memory.New(), "/v1/messages/abc", http.StatusBadRequest},
		{"zero id", memory.New(), "/v1/messages/0", http.StatusBadRequest},
		{"unknown id", memory.New(), "/v1/messages/7", http.StatusNotFound},
		{"store failure", brokenReader{}, "/v1/messages/7", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newRouter(tt.reader).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestReadyz(t *testing.T) {
	ok := Check{Name: "postgres", Fn: func(context.Context) error { return nil }}
	fail := Check{Name: "mqtt", Fn: func(context.Context) error { return errors.New("transport not connected") }}

	rec := httptest.NewRecorder()
	Readyz(time.Second, ok, ok)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	Readyz(time.Second, ok, fail)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "mqtt")
}

func TestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_requests_total"}, []string{"route", "status"})
	reg := prometheus.NewRegistry()
	reg.MustRegister(counter)
	s := New()
	s.Mux.Use(Metrics(counter))
	(&API{Store: memory.New()}).Register(s.Mux)

	rec := httptest.NewRecorder()
	Logging(s.Mux).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/9", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)

	scrape := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), `test_requests_total{route="/v1/messages/{id}",status="404"} 1`)
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "duster_probe_total"})
	reg.MustRegister(c)
	c.Inc()

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "duster_probe_total 1"))
}
