package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/patrickwarner/adguard/internal/observability"
)

type countingRegistry struct {
	*observability.NoOpRegistry
	mu       sync.Mutex
	requests []string
}

func (c *countingRegistry) IncrementRequests(endpoint, method, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, method+" "+endpoint+" "+status)
}

func TestWithActor(t *testing.T) {
	var got string
	h := WithActor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, " bob ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "bob", got)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, AnonymousActor, got)
}

func TestWithTraceLogger_AddsActor(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := WithActor(WithTraceLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		LoggerFromRequest(r, zap.NewNop()).Info("handled")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, "carol")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "carol", logs.All()[0].ContextMap()["actor"])
}

func TestRequestMetrics_UsesRouteTemplate(t *testing.T) {
	reg := &countingRegistry{NoOpRegistry: observability.NewNoOpRegistry()}
	r := mux.NewRouter()
	r.Use(RequestMetrics(reg))
	r.HandleFunc("/v1/ledger/{tenant}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods("GET")

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/ledger/t1", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/ledger/t2", nil))

	assert.Equal(t, []string{
		"GET /v1/ledger/{tenant} 404",
		"GET /v1/ledger/{tenant} 404",
	}, reg.requests)
}
