package statusserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	status string
	calls  int
}

func (f fakeSource) Status() string   { return f.status }
func (f fakeSource) ActiveCalls() int { return f.calls }

type fakeDiag struct {
	counts map[string]int64
}

func (f fakeDiag) Counts() map[string]int64 { return f.counts }

func TestHealthzReturnsOK(t *testing.T) {
	s := New(":0", fakeSource{status: "registered", calls: 2}, fakeDiag{counts: map[string]int64{}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusReturnsSIPStateAndCounts(t *testing.T) {
	s := New(":0", fakeSource{status: "registered", calls: 3}, fakeDiag{counts: map[string]int64{"sip_send": 5}})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "registered", body["sip_status"])
	assert.Equal(t, float64(3), body["active_calls"])
	assert.Equal(t, map[string]any{"sip_send": float64(5)}, body["event_counts"])
}

func TestMetricsEndpointIsServed(t *testing.T) {
	s := New(":0", fakeSource{}, fakeDiag{counts: map[string]int64{}})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
