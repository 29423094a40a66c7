package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsRecorderTracksTotalsAndPerCode(t *testing.T) {
	s := NewStatsRecorder()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ok", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET /bad", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) })
	h := s.Middleware(mux)

	for _, path := range []string{"/ok", "/ok", "/bad"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	snap := s.Snapshot()
	require.Equal(t, int64(3), snap.Requests.Total)
	require.Equal(t, int64(2), snap.Requests.Success)
	require.Equal(t, int64(2), snap.Requests.PerCode[http.StatusOK])
	require.Equal(t, int64(1), snap.Requests.PerCode[http.StatusBadRequest])
	require.InDelta(t, 2.0/3.0, snap.Requests.SuccessRate, 1e-9)
}

func TestRegisterStatusServesStatusAndMetrics(t *testing.T) {
	mux := http.NewServeMux()
	RegisterStatus(mux, NewStatsRecorder())

	statusReq := httptest.NewRequest(http.MethodGet, "/status", nil)
	statusRec := httptest.NewRecorder()
	mux.ServeHTTP(statusRec, statusReq)
	require.Equal(t, http.StatusOK, statusRec.Code)
	require.Equal(t, "application/json", statusRec.Header().Get("Content-Type"))

	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRec := httptest.NewRecorder()
	mux.ServeHTTP(metricsRec, metricsReq)
	require.Equal(t, http.StatusOK, metricsRec.Code)
}
