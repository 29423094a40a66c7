package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/godaddy/netmet/internal/hmacauth"
	"github.com/godaddy/netmet/internal/netmet"
)

func TestClientConfigGetReturns404BeforeFirstPush(t *testing.T) {
	c := NewClient(5001, nil, nil)
	rec := httptest.NewRecorder()
	c.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/config", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientConfigPostInvokesOnConfigAndStoresTasks(t *testing.T) {
	c := NewClient(5002, nil, nil)

	var gotPush ConfigPush
	var gotTasks []netmet.Task
	c.OnConfig = func(ctx context.Context, push ConfigPush, tasks []netmet.Task) error {
		gotPush = push
		gotTasks = tasks
		return nil
	}

	dest := netmet.ClientEndpoint{Host: "h2", IP: "10.0.0.2", Port: 5000}
	destJSON, err := json.Marshal(dest)
	require.NoError(t, err)

	push := ConfigPush{
		NetmetServer: "http://server:8080",
		ClientHost:   netmet.ClientEndpoint{Host: "h1", IP: "10.0.0.1", Port: 5002},
		Tasks: []TaskEnvelope{
			{EastWest: &TaskPayload{
				Dest:     destJSON,
				Protocol: netmet.ProtocolICMP,
				Settings: netmet.ProbeSettings{PeriodSeconds: 1, TimeoutSeconds: 0.5},
			}},
		},
	}
	body, err := json.Marshal(push)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v2/config", bytes.NewReader(body))
	c.Mux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "http://server:8080", gotPush.NetmetServer)
	require.Len(t, gotTasks, 1)
	require.Equal(t, netmet.DirectionEastWest, gotTasks[0].Direction)
	require.Equal(t, "h2:5000", gotTasks[0].Dest.Client.Identity())

	getRec := httptest.NewRecorder()
	c.Mux().ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/api/v1/config", nil))
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestClientConfigPostRejectsInvalidTask(t *testing.T) {
	c := NewClient(5003, nil, nil)
	dest := netmet.ClientEndpoint{Host: "h2", Port: 5000}
	destJSON, _ := json.Marshal(dest)
	push := ConfigPush{
		Tasks: []TaskEnvelope{
			{EastWest: &TaskPayload{
				Dest:     destJSON,
				Protocol: netmet.ProtocolICMP,
				Settings: netmet.ProbeSettings{PeriodSeconds: 1, TimeoutSeconds: 2}, // timeout > period
			}},
		},
	}
	body, _ := json.Marshal(push)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v2/config", bytes.NewReader(body))
	c.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientUnregisterInvokesHookAndClearsTasks(t *testing.T) {
	c := NewClient(5004, nil, nil)
	called := false
	c.OnUnregister = func() { called = true }
	c.tasks = []netmet.Task{{}}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/unregister", nil)
	c.Mux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, called)

	getRec := httptest.NewRecorder()
	c.Mux().ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/api/v1/config", nil))
	require.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestClientRejectsUnsignedRequestWhenAuthConfigured(t *testing.T) {
	auth := hmacauth.New([][]byte{[]byte("k1")}, false)
	c := NewClient(5005, auth, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	c.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestClientAcceptsSignedRequestWhenAuthConfigured(t *testing.T) {
	auth := hmacauth.New([][]byte{[]byte("k1")}, false)
	c := NewClient(5006, auth, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	for k, v := range auth.Sign(nil) {
		req.Header.Set(k, v)
	}
	c.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code) // past auth, into the handler
}
