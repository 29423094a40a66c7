package pusher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/godaddy/netmet/internal/netmet"
)

func rec(id int) netmet.MetricRecord {
	return netmet.MetricRecord{Transmitted: 1, RetCode: id}
}

func TestPusherSendsOnSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(201)
	}))
	defer srv.Close()

	p := New(srv.URL, Options{Period: 20 * time.Millisecond, MaxCount: 10}, nil)
	p.Add(rec(1))
	p.Add(rec(2))
	require.Equal(t, 2, p.Len())

	p.Start(context.Background())
	require.Eventually(t, func() bool { return p.Len() == 0 }, time.Second, 5*time.Millisecond)
	p.Stop()
}

func TestPusherRequeuesAfterRepeatedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	p := New(srv.URL, Options{
		Period:               5 * time.Millisecond,
		MaxCount:              10,
		DelayBetweenRequests:  time.Millisecond,
	}, nil)
	p.Add(rec(1))
	p.Add(rec(2))

	// send() runs synchronously inside the loop; call it directly once to
	// avoid a race with Stop on a freshly started loop.
	p.send(context.Background())

	require.Equal(t, 2, p.Len())
	require.Equal(t, 1, p.objects[0].RetCode)
	require.Equal(t, 2, p.objects[1].RetCode)
}
