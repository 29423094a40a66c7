package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/godaddy/netmet/internal/netmet"
)

type fakePusher struct {
	mu      sync.Mutex
	records []netmet.MetricRecord
	stopped bool
}

func (f *fakePusher) Add(r netmet.MetricRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
}

func (f *fakePusher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakePusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func TestCollectorHTTPSuccessRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	pusher := &fakePusher{}
	c := New(netmet.ClientEndpoint{Host: "self", Port: 1}, nil, false, pusher, nil)
	task := netmet.Task{
		Direction: netmet.DirectionNorthSouth,
		Dest:      netmet.TaskDest{External: srv.URL},
		Protocol:  netmet.ProtocolHTTP,
		Settings:  netmet.ProbeSettings{PeriodSeconds: 1, TimeoutSeconds: 0.5, PacketSize: 55},
	}

	require.True(t, c.Start(context.Background(), []netmet.Task{task}))
	require.Eventually(t, func() bool { return pusher.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	c.Stop()

	require.Equal(t, 1, pusher.records[0].Transmitted)
	require.Equal(t, 0, pusher.records[0].Lost)
	require.Equal(t, 10, pusher.records[0].PacketSize)
	require.True(t, pusher.stopped)
}

func TestCollectorHTTPFailureRecord(t *testing.T) {
	pusher := &fakePusher{}
	c := New(netmet.ClientEndpoint{Host: "self", Port: 1}, nil, false, pusher, nil)
	task := netmet.Task{
		Direction: netmet.DirectionNorthSouth,
		Dest:      netmet.TaskDest{External: "http://127.0.0.1:1"}, // nothing listening
		Protocol:  netmet.ProtocolHTTP,
		Settings:  netmet.ProbeSettings{PeriodSeconds: 1, TimeoutSeconds: 0.1, PacketSize: 55},
	}

	require.True(t, c.Start(context.Background(), []netmet.Task{task}))
	require.Eventually(t, func() bool { return pusher.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	c.Stop()

	require.Equal(t, 0, pusher.records[0].Transmitted)
	require.Equal(t, 1, pusher.records[0].Lost)
	require.Equal(t, 504, pusher.records[0].RetCode)
}

func TestCollectorStartIdempotent(t *testing.T) {
	c := New(netmet.ClientEndpoint{}, nil, false, &fakePusher{}, nil)
	require.True(t, c.Start(context.Background(), nil))
	require.False(t, c.Start(context.Background(), nil))
	c.Stop()
}

func TestCollectorStopStopsPusher(t *testing.T) {
	pusher := &fakePusher{}
	c := New(netmet.ClientEndpoint{}, nil, false, pusher, nil)
	require.True(t, c.Start(context.Background(), nil))
	c.Stop()
	require.True(t, pusher.stopped)
}
