package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerForceUpdateRunsImmediately(t *testing.T) {
	var calls int32
	w := New(func(ctx context.Context) (bool, error) {
		atomic.AddInt32(&calls, 1)
		return true, nil
	}, Options{Period: time.Hour, Name: "test"})

	ctx := context.Background()
	require.True(t, w.Start(ctx))
	defer w.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, time.Millisecond)

	w.ForceUpdate()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 2 }, time.Second, time.Millisecond)
}

func TestWorkerStartIdempotent(t *testing.T) {
	w := New(func(ctx context.Context) (bool, error) { return false, nil }, Options{Period: time.Hour})
	ctx := context.Background()
	require.True(t, w.Start(ctx))
	require.False(t, w.Start(ctx))
	w.Stop()
}

func TestWorkerAfterJobOnlyOnWork(t *testing.T) {
	var afterCalls int32
	didWork := true
	w := New(func(ctx context.Context) (bool, error) {
		return didWork, nil
	}, Options{
		Period: time.Hour,
		AfterJob: func() {
			atomic.AddInt32(&afterCalls, 1)
		},
	})
	ctx := context.Background()
	w.Start(ctx)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&afterCalls) >= 1 }, time.Second, time.Millisecond)

	didWork = false
	w.ForceUpdate()
	time.Sleep(20 * time.Millisecond)
	w.Stop()
	require.LessOrEqual(t, atomic.LoadInt32(&afterCalls), int32(2))
}

func TestWorkerStopWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	w := New(func(ctx context.Context) (bool, error) {
		close(started)
		<-release
		return false, nil
	}, Options{Period: time.Hour})

	ctx := context.Background()
	w.Start(ctx)
	<-started

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before job finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped
}

func TestWorkerJobPanicDoesNotKillLoop(t *testing.T) {
	var calls int32
	w := New(func(ctx context.Context) (bool, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			panic("boom")
		}
		return false, nil
	}, Options{Period: time.Hour})
	ctx := context.Background()
	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, time.Millisecond)
	w.ForceUpdate()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 2 }, time.Second, time.Millisecond)
}
