package pinger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestPinger builds a Pinger with no real socket, for exercising the
// queue/timeout bookkeeping in isolation (opening a raw socket requires
// root and is out of reach for CI).
func newTestPinger() *Pinger {
	return &Pinger{
		inFlight: make(map[uint16]inFlightPing),
		wake:     make(chan struct{}, 1),
	}
}

func TestSweepTimeoutsEvictsExpiredEntries(t *testing.T) {
	p := newTestPinger()
	var got Result
	p.inFlight[1] = inFlightPing{
		pendingPing: pendingPing{
			id:         1,
			packetSize: 10,
			timeout:    10 * time.Millisecond,
			callback:   func(r Result) { got = r },
		},
		startedAt: time.Now().Add(-20 * time.Millisecond),
	}

	finished := p.sweepTimeouts()
	require.Len(t, finished, 1)
	require.Equal(t, Timeout, finished[0].retCode)
	require.Empty(t, p.inFlight)

	deliver(finished)
	require.Equal(t, Timeout, got.RetCode)
}

func TestSweepTimeoutsKeepsFreshEntries(t *testing.T) {
	p := newTestPinger()
	p.inFlight[2] = inFlightPing{
		pendingPing: pendingPing{id: 2, timeout: time.Minute, callback: func(Result) {}},
		startedAt:   time.Now(),
	}
	require.Empty(t, p.sweepTimeouts())
	require.Len(t, p.inFlight, 1)
}

func TestDrainAllCancelsQueuedAndInFlight(t *testing.T) {
	p := newTestPinger()
	var codes []int
	cb := func(r Result) { codes = append(codes, r.RetCode) }
	p.sendQ = append(p.sendQ, pendingPing{id: 1, callback: cb})
	p.inFlight[2] = inFlightPing{pendingPing: pendingPing{id: 2, callback: cb}, startedAt: time.Now()}

	p.drainAll()

	require.ElementsMatch(t, []int{Cancelled, Cancelled}, codes)
	require.Empty(t, p.sendQ)
	require.Empty(t, p.inFlight)
}

func TestPingUnresolvableHostCompletesImmediately(t *testing.T) {
	p := newTestPinger()
	done := make(chan Result, 1)
	p.Ping("this.host.does.not.exist.invalid", time.Second, 55, func(r Result) { done <- r })
	select {
	case r := <-done:
		require.Equal(t, HostNotFound, r.RetCode)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
}
