// Package pinger implements NetMet's shared, non-blocking ICMP echo
// engine: a single raw socket multiplexed across many concurrent pings by
// one dedicated I/O loop, built on golang.org/x/net/icmp for raw-socket
// access instead of hand-rolled syscalls.
package pinger

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/net/icmp"
)

// Exit codes reported on a completed Ping's Result.
const (
	SUCCESS = iota
	HostNotFound
	Timeout
	RootRequired
	CantOpenSocket
	SocketSendError
	SocketReadError
	Cancelled
)

// MaxWait bounds how long the I/O loop blocks in one pass, and so how
// quickly Stop becomes visible.
const MaxWait = 100 * time.Millisecond

// MaxPacketSize is the packet_size ceiling; larger requests are clamped.
const MaxPacketSize = 1024

// Result is what a completed Ping reports to its callback.
type Result struct {
	RetCode    int
	RTTMillis  float64
	PacketSize int
	Timestamp  time.Time
}

// Callback receives a ping's Result exactly once.
type Callback func(Result)

type pendingPing struct {
	id         uint16
	dest       *net.IPAddr
	packetSize int
	timeout    time.Duration
	callback   Callback
}

type inFlightPing struct {
	pendingPing
	startedAt time.Time
}

// Pinger owns one raw ICMP socket and schedules all pings against it.
type Pinger struct {
	logger log.Logger

	conn *icmp.PacketConn

	mu       sync.Mutex
	nextID   uint16
	sendQ    []pendingPing
	inFlight map[uint16]inFlightPing

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// New opens the raw ICMP socket and starts the I/O loop. It returns
// RootRequired/CantOpenSocket equivalents as an error rather than an exit
// code, since socket setup happens once per process, not per ping.
func New(logger log.Logger) (*Pinger, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, err
	}
	p := &Pinger{
		logger:   logger,
		conn:     conn,
		inFlight: make(map[uint16]inFlightPing),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(ctx)
	return p, nil
}

// Ping submits an asynchronous echo request. cb is invoked exactly once,
// never while the Pinger's internal lock is held.
func (p *Pinger) Ping(dest string, timeout time.Duration, packetSize int, cb Callback) {
	if packetSize > MaxPacketSize {
		packetSize = MaxPacketSize
	}
	if packetSize < 1 {
		packetSize = 1
	}

	addr, err := resolve(dest)
	if err != nil {
		cb(Result{RetCode: HostNotFound, PacketSize: packetSize, Timestamp: time.Now()})
		return
	}

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.sendQ = append(p.sendQ, pendingPing{
		id:         id,
		dest:       addr,
		packetSize: packetSize,
		timeout:    timeout,
		callback:   cb,
	})
	p.mu.Unlock()

	p.wakeLoop()
}

// Synchronous wraps Ping with a blocking wait.
func (p *Pinger) Synchronous(dest string, timeout time.Duration, packetSize int) Result {
	ch := make(chan Result, 1)
	p.Ping(dest, timeout, packetSize, func(r Result) { ch <- r })
	return <-ch
}

func resolve(dest string) (*net.IPAddr, error) {
	if ip := net.ParseIP(dest); ip != nil {
		return &net.IPAddr{IP: ip}, nil
	}
	return net.ResolveIPAddr("ip4", dest)
}

func (p *Pinger) wakeLoop() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and completes every queued and in-flight ping with
// Cancelled.
func (p *Pinger) Stop() {
	p.cancel()
	<-p.done
	_ = p.conn.Close()
}

func (p *Pinger) loop(ctx context.Context) {
	defer close(p.done)
	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			p.drainAll()
			return
		default:
		}

		p.trySend()
		finished := p.tryRead(buf)
		finished = append(finished, p.sweepTimeouts()...)
		deliver(finished)

		if p.idle() {
			select {
			case <-ctx.Done():
				p.drainAll()
				return
			case <-p.wake:
			case <-time.After(MaxWait):
			}
		}
	}
}

func (p *Pinger) idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sendQ) == 0 && len(p.inFlight) == 0
}

func (p *Pinger) trySend() {
	p.mu.Lock()
	if len(p.sendQ) == 0 {
		p.mu.Unlock()
		return
	}
	next := p.sendQ[0]
	p.sendQ = p.sendQ[1:]
	p.mu.Unlock()

	packet := buildEchoRequest(next.id, next.packetSize)
	_ = p.conn.SetWriteDeadline(time.Now().Add(MaxWait))
	startedAt := time.Now()
	_, err := p.conn.WriteTo(packet, next.dest)
	if err != nil {
		next.callback(Result{
			RetCode:    SocketSendError,
			PacketSize: next.packetSize,
			Timestamp:  time.Now(),
		})
		return
	}
	p.mu.Lock()
	p.inFlight[next.id] = inFlightPing{pendingPing: next, startedAt: startedAt}
	p.mu.Unlock()
}

func (p *Pinger) tryRead(buf []byte) []finishedPing {
	_ = p.conn.SetReadDeadline(time.Now().Add(MaxWait))
	n, _, err := p.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		level.Debug(p.logger).Log("msg", "icmp read error", "err", err)
		return nil
	}
	reply, err := parseEchoReply(buf[:n])
	if err != nil || reply.Type != icmpTypeEchoReply {
		return nil // unknown/foreign packet, dropped silently
	}

	p.mu.Lock()
	pp, ok := p.inFlight[reply.ID]
	if ok {
		delete(p.inFlight, reply.ID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	endedAt := time.Now()
	return []finishedPing{{
		pending:   pp.pendingPing,
		retCode:   SUCCESS,
		rttMillis: float64(endedAt.Sub(pp.startedAt).Microseconds()) / 1000.0,
	}}
}

func (p *Pinger) sweepTimeouts() []finishedPing {
	now := time.Now()
	p.mu.Lock()
	var out []finishedPing
	for id, pp := range p.inFlight {
		if now.Sub(pp.startedAt) > pp.timeout {
			out = append(out, finishedPing{pending: pp.pendingPing, retCode: Timeout})
			delete(p.inFlight, id)
		}
	}
	p.mu.Unlock()
	return out
}

func (p *Pinger) drainAll() {
	p.mu.Lock()
	var out []finishedPing
	for _, pp := range p.sendQ {
		out = append(out, finishedPing{pending: pp, retCode: Cancelled})
	}
	p.sendQ = nil
	for id, pp := range p.inFlight {
		out = append(out, finishedPing{pending: pp.pendingPing, retCode: Cancelled})
		delete(p.inFlight, id)
	}
	p.mu.Unlock()
	deliver(out)
}

type finishedPing struct {
	pending   pendingPing
	retCode   int
	rttMillis float64
}

// deliver invokes each finished ping's callback with the lock already
// released.
func deliver(finished []finishedPing) {
	for _, f := range finished {
		f.pending.callback(Result{
			RetCode:    f.retCode,
			RTTMillis:  f.rttMillis,
			PacketSize: f.pending.packetSize,
			Timestamp:  time.Now(),
		})
	}
}
