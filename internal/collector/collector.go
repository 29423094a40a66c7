// Package collector is the client-side probe scheduler: it groups a task
// list by period, spaces submissions evenly across a bounded worker pool,
// executes ICMP and HTTP probes, and drains results to a Pusher.
package collector

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/godaddy/netmet/internal/netmet"
	"github.com/godaddy/netmet/internal/pinger"
)

// httpProbeTransport is shared across every HTTP probe execution, pooling
// connections the way httpclient.Client does for control-plane traffic.
var httpProbeTransport = cleanhttp.DefaultPooledTransport()

// MaxWorkers bounds concurrent task executions across all period groups.
const MaxWorkers = 50

// resultsBufferSize is generous enough that producers rarely block on a
// slow drain, without being unbounded.
const resultsBufferSize = 4096

// httpLostRetCode is stamped on connection-refused/timeout HTTP probes,
// which still produce a record with lost=1, latency=0.
const httpLostRetCode = 504

// Pusher receives completed MetricRecords. Collector does not know or care
// how they are delivered onward.
type Pusher interface {
	Add(netmet.MetricRecord)
}

// Stopper is implemented by Pushers that own a background loop Collector
// should stop alongside itself.
type Stopper interface {
	Stop()
}

type taskGroup struct {
	period time.Duration
	tasks  []netmet.Task
}

// Collector runs a client's probe schedule. The zero value is not usable;
// construct with New.
type Collector struct {
	self      netmet.ClientEndpoint
	ping      *pinger.Pinger
	ownPinger bool
	pusher    Pusher
	logger    log.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	sem       chan struct{}
	results   chan netmet.MetricRecord
	drainDone chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Collector for self, executing ICMP probes against p and
// delivering results to pusher. ownPinger indicates whether Stop should
// also stop p (true unless the Pinger is shared across Collectors).
func New(self netmet.ClientEndpoint, p *pinger.Pinger, ownPinger bool, pusher Pusher, logger log.Logger) *Collector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Collector{
		self:      self,
		ping:      p,
		ownPinger: ownPinger,
		pusher:    pusher,
		logger:    log.With(logger, "component", "collector"),
	}
}

// Start launches the schedule loops and drain loop for tasks. It is
// idempotent: calling Start while already running is a no-op returning
// false.
func (c *Collector) Start(ctx context.Context, tasks []netmet.Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.sem = make(chan struct{}, MaxWorkers)
	c.results = make(chan netmet.MetricRecord, resultsBufferSize)
	c.drainDone = make(chan struct{})

	for _, g := range groupByPeriod(tasks) {
		g := g
		c.wg.Add(1)
		go c.runGroup(ctx, g)
	}
	go c.drain()
	return true
}

// Stop cancels all schedule loops, waits for in-flight executions, flushes
// the result queue, and stops the owned Pinger/Pusher.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.running = false
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	close(c.results)
	<-c.drainDone

	if c.ownPinger && c.ping != nil {
		c.ping.Stop()
	}
	if stopper, ok := c.pusher.(Stopper); ok {
		stopper.Stop()
	}
}

func groupByPeriod(tasks []netmet.Task) []taskGroup {
	byPeriod := make(map[time.Duration][]netmet.Task)
	var order []time.Duration
	for _, t := range tasks {
		p := t.Settings.Period()
		if _, ok := byPeriod[p]; !ok {
			order = append(order, p)
		}
		byPeriod[p] = append(byPeriod[p], t)
	}
	groups := make([]taskGroup, 0, len(order))
	for _, p := range order {
		groups = append(groups, taskGroup{period: p, tasks: byPeriod[p]})
	}
	return groups
}

func (c *Collector) runGroup(ctx context.Context, g taskGroup) {
	defer c.wg.Done()
	if len(g.tasks) == 0 {
		return
	}
	delay := g.period / time.Duration(len(g.tasks))
	if delay <= 0 {
		delay = g.period
	}
	for {
		for _, t := range g.tasks {
			if ctx.Err() != nil {
				return
			}
			if !c.submit(ctx, t, delay) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(roundJitter(delay)):
		}
	}
}

// roundJitter returns a random delay up to min(delay,1s)/10, inserted
// after a full scheduling round to avoid phase-locking.
func roundJitter(delay time.Duration) time.Duration {
	bound := delay
	if bound > time.Second {
		bound = time.Second
	}
	bound /= 10
	if bound <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(bound) + 1))
}

// submit places t on the worker pool, backing off by delay and retrying
// on a full pool. It returns false if ctx was cancelled while waiting.
func (c *Collector) submit(ctx context.Context, t netmet.Task, delay time.Duration) bool {
	for {
		select {
		case c.sem <- struct{}{}:
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer func() { <-c.sem }()
				c.execute(ctx, t)
			}()
			return true
		default:
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

func (c *Collector) execute(ctx context.Context, t netmet.Task) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(c.logger).Log("msg", "task execution panicked", "err", r)
		}
	}()

	var rec netmet.MetricRecord
	switch t.Protocol {
	case netmet.ProtocolICMP:
		rec = c.executeICMP(t)
	case netmet.ProtocolHTTP:
		rec = c.executeHTTP(ctx, t)
	default:
		level.Error(c.logger).Log("msg", "unknown task protocol", "protocol", t.Protocol)
		return
	}
	c.enqueue(rec)
}

func (c *Collector) executeICMP(t netmet.Task) netmet.MetricRecord {
	result := c.ping.Synchronous(t.DestString(), t.Settings.Timeout(), t.Settings.EffectivePacketSize())
	transmitted := 0
	if result.RetCode == pinger.SUCCESS {
		transmitted = 1
	}
	return netmet.MetricRecord{
		Direction:   t.Direction,
		ClientSrc:   c.self,
		ClientDest:  t.Dest.Client,
		Dest:        t.Dest.External,
		Protocol:    netmet.ProtocolICMP,
		Timestamp:   result.Timestamp,
		LatencyMS:   result.RTTMillis,
		PacketSize:  result.PacketSize,
		Transmitted: transmitted,
		Lost:        1 - transmitted,
		RetCode:     result.RetCode,
		Events:      []string{},
	}
}

func (c *Collector) executeHTTP(ctx context.Context, t netmet.Task) netmet.MetricRecord {
	url := httpTargetURL(t)
	timeout := t.Settings.Timeout()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Transport: httpProbeTransport, Timeout: timeout}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	now := time.Now()
	if err != nil {
		return c.httpFailureRecord(t, now)
	}

	started := time.Now()
	res, err := client.Do(req)
	elapsed := time.Since(started)
	if err != nil {
		return c.httpFailureRecord(t, now)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	transmitted := 0
	if res.StatusCode == http.StatusOK {
		transmitted = 1
	}
	return netmet.MetricRecord{
		Direction:   t.Direction,
		ClientSrc:   c.self,
		ClientDest:  t.Dest.Client,
		Dest:        t.Dest.External,
		Protocol:    netmet.ProtocolHTTP,
		Timestamp:   now,
		LatencyMS:   float64(elapsed.Microseconds()) / 1000.0,
		PacketSize:  len(body),
		Transmitted: transmitted,
		Lost:        1 - transmitted,
		RetCode:     res.StatusCode,
		Events:      []string{},
	}
}

func (c *Collector) httpFailureRecord(t netmet.Task, at time.Time) netmet.MetricRecord {
	return netmet.MetricRecord{
		Direction:   t.Direction,
		ClientSrc:   c.self,
		ClientDest:  t.Dest.Client,
		Dest:        t.Dest.External,
		Protocol:    netmet.ProtocolHTTP,
		Timestamp:   at,
		LatencyMS:   0,
		PacketSize:  0,
		Transmitted: 0,
		Lost:        1,
		RetCode:     httpLostRetCode,
		Events:      []string{},
	}
}

func httpTargetURL(t netmet.Task) string {
	if t.Dest.Client != nil {
		return t.Dest.Client.BaseURL()
	}
	if strings.Contains(t.Dest.External, "://") {
		return t.Dest.External
	}
	return fmt.Sprintf("http://%s", t.Dest.External)
}

func (c *Collector) enqueue(rec netmet.MetricRecord) {
	c.mu.Lock()
	results := c.results
	c.mu.Unlock()
	if results == nil {
		return
	}
	results <- rec
}

func (c *Collector) drain() {
	defer close(c.drainDone)
	for rec := range c.results {
		if c.pusher != nil {
			c.pusher.Add(rec)
		} else {
			fmt.Println(rec)
		}
	}
}
