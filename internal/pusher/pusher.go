// Package pusher implements NetMet's periodic, batched, at-least-once
// metric uploader: a locked queue drained on a timer, with push-back-to-
// head requeuing after repeated send failures and per-item counters via
// prometheus/client_golang.
package pusher

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/godaddy/netmet/internal/httpclient"
	"github.com/godaddy/netmet/internal/netmet"
)

// Defaults for a Pusher constructed with a zero Options.
const (
	DefaultPeriod               = 10 * time.Second
	DefaultMaxCount             = 1000
	DefaultDelayBetweenRequests = 200 * time.Millisecond
	DefaultTimeout              = 2 * time.Second
	// maxConsecutiveFailures: a batch is requeued after its third straight
	// failed attempt.
	maxConsecutiveFailures = 2
)

var (
	itemsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netmet_pusher_queued_items",
		Help: "Number of metric records currently buffered in the pusher queue.",
	})
	itemsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netmet_pusher_sent_items_total",
		Help: "Number of metric records successfully POSTed.",
	})
	sendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netmet_pusher_send_failures_total",
		Help: "Number of failed batch POST attempts.",
	})
)

func init() {
	prometheus.MustRegister(itemsQueued, itemsSent, sendFailures)
}

// Options configures a Pusher. Zero values fall back to the package
// defaults.
type Options struct {
	Period               time.Duration
	MaxCount             int
	DelayBetweenRequests time.Duration
	Timeout              time.Duration
	Logger               log.Logger
}

// Pusher batches MetricRecords added via Add and POSTs them to url on a
// timer, retrying a batch in place before giving it back to the head of
// the queue.
type Pusher struct {
	url                  string
	client               *httpclient.Client
	period               time.Duration
	maxCount             int
	delayBetweenRequests time.Duration
	logger               log.Logger

	mu      sync.Mutex
	objects []netmet.MetricRecord

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Pusher targeting url. sign, if non-nil, is used to
// attach HMAC headers to every POST.
func New(url string, opts Options, sign httpclient.Signer) *Pusher {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = DefaultMaxCount
	}
	if opts.DelayBetweenRequests <= 0 {
		opts.DelayBetweenRequests = DefaultDelayBetweenRequests
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	return &Pusher{
		url:                  url,
		client:               httpclient.New(opts.Timeout, sign),
		period:               opts.Period,
		maxCount:             opts.MaxCount,
		delayBetweenRequests: opts.DelayBetweenRequests,
		logger:               log.With(opts.Logger, "component", "pusher"),
	}
}

// Add enqueues one record. Safe to call from many goroutines.
func (p *Pusher) Add(rec netmet.MetricRecord) {
	p.mu.Lock()
	p.objects = append(p.objects, rec)
	p.mu.Unlock()
	itemsQueued.Inc()
}

// Len reports the number of items currently buffered, used by invariant
// P4 checks ("items delivered plus items still in the local queue equals
// items added").
func (p *Pusher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.objects)
}

// Start launches the periodic send loop. Idempotent: calling Start twice
// is a no-op.
func (p *Pusher) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop signals the loop to exit and waits for the in-flight send to
// finish. It does not flush a final batch: the caller (Collector) is
// responsible for ensuring producers have stopped before calling Stop, at
// which point any unsent items remain in the local queue, satisfying P4.
func (p *Pusher) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Pusher) loop(ctx context.Context) {
	defer close(p.done)
	tick := p.period / 20
	if tick <= 0 {
		tick = time.Millisecond
	}
	lastSend := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}
		if time.Since(lastSend) > p.period {
			p.send(ctx)
			lastSend = time.Now()
		}
	}
}

// send drains up to maxCount items into a batch and POSTs it, retrying in
// place on failure. After more than maxConsecutiveFailures straight
// failures it pushes the batch back to the head of the queue, preserving
// original order, and returns.
func (p *Pusher) send(ctx context.Context) {
	var batch []netmet.MetricRecord
	fails := 0
	for {
		if ctx.Err() != nil {
			p.pushFront(batch)
			return
		}
		batch = p.fill(batch)

		status, err := p.client.PostJSON(ctx, p.url, batch, nil)
		if err == nil && status == 201 {
			itemsSent.Add(float64(len(batch)))
			itemsQueued.Sub(float64(len(batch)))
			batch = nil
			fails = 0
		} else {
			fails++
			sendFailures.Inc()
			level.Warn(p.logger).Log("msg", "push failed", "url", p.url, "status", status, "err", err)
		}

		if len(batch) == 0 && p.Len() < p.maxCount {
			return
		}
		if fails > maxConsecutiveFailures {
			p.pushFront(batch)
			return
		}

		select {
		case <-ctx.Done():
			p.pushFront(batch)
			return
		case <-time.After(p.delayBetweenRequests):
		}
	}
}

// fill tops batch up to maxCount items by popping from the queue head.
func (p *Pusher) fill(batch []netmet.MetricRecord) []netmet.MetricRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(batch) < p.maxCount && len(p.objects) > 0 {
		batch = append(batch, p.objects[0])
		p.objects = p.objects[1:]
	}
	return batch
}

// pushFront restores batch to the head of the queue in original order.
func (p *Pusher) pushFront(batch []netmet.MetricRecord) {
	if len(batch) == 0 {
		return
	}
	p.mu.Lock()
	p.objects = append(append([]netmet.MetricRecord{}, batch...), p.objects...)
	p.mu.Unlock()
}
