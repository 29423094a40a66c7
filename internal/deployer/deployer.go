// Package deployer reconciles the most recently submitted ServerConfig's
// desired client set into the catalog, unregistering removed clients and
// persisting the merged set atomically under a lock-guarded reconcile loop.
package deployer

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/godaddy/netmet/internal/httpclient"
	"github.com/godaddy/netmet/internal/netmet"
	"github.com/godaddy/netmet/internal/store"
	"github.com/godaddy/netmet/internal/worker"
)

// LockName is the GlobalLock name Deployer and Mesher share: both mutate
// the catalog/config records and must never run concurrently.
const LockName = "update_config"

// maxUnregisterFanout bounds concurrent best-effort unregister POSTs.
const maxUnregisterFanout = 10

// Deployer is constructed once per server process and driven by a
// worker.Worker on a tick.
type Deployer struct {
	store  *store.Client
	lock   *store.GlobalLock
	client *httpclient.Client
	logger log.Logger
}

// New constructs a Deployer. client is used for best-effort unregister
// calls to removed ClientEndpoints.
func New(s *store.Client, client *httpclient.Client, logger log.Logger) *Deployer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Deployer{
		store:  s,
		lock:   store.NewGlobalLock(s),
		client: client,
		logger: log.With(logger, "component", "deployer"),
	}
}

// Tick runs one reconciliation pass. It returns didWork=true only when a
// config was actually applied, which the caller should wire to
// worker.Options.AfterJob so the Mesher re-meshes promptly.
func (d *Deployer) Tick(ctx context.Context) (didWork bool, err error) {
	cfg, err := d.store.ConfigLatest(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "read latest config")
	}
	if cfg.Applied {
		return false, nil
	}

	err = d.lock.WithLock(ctx, LockName, 30*time.Second, func(ctx context.Context) error {
		// Re-read under lock: a racing replica may have applied it first.
		cfg, err = d.store.ConfigLatest(ctx)
		if err != nil {
			return errors.Wrap(err, "re-read config under lock")
		}
		if cfg.Applied {
			didWork = false
			return nil
		}
		if err := d.reconcile(ctx, cfg); err != nil {
			return err
		}
		didWork = true
		return nil
	})
	if errors.Is(err, store.ErrLockHeld) {
		level.Debug(d.logger).Log("msg", "lock held, skipping tick")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return didWork, nil
}

func (d *Deployer) reconcile(ctx context.Context, cfg netmet.ServerConfig) error {
	current, err := d.store.ClientsGet(ctx)
	if err != nil {
		return errors.Wrap(err, "read current catalog")
	}

	desired := make(map[string]netmet.ClientEndpoint, len(cfg.Static.Clients))
	for _, c := range cfg.Static.Clients {
		desired[c.Identity()] = c
	}
	existing := make(map[string]netmet.ClientEndpoint, len(current))
	for _, c := range current {
		existing[c.Identity()] = c
	}

	var removed []netmet.ClientEndpoint
	for id, c := range existing {
		if _, ok := desired[id]; !ok {
			removed = append(removed, c)
		}
	}

	d.unregisterAll(ctx, removed)

	merged := make([]netmet.ClientEndpoint, 0, len(desired))
	for _, c := range desired {
		merged = append(merged, c)
	}
	if err := d.store.ClientsReplace(ctx, merged); err != nil {
		return errors.Wrap(err, "persist merged catalog")
	}
	if err := d.store.ConfigMarkApplied(ctx, cfg.ID); err != nil {
		return errors.Wrap(err, "mark config applied")
	}
	return nil
}

// unregisterAll best-effort notifies every removed client, fanning out to
// at most maxUnregisterFanout concurrent requests. Failures are logged and
// never abort reconciliation: the client catalog is still authoritative
// once persisted.
func (d *Deployer) unregisterAll(ctx context.Context, removed []netmet.ClientEndpoint) {
	if len(removed) == 0 || d.client == nil {
		return
	}
	sem := make(chan struct{}, maxUnregisterFanout)
	var wg sync.WaitGroup
	for _, c := range removed {
		c := c
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			url := c.BaseURL() + "/api/v1/unregister"
			if _, err := d.client.Post(ctx, url); err != nil {
				level.Warn(d.logger).Log("msg", "unregister failed", "client", c.Identity(), "err", err)
			}
		}()
	}
	wg.Wait()
}

// NewWorker wires Tick into a worker.Worker on the given period.
func NewWorker(d *Deployer, period time.Duration, afterJob func(), logger log.Logger) *worker.Worker {
	return worker.New(d.Tick, worker.Options{
		Period:   period,
		AfterJob: afterJob,
		Logger:   logger,
		Name:     "deployer",
	})
}
