// Package mesher computes per-client task lists from an applied
// ServerConfig via a pluggable mesh algorithm, and pushes them to clients.
package mesher

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/godaddy/netmet/internal/deployer"
	"github.com/godaddy/netmet/internal/httpclient"
	"github.com/godaddy/netmet/internal/netmet"
	"github.com/godaddy/netmet/internal/store"
	"github.com/godaddy/netmet/internal/worker"
)

// configPush is the body POSTed to a client's /api/v2/config.
type configPush struct {
	NetmetServer string                `json:"netmet_server"`
	ClientHost   netmet.ClientEndpoint `json:"client_host"`
	Settings     netmet.ProbeSettings  `json:"settings"`
	Tasks        []taskJSON            `json:"tasks"`
}

// taskJSON renders netmet.Task's tagged-union Dest as the single-key sum
// type the wire format expects.
type taskJSON struct {
	EastWest   *taskBody `json:"east-west,omitempty"`
	NorthSouth *taskBody `json:"north-south,omitempty"`
}

type taskBody struct {
	Dest     any                  `json:"dest"`
	Protocol netmet.Protocol      `json:"protocol"`
	Settings netmet.ProbeSettings `json:"settings,omitempty"`
}

func toTaskJSON(t netmet.Task) taskJSON {
	body := &taskBody{Protocol: t.Protocol, Settings: t.Settings}
	if t.Direction == netmet.DirectionEastWest {
		body.Dest = t.Dest.Client
		return taskJSON{EastWest: body}
	}
	body.Dest = t.Dest.External
	return taskJSON{NorthSouth: body}
}

// Mesher pushes computed task lists and marks configs meshed.
type Mesher struct {
	store  *store.Client
	lock   *store.GlobalLock
	client *httpclient.Client
	ownURL string
	logger log.Logger
}

// New constructs a Mesher. ownURL is advertised to clients as
// netmet_server so they know where to push metrics and self-rejoin.
func New(s *store.Client, client *httpclient.Client, ownURL string, logger log.Logger) *Mesher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Mesher{
		store:  s,
		lock:   store.NewGlobalLock(s),
		client: client,
		ownURL: ownURL,
		logger: log.With(logger, "component", "mesher"),
	}
}

// Tick runs one mesh-and-push pass, gated on applied && !meshed, the same
// gating Deployer uses.
func (m *Mesher) Tick(ctx context.Context) (didWork bool, err error) {
	cfg, err := m.store.ConfigLatest(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "read latest config")
	}
	if !cfg.Applied || cfg.Meshed {
		return false, nil
	}

	err = m.lock.WithLock(ctx, deployer.LockName, 30*time.Second, func(ctx context.Context) error {
		cfg, err = m.store.ConfigLatest(ctx)
		if err != nil {
			return errors.Wrap(err, "re-read config under lock")
		}
		if !cfg.Applied || cfg.Meshed {
			didWork = false
			return nil
		}
		if err := m.meshAndPush(ctx, cfg); err != nil {
			return err
		}
		didWork = true
		return nil
	})
	if errors.Is(err, store.ErrLockHeld) {
		level.Debug(m.logger).Log("msg", "lock held, skipping tick")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return didWork, nil
}

func (m *Mesher) meshAndPush(ctx context.Context, cfg netmet.ServerConfig) error {
	plugin, ok := Lookup(cfg.Mesher.Plugin)
	if !ok {
		return errors.Errorf("unknown mesher plugin %q", cfg.Mesher.Plugin)
	}
	tasksByClient, err := plugin.Mesh(cfg.Mesher.Options, cfg.Static.Clients, cfg.External)
	if err != nil {
		return errors.Wrap(err, "compute mesh")
	}

	for _, c := range cfg.Static.Clients {
		tasks := tasksByClient[c.Identity()]
		m.pushOne(ctx, c, tasks)
	}

	return m.store.ConfigMarkMeshed(ctx, cfg.ID)
}

// pushOne POSTs one client's task list. Failures are logged, never abort
// the tick: a later reconcile or RefreshClient retries.
func (m *Mesher) pushOne(ctx context.Context, c netmet.ClientEndpoint, tasks []netmet.Task) {
	body := configPush{
		NetmetServer: m.ownURL,
		ClientHost:   c,
		Tasks:        make([]taskJSON, 0, len(tasks)),
	}
	for _, t := range tasks {
		body.Tasks = append(body.Tasks, toTaskJSON(t))
	}
	url := c.BaseURL() + "/api/v2/config"
	status, err := m.client.PostJSON(ctx, url, body, nil)
	if err != nil || status >= 300 {
		level.Warn(m.logger).Log("msg", "push config failed", "client", c.Identity(), "status", status, "err", err)
	}
}

// RefreshClient re-meshes and pushes to a single client, used by the
// force-refresh API. It holds the same GlobalLock as Tick and returns
// store.ErrLockHeld if that lock is taken; callers are expected to retry
// lock acquisition themselves.
func (m *Mesher) RefreshClient(ctx context.Context, host string, port int) error {
	if err := m.lock.Acquire(ctx, deployer.LockName, 30*time.Second); err != nil {
		return err
	}
	defer func() { _ = m.lock.Release(ctx, deployer.LockName) }()

	cfg, err := m.store.ConfigLatest(ctx)
	if err != nil {
		return errors.Wrap(err, "read latest config")
	}
	plugin, ok := Lookup(cfg.Mesher.Plugin)
	if !ok {
		return errors.Errorf("unknown mesher plugin %q", cfg.Mesher.Plugin)
	}
	tasksByClient, err := plugin.Mesh(cfg.Mesher.Options, cfg.Static.Clients, cfg.External)
	if err != nil {
		return errors.Wrap(err, "compute mesh")
	}
	for _, c := range cfg.Static.Clients {
		if c.Host == host && c.Port == port {
			m.pushOne(ctx, c, tasksByClient[c.Identity()])
			return nil
		}
	}
	return store.ErrNotFound
}

// NewWorker wires Tick into a worker.Worker on the given period.
func NewWorker(m *Mesher, period time.Duration, logger log.Logger) *worker.Worker {
	return worker.New(m.Tick, worker.Options{
		Period: period,
		Logger: logger,
		Name:   "mesher",
	})
}
