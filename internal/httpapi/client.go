package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/godaddy/netmet/internal/hmacauth"
	"github.com/godaddy/netmet/internal/netmet"
	"github.com/godaddy/netmet/internal/restore"
)

// ConfigPush mirrors mesher's wire shape for POST /api/v2/config.
type ConfigPush struct {
	NetmetServer string                `json:"netmet_server"`
	ClientHost   netmet.ClientEndpoint `json:"client_host"`
	Settings     netmet.ProbeSettings  `json:"settings"`
	Tasks        []TaskEnvelope        `json:"tasks"`
}

type TaskEnvelope struct {
	EastWest   *TaskPayload `json:"east-west,omitempty"`
	NorthSouth *TaskPayload `json:"north-south,omitempty"`
}

type TaskPayload struct {
	Dest     json.RawMessage      `json:"dest"`
	Protocol netmet.Protocol      `json:"protocol"`
	Settings netmet.ProbeSettings `json:"settings"`
}

// ToTasks decodes the wire envelopes into netmet.Task values.
func (p ConfigPush) ToTasks() ([]netmet.Task, error) {
	tasks := make([]netmet.Task, 0, len(p.Tasks))
	for _, te := range p.Tasks {
		var t netmet.Task
		switch {
		case te.EastWest != nil:
			var client netmet.ClientEndpoint
			if err := json.Unmarshal(te.EastWest.Dest, &client); err != nil {
				return nil, err
			}
			t = netmet.Task{
				Direction: netmet.DirectionEastWest,
				Dest:      netmet.TaskDest{Client: &client},
				Protocol:  te.EastWest.Protocol,
				Settings:  te.EastWest.Settings,
			}
		case te.NorthSouth != nil:
			var dest string
			if err := json.Unmarshal(te.NorthSouth.Dest, &dest); err != nil {
				return nil, err
			}
			t = netmet.Task{
				Direction: netmet.DirectionNorthSouth,
				Dest:      netmet.TaskDest{External: dest},
				Protocol:  te.NorthSouth.Protocol,
				Settings:  te.NorthSouth.Settings,
			}
		default:
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Client serves the client role's endpoints: receive task lists, and
// unregister. It holds only the current task list for GET /api/v1/config;
// the Collector/Pinger/Pusher lifecycle is owned by the caller via the
// OnConfig/OnUnregister hooks.
type Client struct {
	port   int
	auth   *hmacauth.Authenticator
	stats  *StatsRecorder
	logger log.Logger

	// OnConfig is invoked for every accepted POST /api/v2/config, with
	// the decoded task list, before the response is sent.
	OnConfig func(ctx context.Context, push ConfigPush, tasks []netmet.Task) error
	// OnUnregister is invoked for every POST /api/v1/unregister.
	OnUnregister func()

	mu    sync.Mutex
	tasks []netmet.Task
}

// NewClient constructs a Client.
func NewClient(port int, auth *hmacauth.Authenticator, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Client{
		port:   port,
		auth:   auth,
		stats:  NewStatsRecorder(),
		logger: log.With(logger, "component", "httpapi.client"),
	}
}

// Mux builds the *http.ServeMux for the client role.
func (c *Client) Mux() http.Handler {
	mux := http.NewServeMux()
	RegisterStatus(mux, c.stats)
	mux.HandleFunc("GET /api/v1/config", c.handleConfigGet)
	mux.HandleFunc("POST /api/v2/config", c.handleConfigPost)
	mux.HandleFunc("POST /api/v1/unregister", c.handleUnregister)

	var h http.Handler = mux
	if c.auth != nil {
		h = c.verifyHMAC(h)
	}
	return c.stats.Middleware(h)
}

func (c *Client) verifyHMAC(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cannot read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if !c.auth.Verify(r, body) {
			writeError(w, http.StatusForbidden, "hmac verification failed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Client) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	tasks := c.tasks
	c.mu.Unlock()
	if tasks == nil {
		writeError(w, http.StatusNotFound, "not configured")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (c *Client) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	var push ConfigPush
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config body")
		return
	}
	tasks, err := push.ToTasks()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task list")
		return
	}
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	refreshURL := fmt.Sprintf("%s/api/v1/clients/%s/%d",
		strings.TrimRight(push.NetmetServer, "/"), push.ClientHost.Host, push.ClientHost.Port)
	if err := restore.Write(c.port, refreshURL); err != nil {
		level.Error(c.logger).Log("msg", "write restore marker failed", "err", err)
	}
	if c.OnConfig != nil {
		if err := c.OnConfig(r.Context(), push, tasks); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to apply config")
			return
		}
	}
	c.mu.Lock()
	c.tasks = tasks
	c.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (c *Client) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if c.OnUnregister != nil {
		c.OnUnregister()
	}
	c.mu.Lock()
	c.tasks = nil
	c.mu.Unlock()
	if err := restore.Remove(c.port); err != nil {
		level.Error(c.logger).Log("msg", "remove restore marker failed", "err", err)
	}
	w.WriteHeader(http.StatusCreated)
}
