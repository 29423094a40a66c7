package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/godaddy/netmet/internal/eventtagger"
	"github.com/godaddy/netmet/internal/hmacauth"
	"github.com/godaddy/netmet/internal/mesher"
	"github.com/godaddy/netmet/internal/netmet"
	"github.com/godaddy/netmet/internal/store"
	"github.com/godaddy/netmet/internal/worker"
)

// refreshClientRetries bounds how many times a force-refresh request
// retries lock acquisition.
const refreshClientRetries = 3

// Server serves the server role's control-plane endpoints.
type Server struct {
	store    *store.Client
	deployer *worker.Worker
	mesher   *mesher.Mesher
	tagger   *eventtagger.Tagger
	auth     *hmacauth.Authenticator
	stats    *StatsRecorder
	logger   log.Logger
}

// NewServer constructs a Server. deployer is force-woken after a config
// is accepted, so the next tick reconciles promptly instead of waiting
// out its period.
func NewServer(s *store.Client, deployer *worker.Worker, m *mesher.Mesher, tagger *eventtagger.Tagger, auth *hmacauth.Authenticator, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		store:    s,
		deployer: deployer,
		mesher:   m,
		tagger:   tagger,
		auth:     auth,
		stats:    NewStatsRecorder(),
		logger:   log.With(logger, "component", "httpapi.server"),
	}
}

// Mux builds the *http.ServeMux for the server role, wrapped in the
// stats-counting and (optional) HMAC-verifying middleware.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	RegisterStatus(mux, s.stats)
	mux.HandleFunc("GET /api/v1/config", s.handleConfigGet)
	mux.HandleFunc("POST /api/v2/config", s.handleConfigPost)
	mux.HandleFunc("GET /api/v1/clients", s.handleClientsList)
	mux.HandleFunc("POST /api/v1/clients/{host}/{port}", s.handleRefreshClient)
	mux.HandleFunc("POST /api/v1/metrics", s.handleMetrics)
	mux.HandleFunc("PUT /api/v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/v1/metrics/{period}", s.handleMetricsReserved)
	mux.HandleFunc("GET /api/v1/events", s.handleEventsList)
	mux.HandleFunc("GET /api/v1/events/{id}", s.handleEventGet)
	mux.HandleFunc("POST /api/v1/events/{id}", s.handleEventCreate)
	mux.HandleFunc("DELETE /api/v1/events/{id}", s.handleEventDelete)
	mux.HandleFunc("POST /api/v1/events/{id}/_stop", s.handleEventStop)

	var h http.Handler = mux
	if s.auth != nil {
		h = s.verifyHMAC(h)
	}
	return s.stats.Middleware(h)
}

func (s *Server) verifyHMAC(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cannot read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if !s.auth.Verify(r, body) {
			writeError(w, http.StatusForbidden, "hmac verification failed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.ConfigLatest(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no config submitted")
		return
	}
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	var cfg netmet.ServerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config body")
		return
	}
	for _, c := range cfg.Static.Clients {
		if c.Host == "" || c.Port == 0 {
			writeError(w, http.StatusBadRequest, "client endpoints require host and port")
			return
		}
	}
	created, err := s.store.ConfigCreate(r.Context(), cfg)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if s.deployer != nil {
		s.deployer.ForceUpdate()
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleClientsList(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ClientsGet(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (s *Server) handleRefreshClient(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid port")
		return
	}

	var lastErr error
	for attempt := 0; attempt <= refreshClientRetries; attempt++ {
		lastErr = s.mesher.RefreshClient(r.Context(), host, port)
		if !errors.Is(lastErr, store.ErrLockHeld) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if errors.Is(lastErr, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	if lastErr != nil {
		s.serverError(w, lastErr)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type metricEnvelope struct {
	EastWest   *netmet.MetricRecord `json:"east-west,omitempty"`
	NorthSouth *netmet.MetricRecord `json:"north-south,omitempty"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var envelopes []metricEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelopes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid metrics body")
		return
	}
	records := make([]netmet.MetricRecord, 0, len(envelopes))
	for _, e := range envelopes {
		switch {
		case e.EastWest != nil:
			e.EastWest.Direction = netmet.DirectionEastWest
			records = append(records, *e.EastWest)
		case e.NorthSouth != nil:
			e.NorthSouth.Direction = netmet.DirectionNorthSouth
			records = append(records, *e.NorthSouth)
		default:
			writeError(w, http.StatusBadRequest, "metric envelope missing east-west/north-south key")
			return
		}
	}
	if err := s.store.MetricsWrite(r.Context(), records); err != nil {
		s.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleMetricsReserved(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotImplemented)
}

func (s *Server) handleEventsList(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.EventsList(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleEventGet(w http.ResponseWriter, r *http.Request) {
	ev, _, err := s.store.EventGet(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleEventCreate(w http.ResponseWriter, r *http.Request) {
	var ev netmet.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	created, err := s.tagger.Create(r.Context(), ev)
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleEventDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.tagger.Delete(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		s.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEventStop(w http.ResponseWriter, r *http.Request) {
	if err := s.tagger.Stop(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	level.Error(s.logger).Log("msg", "request failed", "err", err)
	if errors.Is(err, store.ErrConflict) {
		writeError(w, http.StatusConflict, "conflict")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}
