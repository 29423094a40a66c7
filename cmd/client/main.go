// Command netmet-client runs the NetMet client role: it receives task
// lists from the server, runs ICMP/HTTP probes against them, and pushes
// results back.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"

	"github.com/godaddy/netmet/internal/collector"
	"github.com/godaddy/netmet/internal/hmacauth"
	"github.com/godaddy/netmet/internal/httpapi"
	"github.com/godaddy/netmet/internal/httpclient"
	"github.com/godaddy/netmet/internal/netmet"
	"github.com/godaddy/netmet/internal/pinger"
	"github.com/godaddy/netmet/internal/pusher"
	"github.com/godaddy/netmet/internal/restore"
)

func main() {
	a := kingpin.New("netmet-client", "NetMet client: runs probes and pushes metrics.")
	host := a.Flag("host", "Address to listen on.").Envar("HOST").Default("0.0.0.0").String()
	port := a.Flag("port", "Port to listen on.").Envar("PORT").Default("5000").Int()
	serverURL := a.Flag("server-url", "NetMet server base URL, used to push metrics.").
		Envar("NETMET_SERVER_URL").String()
	hmacKeys := a.Flag("hmac-keys", "Comma-separated list of HMAC signing keys, most recent first.").
		Envar("NETMET_HMACS").String()
	hmacSkip := a.Flag("hmac-skip", "Disable HMAC signing/verification entirely.").
		Envar("NETMET_HMAC_SKIP").Bool()
	a.HelpFlag.Short('h')
	kingpin.MustParse(a.Parse(os.Args[1:]))

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller, "role", "client")

	auth := hmacauth.New(splitKeys(*hmacKeys), *hmacSkip)
	var authForServer *hmacauth.Authenticator
	if !*hmacSkip {
		authForServer = auth
	}

	sharedPinger, err := pinger.New(logger)
	if err != nil {
		level.Error(logger).Log("msg", "open raw icmp socket failed, aborting", "err", err)
		os.Exit(1)
	}

	state := &clientState{
		logger: logger,
		ping:   sharedPinger,
		auth:   auth,
	}

	apiClient := httpapi.NewClient(*port, authForServer, logger)
	apiClient.OnConfig = state.onConfig
	apiClient.OnUnregister = state.onUnregister

	ctlClient := httpclient.New(5*time.Second, nil)
	seedRestoreMarker(*port, *serverURL, logger)
	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := restore.RetryRejoin(restoreCtx, ctlClient, *port, time.Second); err != nil {
		level.Warn(logger).Log("msg", "restore rejoin did not complete", "err", err)
	}
	restoreCancel()

	addr := *host + ":" + strconv.Itoa(*port)
	httpServer := &http.Server{Addr: addr, Handler: apiClient.Mux()}

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		done := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				level.Info(logger).Log("msg", "received termination signal, shutting down")
			case <-done:
			}
			return nil
		}, func(error) {
			close(done)
			state.stop()
			sharedPinger.Stop()
		})
	}
	{
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting http server", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = httpServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "client exited with error", "err", err)
		os.Exit(1)
	}
}

// clientState owns the Collector/Pusher pair currently in effect, rebuilt
// atomically on every accepted config push.
type clientState struct {
	logger log.Logger
	ping   *pinger.Pinger
	auth   *hmacauth.Authenticator

	mu        sync.Mutex
	collector *collector.Collector
}

// onConfig rebuilds the Collector/Pusher pair for a newly pushed task
// list. ctx is the HTTP request's context, scoped only to validating the
// push; the rebuilt workers run under context.Background() so they
// outlive the request that triggered them.
func (s *clientState) onConfig(ctx context.Context, push httpapi.ConfigPush, tasks []netmet.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collector != nil {
		s.collector.Stop()
		s.collector = nil
	}

	p := pusher.New(push.NetmetServer+"/api/v1/metrics", pusher.Options{Logger: s.logger}, s.auth.Sign)
	p.Start(context.Background())

	c := collector.New(push.ClientHost, s.ping, false, p, s.logger)
	c.Start(context.Background(), tasks)
	s.collector = c
	return nil
}

func (s *clientState) onUnregister() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collector != nil {
		s.collector.Stop()
		s.collector = nil
	}
}

func (s *clientState) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collector != nil {
		s.collector.Stop()
		s.collector = nil
	}
}

// seedRestoreMarker writes a restore marker ahead of the first accepted
// config push when none exists yet, so a client started fresh against a
// known server can still rejoin after a crash before it ever receives one.
// Once the server pushes a config, handleConfigPost overwrites the marker
// with the server's own idea of the refresh URL.
func seedRestoreMarker(port int, serverURL string, logger log.Logger) {
	if serverURL == "" {
		return
	}
	if _, err := restore.Read(port); err == nil || !os.IsNotExist(err) {
		return
	}
	hostname, err := os.Hostname()
	if err != nil {
		level.Warn(logger).Log("msg", "resolve hostname for restore marker seed failed", "err", err)
		return
	}
	refreshURL := fmt.Sprintf("%s/api/v1/clients/%s/%d", strings.TrimRight(serverURL, "/"), hostname, port)
	if err := restore.Write(port, refreshURL); err != nil {
		level.Warn(logger).Log("msg", "seed restore marker failed", "err", err)
	}
}

func splitKeys(s string) [][]byte {
	if s == "" {
		return nil
	}
	var out [][]byte
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, []byte(k))
		}
	}
	return out
}
