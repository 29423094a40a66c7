// Command netmet-server runs the NetMet server role: it maintains the
// client catalog, computes the mesh, serves configuration/metric/event
// HTTP endpoints, and periodically rolls over the data index alias.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"

	"github.com/godaddy/netmet/internal/deployer"
	"github.com/godaddy/netmet/internal/eventtagger"
	"github.com/godaddy/netmet/internal/hmacauth"
	"github.com/godaddy/netmet/internal/httpapi"
	"github.com/godaddy/netmet/internal/httpclient"
	"github.com/godaddy/netmet/internal/mesher"
	"github.com/godaddy/netmet/internal/store"
	"github.com/godaddy/netmet/internal/worker"
)

func main() {
	a := kingpin.New("netmet-server", "NetMet server: catalog, mesh and metrics ingestion.")
	host := a.Flag("host", "Address to listen on.").Envar("HOST").Default("0.0.0.0").String()
	port := a.Flag("port", "Port to listen on.").Envar("PORT").Default("8080").Int()
	ownURL := a.Flag("own-url", "This server's own URL, advertised to clients as netmet_server.").
		Envar("NETMET_OWN_URL").String()
	elastic := a.Flag("elastic", "Comma-separated list of Elasticsearch addresses.").
		Envar("ELASTIC").Default("http://127.0.0.1:9200").String()
	hmacKeys := a.Flag("hmac-keys", "Comma-separated list of HMAC signing keys, most recent first.").
		Envar("NETMET_HMACS").String()
	hmacSkip := a.Flag("hmac-skip", "Disable HMAC verification entirely.").
		Envar("NETMET_HMAC_SKIP").Bool()
	deployerPeriod := a.Flag("deployer-period", "Deployer reconcile period.").Default("10s").Duration()
	mesherPeriod := a.Flag("mesher-period", "Mesher push period.").Default("10s").Duration()
	a.HelpFlag.Short('h')
	kingpin.MustParse(a.Parse(os.Args[1:]))

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller, "role", "server")

	auth := hmacauth.New(splitKeys(*hmacKeys), *hmacSkip)

	storeClient, err := store.New(store.Config{Addresses: splitCSV(*elastic)}, logger)
	if err != nil {
		level.Error(logger).Log("msg", "construct elasticsearch client", "err", err)
		os.Exit(1)
	}
	if err := ensureSchemaWithRetry(storeClient, logger); err != nil {
		level.Error(logger).Log("msg", "schema initialization failed", "err", err)
		os.Exit(1)
	}

	ctlClient := httpclient.New(5*time.Second, auth.Sign)
	tagger := eventtagger.New(storeClient)
	m := mesher.New(storeClient, ctlClient, *ownURL, logger)
	mesherWorker := mesher.NewWorker(m, *mesherPeriod, logger)

	d := deployer.New(storeClient, ctlClient, logger)
	deployerWorker := deployer.NewWorker(d, *deployerPeriod, mesherWorker.ForceUpdate, logger)

	rolloverWorker := worker.New(func(ctx context.Context) (bool, error) {
		return storeClient.MaybeRollover(ctx)
	}, worker.Options{
		Period: store.RolloverCheckInterval,
		Logger: logger,
		Name:   "rollover",
	})

	srv := httpapi.NewServer(storeClient, deployerWorker, m, tagger, hmacAuthOrNil(auth, *hmacSkip), logger)
	addr := *host + ":" + strconv.Itoa(*port)
	httpServer := &http.Server{Addr: addr, Handler: srv.Mux()}

	var g run.Group
	ctx, cancel := context.WithCancel(context.Background())

	addWorker(&g, ctx, deployerWorker)
	addWorker(&g, ctx, mesherWorker)
	addWorker(&g, ctx, rolloverWorker)

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
			cancel()
			close(done)
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
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			_ = httpServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "server exited with error", "err", err)
		os.Exit(1)
	}
}

// addWorker wires a *worker.Worker into a run.Group: its Start is
// non-blocking, so the execute function simply blocks on ctx until the
// group's interrupt function stops it.
func addWorker(g *run.Group, ctx context.Context, w *worker.Worker) {
	g.Add(func() error {
		w.Start(ctx)
		<-ctx.Done()
		return nil
	}, func(error) {
		w.Stop()
	})
}

// ensureSchemaWithRetry gives the store one retry before treating schema
// initialization as fatal, since Elasticsearch may still be starting up
// when the server first boots.
func ensureSchemaWithRetry(s *store.Client, logger log.Logger) error {
	err := s.EnsureSchema(context.Background())
	if err == nil {
		return nil
	}
	level.Warn(logger).Log("msg", "schema initialization failed, retrying once", "err", err)
	time.Sleep(2 * time.Second)
	return s.EnsureSchema(context.Background())
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitKeys(s string) [][]byte {
	var out [][]byte
	for _, k := range splitCSV(s) {
		out = append(out, []byte(k))
	}
	return out
}

// hmacAuthOrNil passes nil to httpapi.NewServer when there is nothing to
// verify, so the server skips the verification middleware entirely rather
// than running it in a permissive no-op mode.
func hmacAuthOrNil(auth *hmacauth.Authenticator, skip bool) *hmacauth.Authenticator {
	if skip {
		return nil
	}
	return auth
}
