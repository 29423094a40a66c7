package deployer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/godaddy/netmet/internal/httpclient"
	"github.com/godaddy/netmet/internal/netmet"
)

func TestUnregisterAllPostsToEveryRemovedClient(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	d := &Deployer{
		client: httpclient.New(time.Second, nil),
		logger: log.NewNopLogger(),
	}

	removed := []netmet.ClientEndpoint{{Host: u.Hostname(), Port: port}}
	d.unregisterAll(context.Background(), removed)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestUnregisterAllNoopWithoutClient(t *testing.T) {
	d := &Deployer{logger: log.NewNopLogger()}
	// Must not panic even though client is nil.
	d.unregisterAll(context.Background(), []netmet.ClientEndpoint{{Host: "h1", Port: 5000}})
}

func TestUnregisterAllToleratesFailures(t *testing.T) {
	d := &Deployer{
		client: httpclient.New(100*time.Millisecond, nil),
		logger: log.NewNopLogger(),
	}
	removed := []netmet.ClientEndpoint{{Host: "127.0.0.1", Port: 1}} // nothing listening there
	d.unregisterAll(context.Background(), removed)                  // best-effort: must return, not hang or panic
}
