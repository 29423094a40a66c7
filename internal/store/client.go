// Package store adapts NetMet's three logical collections — catalog, data
// and events — plus the global-lock index family onto an Elasticsearch
// cluster. It owns schema creation, the dotted-key flatten/unflatten
// boundary, and daily alias-addressed rollover for the data collection.
//
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Index and alias names.
const (
	IndexCatalog    = "netmet_catalog"
	AliasData       = "netmet_data_v2"
	IndexEvents     = "netmet_events"
	LockIndexPrefix = "netmet_lock_"
)

// Client wraps the Elasticsearch client with the typed operations NetMet
// needs. It is safe for concurrent use; the underlying transport pools
// connections itself.
type Client struct {
	es     *elasticsearch.Client
	logger log.Logger
}

// Config is the subset of go-elasticsearch's configuration NetMet exposes.
// Addresses comes from the ELASTIC environment variable as a comma list.
type Config struct {
	Addresses []string
	Username  string
	Password  string
}

// New constructs a Client. It does not perform any network I/O; call
// EnsureSchema to verify connectivity and create missing indices.
func New(cfg Config, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "construct elasticsearch client")
	}
	return &Client{es: es, logger: logger}, nil
}

// doJSON executes req, decodes a non-error JSON response body into out (if
// out is non-nil), and maps 404/409 statuses onto the store error taxonomy.
func (c *Client) doJSON(ctx context.Context, req esapi.Request, out any) error {
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return errors.Wrap(err, "elasticsearch request")
	}
	defer res.Body.Close()

	if res.StatusCode == 404 {
		return ErrNotFound
	}
	if res.StatusCode == 409 {
		return ErrConflict
	}
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return errors.Errorf("elasticsearch error: status=%s body=%s", res.Status(), string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func encodeBody(v any) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "encode request body")
	}
	return buf, nil
}

// indexExists reports whether idx exists, treating any transport error as
// "unknown" (propagated).
func (c *Client) indexExists(ctx context.Context, idx string) (bool, error) {
	res, err := c.es.Indices.Exists([]string{idx}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, errors.Wrap(err, "check index existence")
	}
	defer res.Body.Close()
	return res.StatusCode == 200, nil
}

func (c *Client) logf(msg string, kv ...any) {
	level.Debug(c.logger).Log(append([]any{"msg", msg}, kv...)...)
}
