package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"

	"github.com/godaddy/netmet/internal/netmet"
)

// Catalog index documents are distinguished by a doc_type field since a
// single ES7 index holds one mapping. "clients" documents are flattened
// ClientEndpoint tuples; "config" documents carry the ServerConfig as a
// JSON string plus the queryable applied/meshed/timestamp fields.
const (
	docTypeClient = "clients"
	docTypeConfig = "config"
)

// EnsureSchema creates the catalog, events and data-alias indices if they
// are missing. Racy concurrent creation by another replica is tolerated: if
// the index exists by the time we check again, we proceed rather than
// fail.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, idx := range []string{IndexCatalog, IndexEvents} {
		if err := c.ensureIndex(ctx, idx); err != nil {
			return err
		}
	}
	return c.ensureDataAlias(ctx)
}

func (c *Client) ensureIndex(ctx context.Context, name string) error {
	exists, err := c.indexExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	res, err := c.es.Indices.Create(name, c.es.Indices.Create.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "create index")
	}
	defer res.Body.Close()
	if res.IsError() {
		// Defense against a racing replica that created it first.
		exists, err2 := c.indexExists(ctx, name)
		if err2 == nil && exists {
			return nil
		}
		return errors.Wrapf(ErrInitFailed, "creating %s: %s", name, res.Status())
	}
	return nil
}

// ClientsGet returns the current catalog.
func (c *Client) ClientsGet(ctx context.Context) ([]netmet.ClientEndpoint, error) {
	body, err := encodeBody(map[string]any{
		"size":  10000,
		"query": map[string]any{"term": map[string]any{"doc_type": docTypeClient}},
	})
	if err != nil {
		return nil, err
	}
	var out searchResult
	req := esapi.SearchRequest{Index: []string{IndexCatalog}, Body: body}
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, errors.Wrap(err, "search clients")
	}
	clients := make([]netmet.ClientEndpoint, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		var ce netmet.ClientEndpoint
		if err := unmarshalFlat(h.Source, &ce); err != nil {
			return nil, err
		}
		clients = append(clients, ce)
	}
	return clients, nil
}

// ClientsReplace atomically replaces the catalog: delete-all-by-query then
// bulk-index the new set with a refresh, the Deployer's "persist merged
// catalog atomically" step.
func (c *Client) ClientsReplace(ctx context.Context, clients []netmet.ClientEndpoint) error {
	delBody, err := encodeBody(map[string]any{
		"query": map[string]any{"term": map[string]any{"doc_type": docTypeClient}},
	})
	if err != nil {
		return err
	}
	delReq := esapi.DeleteByQueryRequest{
		Index: []string{IndexCatalog},
		Body:  delBody,
	}
	if err := c.doJSON(ctx, delReq, nil); err != nil {
		return errors.Wrap(err, "delete existing clients")
	}

	if len(clients) == 0 {
		return nil
	}

	var buf bulkBuffer
	for _, ce := range clients {
		doc := flattenTagged(ce, docTypeClient)
		if err := buf.addIndex(IndexCatalog, doc); err != nil {
			return err
		}
	}
	return c.bulk(ctx, &buf, true)
}

// ConfigLatest returns the most recently created ServerConfig, or
// ErrNotFound if none has ever been submitted.
func (c *Client) ConfigLatest(ctx context.Context) (netmet.ServerConfig, error) {
	body, err := encodeBody(map[string]any{
		"size":  1,
		"sort":  []map[string]any{{"timestamp": map[string]any{"order": "desc"}}},
		"query": map[string]any{"term": map[string]any{"doc_type": docTypeConfig}},
	})
	if err != nil {
		return netmet.ServerConfig{}, err
	}
	var out searchResult
	req := esapi.SearchRequest{Index: []string{IndexCatalog}, Body: body}
	if err := c.doJSON(ctx, req, &out); err != nil {
		return netmet.ServerConfig{}, errors.Wrap(err, "search config")
	}
	if len(out.Hits.Hits) == 0 {
		return netmet.ServerConfig{}, ErrNotFound
	}
	return decodeConfigDoc(out.Hits.Hits[0])
}

// ConfigCreate appends a new ServerConfig with a monotonic id and the
// current timestamp, applied=false, meshed=false.
func (c *Client) ConfigCreate(ctx context.Context, cfg netmet.ServerConfig) (netmet.ServerConfig, error) {
	cfg.ID = time.Now().UnixNano()
	cfg.Timestamp = time.Now().UTC()
	cfg.Applied = false
	cfg.Meshed = false

	payload, err := json.Marshal(cfg)
	if err != nil {
		return cfg, errors.Wrap(err, "marshal config")
	}
	doc := map[string]any{
		"doc_type":  docTypeConfig,
		"id":        cfg.ID,
		"timestamp": cfg.Timestamp.Format(time.RFC3339Nano),
		"applied":   cfg.Applied,
		"meshed":    cfg.Meshed,
		"config":    string(payload),
	}
	body, err := encodeBody(doc)
	if err != nil {
		return cfg, err
	}
	req := esapi.IndexRequest{
		Index:      IndexCatalog,
		DocumentID: strconv.FormatInt(cfg.ID, 10),
		Body:       body,
		Refresh:    "true",
	}
	if err := c.doJSON(ctx, req, nil); err != nil {
		return cfg, errors.Wrap(err, "index config")
	}
	return cfg, nil
}

// ConfigMarkApplied flips applied=true for the config with the given id.
func (c *Client) ConfigMarkApplied(ctx context.Context, id int64) error {
	return c.configUpdateFlag(ctx, id, "applied", true)
}

// ConfigMarkMeshed flips meshed=true for the config with the given id.
func (c *Client) ConfigMarkMeshed(ctx context.Context, id int64) error {
	return c.configUpdateFlag(ctx, id, "meshed", true)
}

func (c *Client) configUpdateFlag(ctx context.Context, id int64, field string, value bool) error {
	body, err := encodeBody(map[string]any{"doc": map[string]any{field: value}})
	if err != nil {
		return err
	}
	req := esapi.UpdateRequest{
		Index:      IndexCatalog,
		DocumentID: strconv.FormatInt(id, 10),
		Body:       body,
		Refresh:    "true",
	}
	return c.doJSON(ctx, req, nil)
}

func decodeConfigDoc(h hit) (netmet.ServerConfig, error) {
	var doc struct {
		Config string `json:"config"`
	}
	if err := json.Unmarshal(h.Source, &doc); err != nil {
		return netmet.ServerConfig{}, errors.Wrap(err, "decode config envelope")
	}
	var cfg netmet.ServerConfig
	if err := json.Unmarshal([]byte(doc.Config), &cfg); err != nil {
		return netmet.ServerConfig{}, errors.Wrap(err, "decode config body")
	}
	return cfg, nil
}

// searchResult is the subset of an ES _search response NetMet needs.
type searchResult struct {
	Hits struct {
		Hits []hit `json:"hits"`
	} `json:"hits"`
}

type hit struct {
	ID      string          `json:"_id"`
	Version int64           `json:"_version"`
	Source  json.RawMessage `json:"_source"`
}

func unmarshalFlat(raw json.RawMessage, out any) error {
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return errors.Wrap(err, "decode flattened document")
	}
	nested := Unflatten(flat)
	buf, err := json.Marshal(nested)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}

func flattenTagged(v any, docType string) map[string]any {
	buf, _ := json.Marshal(v)
	var nested map[string]any
	_ = json.Unmarshal(buf, &nested)
	flat := Flatten(nested)
	flat["doc_type"] = docType
	return flat
}
