package store

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
)

// bulkBuffer accumulates NDJSON action/document pairs for the ES Bulk API.
type bulkBuffer struct {
	buf bytes.Buffer
	n   int
}

func (b *bulkBuffer) addIndex(index string, doc map[string]any) error {
	action := map[string]any{"index": map[string]any{"_index": index}}
	if err := json.NewEncoder(&b.buf).Encode(action); err != nil {
		return errors.Wrap(err, "encode bulk action")
	}
	if err := json.NewEncoder(&b.buf).Encode(doc); err != nil {
		return errors.Wrap(err, "encode bulk document")
	}
	b.n++
	return nil
}

func (b *bulkBuffer) empty() bool { return b.n == 0 }

// bulk executes the accumulated actions. refresh requests that the index
// be made immediately searchable (used when deployer replaces the catalog,
// so a subsequent GET /clients observes the change right away).
func (c *Client) bulk(ctx context.Context, b *bulkBuffer, refresh bool) error {
	if b.empty() {
		return nil
	}
	req := esapi.BulkRequest{Body: bytes.NewReader(b.buf.Bytes())}
	if refresh {
		req.Refresh = "true"
	}
	var out bulkResponse
	if err := c.doJSON(ctx, req, &out); err != nil {
		return errors.Wrap(err, "bulk request")
	}
	if out.Errors {
		return errors.Errorf("bulk request had item errors")
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
}
