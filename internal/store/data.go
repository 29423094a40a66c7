package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"

	"github.com/godaddy/netmet/internal/netmet"
)

// Rollover thresholds for the alias-addressed data collection.
const (
	RolloverMaxAge        = 24 * time.Hour
	RolloverMaxDocs       = 10_000_000
	RolloverCheckInterval = 10 * time.Minute
)

const (
	docTypeEastWest   = "east-west"
	docTypeNorthSouth = "north-south"
)

// ensureDataAlias creates the first backing index and points AliasData at
// it if the alias does not already exist.
func (c *Client) ensureDataAlias(ctx context.Context) error {
	exists, err := c.aliasExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	name := c.nextDataIndexName()
	if err := c.createDataIndex(ctx, name); err != nil {
		return err
	}
	return c.pointAlias(ctx, name)
}

func (c *Client) aliasExists(ctx context.Context) (bool, error) {
	res, err := c.es.Indices.ExistsAlias([]string{AliasData}, c.es.Indices.ExistsAlias.WithContext(ctx))
	if err != nil {
		return false, errors.Wrap(err, "check alias existence")
	}
	defer res.Body.Close()
	return res.StatusCode == 200, nil
}

func (c *Client) nextDataIndexName() string {
	return fmt.Sprintf("%s-%s-%06d", AliasData, time.Now().UTC().Format("2006.01.02"), 1)
}

func (c *Client) createDataIndex(ctx context.Context, name string) error {
	return c.ensureIndex(ctx, name)
}

func (c *Client) pointAlias(ctx context.Context, index string) error {
	body, err := encodeBody(map[string]any{
		"actions": []map[string]any{
			{"add": map[string]any{"index": index, "alias": AliasData}},
		},
	})
	if err != nil {
		return err
	}
	req := esapi.IndicesUpdateAliasesRequest{Body: body}
	return c.doJSON(ctx, req, nil)
}

// MetricsWrite bulk-indexes records against the data alias, bucketing each
// by doc_type (east-west / north-south). Each record is first stamped
// with any currently-active Events matching its traffic scope (P5/E2E
// scenario 6): the eventtagger's update-by-query only reaches documents
// already indexed at dispatch time, so a record written afterward but
// still inside the event's window would otherwise never carry its id.
func (c *Client) MetricsWrite(ctx context.Context, records []netmet.MetricRecord) error {
	if err := c.tagActiveEvents(ctx, records); err != nil {
		return err
	}
	var buf bulkBuffer
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return errors.Wrap(err, "invalid metric record")
		}
		docType := docTypeEastWest
		if r.Direction == netmet.DirectionNorthSouth {
			docType = docTypeNorthSouth
		}
		doc := flattenTagged(r, docType)
		if err := buf.addIndex(AliasData, doc); err != nil {
			return err
		}
	}
	return c.bulk(ctx, &buf, false)
}

// tagActiveEvents appends the id of every currently-active Event whose
// host scope matches a record's client_src or client_dest host, skipping
// ids the record already carries. EventsMatching lookups are cached per
// host within the batch.
func (c *Client) tagActiveEvents(ctx context.Context, records []netmet.MetricRecord) error {
	now := time.Now().UTC()
	cache := make(map[string][]netmet.Event)
	lookup := func(host string) ([]netmet.Event, error) {
		if host == "" {
			return nil, nil
		}
		if evs, ok := cache[host]; ok {
			return evs, nil
		}
		evs, err := c.EventsMatching(ctx, host, now)
		if err != nil {
			return nil, err
		}
		cache[host] = evs
		return evs, nil
	}

	for i := range records {
		r := &records[i]
		var active []netmet.Event
		evs, err := lookup(r.ClientSrc.Host)
		if err != nil {
			return errors.Wrap(err, "match active events for client_src")
		}
		active = append(active, evs...)
		if r.ClientDest != nil {
			evs, err := lookup(r.ClientDest.Host)
			if err != nil {
				return errors.Wrap(err, "match active events for client_dest")
			}
			active = append(active, evs...)
		}
		if len(active) == 0 {
			continue
		}
		seen := make(map[string]struct{}, len(r.Events))
		for _, id := range r.Events {
			seen[id] = struct{}{}
		}
		for _, ev := range active {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			r.Events = append(r.Events, ev.ID)
			seen[ev.ID] = struct{}{}
		}
	}
	return nil
}

// MaybeRollover checks the current backing index's age and size, creating
// a new backing index and repointing the alias if either bound is
// exceeded. Intended to be driven by a worker.Worker on
// RolloverCheckInterval.
func (c *Client) MaybeRollover(ctx context.Context) (rolled bool, err error) {
	cur, createdAt, err := c.currentDataIndex(ctx)
	if err != nil {
		return false, err
	}
	docs, err := c.indexDocCount(ctx, cur)
	if err != nil {
		return false, err
	}
	if time.Since(createdAt) < RolloverMaxAge && docs < RolloverMaxDocs {
		return false, nil
	}
	next := c.nextDataIndexName()
	if next == cur {
		next = fmt.Sprintf("%s-rollover-%d", cur, time.Now().UnixNano())
	}
	if err := c.createDataIndex(ctx, next); err != nil {
		return false, err
	}
	body, err := encodeBody(map[string]any{
		"actions": []map[string]any{
			{"remove": map[string]any{"index": cur, "alias": AliasData}},
			{"add": map[string]any{"index": next, "alias": AliasData}},
		},
	})
	if err != nil {
		return false, err
	}
	req := esapi.IndicesUpdateAliasesRequest{Body: body}
	if err := c.doJSON(ctx, req, nil); err != nil {
		return false, errors.Wrap(err, "repoint data alias")
	}
	return true, nil
}

func (c *Client) currentDataIndex(ctx context.Context) (name string, createdAt time.Time, err error) {
	res, err := c.es.Indices.GetAlias(c.es.Indices.GetAlias.WithName(AliasData), c.es.Indices.GetAlias.WithContext(ctx))
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "get alias")
	}
	defer res.Body.Close()
	if res.IsError() {
		return "", time.Time{}, errors.Errorf("get alias: %s", res.Status())
	}
	var out map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", time.Time{}, errors.Wrap(err, "decode alias response")
	}
	for idx := range out {
		name = idx
		break
	}
	if name == "" {
		return "", time.Time{}, ErrNotFound
	}
	createdAt, err = c.indexCreationTime(ctx, name)
	return name, createdAt, err
}

func (c *Client) indexCreationTime(ctx context.Context, name string) (time.Time, error) {
	res, err := c.es.Indices.GetSettings(
		c.es.Indices.GetSettings.WithIndex(name),
		c.es.Indices.GetSettings.WithContext(ctx),
	)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "get index settings")
	}
	defer res.Body.Close()
	var out map[string]struct {
		Settings struct {
			Index struct {
				CreationDate string `json:"creation_date"`
			} `json:"index"`
		} `json:"settings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return time.Time{}, errors.Wrap(err, "decode index settings")
	}
	entry, ok := out[name]
	if !ok {
		return time.Now(), nil
	}
	var ms int64
	_, _ = fmt.Sscanf(entry.Settings.Index.CreationDate, "%d", &ms)
	if ms == 0 {
		return time.Now(), nil
	}
	return time.UnixMilli(ms), nil
}

func (c *Client) indexDocCount(ctx context.Context, name string) (int64, error) {
	res, err := c.es.Count(c.es.Count.WithIndex(name), c.es.Count.WithContext(ctx))
	if err != nil {
		return 0, errors.Wrap(err, "count index")
	}
	defer res.Body.Close()
	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, errors.Wrap(err, "decode count response")
	}
	return out.Count, nil
}
