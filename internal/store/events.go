package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/godaddy/netmet/internal/netmet"
)

// EventGet returns an Event along with its ES document version, which
// callers use as the compare-and-set token for EventCAS.
func (c *Client) EventGet(ctx context.Context, id string) (netmet.Event, int64, error) {
	req := esapi.GetRequest{Index: IndexEvents, DocumentID: id}
	var raw json.RawMessage
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return netmet.Event{}, 0, errors.Wrap(err, "get event")
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return netmet.Event{}, 0, ErrNotFound
	}
	if res.IsError() {
		return netmet.Event{}, 0, errors.Errorf("get event: %s", res.Status())
	}
	var doc struct {
		Version int64           `json:"_version"`
		Source  json.RawMessage `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return netmet.Event{}, 0, errors.Wrap(err, "decode event")
	}
	raw = doc.Source
	var ev netmet.Event
	if err := unmarshalFlat(raw, &ev); err != nil {
		return netmet.Event{}, 0, err
	}
	return ev, doc.Version, nil
}

// EventsList returns every event, newest first, for GET /api/v1/events.
func (c *Client) EventsList(ctx context.Context) ([]netmet.Event, error) {
	body, err := encodeBody(map[string]any{
		"size": 1000,
		"sort": []map[string]any{{"started_at": map[string]any{"order": "desc"}}},
	})
	if err != nil {
		return nil, err
	}
	var out searchResult
	req := esapi.SearchRequest{Index: []string{IndexEvents}, Body: body}
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	events := make([]netmet.Event, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		var ev netmet.Event
		if err := unmarshalFlat(h.Source, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// EventCreate assigns a new id and persists the event in EventStatusCreated.
func (c *Client) EventCreate(ctx context.Context, ev netmet.Event) (netmet.Event, error) {
	ev.ID = uuid.NewString()
	ev.Status = netmet.EventStatusCreated
	doc := flattenTagged(ev, "")
	delete(doc, "doc_type")
	body, err := encodeBody(doc)
	if err != nil {
		return ev, err
	}
	req := esapi.IndexRequest{
		Index:      IndexEvents,
		DocumentID: ev.ID,
		Body:       body,
		Refresh:    "true",
	}
	if err := c.doJSON(ctx, req, nil); err != nil {
		return ev, errors.Wrap(err, "index event")
	}
	return ev, nil
}

// EventCAS applies mutate to the event at id if and only if its document
// version is still expectedVersion, returning ErrConflict otherwise. This
// is how the eventtagger advances an event through its Created -> Updating
// -> Deleted lifecycle without racing a concurrent tagger.
func (c *Client) EventCAS(ctx context.Context, id string, expectedVersion int64, mutate func(*netmet.Event)) error {
	ev, version, err := c.EventGet(ctx, id)
	if err != nil {
		return err
	}
	if version != expectedVersion {
		return ErrConflict
	}
	mutate(&ev)
	doc := flattenTagged(ev, "")
	delete(doc, "doc_type")
	body, err := encodeBody(doc)
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      IndexEvents,
		DocumentID: id,
		Body:       body,
		Refresh:    "true",
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return errors.Wrap(err, "update event")
	}
	defer res.Body.Close()
	if res.StatusCode == 409 {
		return ErrConflict
	}
	if res.IsError() {
		return errors.Errorf("update event: %s", res.Status())
	}
	return nil
}

// EventDelete marks the event deleted; it is not physically removed so
// that EventTagTask update-by-query tasks already in flight retain a valid
// target.
func (c *Client) EventDelete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	body, err := encodeBody(map[string]any{
		"doc": map[string]any{
			"status":      string(netmet.EventStatusDeleted),
			"finished_at": now.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return err
	}
	req := esapi.UpdateRequest{Index: IndexEvents, DocumentID: id, Body: body, Refresh: "true"}
	return c.doJSON(ctx, req, nil)
}

// EventsMatching returns the events active at the given time whose "host"
// traffic scope matches host on either side (client_src or client_dest),
// per the host scope's independent-match resolution. MetricsWrite uses
// this to stamp newly-written records synchronously, closing the gap an
// event's asynchronous update-by-query leaves for documents written after
// dispatch but still inside the event's active window.
func (c *Client) EventsMatching(ctx context.Context, host string, at time.Time) ([]netmet.Event, error) {
	atStr := at.UTC().Format(time.RFC3339Nano)
	body, err := encodeBody(map[string]any{
		"size": 1000,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []map[string]any{
					{"bool": map[string]any{
						"should": []map[string]any{
							{"bool": map[string]any{"must": []map[string]any{
								{"term": map[string]any{"traffic_from.type": string(netmet.ScopeHost)}},
								{"term": map[string]any{"traffic_from.value": host}},
							}}},
							{"bool": map[string]any{"must": []map[string]any{
								{"term": map[string]any{"traffic_to.type": string(netmet.ScopeHost)}},
								{"term": map[string]any{"traffic_to.value": host}},
							}}},
						},
						"minimum_should_match": 1,
					}},
					{"range": map[string]any{"started_at": map[string]any{"lte": atStr}}},
					{"bool": map[string]any{
						"should": []map[string]any{
							{"bool": map[string]any{"must_not": []map[string]any{{"exists": map[string]any{"field": "finished_at"}}}}},
							{"range": map[string]any{"finished_at": map[string]any{"gte": atStr}}},
						},
						"minimum_should_match": 1,
					}},
				},
				"must_not": []map[string]any{
					{"term": map[string]any{"status": string(netmet.EventStatusDeleted)}},
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	var out searchResult
	req := esapi.SearchRequest{Index: []string{IndexEvents}, Body: body}
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, errors.Wrap(err, "search events")
	}
	events := make([]netmet.Event, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		var ev netmet.Event
		if err := unmarshalFlat(h.Source, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// addEventScript appends params.id to the events array of every matched
// document, if it isn't already present.
const addEventScript = "if (ctx._source.events == null) { ctx._source.events = [] } " +
	"if (!ctx._source.events.contains(params.id)) { ctx._source.events.add(params.id) }"

// removeEventScript removes params.id from the events array of every
// matched document, if present.
const removeEventScript = "if (ctx._source.events != null) { " +
	"def i = ctx._source.events.indexOf(params.id); " +
	"if (i >= 0) { ctx._source.events.remove(i) } }"

// EventTagTask dispatches an asynchronous update-by-query that adds or
// removes eventID from the events array of every data-alias document
// matching the painless script's predicate, depending on op ("add" or
// "remove"). The returned task id can be polled via the standard ES Tasks
// API; NetMet itself only records it for audit.
func (c *Client) EventTagTask(ctx context.Context, eventID string, predicate map[string]any, op string) (string, error) {
	script := addEventScript
	if op == "remove" {
		script = removeEventScript
	}
	body, err := encodeBody(map[string]any{
		"query": predicate,
		"script": map[string]any{
			"source": script,
			"params": map[string]any{"id": eventID},
		},
	})
	if err != nil {
		return "", err
	}
	req := esapi.UpdateByQueryRequest{
		Index:              []string{AliasData},
		Body:               body,
		Conflicts:          "proceed",
		WaitForCompletion:  boolPtr(false),
		RequestsPerSecond:  intPtr(1000),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return "", errors.Wrap(err, "dispatch update-by-query")
	}
	defer res.Body.Close()
	if res.IsError() {
		return "", errors.Errorf("dispatch update-by-query: %s", res.Status())
	}
	var out struct {
		Task string `json:"task"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decode update-by-query response")
	}
	return out.Task, nil
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }
