// Package eventtagger drives the two-phase event-tagging workflow:
// compare-and-set the Event into "updating", dispatch an asynchronous
// update-by-query against the data collection, then record the returned
// task id.
package eventtagger

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/godaddy/netmet/internal/netmet"
	"github.com/godaddy/netmet/internal/store"
)

// ErrConflict is returned (wrapping store.ErrConflict) when an Event's
// document version has moved since it was read, meaning a concurrent
// tagger is already mutating it. Callers retry.
var ErrConflict = store.ErrConflict

// Tagger wires the Event lifecycle operations onto a store.Client.
type Tagger struct {
	store *store.Client
}

// New constructs a Tagger.
func New(s *store.Client) *Tagger {
	return &Tagger{store: s}
}

// Create tags MetricRecords matching ev's predicate with ev's id ("add")
// through an asynchronous update-by-query, which reaches only the records
// already indexed when it runs.
func (t *Tagger) Create(ctx context.Context, ev netmet.Event) (netmet.Event, error) {
	created, err := t.store.EventCreate(ctx, ev)
	if err != nil {
		return netmet.Event{}, errors.Wrap(err, "create event")
	}
	if err := t.dispatch(ctx, created, "add"); err != nil {
		return created, err
	}
	return created, nil
}

// Stop sets finished_at=now, rejecting an already-stopped event.
func (t *Tagger) Stop(ctx context.Context, id string) error {
	ev, version, err := t.store.EventGet(ctx, id)
	if err != nil {
		return errors.Wrap(err, "read event")
	}
	if ev.FinishedAt != nil {
		return errors.Errorf("event %s already stopped", id)
	}
	now := time.Now().UTC()
	return t.store.EventCAS(ctx, id, version, func(e *netmet.Event) {
		e.FinishedAt = &now
	})
}

// Delete tags matching MetricRecords with "remove", then marks the event
// deleted.
func (t *Tagger) Delete(ctx context.Context, id string) error {
	ev, _, err := t.store.EventGet(ctx, id)
	if err != nil {
		return errors.Wrap(err, "read event")
	}
	if err := t.dispatch(ctx, ev, "remove"); err != nil {
		return err
	}
	return t.store.EventDelete(ctx, id)
}

// dispatch runs the prepare/dispatch/record-task-id sequence.
func (t *Tagger) dispatch(ctx context.Context, ev netmet.Event, op string) error {
	_, version, err := t.store.EventGet(ctx, ev.ID)
	if err != nil {
		return errors.Wrap(err, "read event before dispatch")
	}
	if err := t.store.EventCAS(ctx, ev.ID, version, func(e *netmet.Event) {
		e.TaskID = ""
		e.Status = netmet.EventStatusUpdating
	}); err != nil {
		return errors.Wrap(err, "mark event updating")
	}

	predicate := buildPredicate(ev, op)
	taskID, err := t.store.EventTagTask(ctx, ev.ID, predicate, op)
	if err != nil {
		return errors.Wrap(err, "dispatch tag task")
	}

	_, version, err = t.store.EventGet(ctx, ev.ID)
	if err != nil {
		return errors.Wrap(err, "re-read event after dispatch")
	}
	status := netmet.EventStatusCreated
	if op == "remove" {
		status = netmet.EventStatusDeleted
	}
	return t.store.EventCAS(ctx, ev.ID, version, func(e *netmet.Event) {
		e.TaskID = taskID
		e.Status = status
	})
}

// buildPredicate renders an Event's time range and traffic scope into an
// Elasticsearch query, plus the events[] membership test the add/remove
// script pairs with. The "host" scope applies independently per direction:
// TrafficFrom matches only client_src.host and TrafficTo only
// client_dest.host (see DESIGN.md).
func buildPredicate(ev netmet.Event, op string) map[string]any {
	must := []map[string]any{}

	rng := map[string]any{}
	if !ev.StartedAt.IsZero() {
		rng["gte"] = ev.StartedAt.Format(time.RFC3339Nano)
	}
	if ev.FinishedAt != nil {
		rng["lte"] = ev.FinishedAt.Format(time.RFC3339Nano)
	}
	if len(rng) > 0 {
		must = append(must, map[string]any{"range": map[string]any{"timestamp": rng}})
	}

	if ev.TrafficFrom != nil {
		must = append(must, scopeClause("client_src", *ev.TrafficFrom))
	}
	if ev.TrafficTo != nil {
		must = append(must, scopeClause("client_dest", *ev.TrafficTo))
	}

	if op == "add" {
		must = append(must, map[string]any{"bool": map[string]any{
			"must_not": []map[string]any{{"term": map[string]any{"events": ev.ID}}},
		}})
	} else {
		must = append(must, map[string]any{"term": map[string]any{"events": ev.ID}})
	}

	return map[string]any{"bool": map[string]any{"must": must}}
}

func scopeClause(field string, scope netmet.TrafficScope) map[string]any {
	if scope.Type == netmet.ScopeHost {
		return map[string]any{"bool": map[string]any{
			"should": []map[string]any{
				{"term": map[string]any{field + ".host": scope.Value}},
			},
			"minimum_should_match": 1,
		}}
	}
	return map[string]any{"term": map[string]any{field + "." + string(scope.Type): scope.Value}}
}
