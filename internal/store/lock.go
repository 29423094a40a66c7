package store

import (
	"context"
	"time"

	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
)

// ErrLockHeld is returned by Acquire when another holder currently owns the
// named lock. Callers are expected to treat it as a routine "try again
// later" signal rather than a hard failure.
var ErrLockHeld = errors.New("store: lock held by another holder")

// GlobalLock implements NetMet's mutual exclusion primitive by racing index
// creation on the cluster: Elasticsearch only lets one caller win a create
// against a given name, so the winner holds the lock until it deletes the
// index. The TTL is advisory only — nothing expires a stale lock
// automatically: a crashed holder's lock must be cleared manually (see
// DESIGN.md).
type GlobalLock struct {
	client *Client
}

// NewGlobalLock returns a lock handle bound to client.
func NewGlobalLock(client *Client) *GlobalLock {
	return &GlobalLock{client: client}
}

// Acquire attempts to take the named lock, stamping it with the current
// time and ttl for observability. It returns ErrLockHeld (not an error
// the caller should log loudly) if the index already exists.
func (l *GlobalLock) Acquire(ctx context.Context, name string, ttl time.Duration) error {
	index := LockIndexPrefix + name
	body, err := encodeBody(map[string]any{
		"settings": map[string]any{"number_of_shards": 1, "number_of_replicas": 0},
		"mappings": map[string]any{"properties": map[string]any{
			"acquired_at": map[string]any{"type": "date"},
			"ttl_seconds": map[string]any{"type": "float"},
		}},
	})
	if err != nil {
		return err
	}
	res, err := l.client.es.Indices.Create(index,
		l.client.es.Indices.Create.WithContext(ctx),
		l.client.es.Indices.Create.WithBody(body),
	)
	if err != nil {
		return errors.Wrap(err, "acquire lock")
	}
	defer res.Body.Close()
	if res.IsError() {
		return ErrLockHeld
	}
	doc, err := encodeBody(map[string]any{
		"acquired_at": time.Now().UTC().Format(time.RFC3339Nano),
		"ttl_seconds": ttl.Seconds(),
	})
	if err == nil {
		err = l.client.doJSON(ctx, esapi.IndexRequest{Index: index, Body: doc, Refresh: "true"}, nil)
	}
	if err != nil {
		_ = l.Release(ctx, name)
		return errors.Wrap(err, "stamp lock")
	}
	l.client.logf("lock acquired", "lock", name, "ttl", ttl.String())
	return nil
}

// Release drops the lock so the next Acquire can succeed.
func (l *GlobalLock) Release(ctx context.Context, name string) error {
	index := LockIndexPrefix + name
	res, err := l.client.es.Indices.Delete([]string{index}, l.client.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "release lock")
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		// Already released (or never acquired). Idempotent.
		return nil
	}
	if res.IsError() {
		return errors.Errorf("release lock: %s", res.Status())
	}
	return nil
}

// WithLock runs fn while holding name, releasing it unconditionally
// afterward. It returns ErrLockHeld without calling fn if the lock could
// not be acquired, letting the caller's worker loop simply skip the tick.
func (l *GlobalLock) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx, name, ttl); err != nil {
		return err
	}
	defer func() {
		if err := l.Release(ctx, name); err != nil {
			l.client.logf("lock release failed", "lock", name, "err", err.Error())
		}
	}()
	return fn(ctx)
}
