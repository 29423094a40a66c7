package store

import "errors"

// Sentinel errors forming the taxonomy callers type-switch on.
// Background workers (Deployer, Mesher, EventTagger) treat these uniformly:
// NotFound/Conflict are expected control flow, everything else is logged
// and the tick is retried later.
var (
	// ErrNotFound is returned when a document (config, client catalog,
	// event) does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned on a version mismatch during a
	// compare-and-set update. A lock index that already exists is reported
	// as ErrLockHeld instead.
	ErrConflict = errors.New("store: conflict")
	// ErrInitFailed is returned by EnsureSchema when index creation fails
	// and the index still does not exist afterward.
	ErrInitFailed = errors.New("store: schema initialization failed")
)
