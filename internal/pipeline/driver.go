// Package pipeline defines the incremental view-maintenance contract the
// View Syncer Service drives: a set of named queries registered against a
// local replica, yielding row-change deltas as the replica advances.
package pipeline

import (
	"context"
	"encoding/json"
)

// RowChange is one row's membership change for one query, yielded by
// AddQuery (hydration, always Row != nil) or Advance (either direction).
// Row == nil means the row no longer matches queryHash; a non-nil Row
// carries every selected column plus "_0_version".
type RowChange struct {
	QueryHash string
	Schema    string
	Table     string
	RowKey    string // canonical JSON encoding of the primary key
	Row       json.RawMessage
}

// ChangeIterator streams RowChange values without materializing the full
// batch — a single advance or hydration may touch millions of rows.
type ChangeIterator interface {
	Next(ctx context.Context) bool
	Change() RowChange
	Err() error
}

// AdvanceResult is the outcome of one Driver.Advance call.
type AdvanceResult struct {
	Version     string
	NumChanges  int
	Changes     ChangeIterator
}

// Driver is the incremental query pipeline contract. A single Driver
// instance is owned by one client group's View Syncer Service; Advance is
// single-caller by construction (only the lock-holding run loop calls it).
type Driver interface {
	// Init idempotently starts the pipeline: loads the replica and
	// registers readers. Safe to call more than once.
	Init(ctx context.Context) error

	// Initialized reports whether Init has completed.
	Initialized() bool

	// CurrentVersion is the stateVersion the pipeline has fully applied.
	CurrentVersion() string

	// AddQuery hydrates hash against the current snapshot, yielding one
	// RowChange per matching row (direction +1). Fails with a BadQuery-kind
	// error if ast references nonexistent columns.
	AddQuery(ctx context.Context, hash string, ast json.RawMessage) (ChangeIterator, error)

	// RemoveQuery drops hash; subsequent Advance batches stop including it.
	// Emits no changes.
	RemoveQuery(hash string)

	// AddedQueries returns the set of currently hydrated query hashes.
	AddedQueries() map[string]struct{}

	// Advance consumes the next replica delta, yielding row changes tagged
	// with the query that now includes (+1) or excludes (-1) the row. A
	// row may appear under multiple query hashes in a single Advance.
	Advance(ctx context.Context) (AdvanceResult, error)

	// GetRow is a point lookup used by catch-up to materialize contents.
	// Returns nil, nil if the row does not exist.
	GetRow(ctx context.Context, schema, table, rowKey string) (json.RawMessage, error)
}
