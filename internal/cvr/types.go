// Package cvr implements the Client View Record: the durable, per-client-group
// record of which clients exist, what they desire, what's been delivered,
// and at what versions — plus the two updaters that stage structural changes
// against a loaded snapshot and flush them atomically.
package cvr

import (
	"encoding/json"
	"time"

	"github.com/viewsyncd/viewsyncer/internal/version"
)

// Op identifies a patch operation.
type Op string

const (
	OpPut   Op = "put"
	OpDel   Op = "del"
	OpClear Op = "clear"
)

// RowID is the canonical identity of a replicated row: its fingerprint.
// RowKey is the row's primary key serialized as JSON so any key shape
// (composite, non-string) round-trips through durable storage.
type RowID struct {
	Schema string
	Table  string
	RowKey string // canonical JSON encoding of the primary key
}

// MarshalText encodes r as a JSON array of its three parts, so a map keyed
// by RowID (CVR.Rows) can be JSON-encoded, e.g. by CachedStore.
func (r RowID) MarshalText() ([]byte, error) {
	return json.Marshal([3]string{r.Schema, r.Table, r.RowKey})
}

// UnmarshalText decodes the form written by MarshalText.
func (r *RowID) UnmarshalText(text []byte) error {
	var parts [3]string
	if err := json.Unmarshal(text, &parts); err != nil {
		return err
	}
	r.Schema, r.Table, r.RowKey = parts[0], parts[1], parts[2]
	return nil
}

// ClientRecord tracks one connected (or recently connected) client's
// acknowledged progress and desired query set.
type ClientRecord struct {
	ID              string
	PatchVersion    version.Version
	DesiredQueryIDs []string // ordered: insertion order of put operations
}

// QueryRecord tracks one query's desired/got state. A query is desired iff
// Internal is true or DesiredBy is non-empty; got iff TransformationHash is
// set.
type QueryRecord struct {
	ID                    string
	AST                   json.RawMessage
	DesiredBy             map[string]version.Version // clientID -> version at which it became desired
	Internal              bool
	TransformationHash    string
	TransformationVersion string
	PatchVersion          version.Version
}

// IsDesired reports whether this query should be hydrated.
func (q QueryRecord) IsDesired() bool {
	return q.Internal || len(q.DesiredBy) > 0
}

// IsGot reports whether this query has been hydrated into the pipeline.
func (q QueryRecord) IsGot() bool {
	return q.TransformationHash != ""
}

// RowRecord is one row's patch-history entry. A row is referenced iff
// RefCounts is non-empty; an unreferenced row is a tombstone (RefCounts nil).
type RowRecord struct {
	PatchVersion version.Version
	RowVersion   string // opaque, monotonic per-row token from _0_version
	Contents     json.RawMessage
	RefCounts    map[string]int // queryHash -> positive reference count
}

// IsTombstone reports whether this row entry has no remaining references.
func (r RowRecord) IsTombstone() bool {
	return len(r.RefCounts) == 0
}

// CVR is one client group's complete, immutable view-record snapshot. Every
// in-memory CVR value is produced by Store.Flush or Store.Load and never
// mutated in place; updaters always build a new CVR via copy-on-write.
type CVR struct {
	ID         string
	Version    version.Version
	LastActive time.Time
	Clients    map[string]ClientRecord
	Queries    map[string]QueryRecord
	Rows       map[RowID]RowRecord
}

// Empty returns the initial CVR for a client group with no durable record:
// version (00, 0), per spec.
func Empty(clientGroupID string, now time.Time) *CVR {
	return &CVR{
		ID:         clientGroupID,
		Version:    version.Zero,
		LastActive: now,
		Clients:    map[string]ClientRecord{},
		Queries:    map[string]QueryRecord{},
		Rows:       map[RowID]RowRecord{},
	}
}

// clone performs the copy-on-write duplication updaters need before staging
// mutations: same ID, a fresh map per field, values copied by reference
// (they're never mutated, only replaced wholesale).
func (c *CVR) clone() *CVR {
	clients := make(map[string]ClientRecord, len(c.Clients))
	for k, v := range c.Clients {
		clients[k] = v
	}
	queries := make(map[string]QueryRecord, len(c.Queries))
	for k, v := range c.Queries {
		queries[k] = v
	}
	rows := make(map[RowID]RowRecord, len(c.Rows))
	for k, v := range c.Rows {
		rows[k] = v
	}
	return &CVR{
		ID:         c.ID,
		Version:    c.Version,
		LastActive: c.LastActive,
		Clients:    clients,
		Queries:    queries,
		Rows:       rows,
	}
}

// ClientPatch is a config-change notification for a client row.
// DesiredQueryIDs carries the client's full post-patch desired-query list on
// Put so a Store.Flush can durably persist membership, not just existence.
type ClientPatch struct {
	Op              Op
	ClientID        string
	DesiredQueryIDs []string
}

// QueryPatch is a config-change notification for a query row.
// TransformationHash/TransformationVersion and DesiredBy are carried in full
// on Put so a Store.Flush can durably record got and desired status even
// though the caller only holds the delta, not the full QueryRecord.
type QueryPatch struct {
	Op                    Op
	Hash                  string
	AST                   json.RawMessage
	TransformationHash    string
	TransformationVersion string
	DesiredBy             map[string]version.Version
}

// RowPatch is a content-change notification for a row. RefCounts is the row's
// full post-patch reference map (nil/empty for Op == OpDel, i.e. a tombstone);
// it must be persisted so a later Load correctly reconstructs IsTombstone and
// DeleteUnreferencedRows survives a restart.
type RowPatch struct {
	Op           Op
	RowID        RowID
	Contents     json.RawMessage
	RowVersion   string
	RefCounts    map[string]int
	PatchVersion version.Version
}

// Patches groups everything one updater cycle stages for flush and for
// broadcast to pokers.
type Patches struct {
	Clients []ClientPatch
	Queries []QueryPatch
	Rows    []RowPatch
}
