package cvr

import (
	"context"

	"github.com/viewsyncd/viewsyncer/internal/version"
)

// ConfigPatch is one entry from CatchupConfigPatches: a client-row or
// query-row change, ordered by PatchVersion.
type ConfigPatch struct {
	PatchVersion version.Version
	Client       *ClientPatch
	Query        *QueryPatch
}

// RowPatchIterator streams RowPatch values without materializing the full
// result set — a client may have millions of row patches to catch up on.
type RowPatchIterator interface {
	// Next advances to the next patch, returning false at end-of-stream or
	// on error (check Err() to distinguish).
	Next(ctx context.Context) bool
	RowPatch() RowPatch
	Err() error
	Close()
}

// Store is the durable, transactional mapping from clientGroupID to CVR
// state. Implementers must provide per-group serializability (e.g. by
// transacting on the group-id row) since the upstream storage may serve
// many groups concurrently.
type Store interface {
	// Load loads the full CVR for clientGroupID. If no record exists,
	// returns an empty CVR at version (00, 0). Fails with KindUnavailable
	// on storage error.
	Load(ctx context.Context, clientGroupID string) (*CVR, error)

	// CatchupRowPatches streams row patches in ascending PatchVersion order
	// (ties broken by schema, table, rowKey). Patches whose sole query
	// reference is in excludeQueries are skipped — those are replayed by
	// the query's own hydration instead.
	CatchupRowPatches(ctx context.Context, clientGroupID string, from, to version.Version, excludeQueries map[string]struct{}) (RowPatchIterator, error)

	// CatchupConfigPatches returns client/query patches in the same
	// ordering rule as CatchupRowPatches. Unlike row patches this list is
	// bounded by client/query counts, not row counts, so it is not
	// streamed.
	CatchupConfigPatches(ctx context.Context, clientGroupID string, from, to version.Version) ([]ConfigPatch, error)

	// Flush durably persists newVersion and patches against base atomically:
	// either the new CVR version and all its patches become visible, or
	// none do. Implementers use a serializable transaction or an
	// equivalent compare-and-swap on the stored CVR version.
	Flush(ctx context.Context, base *CVR, newVersion version.Version, patches Patches) (*CVR, error)
}
