package cvr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	viewsyncererrors "github.com/viewsyncd/viewsyncer/internal/viewsyncer/errors"
	"github.com/viewsyncd/viewsyncer/internal/pipeline"
	"github.com/viewsyncd/viewsyncer/internal/version"
)

// CursorPageSize bounds how many row updates the query-driven updater
// accumulates before flushing patches to pokers and clearing its working
// set — mirrors a bounded-queue worker idiom (flush-when-full,
// flush-remainder-at-end) adapted from a job batch to a row-patch batch.
const CursorPageSize = 10000

// QueryAdd is one query the pipeline newly hydrated, to be tracked as got.
type QueryAdd struct {
	Hash               string
	AST                json.RawMessage
	TransformationHash string
}

// rowAccum is the per-batch working state for one row while ProcessChanges
// accumulates incremental pipeline changes before calling received.
type rowAccum struct {
	refCounts  map[string]int
	contents   json.RawMessage
	rowVersion string
	sawContent bool
}

// QueryUpdater stages row-set changes yielded by the pipeline against a
// borrowed CVR snapshot. Its new version's StateVersion is the pipeline's
// current version; MinorVersion bumps from the previous CVR only when the
// StateVersion itself did not change (i.e. this cycle is query-set
// maintenance, not a replica advance).
type QueryUpdater struct {
	store  Store
	base   *CVR
	next   *CVR
	newVer version.Version

	queryPatches   []QueryPatch
	rowPatches     []RowPatch
	removedQueries []string
}

// NewQueryUpdater starts a query-driven update cycle against base, tagged
// with the pipeline's state version for this cycle.
func NewQueryUpdater(store Store, base *CVR, pipelineStateVersion string) *QueryUpdater {
	return &QueryUpdater{
		store:  store,
		base:   base,
		next:   base.clone(),
		newVer: nextVersionForState(base.Version, pipelineStateVersion),
	}
}

func nextVersionForState(base version.Version, stateVersion string) version.Version {
	if base.StateVersion == stateVersion {
		return version.Version{StateVersion: stateVersion, MinorVersion: base.MinorVersion + 1}
	}
	return version.Version{StateVersion: stateVersion, MinorVersion: 0}
}

// UpdatedVersion is the version pokers started under this updater's cycle
// should advertise as their new cookie.
func (u *QueryUpdater) UpdatedVersion() version.Version {
	return u.newVer
}

// TrackQueries records queries the pipeline just hydrated (add) as got, and
// drops queries the caller has removed from the pipeline (remove) from the
// CVR's query set entirely. Returns the patches to include in the current
// poke.
func (u *QueryUpdater) TrackQueries(add []QueryAdd, remove []string) []QueryPatch {
	var patches []QueryPatch

	for _, a := range add {
		q, exists := u.next.Queries[a.Hash]
		if !exists {
			q = QueryRecord{ID: a.Hash, AST: a.AST}
		}
		q.TransformationHash = a.TransformationHash
		q.TransformationVersion = u.newVer.StateVersion
		q.PatchVersion = u.newVer
		u.next.Queries[a.Hash] = q
		patches = append(patches, QueryPatch{
			Op: OpPut, Hash: a.Hash, AST: q.AST,
			TransformationHash: q.TransformationHash, TransformationVersion: q.TransformationVersion,
			DesiredBy: q.DesiredBy,
		})
	}

	for _, hash := range remove {
		delete(u.next.Queries, hash)
		patches = append(patches, QueryPatch{Op: OpDel, Hash: hash})
	}

	u.removedQueries = append(u.removedQueries, remove...)
	u.queryPatches = append(u.queryPatches, patches...)
	return patches
}

// ProcessChanges drains changes in CursorPageSize-bounded pages, applying
// each page via received and handing its resulting patches to onPatches as
// soon as the page flushes — patches must reach pokers incrementally, not
// only once the whole stream has been consumed.
func (u *QueryUpdater) ProcessChanges(ctx context.Context, changes pipeline.ChangeIterator, onPatches func([]RowPatch) error) (int, error) {
	pending := make(map[RowID]*rowAccum, CursorPageSize)
	total := 0

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		patches, err := u.received(pending)
		if err != nil {
			return err
		}
		pending = make(map[RowID]*rowAccum, CursorPageSize)
		if len(patches) == 0 {
			return nil
		}
		return onPatches(patches)
	}

	for changes.Next(ctx) {
		c := changes.Change()
		rid := RowID{Schema: c.Schema, Table: c.Table, RowKey: c.RowKey}

		acc, ok := pending[rid]
		if !ok {
			acc = &rowAccum{refCounts: map[string]int{}}
			pending[rid] = acc
		}

		if c.Row != nil {
			acc.refCounts[c.QueryHash]++
			if !acc.sawContent {
				rowVersion, contents, err := extractRowVersion(c.Row)
				if err != nil {
					return total, viewsyncererrors.Internalf("query updater: row %s.%s: %v", c.Table, c.RowKey, err)
				}
				acc.rowVersion = rowVersion
				acc.contents = contents
				acc.sawContent = true
			}
		} else {
			acc.refCounts[c.QueryHash]--
		}
		total++

		if len(pending) >= CursorPageSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := changes.Err(); err != nil {
		return total, viewsyncererrors.Unavailablef("query updater: reading change stream: %v", err)
	}
	if err := flush(); err != nil {
		return total, err
	}

	return total, nil
}

// received merges a batch's accumulated ref-count deltas and content
// updates into the staged CVR, returning the row patches to broadcast.
func (u *QueryUpdater) received(batch map[RowID]*rowAccum) ([]RowPatch, error) {
	var patches []RowPatch

	for rid, acc := range batch {
		current := u.next.Rows[rid]
		refCounts := make(map[string]int, len(current.RefCounts))
		for q, n := range current.RefCounts {
			refCounts[q] = n
		}
		for q, delta := range acc.refCounts {
			n := refCounts[q] + delta
			if n <= 0 {
				delete(refCounts, q)
			} else {
				refCounts[q] = n
			}
		}

		if len(refCounts) == 0 {
			u.next.Rows[rid] = RowRecord{PatchVersion: u.newVer, RefCounts: nil}
			patches = append(patches, RowPatch{Op: OpDel, RowID: rid, PatchVersion: u.newVer})
			continue
		}

		record := RowRecord{
			PatchVersion: u.newVer,
			RowVersion:   current.RowVersion,
			Contents:     current.Contents,
			RefCounts:    refCounts,
		}

		if acc.sawContent {
			if len(acc.rowVersion) == 0 {
				return nil, fmt.Errorf("row %s.%s.%s: empty rowVersion", rid.Schema, rid.Table, rid.RowKey)
			}
			record.RowVersion = acc.rowVersion
			record.Contents = acc.contents
			u.next.Rows[rid] = record
			patches = append(patches, RowPatch{
				Op:           OpPut,
				RowID:        rid,
				Contents:     record.Contents,
				RowVersion:   record.RowVersion,
				RefCounts:    refCounts,
				PatchVersion: u.newVer,
			})
			continue
		}

		u.next.Rows[rid] = record
	}

	u.rowPatches = append(u.rowPatches, patches...)
	return patches, nil
}

// DeleteUnreferencedRows finalizes a cycle: for every query removed via
// TrackQueries, emits del patches for rows whose only remaining reference
// was that query. Must be called exactly once per cycle, after all
// ProcessChanges calls — removing a query from the pipeline emits no
// changes of its own, so this is the only place those rows get cleaned up.
func (u *QueryUpdater) DeleteUnreferencedRows() []RowPatch {
	if len(u.removedQueries) == 0 {
		return nil
	}
	removed := make(map[string]struct{}, len(u.removedQueries))
	for _, q := range u.removedQueries {
		removed[q] = struct{}{}
	}

	var patches []RowPatch
	for rid, record := range u.next.Rows {
		if len(record.RefCounts) == 0 {
			continue
		}
		touched := false
		refCounts := make(map[string]int, len(record.RefCounts))
		for q, n := range record.RefCounts {
			if _, drop := removed[q]; drop {
				touched = true
				continue
			}
			refCounts[q] = n
		}
		if !touched {
			continue
		}

		if len(refCounts) == 0 {
			u.next.Rows[rid] = RowRecord{PatchVersion: u.newVer, RefCounts: nil}
			patches = append(patches, RowPatch{Op: OpDel, RowID: rid, PatchVersion: u.newVer})
		} else {
			record.RefCounts = refCounts
			record.PatchVersion = u.newVer
			u.next.Rows[rid] = record
		}
	}

	u.rowPatches = append(u.rowPatches, patches...)
	return patches
}

// Flush persists all staged query and row patches atomically via the store.
func (u *QueryUpdater) Flush(ctx context.Context, logger *slog.Logger) (*CVR, error) {
	patches := Patches{Queries: u.queryPatches, Rows: u.rowPatches}
	newSnapshot, err := u.store.Flush(ctx, u.base, u.newVer, patches)
	if err != nil {
		if logger != nil {
			logger.Error("query updater flush failed", "group_id", u.base.ID, "error", err)
		}
		return nil, err
	}
	return newSnapshot, nil
}

// extractRowVersion pulls "_0_version" out of a replicated row payload,
// per spec requiring a non-empty string token, and returns the remaining
// columns as the row's broadcastable contents.
func extractRowVersion(row json.RawMessage) (rowVersion string, contents json.RawMessage, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return "", nil, fmt.Errorf("malformed row payload: %w", err)
	}

	raw, ok := fields["_0_version"]
	if !ok {
		return "", nil, fmt.Errorf("missing _0_version column")
	}

	var v string
	if err := json.Unmarshal(raw, &v); err != nil || len(v) == 0 {
		return "", nil, fmt.Errorf("empty or non-string _0_version column")
	}

	delete(fields, "_0_version")
	remainder, err := json.Marshal(fields)
	if err != nil {
		return "", nil, fmt.Errorf("re-marshaling row contents: %w", err)
	}

	return v, remainder, nil
}
