package cvr

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/viewsyncd/viewsyncer/internal/version"
)

// fakeStore is a minimal in-memory Store used only by this package's tests;
// it is not concurrency-safe and applies no real transactional isolation —
// just enough to exercise updater flush semantics.
type fakeStore struct {
	snapshots map[string]*CVR
}

func newFakeStore() *fakeStore {
	return &fakeStore{snapshots: map[string]*CVR{}}
}

func (s *fakeStore) Load(ctx context.Context, clientGroupID string) (*CVR, error) {
	if cvr, ok := s.snapshots[clientGroupID]; ok {
		return cvr.clone(), nil
	}
	return Empty(clientGroupID, time.Now()), nil
}

func (s *fakeStore) CatchupRowPatches(ctx context.Context, clientGroupID string, from, to version.Version, exclude map[string]struct{}) (RowPatchIterator, error) {
	return &emptyRowIterator{}, nil
}

func (s *fakeStore) CatchupConfigPatches(ctx context.Context, clientGroupID string, from, to version.Version) ([]ConfigPatch, error) {
	return nil, nil
}

func (s *fakeStore) Flush(ctx context.Context, base *CVR, newVersion version.Version, patches Patches) (*CVR, error) {
	stored, ok := s.snapshots[base.ID]
	if !ok {
		stored = Empty(base.ID, time.Now())
	}
	if version.Compare(stored.Version, base.Version) != version.Equal {
		return nil, fmt.Errorf("optimistic concurrency conflict: stored version %+v != base version %+v", stored.Version, base.Version)
	}

	next := base.clone()
	next.Version = newVersion

	for _, cp := range patches.Clients {
		switch cp.Op {
		case OpPut:
			c, ok := next.Clients[cp.ClientID]
			if !ok {
				c = ClientRecord{ID: cp.ClientID}
			}
			c.DesiredQueryIDs = cp.DesiredQueryIDs
			c.PatchVersion = newVersion
			next.Clients[cp.ClientID] = c
		case OpDel:
			delete(next.Clients, cp.ClientID)
		}
	}
	for _, qp := range patches.Queries {
		switch qp.Op {
		case OpPut:
			q, ok := next.Queries[qp.Hash]
			if !ok {
				q = QueryRecord{ID: qp.Hash}
			}
			if qp.AST != nil {
				q.AST = qp.AST
			}
			q.TransformationHash = qp.TransformationHash
			q.TransformationVersion = qp.TransformationVersion
			q.DesiredBy = qp.DesiredBy
			q.PatchVersion = newVersion
			next.Queries[qp.Hash] = q
		case OpDel:
			delete(next.Queries, qp.Hash)
		}
	}
	for _, rp := range patches.Rows {
		switch rp.Op {
		case OpPut:
			next.Rows[rp.RowID] = RowRecord{
				PatchVersion: rp.PatchVersion,
				RowVersion:   rp.RowVersion,
				Contents:     rp.Contents,
				RefCounts:    rp.RefCounts,
			}
		case OpDel:
			next.Rows[rp.RowID] = RowRecord{
				PatchVersion: rp.PatchVersion,
				RowVersion:   rp.RowVersion,
			}
		}
	}

	s.snapshots[base.ID] = next
	return next.clone(), nil
}

type emptyRowIterator struct{}

func (e *emptyRowIterator) Next(ctx context.Context) bool { return false }
func (e *emptyRowIterator) RowPatch() RowPatch             { return RowPatch{} }
func (e *emptyRowIterator) Err() error                     { return nil }
func (e *emptyRowIterator) Close()                         {}

// sortedQueryPatchHashes is a small test helper for order-insensitive assertions.
func sortedQueryPatchHashes(patches []QueryPatch) []string {
	hashes := make([]string, 0, len(patches))
	for _, p := range patches {
		hashes = append(hashes, string(p.Op)+":"+p.Hash)
	}
	sort.Strings(hashes)
	return hashes
}
