package viewsyncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/viewsyncd/viewsyncer/internal/cvr"
	"github.com/viewsyncd/viewsyncer/internal/version"
)

// fakeGroupStore is a minimal in-memory cvr.Store for this package's tests.
// It applies patches the same way cvrpostgres.Store does (mutating its own
// stored table-shaped state, not by replaying patches against a clone of
// base), so tests exercise the same persistence shape production code does.
type fakeGroupStore struct {
	mu      sync.Mutex
	version version.Version
	clients map[string]cvr.ClientRecord
	queries map[string]cvr.QueryRecord
	rows    map[cvr.RowID]cvr.RowRecord
	id      string
}

func newFakeGroupStore(initial *cvr.CVR) *fakeGroupStore {
	s := &fakeGroupStore{
		id:      initial.ID,
		version: initial.Version,
		clients: map[string]cvr.ClientRecord{},
		queries: map[string]cvr.QueryRecord{},
		rows:    map[cvr.RowID]cvr.RowRecord{},
	}
	for k, v := range initial.Clients {
		s.clients[k] = v
	}
	for k, v := range initial.Queries {
		s.queries[k] = v
	}
	for k, v := range initial.Rows {
		s.rows[k] = v
	}
	return s
}

func (s *fakeGroupStore) Load(ctx context.Context, clientGroupID string) (*cvr.CVR, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

func (s *fakeGroupStore) snapshotLocked() *cvr.CVR {
	out := &cvr.CVR{
		ID:         s.id,
		Version:    s.version,
		LastActive: time.Now(),
		Clients:    map[string]cvr.ClientRecord{},
		Queries:    map[string]cvr.QueryRecord{},
		Rows:       map[cvr.RowID]cvr.RowRecord{},
	}
	for k, v := range s.clients {
		out.Clients[k] = v
	}
	for k, v := range s.queries {
		out.Queries[k] = v
	}
	for k, v := range s.rows {
		out.Rows[k] = v
	}
	return out
}

func (s *fakeGroupStore) Flush(ctx context.Context, base *cvr.CVR, newVersion version.Version, patches cvr.Patches) (*cvr.CVR, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version.Compare(s.version, base.Version) != version.Equal {
		return nil, fmt.Errorf("fakeGroupStore: flush conflict: stored version %+v != base version %+v", s.version, base.Version)
	}

	for _, cp := range patches.Clients {
		switch cp.Op {
		case cvr.OpDel:
			delete(s.clients, cp.ClientID)
		case cvr.OpPut:
			c, ok := s.clients[cp.ClientID]
			if !ok {
				c = cvr.ClientRecord{ID: cp.ClientID}
			}
			c.DesiredQueryIDs = cp.DesiredQueryIDs
			s.clients[cp.ClientID] = c
		}
	}

	for _, qp := range patches.Queries {
		switch qp.Op {
		case cvr.OpDel:
			delete(s.queries, qp.Hash)
		case cvr.OpPut:
			q := s.queries[qp.Hash]
			q.ID = qp.Hash
			q.AST = qp.AST
			q.TransformationHash = qp.TransformationHash
			q.TransformationVersion = qp.TransformationVersion
			q.DesiredBy = qp.DesiredBy
			s.queries[qp.Hash] = q
		}
	}

	for _, rp := range patches.Rows {
		switch rp.Op {
		case cvr.OpDel:
			s.rows[rp.RowID] = cvr.RowRecord{
				PatchVersion: rp.PatchVersion,
				RowVersion:   rp.RowVersion,
			}
		case cvr.OpPut:
			s.rows[rp.RowID] = cvr.RowRecord{
				PatchVersion: rp.PatchVersion,
				RowVersion:   rp.RowVersion,
				Contents:     rp.Contents,
				RefCounts:    rp.RefCounts,
			}
		}
	}

	s.version = newVersion
	return s.snapshotLocked(), nil
}

func (s *fakeGroupStore) CatchupConfigPatches(ctx context.Context, clientGroupID string, from, to version.Version) ([]cvr.ConfigPatch, error) {
	return nil, nil
}

func (s *fakeGroupStore) CatchupRowPatches(ctx context.Context, clientGroupID string, from, to version.Version, exclude map[string]struct{}) (cvr.RowPatchIterator, error) {
	return &emptyRowPatchIterator{}, nil
}

type emptyRowPatchIterator struct{}

func (e *emptyRowPatchIterator) Next(ctx context.Context) bool { return false }
func (e *emptyRowPatchIterator) RowPatch() cvr.RowPatch        { return cvr.RowPatch{} }
func (e *emptyRowPatchIterator) Err() error                    { return nil }
func (e *emptyRowPatchIterator) Close()                        {}
