package compactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viewsyncd/viewsyncer/internal/cvr"
	"github.com/viewsyncd/viewsyncer/internal/version"
)

type fakeStore struct {
	snapshots map[string]*cvr.CVR
	loads     int
}

func (s *fakeStore) Load(ctx context.Context, clientGroupID string) (*cvr.CVR, error) {
	s.loads++
	return s.snapshots[clientGroupID], nil
}

func (s *fakeStore) CatchupRowPatches(ctx context.Context, clientGroupID string, from, to version.Version, exclude map[string]struct{}) (cvr.RowPatchIterator, error) {
	return nil, nil
}

func (s *fakeStore) CatchupConfigPatches(ctx context.Context, clientGroupID string, from, to version.Version) ([]cvr.ConfigPatch, error) {
	return nil, nil
}

func (s *fakeStore) Flush(ctx context.Context, base *cvr.CVR, newVersion version.Version, patches cvr.Patches) (*cvr.CVR, error) {
	return base, nil
}

// fakePruningStore additionally satisfies RowPruner, recording the cutoff
// each call was made with so tests can assert the safe-prune boundary.
type fakePruningStore struct {
	fakeStore
	pruneCalls  int
	lastCutoff  version.Version
	pruneResult int64
}

func (s *fakePruningStore) PruneTombstones(ctx context.Context, clientGroupID string, cutoff version.Version) (int64, error) {
	s.pruneCalls++
	s.lastCutoff = cutoff
	return s.pruneResult, nil
}

func snapshotWithRows(groupID string, current version.Version, rowVersions ...version.Version) *cvr.CVR {
	snap := cvr.Empty(groupID, time.Now())
	snap.Version = current
	for i, v := range rowVersions {
		rid := cvr.RowID{Schema: "public", Table: "t", RowKey: string(rune('a' + i))}
		snap.Rows[rid] = cvr.RowRecord{PatchVersion: v}
	}
	return snap
}

func TestCompactor_DisabledNeverScans(t *testing.T) {
	store := &fakeStore{snapshots: map[string]*cvr.CVR{
		"g1": snapshotWithRows("g1", version.Version{StateVersion: "05", MinorVersion: 0},
			version.Version{StateVersion: "01", MinorVersion: 0}),
	}}
	c := New(store, []string{"g1"}, Config{Enabled: false, Interval: 10 * time.Millisecond, MinRowsForProposal: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	c.Stop()

	require.Equal(t, 0, store.loads)
}

func TestCompactor_ProposesOldestRowVersionAsBaseline(t *testing.T) {
	snap := snapshotWithRows("g1", version.Version{StateVersion: "05", MinorVersion: 0},
		version.Version{StateVersion: "03", MinorVersion: 0},
		version.Version{StateVersion: "01", MinorVersion: 2},
	)
	p := proposeBaseline("g1", snap)

	require.Equal(t, "g1", p.ClientGroupID)
	require.Equal(t, version.Version{StateVersion: "01", MinorVersion: 2}, p.Baseline)
	require.Equal(t, 2, p.RowCount)
}

func TestCompactor_SkipsGroupsBelowRowThreshold(t *testing.T) {
	store := &fakeStore{snapshots: map[string]*cvr.CVR{
		"g1": snapshotWithRows("g1", version.Version{StateVersion: "05", MinorVersion: 0},
			version.Version{StateVersion: "01", MinorVersion: 0}),
	}}
	c := New(store, []string{"g1"}, Config{Enabled: true, Interval: time.Hour, MinRowsForProposal: 100}, nil)

	c.scan(context.Background())

	require.Equal(t, 1, store.loads)
}

func TestCompactor_PrunesTombstonesUpToOldestClientAck(t *testing.T) {
	snap := snapshotWithRows("g1", version.Version{StateVersion: "10", MinorVersion: 0},
		version.Version{StateVersion: "05", MinorVersion: 0},
	)
	snap.Clients["client-1"] = cvr.ClientRecord{ID: "client-1", PatchVersion: version.Version{StateVersion: "07", MinorVersion: 0}}
	snap.Clients["client-2"] = cvr.ClientRecord{ID: "client-2", PatchVersion: version.Version{StateVersion: "03", MinorVersion: 0}}

	store := &fakePruningStore{fakeStore: fakeStore{snapshots: map[string]*cvr.CVR{"g1": snap}}}
	c := New(store, []string{"g1"}, Config{Enabled: true, Interval: time.Hour, MinRowsForProposal: 100}, nil)

	c.scan(context.Background())

	require.Equal(t, 1, store.pruneCalls)
	require.Equal(t, version.Version{StateVersion: "03", MinorVersion: 0}, store.lastCutoff)
}

func TestCompactor_PrunesUpToCurrentVersionWithNoClients(t *testing.T) {
	snap := snapshotWithRows("g1", version.Version{StateVersion: "10", MinorVersion: 0},
		version.Version{StateVersion: "05", MinorVersion: 0},
	)

	store := &fakePruningStore{fakeStore: fakeStore{snapshots: map[string]*cvr.CVR{"g1": snap}}}
	c := New(store, []string{"g1"}, Config{Enabled: true, Interval: time.Hour, MinRowsForProposal: 100}, nil)

	c.scan(context.Background())

	require.Equal(t, 1, store.pruneCalls)
	require.Equal(t, version.Version{StateVersion: "10", MinorVersion: 0}, store.lastCutoff)
}

func TestCompactor_SkipsPruneWhenStoreCannotPrune(t *testing.T) {
	store := &fakeStore{snapshots: map[string]*cvr.CVR{
		"g1": snapshotWithRows("g1", version.Version{StateVersion: "05", MinorVersion: 0}),
	}}
	c := New(store, []string{"g1"}, Config{Enabled: true, Interval: time.Hour, MinRowsForProposal: 100}, nil)

	require.NotPanics(t, func() { c.scan(context.Background()) })
	require.Equal(t, 1, store.loads)
}
