package cvr

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewsyncd/viewsyncer/internal/version"
)

func TestConfigUpdater_PutDesiredQueries_NewClientAndQuery(t *testing.T) {
	store := newFakeStore()
	base := Empty("group-1", nowForTest())

	u := NewConfigUpdater(store, base)
	added := u.PutDesiredQueries("client-1", map[string]json.RawMessage{
		"qH": json.RawMessage(`{"table":"issues"}`),
	})

	require.Len(t, added, 1)
	assert.Equal(t, "qH", added[0].Hash)

	next, err := u.Flush(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, version.Version{StateVersion: version.Zero.StateVersion, MinorVersion: 1}, next.Version)
	client, ok := next.Clients["client-1"]
	require.True(t, ok)
	assert.Equal(t, []string{"qH"}, client.DesiredQueryIDs)

	q, ok := next.Queries["qH"]
	require.True(t, ok)
	assert.True(t, q.IsDesired())
	assert.False(t, q.IsGot())
	_, desired := q.DesiredBy["client-1"]
	assert.True(t, desired)
}

func TestConfigUpdater_PutDesiredQueries_ExistingQueryNotReAdded(t *testing.T) {
	store := newFakeStore()
	base := Empty("group-1", nowForTest())

	u1 := NewConfigUpdater(store, base)
	u1.PutDesiredQueries("client-1", map[string]json.RawMessage{"qH": json.RawMessage(`{}`)})
	snap1, err := u1.Flush(context.Background(), nil)
	require.NoError(t, err)

	u2 := NewConfigUpdater(store, snap1)
	added := u2.PutDesiredQueries("client-2", map[string]json.RawMessage{"qH": json.RawMessage(`{}`)})
	assert.Empty(t, added, "query already present must not be reported as newly added")

	snap2, err := u2.Flush(context.Background(), nil)
	require.NoError(t, err)

	q := snap2.Queries["qH"]
	assert.Len(t, q.DesiredBy, 2)
}

func TestConfigUpdater_DeleteDesiredQueries(t *testing.T) {
	store := newFakeStore()
	base := Empty("group-1", nowForTest())

	u1 := NewConfigUpdater(store, base)
	u1.PutDesiredQueries("client-1", map[string]json.RawMessage{"qH": json.RawMessage(`{}`)})
	snap1, err := u1.Flush(context.Background(), nil)
	require.NoError(t, err)

	u2 := NewConfigUpdater(store, snap1)
	u2.DeleteDesiredQueries("client-1", []string{"qH"})
	removable := u2.RemovableQueries()
	assert.Equal(t, []string{"qH"}, removable)

	snap2, err := u2.Flush(context.Background(), nil)
	require.NoError(t, err)

	client := snap2.Clients["client-1"]
	assert.Empty(t, client.DesiredQueryIDs)
	q := snap2.Queries["qH"]
	assert.False(t, q.IsDesired())
}

func TestConfigUpdater_ClearDesiredQueries(t *testing.T) {
	store := newFakeStore()
	base := Empty("group-1", nowForTest())

	u1 := NewConfigUpdater(store, base)
	u1.PutDesiredQueries("client-1", map[string]json.RawMessage{
		"qA": json.RawMessage(`{}`),
		"qB": json.RawMessage(`{}`),
	})
	snap1, err := u1.Flush(context.Background(), nil)
	require.NoError(t, err)

	u2 := NewConfigUpdater(store, snap1)
	u2.ClearDesiredQueries("client-1")
	snap2, err := u2.Flush(context.Background(), nil)
	require.NoError(t, err)

	client := snap2.Clients["client-1"]
	assert.Empty(t, client.DesiredQueryIDs)
	assert.False(t, snap2.Queries["qA"].IsDesired())
	assert.False(t, snap2.Queries["qB"].IsDesired())
}

func TestConfigUpdater_OnlyBumpsMinorVersion(t *testing.T) {
	store := newFakeStore()
	base := &CVR{
		ID:         "group-1",
		Version:    version.Version{StateVersion: "1xz", MinorVersion: 3},
		LastActive: nowForTest(),
		Clients:    map[string]ClientRecord{},
		Queries:    map[string]QueryRecord{},
		Rows:       map[RowID]RowRecord{},
	}
	store.snapshots["group-1"] = base.clone()

	u := NewConfigUpdater(store, base)
	u.PutDesiredQueries("client-1", map[string]json.RawMessage{"qH": json.RawMessage(`{}`)})
	next, err := u.Flush(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "1xz", next.Version.StateVersion)
	assert.Equal(t, uint32(4), next.Version.MinorVersion)
}
