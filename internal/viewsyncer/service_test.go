package viewsyncer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewsyncd/viewsyncer/internal/client"
	"github.com/viewsyncd/viewsyncer/internal/cvr"
	"github.com/viewsyncd/viewsyncer/internal/pipeline/memdriver"
	"github.com/viewsyncd/viewsyncer/internal/version"
)

func issuesQueryAST() json.RawMessage {
	b, _ := json.Marshal(memdriver.QueryAST{Schema: "public", Table: "issues"})
	return b
}

func rowContent(id int, version string) json.RawMessage {
	b, _ := json.Marshal(map[string]any{"id": id, "_0_version": version})
	return b
}

func newTestDriver(t *testing.T) *memdriver.Driver {
	t.Helper()
	d, err := memdriver.New(64, nil)
	require.NoError(t, err)
	return d
}

func TestNewService_RequiresDependencies(t *testing.T) {
	driver := newTestDriver(t)
	store := newFakeGroupStore(cvr.Empty("g1", time.Now()))

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing group id", Config{Pipeline: driver, Store: store}},
		{"missing pipeline", Config{ClientGroupID: "g1", Store: store}},
		{"missing store", Config{ClientGroupID: "g1", Pipeline: driver}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewService(tc.cfg)
			require.Error(t, err)
		})
	}
}

func TestService_TickHydratesDesiredQueryOnFirstInit(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(t)
	driver.Upsert("public", "issues", "1", rowContent(1, "v1"))
	_, err := driver.Advance(ctx) // seed the row before any query exists
	require.NoError(t, err)

	initial := cvr.Empty("g1", time.Now())
	initial.Queries["qH"] = cvr.QueryRecord{
		ID:        "qH",
		AST:       issuesQueryAST(),
		DesiredBy: map[string]version.Version{"client-1": version.Zero},
	}
	store := newFakeGroupStore(initial)

	svc, err := NewService(Config{ClientGroupID: "g1", Pipeline: driver, Store: store})
	require.NoError(t, err)

	snapshot, err := store.Load(ctx, "g1")
	require.NoError(t, err)
	svc.cvr = snapshot
	svc.setState(StateRunning)

	require.NoError(t, svc.tick(ctx))

	assert.True(t, driver.Initialized())
	q := svc.cvr.Queries["qH"]
	assert.True(t, q.IsGot())
	assert.Equal(t, "qH", q.TransformationHash)

	row := svc.cvr.Rows[cvr.RowID{Schema: "public", Table: "issues", RowKey: "1"}]
	assert.Equal(t, 1, row.RefCounts["qH"])
	assert.False(t, row.IsTombstone())
}

func TestService_AdvanceBroadcastsRowPatchToConnectedClient(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(t)

	initial := cvr.Empty("g1", time.Now())
	initial.Queries["qH"] = cvr.QueryRecord{
		ID:        "qH",
		AST:       issuesQueryAST(),
		DesiredBy: map[string]version.Version{"client-1": version.Zero},
	}
	store := newFakeGroupStore(initial)

	svc, err := NewService(Config{ClientGroupID: "g1", Pipeline: driver, Store: store})
	require.NoError(t, err)

	snapshot, err := store.Load(ctx, "g1")
	require.NoError(t, err)
	svc.cvr = snapshot
	svc.setState(StateRunning)

	// First tick: initializes the pipeline and hydrates qH with no rows yet.
	require.NoError(t, svc.tick(ctx))

	down := &fakeDownstream{}
	require.NoError(t, svc.lock.Lock(ctx))
	h := client.NewHandler("client-1", "ws-1", down, version.Zero, nil, nil)
	svc.clients["client-1"] = h
	svc.lock.Unlock()

	// A new row arrives and matches the hydrated query.
	driver.Upsert("public", "issues", "1", rowContent(1, "v1"))
	require.NoError(t, svc.tick(ctx))

	require.GreaterOrEqual(t, len(down.messages), 3)
	assert.Equal(t, client.MessageTypePokeStart, decodeMessageType(t, down.messages[0]))
	assert.Equal(t, client.MessageTypePokeEnd, decodeMessageType(t, down.messages[len(down.messages)-1]))

	var sawRow bool
	for _, m := range down.messages {
		if decodeMessageType(t, m) != client.MessageTypePokePart {
			continue
		}
		var part client.PokePart
		require.NoError(t, json.Unmarshal(m, &part))
		if len(part.EntitiesPatch) > 0 {
			sawRow = true
		}
	}
	assert.True(t, sawRow, "expected a pokePart carrying the new row")
}

func TestService_IdleTimerStopsGroupWhenClientsDrop(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(t)
	store := newFakeGroupStore(cvr.Empty("g1", time.Now()))

	svc, err := NewService(Config{
		ClientGroupID: "g1",
		Pipeline:      driver,
		Store:         store,
		KeepaliveMs:   20 * time.Millisecond,
	})
	require.NoError(t, err)

	snapshot, err := store.Load(ctx, "g1")
	require.NoError(t, err)
	svc.cvr = snapshot
	svc.setState(StateRunning)

	require.NoError(t, svc.lock.Lock(ctx))
	svc.armIdleTimerLocked()
	svc.lock.Unlock()

	assert.Equal(t, StateIdle, svc.State())

	select {
	case <-time.After(time.Second):
		t.Fatal("idle timer never stopped the group")
	case <-pollUntilStopped(svc):
	}
}

func pollUntilStopped(svc *Service) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for svc.State() != StateStopped {
			time.Sleep(5 * time.Millisecond)
		}
		close(done)
	}()
	return done
}

type fakeDownstream struct {
	messages []json.RawMessage
	closed   bool
}

func (d *fakeDownstream) Send(ctx context.Context, message json.RawMessage) error {
	d.messages = append(d.messages, message)
	return nil
}

func (d *fakeDownstream) Close() error {
	d.closed = true
	return nil
}

func decodeMessageType(t *testing.T, msg json.RawMessage) string {
	t.Helper()
	var env struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(msg, &env))
	return env.Type
}
