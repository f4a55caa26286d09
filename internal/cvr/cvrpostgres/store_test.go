package cvrpostgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/viewsyncd/viewsyncer/internal/cvr"
	"github.com/viewsyncd/viewsyncer/internal/version"
)

// setupTestDB starts a disposable Postgres container and applies the CVR
// schema directly (mirrors migrations/00001_init_cvr_schema.sql so the test
// stays self-contained rather than depending on goose at test time).
func setupTestDB(t *testing.T) *pgxpool.Pool {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("viewsyncer_test"),
		postgres.WithUsername("viewsyncer"),
		postgres.WithPassword("viewsyncer"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(10*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema := `
	CREATE TABLE instances (
		id            TEXT PRIMARY KEY,
		version_state TEXT NOT NULL DEFAULT '',
		version_minor BIGINT NOT NULL DEFAULT 0,
		last_active   TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE clients (
		group_id          TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		client_id         TEXT NOT NULL,
		patch_state       TEXT NOT NULL DEFAULT '',
		patch_minor       BIGINT NOT NULL DEFAULT 0,
		desired_query_ids TEXT[] NOT NULL DEFAULT '{}',
		PRIMARY KEY (group_id, client_id)
	);
	CREATE TABLE queries (
		group_id               TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		query_hash             TEXT NOT NULL,
		ast                    JSONB NOT NULL,
		internal               BOOLEAN NOT NULL DEFAULT false,
		desired_by             JSONB NOT NULL DEFAULT '{}',
		transformation_hash    TEXT,
		transformation_version TEXT,
		patch_state            TEXT,
		patch_minor            BIGINT,
		PRIMARY KEY (group_id, query_hash)
	);
	CREATE TABLE rows (
		group_id    TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		schema_name TEXT NOT NULL,
		table_name  TEXT NOT NULL,
		row_key     TEXT NOT NULL,
		row_version TEXT,
		patch_state TEXT NOT NULL,
		patch_minor BIGINT NOT NULL,
		ref_counts  JSONB NOT NULL DEFAULT '{}',
		contents    JSONB,
		PRIMARY KEY (group_id, schema_name, table_name, row_key)
	);
	`
	_, err = pool.Exec(ctx, schema)
	require.NoError(t, err)

	return pool
}

func TestStore_LoadEmptyGroupReturnsZeroVersion(t *testing.T) {
	pool := setupTestDB(t)
	store := New(pool, nil)

	snap, err := store.Load(context.Background(), "group-1")
	require.NoError(t, err)
	require.Equal(t, version.Zero, snap.Version)
	require.Empty(t, snap.Clients)
	require.Empty(t, snap.Queries)
	require.Empty(t, snap.Rows)
}

func TestStore_FlushThenLoadRoundTrips(t *testing.T) {
	pool := setupTestDB(t)
	store := New(pool, nil)
	ctx := context.Background()

	base, err := store.Load(ctx, "group-1")
	require.NoError(t, err)

	newVersion := version.Bump(base.Version, "01", true)
	patches := cvr.Patches{
		Clients: []cvr.ClientPatch{
			{Op: cvr.OpPut, ClientID: "client-1", DesiredQueryIDs: []string{"q1"}},
		},
		Queries: []cvr.QueryPatch{
			{Op: cvr.OpPut, Hash: "q1", AST: []byte(`{"table":"issues"}`),
				DesiredBy: map[string]version.Version{"client-1": newVersion}},
		},
		Rows: []cvr.RowPatch{
			{Op: cvr.OpPut, RowID: cvr.RowID{Schema: "public", Table: "issues", RowKey: `"1"`},
				Contents: []byte(`{"id":1}`), RowVersion: "v1",
				RefCounts: map[string]int{"q1": 1}, PatchVersion: newVersion},
		},
	}

	flushed, err := store.Flush(ctx, base, newVersion, patches)
	require.NoError(t, err)
	require.Equal(t, newVersion, flushed.Version)

	reloaded, err := store.Load(ctx, "group-1")
	require.NoError(t, err)
	require.Equal(t, newVersion, reloaded.Version)
	require.Contains(t, reloaded.Clients, "client-1")
	require.Equal(t, []string{"q1"}, reloaded.Clients["client-1"].DesiredQueryIDs)
	require.Contains(t, reloaded.Queries, "q1")
	require.True(t, reloaded.Queries["q1"].IsDesired())
	rid := cvr.RowID{Schema: "public", Table: "issues", RowKey: `"1"`}
	require.Contains(t, reloaded.Rows, rid)
	require.False(t, reloaded.Rows[rid].IsTombstone())
}

func TestStore_DeletedRowStillDeliversCatchupUntilPruned(t *testing.T) {
	pool := setupTestDB(t)
	store := New(pool, nil)
	ctx := context.Background()
	rid := cvr.RowID{Schema: "public", Table: "issues", RowKey: `"1"`}

	base, err := store.Load(ctx, "group-1")
	require.NoError(t, err)

	putVersion := version.Bump(base.Version, "01", true)
	base, err = store.Flush(ctx, base, putVersion, cvr.Patches{
		Rows: []cvr.RowPatch{
			{Op: cvr.OpPut, RowID: rid, Contents: []byte(`{"id":1}`), RowVersion: "v1",
				RefCounts: map[string]int{"q1": 1}, PatchVersion: putVersion},
		},
	})
	require.NoError(t, err)

	delVersion := version.Bump(putVersion, "02", true)
	base, err = store.Flush(ctx, base, delVersion, cvr.Patches{
		Rows: []cvr.RowPatch{
			{Op: cvr.OpDel, RowID: rid, PatchVersion: delVersion},
		},
	})
	require.NoError(t, err)

	// A client still behind the put must be able to catch up to the delete.
	it, err := store.CatchupRowPatches(ctx, "group-1", version.Zero, delVersion, nil)
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next(ctx), "expected the tombstoned row to still be observable before pruning")
	patch := it.RowPatch()
	require.Equal(t, cvr.OpDel, patch.Op)
	require.Equal(t, rid, patch.RowID)
	require.False(t, it.Next(ctx))
	require.NoError(t, it.Err())

	reloaded, err := store.Load(ctx, "group-1")
	require.NoError(t, err)
	require.Contains(t, reloaded.Rows, rid)
	require.True(t, reloaded.Rows[rid].IsTombstone())

	// Once every client is guaranteed to be at or past delVersion, the row
	// can be hard-deleted.
	n, err := store.PruneTombstones(ctx, "group-1", delVersion)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	afterPrune, err := store.Load(ctx, "group-1")
	require.NoError(t, err)
	require.NotContains(t, afterPrune.Rows, rid)

	itAfter, err := store.CatchupRowPatches(ctx, "group-1", version.Zero, delVersion, nil)
	require.NoError(t, err)
	defer itAfter.Close()
	require.False(t, itAfter.Next(ctx), "pruned row must no longer appear in catchup")
}

func TestStore_PruneTombstonesRespectsCutoff(t *testing.T) {
	pool := setupTestDB(t)
	store := New(pool, nil)
	ctx := context.Background()
	rid := cvr.RowID{Schema: "public", Table: "issues", RowKey: `"2"`}

	base, err := store.Load(ctx, "group-1")
	require.NoError(t, err)
	putVersion := version.Bump(base.Version, "01", true)
	base, err = store.Flush(ctx, base, putVersion, cvr.Patches{
		Rows: []cvr.RowPatch{
			{Op: cvr.OpPut, RowID: rid, Contents: []byte(`{"id":2}`), RowVersion: "v1",
				RefCounts: map[string]int{"q1": 1}, PatchVersion: putVersion},
		},
	})
	require.NoError(t, err)

	delVersion := version.Bump(putVersion, "02", true)
	_, err = store.Flush(ctx, base, delVersion, cvr.Patches{
		Rows: []cvr.RowPatch{{Op: cvr.OpDel, RowID: rid, PatchVersion: delVersion}},
	})
	require.NoError(t, err)

	// A cutoff before the delete must not prune it: a client still at
	// putVersion hasn't caught up to the delete yet.
	n, err := store.PruneTombstones(ctx, "group-1", putVersion)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	reloaded, err := store.Load(ctx, "group-1")
	require.NoError(t, err)
	require.Contains(t, reloaded.Rows, rid)
}

func TestStore_ListIdleGroupsOnlyReturnsStaleGroups(t *testing.T) {
	pool := setupTestDB(t)
	store := New(pool, nil)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO instances (id, last_active) VALUES ($1, now() - interval '48 hours')`, "idle-group")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO instances (id, last_active) VALUES ($1, now())`, "active-group")
	require.NoError(t, err)

	idle, err := store.ListIdleGroups(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)

	ids := make([]string, 0, len(idle))
	for _, g := range idle {
		ids = append(ids, g.ClientGroupID)
	}
	require.Contains(t, ids, "idle-group")
	require.NotContains(t, ids, "active-group")
}
