// Package cvrpostgres is the durable Postgres-backed implementation of
// cvr.Store: instances/clients/queries/rows tables, flushed under
// serializable transactions and streamed back out via pgx cursors.
package cvrpostgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/viewsyncd/viewsyncer/internal/cvr"
	viewsyncererrors "github.com/viewsyncd/viewsyncer/internal/viewsyncer/errors"
	"github.com/viewsyncd/viewsyncer/internal/version"
)

// Store implements cvr.Store against a Postgres pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New builds a Store backed by pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Load reads the full CVR for a client group, or an empty CVR at the zero
// version if no instance row exists yet.
func (s *Store) Load(ctx context.Context, clientGroupID string) (*cvr.CVR, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: begin load tx: %v", err)
	}
	defer tx.Rollback(ctx)

	out, err := loadWithin(ctx, tx, clientGroupID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: commit load tx: %v", err)
	}
	return out, nil
}

func loadWithin(ctx context.Context, tx pgx.Tx, clientGroupID string) (*cvr.CVR, error) {
	var stateVersion string
	var minorVersion uint32
	err := tx.QueryRow(ctx,
		`SELECT version_state, version_minor FROM instances WHERE id = $1`, clientGroupID,
	).Scan(&stateVersion, &minorVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return cvr.Empty(clientGroupID, time.Now()), nil
	}
	if err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: load instance: %v", err)
	}

	out := &cvr.CVR{
		ID:         clientGroupID,
		Version:    version.Version{StateVersion: stateVersion, MinorVersion: minorVersion},
		LastActive: time.Now(),
		Clients:    map[string]cvr.ClientRecord{},
		Queries:    map[string]cvr.QueryRecord{},
		Rows:       map[cvr.RowID]cvr.RowRecord{},
	}

	clientRows, err := tx.Query(ctx,
		`SELECT client_id, patch_state, patch_minor, desired_query_ids FROM clients WHERE group_id = $1`, clientGroupID)
	if err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: load clients: %v", err)
	}
	for clientRows.Next() {
		var c cvr.ClientRecord
		var patchState string
		var patchMinor uint32
		if err := clientRows.Scan(&c.ID, &patchState, &patchMinor, &c.DesiredQueryIDs); err != nil {
			clientRows.Close()
			return nil, viewsyncererrors.Internalf("cvr store: scan client row: %v", err)
		}
		c.PatchVersion = version.Version{StateVersion: patchState, MinorVersion: patchMinor}
		out.Clients[c.ID] = c
	}
	if err := clientRows.Err(); err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: iterate clients: %v", err)
	}

	queryRows, err := tx.Query(ctx,
		`SELECT query_hash, ast, internal, desired_by, transformation_hash, transformation_version,
		        patch_state, patch_minor
		 FROM queries WHERE group_id = $1`, clientGroupID)
	if err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: load queries: %v", err)
	}
	for queryRows.Next() {
		q, err := scanQuery(queryRows)
		if err != nil {
			queryRows.Close()
			return nil, err
		}
		out.Queries[q.ID] = *q
	}
	if err := queryRows.Err(); err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: iterate queries: %v", err)
	}

	rowRows, err := tx.Query(ctx,
		`SELECT schema_name, table_name, row_key, row_version, patch_state, patch_minor, ref_counts
		 FROM rows WHERE group_id = $1`, clientGroupID)
	if err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: load rows: %v", err)
	}
	for rowRows.Next() {
		rid, rec, err := scanRow(rowRows)
		if err != nil {
			rowRows.Close()
			return nil, err
		}
		out.Rows[rid] = rec
	}
	if err := rowRows.Err(); err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: iterate rows: %v", err)
	}

	return out, nil
}

func scanQuery(rows pgx.Rows) (*cvr.QueryRecord, error) {
	var q cvr.QueryRecord
	var ast []byte
	var desiredByJSON []byte
	var transformationHash, transformationVersion *string
	var patchState *string
	var patchMinor *uint32
	if err := rows.Scan(&q.ID, &ast, &q.Internal, &desiredByJSON, &transformationHash, &transformationVersion,
		&patchState, &patchMinor); err != nil {
		return nil, viewsyncererrors.Internalf("cvr store: scan query row: %v", err)
	}
	q.AST = ast
	q.DesiredBy = map[string]version.Version{}
	if len(desiredByJSON) > 0 {
		var raw map[string]struct {
			StateVersion string `json:"stateVersion"`
			MinorVersion uint32 `json:"minorVersion"`
		}
		if err := json.Unmarshal(desiredByJSON, &raw); err != nil {
			return nil, viewsyncererrors.Internalf("cvr store: unmarshal desired_by: %v", err)
		}
		for clientID, v := range raw {
			q.DesiredBy[clientID] = version.Version{StateVersion: v.StateVersion, MinorVersion: v.MinorVersion}
		}
	}
	if transformationHash != nil {
		q.TransformationHash = *transformationHash
	}
	if transformationVersion != nil {
		q.TransformationVersion = *transformationVersion
	}
	if patchState != nil && patchMinor != nil {
		q.PatchVersion = version.Version{StateVersion: *patchState, MinorVersion: *patchMinor}
	}
	return &q, nil
}

func scanRow(rows pgx.Rows) (cvr.RowID, cvr.RowRecord, error) {
	var rid cvr.RowID
	var rec cvr.RowRecord
	var rowVersion *string
	var patchState string
	var patchMinor uint32
	var refCountsJSON []byte
	if err := rows.Scan(&rid.Schema, &rid.Table, &rid.RowKey, &rowVersion, &patchState, &patchMinor, &refCountsJSON); err != nil {
		return rid, rec, viewsyncererrors.Internalf("cvr store: scan row: %v", err)
	}
	rec.PatchVersion = version.Version{StateVersion: patchState, MinorVersion: patchMinor}
	if rowVersion != nil {
		rec.RowVersion = *rowVersion
	}
	if len(refCountsJSON) > 0 {
		var refCounts map[string]int
		if err := json.Unmarshal(refCountsJSON, &refCounts); err != nil {
			return rid, rec, viewsyncererrors.Internalf("cvr store: unmarshal ref_counts: %v", err)
		}
		rec.RefCounts = refCounts
	}
	return rid, rec, nil
}

// Flush applies patches atomically under a serializable transaction,
// aborting with a conflict error if the stored version has moved past base
// since it was loaded.
func (s *Store) Flush(ctx context.Context, base *cvr.CVR, newVersion version.Version, patches cvr.Patches) (*cvr.CVR, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: begin flush tx: %v", err)
	}
	defer tx.Rollback(ctx)

	var storedState string
	var storedMinor uint32
	err = tx.QueryRow(ctx, `SELECT version_state, version_minor FROM instances WHERE id = $1 FOR UPDATE`, base.ID).
		Scan(&storedState, &storedMinor)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if version.Compare(base.Version, version.Zero) != version.Equal {
			return nil, viewsyncererrors.Internalf("cvr store: flush: no instance row but base version %+v is non-zero", base.Version)
		}
	case err != nil:
		return nil, viewsyncererrors.Unavailablef("cvr store: lock instance: %v", err)
	default:
		stored := version.Version{StateVersion: storedState, MinorVersion: storedMinor}
		if version.Compare(stored, base.Version) != version.Equal {
			return nil, viewsyncererrors.Internalf("cvr store: flush conflict: stored version %+v != base version %+v", stored, base.Version)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO instances (id, version_state, version_minor, last_active)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET version_state = $2, version_minor = $3, last_active = now()`,
		base.ID, newVersion.StateVersion, newVersion.MinorVersion); err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: upsert instance: %v", err)
	}

	if err := applyClientPatches(ctx, tx, base.ID, patches.Clients); err != nil {
		return nil, err
	}
	if err := applyQueryPatches(ctx, tx, base.ID, patches.Queries); err != nil {
		return nil, err
	}
	if err := applyRowPatches(ctx, tx, base.ID, patches.Rows); err != nil {
		return nil, err
	}

	next, err := loadWithin(ctx, tx, base.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: commit flush tx: %v", err)
	}
	return next, nil
}

func applyClientPatches(ctx context.Context, tx pgx.Tx, groupID string, patches []cvr.ClientPatch) error {
	for _, p := range patches {
		switch p.Op {
		case cvr.OpDel:
			if _, err := tx.Exec(ctx, `DELETE FROM clients WHERE group_id = $1 AND client_id = $2`, groupID, p.ClientID); err != nil {
				return viewsyncererrors.Unavailablef("cvr store: delete client: %v", err)
			}
		case cvr.OpPut:
			desired := p.DesiredQueryIDs
			if desired == nil {
				desired = []string{}
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO clients (group_id, client_id, patch_state, patch_minor, desired_query_ids)
				 VALUES ($1, $2, '', 0, $3)
				 ON CONFLICT (group_id, client_id) DO UPDATE SET desired_query_ids = $3`,
				groupID, p.ClientID, desired); err != nil {
				return viewsyncererrors.Unavailablef("cvr store: upsert client: %v", err)
			}
		}
	}
	return nil
}

func applyQueryPatches(ctx context.Context, tx pgx.Tx, groupID string, patches []cvr.QueryPatch) error {
	for _, p := range patches {
		switch p.Op {
		case cvr.OpDel:
			if _, err := tx.Exec(ctx, `DELETE FROM queries WHERE group_id = $1 AND query_hash = $2`, groupID, p.Hash); err != nil {
				return viewsyncererrors.Unavailablef("cvr store: delete query: %v", err)
			}
		case cvr.OpPut:
			ast := p.AST
			if ast == nil {
				ast = json.RawMessage(`{}`)
			}
			desiredBy := make(map[string]struct {
				StateVersion string `json:"stateVersion"`
				MinorVersion uint32 `json:"minorVersion"`
			}, len(p.DesiredBy))
			for clientID, v := range p.DesiredBy {
				desiredBy[clientID] = struct {
					StateVersion string `json:"stateVersion"`
					MinorVersion uint32 `json:"minorVersion"`
				}{StateVersion: v.StateVersion, MinorVersion: v.MinorVersion}
			}
			desiredByJSON, err := json.Marshal(desiredBy)
			if err != nil {
				return viewsyncererrors.Internalf("cvr store: marshal desired_by: %v", err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO queries (group_id, query_hash, ast, internal, desired_by, transformation_hash, transformation_version)
				 VALUES ($1, $2, $3, false, $4, NULLIF($5, ''), NULLIF($6, ''))
				 ON CONFLICT (group_id, query_hash) DO UPDATE
				 SET ast = $3, desired_by = $4, transformation_hash = NULLIF($5, ''), transformation_version = NULLIF($6, '')`,
				groupID, p.Hash, []byte(ast), desiredByJSON, p.TransformationHash, p.TransformationVersion); err != nil {
				return viewsyncererrors.Unavailablef("cvr store: upsert query: %v", err)
			}
		}
	}
	return nil
}

func applyRowPatches(ctx context.Context, tx pgx.Tx, groupID string, patches []cvr.RowPatch) error {
	for _, p := range patches {
		switch p.Op {
		case cvr.OpDel:
			// Tombstone, don't delete: a client behind this patch version
			// still needs CatchupRowPatches to observe the delete. The row
			// is hard-deleted later, once no client can still be behind
			// it, by internal/cvr/compactor's prune pass.
			if _, err := tx.Exec(ctx,
				`UPDATE rows SET row_version = $5, patch_state = $6, patch_minor = $7, ref_counts = '{}', contents = NULL
				 WHERE group_id = $1 AND schema_name = $2 AND table_name = $3 AND row_key = $4`,
				groupID, p.RowID.Schema, p.RowID.Table, p.RowID.RowKey,
				p.RowVersion, p.PatchVersion.StateVersion, p.PatchVersion.MinorVersion); err != nil {
				return viewsyncererrors.Unavailablef("cvr store: tombstone row: %v", err)
			}
		case cvr.OpPut:
			contents := p.Contents
			if contents == nil {
				contents = json.RawMessage(`{}`)
			}
			refCounts, err := json.Marshal(p.RefCounts)
			if err != nil {
				return viewsyncererrors.Internalf("cvr store: marshal ref_counts: %v", err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO rows (group_id, schema_name, table_name, row_key, row_version, patch_state, patch_minor, ref_counts, contents)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				 ON CONFLICT (group_id, schema_name, table_name, row_key)
				 DO UPDATE SET row_version = $5, patch_state = $6, patch_minor = $7, ref_counts = $8, contents = $9`,
				groupID, p.RowID.Schema, p.RowID.Table, p.RowID.RowKey, p.RowVersion,
				p.PatchVersion.StateVersion, p.PatchVersion.MinorVersion, refCounts, []byte(contents)); err != nil {
				return viewsyncererrors.Unavailablef("cvr store: upsert row: %v", err)
			}
		}
	}
	return nil
}

// PruneTombstones hard-deletes rows that are both unreferenced (empty
// ref_counts, i.e. a tombstone) and at or before cutoff. Callers must only
// pass a cutoff no later than the oldest connected client's acknowledged
// version, since CatchupRowPatches can no longer serve a del patch for a
// row once it's gone.
func (s *Store) PruneTombstones(ctx context.Context, clientGroupID string, cutoff version.Version) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM rows
		 WHERE group_id = $1 AND ref_counts = '{}'::jsonb AND (patch_state, patch_minor) <= ($2, $3)`,
		clientGroupID, cutoff.StateVersion, cutoff.MinorVersion)
	if err != nil {
		return 0, viewsyncererrors.Unavailablef("cvr store: prune tombstones: %v", err)
	}
	return tag.RowsAffected(), nil
}

// IdleGroup summarizes one client group for the GC sweep: its id and how
// long it has gone without client activity.
type IdleGroup struct {
	ClientGroupID string
	LastActive    time.Time
}

// ListIdleGroups returns groups whose last_active predates olderThan,
// oldest first. It never deletes or mutates anything — purely a read for
// the sweep's logging pass.
func (s *Store) ListIdleGroups(ctx context.Context, olderThan time.Time) ([]IdleGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, last_active FROM instances WHERE last_active < $1 ORDER BY last_active ASC`, olderThan)
	if err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: list idle groups: %v", err)
	}
	defer rows.Close()

	var out []IdleGroup
	for rows.Next() {
		var g IdleGroup
		if err := rows.Scan(&g.ClientGroupID, &g.LastActive); err != nil {
			return nil, viewsyncererrors.Internalf("cvr store: scan idle group: %v", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// CatchupConfigPatches returns client/query config changes in (fromVersion,
// toVersion], ordered by patch version.
func (s *Store) CatchupConfigPatches(ctx context.Context, clientGroupID string, from, to version.Version) ([]cvr.ConfigPatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT client_id, patch_state, patch_minor
		 FROM clients
		 WHERE group_id = $1 AND (patch_state, patch_minor) > ($2, $3) AND (patch_state, patch_minor) <= ($4, $5)
		 ORDER BY patch_state, patch_minor`,
		clientGroupID, from.StateVersion, from.MinorVersion, to.StateVersion, to.MinorVersion)
	if err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: catchup config patches: %v", err)
	}
	defer rows.Close()

	var out []cvr.ConfigPatch
	for rows.Next() {
		var clientID, patchState string
		var patchMinor uint32
		if err := rows.Scan(&clientID, &patchState, &patchMinor); err != nil {
			return nil, viewsyncererrors.Internalf("cvr store: scan config patch: %v", err)
		}
		out = append(out, cvr.ConfigPatch{
			PatchVersion: version.Version{StateVersion: patchState, MinorVersion: patchMinor},
			Client:       &cvr.ClientPatch{Op: cvr.OpPut, ClientID: clientID},
		})
	}
	return out, rows.Err()
}

// CatchupRowPatches streams row patches in (fromVersion, toVersion],
// ordered by (patchVersion, schema, table, rowKey), excluding rows whose
// sole reference is a query in excludeQueries.
func (s *Store) CatchupRowPatches(ctx context.Context, clientGroupID string, from, to version.Version, excludeQueries map[string]struct{}) (cvr.RowPatchIterator, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT schema_name, table_name, row_key, row_version, patch_state, patch_minor, ref_counts, contents
		 FROM rows
		 WHERE group_id = $1 AND (patch_state, patch_minor) > ($2, $3) AND (patch_state, patch_minor) <= ($4, $5)
		 ORDER BY patch_state, patch_minor, schema_name, table_name, row_key`,
		clientGroupID, from.StateVersion, from.MinorVersion, to.StateVersion, to.MinorVersion)
	if err != nil {
		return nil, viewsyncererrors.Unavailablef("cvr store: catchup row patches: %v", err)
	}
	return &rowPatchIterator{rows: rows, exclude: excludeQueries}, nil
}

type rowPatchIterator struct {
	rows    pgx.Rows
	exclude map[string]struct{}
	current cvr.RowPatch
	err     error
}

func (it *rowPatchIterator) Next(ctx context.Context) bool {
	for it.rows.Next() {
		var rid cvr.RowID
		var rowVersion *string
		var patchState string
		var patchMinor uint32
		var refCountsJSON []byte
		var contents []byte
		if err := it.rows.Scan(&rid.Schema, &rid.Table, &rid.RowKey, &rowVersion, &patchState, &patchMinor, &refCountsJSON, &contents); err != nil {
			it.err = viewsyncererrors.Internalf("cvr store: scan row patch: %v", err)
			return false
		}

		var refCounts map[string]int
		if len(refCountsJSON) > 0 {
			if err := json.Unmarshal(refCountsJSON, &refCounts); err != nil {
				it.err = viewsyncererrors.Internalf("cvr store: unmarshal ref_counts: %v", err)
				return false
			}
		}

		if it.soleReferenceExcluded(refCounts) {
			continue
		}

		op := cvr.OpPut
		if len(refCounts) == 0 {
			op = cvr.OpDel
		}

		patch := cvr.RowPatch{
			Op:           op,
			RowID:        rid,
			PatchVersion: version.Version{StateVersion: patchState, MinorVersion: patchMinor},
		}
		if rowVersion != nil {
			patch.RowVersion = *rowVersion
		}
		if op == cvr.OpPut {
			patch.Contents = contents
		}
		it.current = patch
		return true
	}
	return false
}

func (it *rowPatchIterator) soleReferenceExcluded(refCounts map[string]int) bool {
	if len(it.exclude) == 0 || len(refCounts) == 0 {
		return false
	}
	for q := range refCounts {
		if _, excluded := it.exclude[q]; !excluded {
			return false
		}
	}
	return true
}

func (it *rowPatchIterator) RowPatch() cvr.RowPatch { return it.current }
func (it *rowPatchIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}
func (it *rowPatchIterator) Close() { it.rows.Close() }
