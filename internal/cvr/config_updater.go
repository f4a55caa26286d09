package cvr

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/viewsyncd/viewsyncer/internal/version"
)

// AddedQuery is one query newly introduced by a ConfigUpdater.PutDesiredQueries
// call — the caller is responsible for hydrating it against the pipeline.
type AddedQuery struct {
	Hash string
	AST  json.RawMessage
}

// ConfigUpdater stages client/query membership changes (put/del/clear
// desired queries, add/remove clients) against a borrowed CVR snapshot. It
// bumps MinorVersion only — membership changes never advance StateVersion.
type ConfigUpdater struct {
	store  Store
	base   *CVR
	next   *CVR
	newVer version.Version

	clientPatches []ClientPatch
	queryPatches  []QueryPatch
}

// NewConfigUpdater starts a config-driven update cycle against base.
func NewConfigUpdater(store Store, base *CVR) *ConfigUpdater {
	return &ConfigUpdater{
		store:  store,
		base:   base,
		next:   base.clone(),
		newVer: version.Bump(base.Version, "", true),
	}
}

// PutDesiredQueries marks queries as desired by clientID at the updater's
// new version, adding the client if absent, and returns the queries that
// did not already exist in the CVR so the caller can hydrate them.
func (u *ConfigUpdater) PutDesiredQueries(clientID string, queries map[string]json.RawMessage) []AddedQuery {
	if _, ok := u.next.Clients[clientID]; !ok {
		u.next.Clients[clientID] = ClientRecord{
			ID:              clientID,
			PatchVersion:    u.newVer,
			DesiredQueryIDs: nil,
		}
	}
	client := u.next.Clients[clientID]

	var added []AddedQuery
	touchedQueries := make(map[string]struct{}, len(queries))
	for hash, ast := range queries {
		q, exists := u.next.Queries[hash]
		if !exists {
			q = QueryRecord{
				ID:        hash,
				AST:       ast,
				DesiredBy: map[string]version.Version{},
			}
			added = append(added, AddedQuery{Hash: hash, AST: ast})
		} else {
			// Existing query record's DesiredBy map is shared via
			// copy-on-write clone; give this query its own map before
			// mutating so sibling snapshots are untouched.
			desiredBy := make(map[string]version.Version, len(q.DesiredBy)+1)
			for k, v := range q.DesiredBy {
				desiredBy[k] = v
			}
			q.DesiredBy = desiredBy
		}
		q.DesiredBy[clientID] = u.newVer
		u.next.Queries[hash] = q
		touchedQueries[hash] = struct{}{}

		if !clientHasQuery(client.DesiredQueryIDs, hash) {
			client.DesiredQueryIDs = append(append([]string{}, client.DesiredQueryIDs...), hash)
		}
	}
	client.PatchVersion = u.newVer
	u.next.Clients[clientID] = client

	u.clientPatches = append(u.clientPatches, ClientPatch{
		Op:              OpPut,
		ClientID:        clientID,
		DesiredQueryIDs: client.DesiredQueryIDs,
	})
	for hash := range touchedQueries {
		u.stageQueryPatch(hash)
	}

	return added
}

// DeleteDesiredQueries removes clientID's desire for each hash. A query
// whose DesiredBy becomes empty and which is not Internal becomes
// removable; the query-driven updater performs the actual pipeline/CVR
// removal once the pipeline has stopped tracking it.
func (u *ConfigUpdater) DeleteDesiredQueries(clientID string, hashes []string) {
	client, ok := u.next.Clients[clientID]
	if !ok {
		return
	}
	for _, hash := range hashes {
		q, exists := u.next.Queries[hash]
		if !exists {
			continue
		}
		desiredBy := make(map[string]version.Version, len(q.DesiredBy))
		for k, v := range q.DesiredBy {
			if k != clientID {
				desiredBy[k] = v
			}
		}
		q.DesiredBy = desiredBy
		u.next.Queries[hash] = q
		u.stageQueryPatch(hash)
	}
	client.DesiredQueryIDs = removeAll(client.DesiredQueryIDs, hashes)
	client.PatchVersion = u.newVer
	u.next.Clients[clientID] = client

	u.clientPatches = append(u.clientPatches, ClientPatch{
		Op:              OpPut,
		ClientID:        clientID,
		DesiredQueryIDs: client.DesiredQueryIDs,
	})
}

// stageQueryPatch appends a QueryPatch reflecting the full current state of
// the named query in u.next, so Store.Flush can persist DesiredBy and the
// got/transformation fields together instead of only the delta.
func (u *ConfigUpdater) stageQueryPatch(hash string) {
	q := u.next.Queries[hash]
	u.queryPatches = append(u.queryPatches, QueryPatch{
		Op:                    OpPut,
		Hash:                  hash,
		AST:                   q.AST,
		TransformationHash:    q.TransformationHash,
		TransformationVersion: q.TransformationVersion,
		DesiredBy:             q.DesiredBy,
	})
}

// ClearDesiredQueries removes all of clientID's desired queries.
func (u *ConfigUpdater) ClearDesiredQueries(clientID string) {
	client, ok := u.next.Clients[clientID]
	if !ok {
		return
	}
	u.DeleteDesiredQueries(clientID, append([]string{}, client.DesiredQueryIDs...))
}

// RemovableQueries returns queries in the staged snapshot that are neither
// Internal nor desired by anyone — candidates for pipeline.RemoveQuery in
// the caller's reconciliation pass.
func (u *ConfigUpdater) RemovableQueries() []string {
	var out []string
	for hash, q := range u.next.Queries {
		if !q.IsDesired() {
			out = append(out, hash)
		}
	}
	return out
}

// Flush persists the staged client/query patches atomically via the store
// and returns the new CVR snapshot.
func (u *ConfigUpdater) Flush(ctx context.Context, logger *slog.Logger) (*CVR, error) {
	patches := Patches{Clients: u.clientPatches, Queries: u.queryPatches}
	newSnapshot, err := u.store.Flush(ctx, u.base, u.newVer, patches)
	if err != nil {
		if logger != nil {
			logger.Error("config updater flush failed", "group_id", u.base.ID, "error", err)
		}
		return nil, err
	}
	return newSnapshot, nil
}

func clientHasQuery(ids []string, hash string) bool {
	for _, id := range ids {
		if id == hash {
			return true
		}
	}
	return false
}

func removeAll(ids []string, remove []string) []string {
	removeSet := make(map[string]struct{}, len(remove))
	for _, r := range remove {
		removeSet[r] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, drop := removeSet[id]; !drop {
			out = append(out, id)
		}
	}
	return out
}
