package viewsyncer

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/viewsyncd/viewsyncer/internal/client"
	"github.com/viewsyncd/viewsyncer/internal/cvr"
	"github.com/viewsyncd/viewsyncer/internal/version"
	viewsyncererrors "github.com/viewsyncd/viewsyncer/internal/viewsyncer/errors"
)

// patchValidator enforces DesiredQueryPatch's struct tags. A validator.Validate
// is safe for concurrent use once built, so one instance is shared across
// every Service.
var patchValidator = validator.New()

// InitConnection registers a new connection for clientID, closing any prior
// handler for the same clientID, and applies its initial desired-query
// patch if any. baseCookie is the version the client already has; an empty
// cookie means the client has nothing yet.
func (s *Service) InitConnection(ctx context.Context, clientID, wsID, baseCookie string, downstream client.Downstream, patch []DesiredQueryPatch) error {
	baseVersion, err := version.FromCookie(baseCookie)
	if err != nil {
		return err
	}

	if err := s.lock.Lock(ctx); err != nil {
		return err
	}
	defer s.lock.Unlock()

	if s.cvr == nil {
		return viewsyncererrors.Unavailablef("view syncer: group %s has not finished loading its cvr yet", s.clientGroupID)
	}

	if old, ok := s.clients[clientID]; ok {
		old.Close()
	} else if s.metrics != nil {
		s.metrics.ActiveClients.Inc()
	}

	h := client.NewHandler(clientID, wsID, downstream, baseVersion, s.logger, s.metrics)
	s.clients[clientID] = h
	s.noteClientActivityLocked()

	if len(patch) == 0 {
		return nil
	}
	return s.applyDesiredQueriesLocked(ctx, clientID, patch)
}

// ChangeDesiredQueries applies patch to clientID's desired query set.
// Dropped silently (StaleConnection) if wsID no longer matches the live
// handler for clientID — the old connection already disconnected.
func (s *Service) ChangeDesiredQueries(ctx context.Context, clientID, wsID string, patch []DesiredQueryPatch) error {
	if err := s.lock.Lock(ctx); err != nil {
		return err
	}
	defer s.lock.Unlock()

	h, ok := s.clients[clientID]
	if !ok || h.WSID() != wsID {
		return viewsyncererrors.StaleConnection
	}

	s.noteClientActivityLocked()
	return s.applyDesiredQueriesLocked(ctx, clientID, patch)
}

// applyDesiredQueriesLocked flushes patch against the CVR via a
// ConfigUpdater and, if the pipeline is already initialized, immediately
// reconciles the pipeline's hydrated query set. Callers must hold s.lock.
func (s *Service) applyDesiredQueriesLocked(ctx context.Context, clientID string, patch []DesiredQueryPatch) error {
	u := cvr.NewConfigUpdater(s.store, s.cvr)

	var toPut map[string]json.RawMessage
	var toDel []string
	clearAll := false

	for _, p := range patch {
		if err := patchValidator.Struct(p); err != nil {
			return viewsyncererrors.BadRequestf("view syncer: invalid desired-query patch %+v for %s: %v", p, clientID, err)
		}

		switch p.Op {
		case cvr.OpPut:
			if toPut == nil {
				toPut = map[string]json.RawMessage{}
			}
			toPut[p.Hash] = p.AST
		case cvr.OpDel:
			toDel = append(toDel, p.Hash)
		case cvr.OpClear:
			clearAll = true
		default:
			return viewsyncererrors.BadRequestf("view syncer: unknown desired-query op %q", p.Op)
		}
	}

	if clearAll {
		u.ClearDesiredQueries(clientID)
	}
	if len(toDel) > 0 {
		u.DeleteDesiredQueries(clientID, toDel)
	}
	if len(toPut) > 0 {
		u.PutDesiredQueries(clientID, toPut)
	}

	next, err := u.Flush(ctx, s.logger)
	if err != nil {
		return viewsyncererrors.Unavailablef("view syncer: flush desired queries for %s: %v", clientID, err)
	}
	s.cvr = next

	if s.pipeline.Initialized() {
		return s.syncQueryPipelineSet(ctx)
	}
	return nil
}

// Keepalive resets the idle timer if armed. Returns false if the service
// has already stopped.
func (s *Service) Keepalive(ctx context.Context) (bool, error) {
	if err := s.lock.Lock(ctx); err != nil {
		return false, err
	}
	defer s.lock.Unlock()

	if s.State() == StateStopped {
		return false, nil
	}
	s.noteClientActivityLocked()
	return true, nil
}
