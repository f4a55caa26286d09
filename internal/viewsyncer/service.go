// Package viewsyncer implements the per-client-group orchestrator: it loads
// a CVR, drives an incremental query pipeline as the replica advances, and
// pokes connected clients with the resulting patches. One Service instance
// owns exactly one client group; there is no shared mutable state between
// instances, so a fleet scales out by partitioning groups across processes
// (see internal/groupcoord for the cross-process lease that enforces this).
package viewsyncer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/viewsyncd/viewsyncer/internal/client"
	"github.com/viewsyncd/viewsyncer/internal/cvr"
	"github.com/viewsyncd/viewsyncer/internal/groupcoord"
	"github.com/viewsyncd/viewsyncer/internal/metrics"
	"github.com/viewsyncd/viewsyncer/internal/pipeline"
	"github.com/viewsyncd/viewsyncer/internal/version"
	viewsyncererrors "github.com/viewsyncd/viewsyncer/internal/viewsyncer/errors"
)

// DefaultKeepalive is the idle timeout applied when Config.KeepaliveMs is
// unset: with no connected clients for this long, the service stops itself.
const DefaultKeepalive = 30 * time.Second

// DesiredQueryPatch is one entry of a changeDesiredQueries request. Struct
// tags are enforced by api.go before a patch ever reaches the CVR updater.
type DesiredQueryPatch struct {
	Op   cvr.Op          `validate:"required,oneof=put del clear"`
	Hash string          `validate:"required_unless=Op clear"`
	AST  json.RawMessage `validate:"required_if=Op put"`
}

// Config are the dependencies and tuning knobs for one Service instance.
type Config struct {
	ClientGroupID string
	Pipeline      pipeline.Driver
	Store         cvr.Store
	Signals       SignalStream // defaults to a fresh ChanSignal if nil
	KeepaliveMs   time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.ViewSyncerMetrics
}

// Service is the orchestrator for one client group: it owns the group's
// pipeline, CVR store, connected clients, and the fair lock serializing all
// access to that mutable state.
type Service struct {
	clientGroupID string
	pipeline      pipeline.Driver
	store         cvr.Store
	cvr           *cvr.CVR
	clients       map[string]*client.Handler
	signals       SignalStream
	lock          *groupcoord.Mutex
	keepalive     time.Duration
	idleTimer     *time.Timer
	logger        *slog.Logger
	metrics       *metrics.ViewSyncerMetrics

	state atomic.Int32
}

// NewService validates cfg and builds a Service in StateStarting. Run must
// be called to load the CVR and begin serving.
func NewService(cfg Config) (*Service, error) {
	if cfg.ClientGroupID == "" {
		return nil, fmt.Errorf("view syncer: client group id is required")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("view syncer: pipeline driver is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("view syncer: cvr store is required")
	}
	if cfg.Signals == nil {
		cfg.Signals = NewChanSignal()
	}
	if cfg.KeepaliveMs <= 0 {
		cfg.KeepaliveMs = DefaultKeepalive
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Service{
		clientGroupID: cfg.ClientGroupID,
		pipeline:      cfg.Pipeline,
		store:         cfg.Store,
		clients:       make(map[string]*client.Handler),
		signals:       cfg.Signals,
		lock:          groupcoord.NewMutex(),
		keepalive:     cfg.KeepaliveMs,
		logger:        cfg.Logger.With("component", "viewsyncer.service", "group_id", cfg.ClientGroupID),
		metrics:       cfg.Metrics,
	}
	return s, nil
}

// ClientGroupID returns the group this service serves.
func (s *Service) ClientGroupID() string {
	return s.clientGroupID
}

// State reports the service's current lifecycle stage.
func (s *Service) State() State {
	return State(s.state.Load())
}

func (s *Service) setState(v State) {
	s.state.Store(int32(v))
}

// Run loads the CVR and drives the run loop until Stop is called, a fatal
// error is hit, or ctx is done. It returns after clients have been closed
// and the CVR is left at its last durably flushed version.
func (s *Service) Run(ctx context.Context) error {
	snapshot, err := s.store.Load(ctx, s.clientGroupID)
	if err != nil {
		return viewsyncererrors.Unavailablef("view syncer: load cvr for group %s: %v", s.clientGroupID, err)
	}

	if err := s.lock.Lock(ctx); err != nil {
		return err
	}
	s.cvr = snapshot
	s.lock.Unlock()

	s.setState(StateRunning)
	s.logger.Info("view syncer service started", "version", snapshot.Version)
	defer s.cleanup()

	for s.signals.Recv(ctx) {
		if err := s.tick(ctx); err != nil {
			s.logger.Error("group failed, stopping", "kind", viewsyncererrors.ClassOf(err), "error", err)
			break
		}
	}

	s.setState(StateStopped)
	return nil
}

// Stop ends the run loop after its current iteration and closes all
// connected clients cleanly.
func (s *Service) Stop() {
	s.setState(StateStopped)
	s.signals.Cancel()
}

func (s *Service) cleanup() {
	ctx := context.Background()
	if err := s.lock.Lock(ctx); err != nil {
		return
	}
	defer s.lock.Unlock()

	for id, h := range s.clients {
		h.Close()
		delete(s.clients, id)
		if s.metrics != nil {
			s.metrics.ActiveClients.Dec()
		}
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.logger.Info("view syncer service stopped")
}

// tick runs one iteration of the run loop body, holding the lock for its
// entire duration: init-and-sync on the first signal, advance thereafter.
func (s *Service) tick(ctx context.Context) error {
	if err := s.lock.Lock(ctx); err != nil {
		return err
	}
	defer s.lock.Unlock()

	if !s.pipeline.Initialized() {
		if err := s.pipeline.Init(ctx); err != nil {
			return viewsyncererrors.Fatalf("view syncer: pipeline init: %v", err)
		}
		if err := s.hydrateUnchangedQueries(ctx); err != nil {
			return err
		}
		return s.syncQueryPipelineSet(ctx)
	}
	return s.advancePipelines(ctx)
}

// hydrateUnchangedQueries is the startup fast path: if the CVR's
// stateVersion already matches the pipeline's, every got query whose
// transformation is still the identity transform (no AST rewrite applied)
// is re-registered against the pipeline to rebuild its indexes, discarding
// the resulting changes since the CVR itself does not need to change.
func (s *Service) hydrateUnchangedQueries(ctx context.Context) error {
	if s.cvr.Version.StateVersion != s.pipeline.CurrentVersion() {
		return nil
	}

	for hash, q := range s.cvr.Queries {
		if !q.IsGot() || q.TransformationHash != hash {
			continue
		}
		it, err := s.pipeline.AddQuery(ctx, hash, q.AST)
		if err != nil {
			if viewsyncererrors.Is(err, viewsyncererrors.KindBadQuery) {
				s.logger.Warn("bad query during startup hydration", "hash", hash, "error", err)
				s.failClientsDesiring(hash, err)
				continue
			}
			return viewsyncererrors.Fatalf("view syncer: hydrate unchanged query %s: %v", hash, err)
		}
		for it.Next(ctx) {
			// Discarded: this rebuilds pipeline indexes only, the CVR is
			// already correct for this query.
		}
		if err := it.Err(); err != nil {
			return viewsyncererrors.Unavailablef("view syncer: hydrate unchanged query %s: %v", hash, err)
		}
	}
	return nil
}

// syncQueryPipelineSet reconciles the pipeline's hydrated query set against
// the CVR's desired set. Called once at startup via tick, and directly by
// InitConnection/ChangeDesiredQueries whenever a client's desired queries
// change and the pipeline is already initialized.
func (s *Service) syncQueryPipelineSet(ctx context.Context) error {
	hydrated := s.pipeline.AddedQueries()

	desired := make(map[string]struct{}, len(s.cvr.Queries))
	for hash, q := range s.cvr.Queries {
		if q.IsDesired() {
			desired[hash] = struct{}{}
		}
	}

	var toAdd, toRemove []string
	for hash := range desired {
		if _, ok := hydrated[hash]; !ok {
			toAdd = append(toAdd, hash)
		}
	}
	for hash := range s.cvr.Queries {
		if _, ok := desired[hash]; !ok {
			toRemove = append(toRemove, hash)
		}
	}

	if len(toAdd) > 0 || len(toRemove) > 0 {
		return s.addAndRemoveQueries(ctx, toAdd, toRemove)
	}
	return s.catchupClients(ctx, s.cvr, nil, nil)
}

// addAndRemoveQueries hydrates newly desired queries and drops no-longer
// desired ones, streaming the resulting patches to every connected client
// alongside the catch-up each client still needs.
func (s *Service) addAndRemoveQueries(ctx context.Context, toAdd, toRemove []string) error {
	updater := cvr.NewQueryUpdater(s.store, s.cvr, s.pipeline.CurrentVersion())

	adds := make([]cvr.QueryAdd, 0, len(toAdd))
	for _, hash := range toAdd {
		q := s.cvr.Queries[hash]
		// No query-rewrite stage exists in this core; the transformation
		// hash is the query's own hash, i.e. the identity transform.
		adds = append(adds, cvr.QueryAdd{Hash: hash, AST: q.AST, TransformationHash: hash})
	}
	queryPatches := updater.TrackQueries(adds, toRemove)

	ids := s.startPokers(ctx, updater.UpdatedVersion())
	if len(queryPatches) > 0 {
		s.broadcastGotQueryPatches(ctx, ids, queryPatches)
	}

	for _, hash := range toRemove {
		s.pipeline.RemoveQuery(hash)
	}

	excludeQueries := make(map[string]struct{}, len(toAdd))
	for _, hash := range toAdd {
		excludeQueries[hash] = struct{}{}

		q := s.cvr.Queries[hash]
		it, err := s.pipeline.AddQuery(ctx, hash, q.AST)
		if err != nil {
			if viewsyncererrors.Is(err, viewsyncererrors.KindBadQuery) {
				s.logger.Warn("bad query during hydration", "hash", hash, "error", err)
				s.failClientsDesiring(hash, err)
				continue
			}
			return viewsyncererrors.Fatalf("view syncer: add query %s: %v", hash, err)
		}

		if _, err := updater.ProcessChanges(ctx, it, func(patches []cvr.RowPatch) error {
			s.broadcastRowPatches(ctx, ids, patches)
			return nil
		}); err != nil {
			return err
		}
	}

	if delPatches := updater.DeleteUnreferencedRows(); len(delPatches) > 0 {
		s.broadcastRowPatches(ctx, ids, delPatches)
	}

	next, err := updater.Flush(ctx, s.logger)
	if err != nil {
		return viewsyncererrors.Unavailablef("view syncer: flush query set change: %v", err)
	}
	s.cvr = next

	if err := s.catchupClients(ctx, next, excludeQueries, ids); err != nil {
		return err
	}

	s.endPokers(ctx, ids)
	s.pruneClosedClients()
	return nil
}

// advancePipelines is the hot path during normal operation: one replica
// delta in, one poke out to every connected client.
func (s *Service) advancePipelines(ctx context.Context) error {
	result, err := s.pipeline.Advance(ctx)
	if err != nil {
		return viewsyncererrors.Fatalf("view syncer: pipeline advance: %v", err)
	}
	if result.NumChanges == 0 {
		return nil
	}

	updater := cvr.NewQueryUpdater(s.store, s.cvr, result.Version)
	ids := s.startPokers(ctx, updater.UpdatedVersion())

	if _, err := updater.ProcessChanges(ctx, result.Changes, func(patches []cvr.RowPatch) error {
		s.broadcastRowPatches(ctx, ids, patches)
		return nil
	}); err != nil {
		return err
	}

	next, err := updater.Flush(ctx, s.logger)
	if err != nil {
		return viewsyncererrors.Unavailablef("view syncer: flush after advance: %v", err)
	}
	s.cvr = next

	s.endPokers(ctx, ids)
	s.pruneClosedClients()
	return nil
}

// catchupClients streams config and row patches to every client lagging
// behind snapshot's version. When ids is nil it operates standalone,
// starting and ending its own poke per lagging client; when ids is the
// result of startPokers, it appends to pokes already in flight and leaves
// ending them to the caller.
func (s *Service) catchupClients(ctx context.Context, snapshot *cvr.CVR, excludeQueries map[string]struct{}, ids []string) error {
	standalone := ids == nil
	targets := ids
	if standalone {
		targets = make([]string, 0, len(s.clients))
		for id := range s.clients {
			targets = append(targets, id)
		}
	}

	for _, id := range targets {
		if err := s.catchupOneClient(ctx, id, snapshot, excludeQueries, standalone); err != nil {
			return err
		}
	}

	if standalone {
		s.pruneClosedClients()
	}
	return nil
}

// catchupOneClient returns a non-nil error only for group-fatal failures;
// client-scoped failures (bad data, invariant violation, send error) are
// handled by failing that client's poke and returning nil so the group
// keeps running for everyone else.
func (s *Service) catchupOneClient(ctx context.Context, id string, snapshot *cvr.CVR, excludeQueries map[string]struct{}, standalone bool) error {
	h, ok := s.clients[id]
	if !ok {
		return nil
	}
	fromVersion := h.Version()
	if version.Compare(fromVersion, snapshot.Version) != version.Less {
		return nil
	}

	if standalone {
		if _, err := h.StartPoke(ctx, newPokeID(), snapshot.Version); err != nil {
			s.logger.Warn("failed to start catchup poke", "client_id", id, "error", err)
			return nil
		}
	}
	p := h.CurrentPoker()
	if p == nil {
		return nil
	}

	configPatches, err := s.store.CatchupConfigPatches(ctx, s.clientGroupID, fromVersion, snapshot.Version)
	if err != nil {
		return viewsyncererrors.Unavailablef("view syncer: catchup config patches for %s: %v", id, err)
	}
	for _, cp := range configPatches {
		if cp.Client != nil {
			if err := p.AddClientPatches(ctx, []cvr.ClientPatch{*cp.Client}); err != nil {
				h.FailPoke(err)
				return nil
			}
		}
		if cp.Query != nil {
			if err := p.AddDesiredQueryPatches(ctx, []cvr.QueryPatch{*cp.Query}); err != nil {
				h.FailPoke(err)
				return nil
			}
		}
	}

	rowIt, err := s.store.CatchupRowPatches(ctx, s.clientGroupID, fromVersion, snapshot.Version, excludeQueries)
	if err != nil {
		return viewsyncererrors.Unavailablef("view syncer: catchup row patches for %s: %v", id, err)
	}
	defer rowIt.Close()

	for rowIt.Next(ctx) {
		rp := rowIt.RowPatch()
		if rp.Op == cvr.OpPut {
			content, err := s.pipeline.GetRow(ctx, rp.RowID.Schema, rp.RowID.Table, rp.RowID.RowKey)
			if err != nil {
				return viewsyncererrors.Unavailablef("view syncer: catchup row lookup for %s: %v", id, err)
			}
			if content == nil {
				h.FailPoke(viewsyncererrors.Internalf("view syncer: catchup row %s/%s/%s vanished from pipeline", rp.RowID.Schema, rp.RowID.Table, rp.RowID.RowKey))
				return nil
			}
			rp.Contents = content
		}
		if err := p.AddRowPatches(ctx, []cvr.RowPatch{rp}); err != nil {
			h.FailPoke(err)
			return nil
		}
		if s.metrics != nil {
			s.metrics.CatchupRowsTotal.Inc()
		}
	}
	if err := rowIt.Err(); err != nil {
		return viewsyncererrors.Unavailablef("view syncer: catchup row stream for %s: %v", id, err)
	}

	if standalone {
		if err := h.EndPoke(ctx); err != nil {
			s.logger.Warn("failed to end catchup poke", "client_id", id, "error", err)
		}
	}
	return nil
}

func (s *Service) failClientsDesiring(hash string, err error) {
	q, ok := s.cvr.Queries[hash]
	if !ok {
		return
	}
	for clientID := range q.DesiredBy {
		if h, ok := s.clients[clientID]; ok {
			h.FailPoke(err)
		}
	}
}

// startPokers begins one poke, identified by a single pokeID shared across
// clients, on every currently connected client. Clients whose Send fails
// immediately are dropped from the returned id list.
func (s *Service) startPokers(ctx context.Context, newVersion version.Version) []string {
	pokeID := newPokeID()
	ids := make([]string, 0, len(s.clients))
	for id, h := range s.clients {
		if _, err := h.StartPoke(ctx, pokeID, newVersion); err != nil {
			s.logger.Warn("failed to start poke", "client_id", id, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) broadcastRowPatches(ctx context.Context, ids []string, patches []cvr.RowPatch) {
	for _, id := range ids {
		h, ok := s.clients[id]
		if !ok {
			continue
		}
		p := h.CurrentPoker()
		if p == nil {
			continue
		}
		if err := p.AddRowPatches(ctx, patches); err != nil {
			h.FailPoke(err)
		}
	}
	if s.metrics != nil {
		s.metrics.RowChangesTotal.Add(float64(len(patches)))
	}
}

func (s *Service) broadcastGotQueryPatches(ctx context.Context, ids []string, patches []cvr.QueryPatch) {
	for _, id := range ids {
		h, ok := s.clients[id]
		if !ok {
			continue
		}
		p := h.CurrentPoker()
		if p == nil {
			continue
		}
		if err := p.AddGotQueryPatches(ctx, patches); err != nil {
			h.FailPoke(err)
		}
	}
}

func (s *Service) endPokers(ctx context.Context, ids []string) {
	for _, id := range ids {
		h, ok := s.clients[id]
		if !ok {
			continue
		}
		if h.CurrentPoker() == nil {
			continue
		}
		if err := h.EndPoke(ctx); err != nil {
			s.logger.Warn("failed to end poke", "client_id", id, "error", err)
		}
	}
}

// pruneClosedClients drops handlers whose connection has already been torn
// down and re-evaluates the idle timer. Callers must hold s.lock.
func (s *Service) pruneClosedClients() {
	for id, h := range s.clients {
		if h.Closed() {
			delete(s.clients, id)
			if s.metrics != nil {
				s.metrics.ActiveClients.Dec()
			}
		}
	}
	s.armIdleTimerLocked()
}

// noteClientActivityLocked cancels any armed idle timer and returns the
// service to StateRunning. Callers must hold s.lock.
func (s *Service) noteClientActivityLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.State() == StateIdle {
		s.setState(StateRunning)
	}
}

// armIdleTimerLocked arms the idle timeout once the client count reaches
// zero. Firing it cancels the signal stream, ending the run loop. Callers must
// hold s.lock.
func (s *Service) armIdleTimerLocked() {
	if len(s.clients) > 0 || s.State() != StateRunning {
		return
	}
	s.setState(StateIdle)
	s.idleTimer = time.AfterFunc(s.keepalive, func() {
		s.logger.Info("idle timeout, stopping group")
		s.Stop()
	})
}

// Snapshot is a read-only summary of a group's current state, for the
// operational debug surface — never part of the client-facing protocol.
type Snapshot struct {
	ClientGroupID string
	State         State
	Version       version.Version
	ClientCount   int
	QueryCount    int
	RowCount      int
}

// Snapshot reports the group's current state under the service's lock. Safe
// to call concurrently with Run.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := s.lock.Lock(ctx); err != nil {
		return Snapshot{}, err
	}
	defer s.lock.Unlock()

	snap := Snapshot{
		ClientGroupID: s.clientGroupID,
		State:         s.State(),
		ClientCount:   len(s.clients),
	}
	if s.cvr != nil {
		snap.Version = s.cvr.Version
		snap.QueryCount = len(s.cvr.Queries)
		snap.RowCount = len(s.cvr.Rows)
	}
	return snap, nil
}

func newPokeID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("poke_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
