package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/viewsyncd/viewsyncer/internal/cvr"
	"github.com/viewsyncd/viewsyncer/internal/metrics"
)

// FlushThreshold bounds how many accumulated patch entries a Poker holds
// before it flushes an intermediate pokePart, so a single poke with
// thousands of row patches doesn't build one unbounded message.
const FlushThreshold = 500

type clientPatchWire struct {
	Op       string `json:"op"`
	ClientID string `json:"clientID"`
}

type queryPatchWire struct {
	Op   string          `json:"op"`
	Hash string          `json:"hash"`
	AST  json.RawMessage `json:"ast,omitempty"`
}

type rowPatchWire struct {
	Op         string          `json:"op"`
	Schema     string          `json:"schema"`
	Table      string          `json:"table"`
	RowKey     string          `json:"rowKey"`
	RowVersion string          `json:"rowVersion,omitempty"`
	Contents   json.RawMessage `json:"contents,omitempty"`
}

// Poker frames one poke's worth of CVR patches into pokeStart/pokePart*/
// pokeEnd messages and writes them to a Downstream. AddPatch-style methods
// are called potentially thousands of times per poke; Poker coalesces into
// pokePart messages and flushes on FlushThreshold rather than one message
// per patch.
type Poker struct {
	downstream Downstream
	logger     *slog.Logger
	metrics    *metrics.ViewSyncerMetrics

	pokeID  string
	cookie  string
	started bool
	failed  bool

	pendingClients []clientPatchWire
	pendingDesired []queryPatchWire
	pendingGot     []queryPatchWire
	pendingRows    []rowPatchWire
	pendingCount   int
}

// NewPoker builds a Poker writing to downstream.
func NewPoker(downstream Downstream, logger *slog.Logger, m *metrics.ViewSyncerMetrics) *Poker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poker{downstream: downstream, logger: logger, metrics: m}
}

// Start begins a new poke, identified by pokeID, announcing the client's
// current base cookie and the cookie it will land on once this poke ends.
func (p *Poker) Start(ctx context.Context, pokeID, baseCookie, cookie string) error {
	p.pokeID = pokeID
	p.cookie = cookie
	p.started = true
	p.failed = false

	msg, err := json.Marshal(PokeStart{Type: MessageTypePokeStart, PokeID: pokeID, BaseCookie: baseCookie, Cookie: cookie})
	if err != nil {
		return fmt.Errorf("poker: marshal pokeStart: %w", err)
	}
	return p.downstream.Send(ctx, msg)
}

// AddClientPatches stages client membership patches.
func (p *Poker) AddClientPatches(ctx context.Context, patches []cvr.ClientPatch) error {
	for _, cp := range patches {
		p.pendingClients = append(p.pendingClients, clientPatchWire{Op: string(cp.Op), ClientID: cp.ClientID})
		p.pendingCount++
	}
	return p.maybeFlush(ctx)
}

// AddDesiredQueryPatches stages desired-query config changes (put/del/clear
// from a client's changeDesiredQueries call).
func (p *Poker) AddDesiredQueryPatches(ctx context.Context, patches []cvr.QueryPatch) error {
	for _, qp := range patches {
		p.pendingDesired = append(p.pendingDesired, queryPatchWire{Op: string(qp.Op), Hash: qp.Hash, AST: qp.AST})
		p.pendingCount++
	}
	return p.maybeFlush(ctx)
}

// AddGotQueryPatches stages queries the pipeline just hydrated or dropped.
func (p *Poker) AddGotQueryPatches(ctx context.Context, patches []cvr.QueryPatch) error {
	for _, qp := range patches {
		p.pendingGot = append(p.pendingGot, queryPatchWire{Op: string(qp.Op), Hash: qp.Hash, AST: qp.AST})
		p.pendingCount++
	}
	return p.maybeFlush(ctx)
}

// AddRowPatches stages entity (row) patches — the bulk of poke traffic.
func (p *Poker) AddRowPatches(ctx context.Context, patches []cvr.RowPatch) error {
	for _, rp := range patches {
		p.pendingRows = append(p.pendingRows, rowPatchWire{
			Op: string(rp.Op), Schema: rp.RowID.Schema, Table: rp.RowID.Table, RowKey: rp.RowID.RowKey,
			RowVersion: rp.RowVersion, Contents: rp.Contents,
		})
		p.pendingCount++
	}
	return p.maybeFlush(ctx)
}

func (p *Poker) maybeFlush(ctx context.Context) error {
	if p.pendingCount < FlushThreshold {
		return nil
	}
	return p.flush(ctx)
}

func (p *Poker) flush(ctx context.Context) error {
	if p.pendingCount == 0 {
		return nil
	}

	part := PokePart{Type: MessageTypePokePart, PokeID: p.pokeID}
	if len(p.pendingClients) > 0 {
		b, err := json.Marshal(p.pendingClients)
		if err != nil {
			return fmt.Errorf("poker: marshal clientsPatch: %w", err)
		}
		part.ClientsPatch = b
	}
	if len(p.pendingDesired) > 0 {
		b, err := json.Marshal(p.pendingDesired)
		if err != nil {
			return fmt.Errorf("poker: marshal desiredQueriesPatches: %w", err)
		}
		part.DesiredQueriesPatches = b
	}
	if len(p.pendingGot) > 0 {
		b, err := json.Marshal(p.pendingGot)
		if err != nil {
			return fmt.Errorf("poker: marshal gotQueriesPatch: %w", err)
		}
		part.GotQueriesPatch = b
	}
	if len(p.pendingRows) > 0 {
		b, err := json.Marshal(p.pendingRows)
		if err != nil {
			return fmt.Errorf("poker: marshal entitiesPatch: %w", err)
		}
		part.EntitiesPatch = b
	}

	msg, err := json.Marshal(part)
	if err != nil {
		return fmt.Errorf("poker: marshal pokePart: %w", err)
	}
	if err := p.downstream.Send(ctx, msg); err != nil {
		return err
	}

	p.pendingClients = nil
	p.pendingDesired = nil
	p.pendingGot = nil
	p.pendingRows = nil
	p.pendingCount = 0
	return nil
}

// End flushes any remaining staged patches and closes the poke. The cookie
// the client lands on was already announced in Start's pokeStart message.
func (p *Poker) End(ctx context.Context) error {
	if !p.started {
		return fmt.Errorf("poker: End called before Start")
	}
	if err := p.flush(ctx); err != nil {
		p.recordOutcome("error")
		return err
	}

	msg, err := json.Marshal(PokeEnd{Type: MessageTypePokeEnd, PokeID: p.pokeID})
	if err != nil {
		p.recordOutcome("error")
		return fmt.Errorf("poker: marshal pokeEnd: %w", err)
	}
	if err := p.downstream.Send(ctx, msg); err != nil {
		p.recordOutcome("error")
		return err
	}

	p.started = false
	p.recordOutcome("ok")
	return nil
}

// Fail marks this poke as failed. Per the per-client failure policy, the
// caller is responsible for closing the owning ClientHandler after this —
// the CVR itself is never rolled back.
func (p *Poker) Fail(err error) {
	p.failed = true
	p.logger.Warn("poke failed", "poke_id", p.pokeID, "error", err)
	p.recordOutcome("failed")
}

func (p *Poker) recordOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.PokesTotal.WithLabelValues(outcome).Inc()
	}
}
