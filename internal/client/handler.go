package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/viewsyncd/viewsyncer/internal/metrics"
	"github.com/viewsyncd/viewsyncer/internal/version"
)

// Handler is one connected client's outbound message channel: an
// order-preserving Downstream plus the version bookkeeping and poke
// lifecycle a ViewSyncer service drives it through. A Handler's poker
// sequence is always pokeStart, zero or more pokePart, then either
// pokeEnd (success) or a dropped connection (failure) — never both and
// never out of order.
type Handler struct {
	mu sync.Mutex

	clientID   string
	wsID       string
	downstream Downstream
	logger     *slog.Logger
	metrics    *metrics.ViewSyncerMetrics

	version        version.Version // latest version this client has acknowledged
	poker          *Poker          // non-nil between StartPoke and EndPoke/FailPoke
	pendingVersion version.Version // version the in-flight poke will land on
	closed         bool
}

// NewHandler builds a Handler for clientID, initialized from the version
// encoded in the client's base cookie. wsID identifies the physical
// connection this handler was created for; a later message bearing a
// different wsID for the same clientID is from a stale, already-replaced
// connection.
func NewHandler(clientID, wsID string, downstream Downstream, baseVersion version.Version, logger *slog.Logger, m *metrics.ViewSyncerMetrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{clientID: clientID, wsID: wsID, downstream: downstream, version: baseVersion, logger: logger, metrics: m}
}

// ClientID returns the client this handler serves.
func (h *Handler) ClientID() string {
	return h.clientID
}

// WSID returns the connection identity this handler was created for.
func (h *Handler) WSID() string {
	return h.wsID
}

// Version returns the latest version this client has acknowledged.
func (h *Handler) Version() version.Version {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// StartPoke begins a three-phase poke moving this client from its current
// version to newVersion. Only one poke may be in flight at a time.
func (h *Handler) StartPoke(ctx context.Context, pokeID string, newVersion version.Version) (*Poker, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("client %s: handler closed", h.clientID)
	}
	if h.poker != nil {
		return nil, fmt.Errorf("client %s: poke %s already in flight", h.clientID, pokeID)
	}

	baseCookie := version.ToCookie(h.version)
	cookie := version.ToCookie(newVersion)
	p := NewPoker(h.downstream, h.logger, h.metrics)
	if err := p.Start(ctx, pokeID, baseCookie, cookie); err != nil {
		return nil, fmt.Errorf("client %s: start poke %s: %w", h.clientID, pokeID, err)
	}

	h.poker = p
	h.pendingVersion = newVersion
	return p, nil
}

// EndPoke closes the in-flight poke and advances the client's acknowledged
// version to the one announced in StartPoke.
func (h *Handler) EndPoke(ctx context.Context) error {
	h.mu.Lock()
	p := h.poker
	newVersion := h.pendingVersion
	h.mu.Unlock()

	if p == nil {
		return fmt.Errorf("client %s: EndPoke with no poke in flight", h.clientID)
	}
	if err := p.End(ctx); err != nil {
		h.FailPoke(err)
		return err
	}

	h.mu.Lock()
	h.poker = nil
	h.version = newVersion
	h.mu.Unlock()
	return nil
}

// FailPoke marks the in-flight poke failed and drops the connection. Per
// the per-client failure policy, failure is never retried in place: the
// caller must re-add the client as a fresh connection.
func (h *Handler) FailPoke(err error) {
	h.mu.Lock()
	p := h.poker
	h.poker = nil
	h.mu.Unlock()

	if p != nil {
		p.Fail(err)
	}
	h.Close()
}

// Close tears down the downstream connection. Safe to call more than once.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	return h.downstream.Close()
}

// Closed reports whether this handler's connection has been torn down.
func (h *Handler) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// CurrentPoker returns the poke in flight, or nil if none.
func (h *Handler) CurrentPoker() *Poker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.poker
}
