// Package compactor proposes CVR snapshot-compaction baselines and prunes
// tombstoned rows once no connected client can still need them. It is a
// separate, optional component from the core View Syncer, kept out of the
// hot path: Store.Flush remains the only writer on the request path, and
// this package's own writes (tombstone hard-deletes) only ever remove rows
// that CatchupRowPatches has already guaranteed were delivered.
package compactor

import (
	"context"
	"log/slog"
	"time"

	"github.com/viewsyncd/viewsyncer/internal/cvr"
	"github.com/viewsyncd/viewsyncer/internal/version"
)

// Config tunes a Compactor. Disabled by default: a deployment must opt in.
type Config struct {
	Enabled  bool
	Interval time.Duration
	// MinRowsForProposal is the smallest row count a group's CVR needs
	// before compaction is worth proposing at all.
	MinRowsForProposal int
}

// RowPruner hard-deletes tombstoned rows at or before a safe cutoff
// version. cvrpostgres.Store satisfies this via its PruneTombstones
// method; the core cvr.Store interface does not carry it since no other
// component needs to hard-delete rows.
type RowPruner interface {
	PruneTombstones(ctx context.Context, clientGroupID string, cutoff version.Version) (int64, error)
}

// Proposal is one group's compaction candidate: rows at or below Baseline
// have been stable since at least as long ago as every row patched after
// it, making Baseline a safe point to collapse patch history up to.
type Proposal struct {
	ClientGroupID string
	Baseline      version.Version
	RowCount      int
}

// Compactor periodically scans a fixed set of client groups, proposes a
// compaction baseline for each, and prunes any tombstoned rows that have
// fallen behind every connected client's acknowledged version.
type Compactor struct {
	store  cvr.Store
	groups []string
	cfg    Config
	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Compactor over groups, reading through store. It must be
// started explicitly via Start and only runs at all if cfg.Enabled.
func New(store cvr.Store, groups []string, cfg Config, logger *slog.Logger) *Compactor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MinRowsForProposal <= 0 {
		cfg.MinRowsForProposal = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		store:  store,
		groups: groups,
		cfg:    cfg,
		logger: logger.With("component", "compactor"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the scan loop in a background goroutine. A no-op if the
// compactor is not enabled.
func (c *Compactor) Start(ctx context.Context) {
	if !c.cfg.Enabled {
		close(c.doneCh)
		return
	}
	go c.run(ctx)
}

func (c *Compactor) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.scan(ctx)
		}
	}
}

func (c *Compactor) scan(ctx context.Context) {
	pruner, canPrune := c.store.(RowPruner)

	for _, groupID := range c.groups {
		snapshot, err := c.store.Load(ctx, groupID)
		if err != nil {
			c.logger.Error("compactor load failed", "group_id", groupID, "error", err)
			continue
		}

		if canPrune {
			c.pruneTombstones(ctx, pruner, groupID, snapshot)
		}

		if len(snapshot.Rows) < c.cfg.MinRowsForProposal {
			continue
		}
		p := proposeBaseline(groupID, snapshot)
		c.logger.Info("compaction baseline proposed",
			"group_id", p.ClientGroupID,
			"baseline_state", p.Baseline.StateVersion,
			"baseline_minor", p.Baseline.MinorVersion,
			"row_count", p.RowCount,
		)
	}
}

// pruneTombstones hard-deletes rows that have gone unreferenced at or
// before the oldest acknowledged version among snapshot's clients — the
// newest point every connected client is guaranteed to have already caught
// up past. A group with no connected clients prunes up to its current
// version, since nothing can still be behind it.
func (c *Compactor) pruneTombstones(ctx context.Context, pruner RowPruner, groupID string, snapshot *cvr.CVR) {
	cutoff := snapshot.Version
	for _, client := range snapshot.Clients {
		if version.Compare(client.PatchVersion, cutoff) == version.Less {
			cutoff = client.PatchVersion
		}
	}

	n, err := pruner.PruneTombstones(ctx, groupID, cutoff)
	if err != nil {
		c.logger.Error("tombstone prune failed", "group_id", groupID, "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("tombstones pruned",
			"group_id", groupID,
			"count", n,
			"cutoff_state", cutoff.StateVersion,
			"cutoff_minor", cutoff.MinorVersion,
		)
	}
}

// proposeBaseline finds the oldest PatchVersion among snapshot's rows: every
// row at or below that version could be collapsed into a single compacted
// baseline without losing any client's ability to catch up from it, since no
// connected client can legitimately be behind it already.
func proposeBaseline(groupID string, snapshot *cvr.CVR) Proposal {
	baseline := snapshot.Version
	for _, row := range snapshot.Rows {
		if version.Compare(row.PatchVersion, baseline) == version.Less {
			baseline = row.PatchVersion
		}
	}
	return Proposal{ClientGroupID: groupID, Baseline: baseline, RowCount: len(snapshot.Rows)}
}

// Stop blocks until the scan loop exits. Safe to call even if Start found
// the compactor disabled.
func (c *Compactor) Stop() {
	select {
	case <-c.doneCh:
		return
	default:
	}
	close(c.stopCh)
	<-c.doneCh
}
