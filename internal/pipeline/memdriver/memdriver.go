// Package memdriver is an in-memory reference implementation of
// pipeline.Driver, backing the replica with a plain map mutated directly by
// callers (tests, or a small harness) instead of a real logical-replication
// stream. Row lookups are fronted by an LRU, mirroring the two-tier
// cache-then-source pattern used elsewhere in this codebase for read-mostly
// lookups.
package memdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/viewsyncd/viewsyncer/internal/metrics"
	"github.com/viewsyncd/viewsyncer/internal/pipeline"
	viewsyncererrors "github.com/viewsyncd/viewsyncer/internal/viewsyncer/errors"
)

// QueryAST is the minimal query shape this reference driver understands: an
// exact table selector plus optional equality filters over top-level JSON
// columns. Real query compilation lives outside the core.
type QueryAST struct {
	Schema string            `json:"schema"`
	Table  string            `json:"table"`
	Equals map[string]string `json:"equals,omitempty"`
}

func (q QueryAST) matches(schema, table string, fields map[string]json.RawMessage) bool {
	if q.Schema != schema || q.Table != table {
		return false
	}
	for col, want := range q.Equals {
		raw, ok := fields[col]
		if !ok {
			return false
		}
		var got string
		if err := json.Unmarshal(raw, &got); err != nil {
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}

type rowID struct {
	schema, table, key string
}

type pendingOp struct {
	rid     rowID
	content json.RawMessage // nil means delete
}

// Driver is an in-memory pipeline.Driver.
type Driver struct {
	mu sync.Mutex

	initialized bool
	version     int64

	rows    map[rowID]json.RawMessage
	queries map[string]QueryAST
	// membership[rid][queryHash] records whether the pipeline has most
	// recently told the query that this row is in its result set.
	membership map[rowID]map[string]bool

	pending []pendingOp

	rowCache *lru.Cache[rowID, json.RawMessage]
	metrics  *metrics.CacheMetrics
}

// New builds an empty in-memory driver. cacheSize bounds the row LRU;
// metrics may be nil.
func New(cacheSize int, m *metrics.CacheMetrics) (*Driver, error) {
	c, err := lru.New[rowID, json.RawMessage](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("memdriver: build row cache: %w", err)
	}
	return &Driver{
		rows:       map[rowID]json.RawMessage{},
		queries:    map[string]QueryAST{},
		membership: map[rowID]map[string]bool{},
		rowCache:   c,
		metrics:    m,
	}, nil
}

// Init marks the pipeline as started, at version "0".
func (d *Driver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = true
	return nil
}

// Initialized reports whether Init has run.
func (d *Driver) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

// CurrentVersion returns the pipeline's current state version token.
func (d *Driver) CurrentVersion() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strconv.FormatInt(d.version, 10)
}

// Upsert stages a row write to be observed on the next Advance. It is the
// test/harness entry point standing in for a real replication stream.
func (d *Driver) Upsert(schema, table, rowKey string, content json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, pendingOp{rid: rowID{schema, table, rowKey}, content: content})
}

// Delete stages a row deletion to be observed on the next Advance.
func (d *Driver) Delete(schema, table, rowKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, pendingOp{rid: rowID{schema, table, rowKey}, content: nil})
}

// AddQuery registers a query and returns its initial hydration as a change
// stream of puts for every currently-matching row.
func (d *Driver) AddQuery(ctx context.Context, hash string, ast json.RawMessage) (pipeline.ChangeIterator, error) {
	var q QueryAST
	if err := json.Unmarshal(ast, &q); err != nil {
		return nil, viewsyncererrors.BadQueryf("memdriver: malformed query ast for %s: %v", hash, err)
	}
	if q.Table == "" {
		return nil, viewsyncererrors.BadQueryf("memdriver: query %s has no target table", hash)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if missing := d.unknownColumnsLocked(q); len(missing) > 0 {
		return nil, viewsyncererrors.BadQueryf("memdriver: query %s references unknown column(s) %v on %s.%s", hash, missing, q.Schema, q.Table)
	}

	d.queries[hash] = q

	var changes []pipeline.RowChange
	for rid, content := range d.rows {
		fields, err := decodeFields(content)
		if err != nil {
			return nil, err
		}
		if !q.matches(rid.schema, rid.table, fields) {
			continue
		}
		if d.membership[rid] == nil {
			d.membership[rid] = map[string]bool{}
		}
		d.membership[rid][hash] = true
		changes = append(changes, pipeline.RowChange{
			QueryHash: hash, Schema: rid.schema, Table: rid.table, RowKey: rid.key, Row: content,
		})
	}
	sortChanges(changes)
	return &sliceIterator{changes: changes}, nil
}

// unknownColumnsLocked reports which of q's equality-filter columns never
// appear on any row currently ingested for q's table. d.mu must already be
// held. A table with no rows yet can't be checked this way and is let
// through: this reference driver has no schema catalog to consult outside
// the rows it has actually seen.
func (d *Driver) unknownColumnsLocked(q QueryAST) []string {
	if len(q.Equals) == 0 {
		return nil
	}

	seen := map[string]struct{}{}
	sawTable := false
	for rid, content := range d.rows {
		if rid.schema != q.Schema || rid.table != q.Table {
			continue
		}
		fields, err := decodeFields(content)
		if err != nil {
			continue
		}
		sawTable = true
		for col := range fields {
			seen[col] = struct{}{}
		}
	}
	if !sawTable {
		return nil
	}

	var missing []string
	for col := range q.Equals {
		if _, ok := seen[col]; !ok {
			missing = append(missing, col)
		}
	}
	sort.Strings(missing)
	return missing
}

// RemoveQuery drops a query; it emits no changes of its own, matching the
// behavior the CVR query updater's DeleteUnreferencedRows compensates for.
func (d *Driver) RemoveQuery(hash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.queries, hash)
	for _, members := range d.membership {
		delete(members, hash)
	}
}

// AddedQueries returns the set of currently registered query hashes.
func (d *Driver) AddedQueries() map[string]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]struct{}, len(d.queries))
	for h := range d.queries {
		out[h] = struct{}{}
	}
	return out
}

// Advance applies staged mutations, bumps the version, and returns the
// resulting change set across all registered queries.
func (d *Driver) Advance(ctx context.Context) (pipeline.AdvanceResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.version++
	var changes []pipeline.RowChange

	for _, op := range d.pending {
		if op.content != nil {
			d.rows[op.rid] = op.content
			d.rowCache.Remove(op.rid)
		} else {
			delete(d.rows, op.rid)
			d.rowCache.Remove(op.rid)
		}

		var fields map[string]json.RawMessage
		if op.content != nil {
			var err error
			fields, err = decodeFields(op.content)
			if err != nil {
				return pipeline.AdvanceResult{}, err
			}
		}

		for hash, q := range d.queries {
			nowMatches := op.content != nil && q.matches(op.rid.schema, op.rid.table, fields)
			wasMatching := d.membership[op.rid] != nil && d.membership[op.rid][hash]

			switch {
			case nowMatches && !wasMatching:
				if d.membership[op.rid] == nil {
					d.membership[op.rid] = map[string]bool{}
				}
				d.membership[op.rid][hash] = true
				changes = append(changes, pipeline.RowChange{
					QueryHash: hash, Schema: op.rid.schema, Table: op.rid.table, RowKey: op.rid.key, Row: op.content,
				})
			case nowMatches && wasMatching:
				changes = append(changes, pipeline.RowChange{
					QueryHash: hash, Schema: op.rid.schema, Table: op.rid.table, RowKey: op.rid.key, Row: op.content,
				})
			case !nowMatches && wasMatching:
				delete(d.membership[op.rid], hash)
				changes = append(changes, pipeline.RowChange{
					QueryHash: hash, Schema: op.rid.schema, Table: op.rid.table, RowKey: op.rid.key, Row: nil,
				})
			}
		}
	}

	d.pending = nil
	sortChanges(changes)

	return pipeline.AdvanceResult{
		Version:    strconv.FormatInt(d.version, 10),
		NumChanges: len(changes),
		Changes:    &sliceIterator{changes: changes},
	}, nil
}

// GetRow fetches a row's current content, through the LRU.
func (d *Driver) GetRow(ctx context.Context, schema, table, rowKey string) (json.RawMessage, error) {
	rid := rowID{schema, table, rowKey}

	if content, ok := d.rowCache.Get(rid); ok {
		d.recordHit()
		return content, nil
	}

	d.mu.Lock()
	content, ok := d.rows[rid]
	d.mu.Unlock()

	if !ok {
		d.recordMiss()
		return nil, nil
	}

	d.rowCache.Add(rid, content)
	d.recordMiss()
	return content, nil
}

func (d *Driver) recordHit() {
	if d.metrics != nil {
		d.metrics.HitsTotal.WithLabelValues("row").Inc()
	}
}

func (d *Driver) recordMiss() {
	if d.metrics != nil {
		d.metrics.MissesTotal.WithLabelValues("row").Inc()
	}
}

func decodeFields(content json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(content, &fields); err != nil {
		return nil, fmt.Errorf("memdriver: decode row: %w", err)
	}
	return fields, nil
}

func sortChanges(changes []pipeline.RowChange) {
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].QueryHash != changes[j].QueryHash {
			return changes[i].QueryHash < changes[j].QueryHash
		}
		if changes[i].Table != changes[j].Table {
			return changes[i].Table < changes[j].Table
		}
		return changes[i].RowKey < changes[j].RowKey
	})
}

type sliceIterator struct {
	changes []pipeline.RowChange
	idx     int
}

func (s *sliceIterator) Next(ctx context.Context) bool {
	if s.idx >= len(s.changes) {
		return false
	}
	s.idx++
	return true
}

func (s *sliceIterator) Change() pipeline.RowChange { return s.changes[s.idx-1] }
func (s *sliceIterator) Err() error                 { return nil }
