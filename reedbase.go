// Package reedbase is the top-level embedded database engine: a
// versioned, CSV-backed table store with a B+-Tree-backed secondary index
// manager, a concurrent write coordinator, and a small SQL-subset query
// engine, composed behind a single Database handle (spec.md §1, §4.10).
package reedbase

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/reedbase/reedbase/internal/coordinator"
	"github.com/reedbase/reedbase/internal/engineerrors"
	"github.com/reedbase/reedbase/internal/index"
	"github.com/reedbase/reedbase/internal/merge"
	"github.com/reedbase/reedbase/internal/query"
	"github.com/reedbase/reedbase/internal/table"
)

// AutoIndexConfig controls the facade's pattern-tracked auto-indexing
// (spec.md §3's AutoIndexConfig type; fk_detection and cms_patterns are
// reserved knobs not yet consulted by the tracker below).
type AutoIndexConfig struct {
	Enabled     bool
	Threshold   int
	FKDetection bool
	CMSPatterns bool
	DefaultKind index.BackendKind
}

// DefaultAutoIndexConfig matches scenario S1 of spec.md §8: three
// occurrences of an unindexed equality pattern trigger an auto-index.
func DefaultAutoIndexConfig() AutoIndexConfig {
	return AutoIndexConfig{Enabled: true, Threshold: 3, DefaultKind: index.BackendHash}
}

// Config configures an opened Database.
type Config struct {
	AutoIndex  AutoIndexConfig
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// DefaultConfig returns the configuration Open uses when none is supplied.
func DefaultConfig() Config {
	return Config{AutoIndex: DefaultAutoIndexConfig(), Logger: zap.NewNop()}
}

// ExecResult is returned by Database.Execute, per spec.md §4.10.
type ExecResult struct {
	RowsAffected int64
	ExecTimeUs   int64
	Timestamp    int64
	DeltaSize    int64
}

// QueryResult is returned by Database.Query.
type QueryResult struct {
	Header []string
	Rows   []merge.Row
	Plan   query.Plan
}

type metrics struct {
	queriesTotal     prometheus.Counter
	executesTotal    *prometheus.CounterVec
	lockTimeouts     prometheus.Counter
	autoIndexCreated prometheus.Counter
	queueDepth       *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		queriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "reedbase_queries_total",
			Help: "Number of SELECT queries executed.",
		}),
		executesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reedbase_executes_total",
			Help: "Number of INSERT/UPDATE/DELETE statements executed, by table.",
		}, []string{"table"}),
		lockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "reedbase_lock_timeouts_total",
			Help: "Number of writes that fell back to the pending queue after a lock timeout.",
		}),
		autoIndexCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "reedbase_auto_indexes_created_total",
			Help: "Number of indices created automatically by the pattern tracker.",
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reedbase_queue_depth",
			Help: "Last observed pending-write queue depth, by table.",
		}, []string{"table"}),
	}
}

// patternKey identifies one unindexed equality pattern a query touched.
type patternKey struct {
	table, column string
}

// PatternTracker counts unindexed equality-pattern occurrences for a single
// Database handle. It is deliberately not global state: spec.md §9 calls
// out a non-singleton pattern tracker so multiple Database handles in one
// process never interfere with each other's auto-indexing decisions.
type PatternTracker struct {
	mu     sync.Mutex
	counts map[patternKey]int
}

func newPatternTracker() *PatternTracker {
	return &PatternTracker{counts: make(map[patternKey]int)}
}

// record bumps the pattern's count and returns the new total.
func (p *PatternTracker) record(tbl, column string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := patternKey{tbl, column}
	p.counts[k]++
	return p.counts[k]
}

// Database is the top-level ReedBase handle: one open database directory,
// its tables, their secondary indices, the pattern tracker driving
// auto-indexing, and the background drainers applying queued writes once
// their table's lock frees up (spec.md §4.10).
type Database struct {
	base   string
	config Config
	logger *zap.Logger
	stats  *metrics

	mu     sync.RWMutex
	tables map[string]*table.Table

	indices *index.IndexManager
	tracker *PatternTracker

	drainersMu sync.Mutex
	drainers   map[string]*coordinator.Drainer

	closeOnce sync.Once
}

// Open opens (creating if necessary) the database directory at path with
// default configuration.
func Open(path string) (*Database, error) {
	return OpenWithConfig(path, DefaultConfig())
}

// OpenWithConfig opens the database directory at path, loading existing
// tables by directory scan, reattaching persisted secondary indices, and
// running crash recovery (validate-and-truncate) over every table's
// version log, per spec.md §4.10.
func OpenWithConfig(path string, cfg Config) (*Database, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.AutoIndex.DefaultKind == "" {
		cfg.AutoIndex.DefaultKind = index.BackendHash
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrap(err, "reedbase: create base directory")
	}
	indicesDir := filepath.Join(path, "indices")

	idx, err := index.NewManager(indicesDir)
	if err != nil {
		return nil, errors.Wrap(err, "reedbase: open index manager")
	}

	db := &Database{
		base:     path,
		config:   cfg,
		logger:   cfg.Logger,
		stats:    newMetrics(cfg.Registerer),
		tables:   make(map[string]*table.Table),
		indices:  idx,
		tracker:  newPatternTracker(),
		drainers: make(map[string]*coordinator.Drainer),
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrap(err, "reedbase: scan base directory")
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "indices" {
			continue
		}
		if !table.Exists(path, e.Name()) {
			continue
		}
		if err := db.attachTable(e.Name()); err != nil {
			return nil, errors.Wrapf(err, "reedbase: attach table %q", e.Name())
		}
	}

	persisted, err := index.ListPersisted(indicesDir)
	if err != nil {
		return nil, errors.Wrap(err, "reedbase: list persisted indices")
	}
	for _, meta := range persisted {
		if err := db.reattachIndex(meta); err != nil {
			return nil, errors.Wrapf(err, "reedbase: reattach index %s.%s", meta.Table, meta.Column)
		}
	}

	db.logger.Info("database opened",
		zap.String("path", path),
		zap.Int("tables", len(db.tables)),
		zap.Int("indices", len(persisted)))
	return db, nil
}

func (db *Database) attachTable(name string) error {
	t, err := table.New(db.base, name)
	if err != nil {
		return err
	}
	report, err := t.ValidateAndTruncateLog()
	if err != nil {
		return errors.Wrap(err, "validate version log")
	}
	if report.Truncated {
		db.logger.Warn("truncated corrupted version log on open",
			zap.String("table", name),
			zap.Int("corrupted_lines", report.CorruptedCount))
	}
	db.tables[name] = t
	return nil
}

// reattachIndex reconstructs a persisted index's backend. A B-tree backend
// rehydrates directly from its page file; a hash backend starts empty and
// is rebuilt here from the table's current rows, since a hash index has no
// on-disk representation of its own.
func (db *Database) reattachIndex(meta index.Metadata) error {
	backend, err := db.indices.Attach(meta)
	if err != nil {
		return err
	}
	if index.BackendKind(meta.Backend) != index.BackendHash {
		return nil
	}
	t, ok := db.tables[meta.Table]
	if !ok {
		return nil
	}
	header, rows, err := t.ReadCurrentAsRows()
	if err != nil {
		return err
	}
	col := columnIndexOf(header, meta.Column)
	if col < 0 {
		return nil
	}
	for _, r := range rows {
		v, ok := rowValue(header, r, col)
		if !ok {
			continue
		}
		if err := backend.Insert(v, r.Key); err != nil {
			return err
		}
	}
	return nil
}

// CreateTable creates and initialises a new table with the given header
// and no rows.
func (db *Database) CreateTable(name string, header []string, user string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.tables[name]; exists {
		return &engineerrors.AlreadyExistsError{Kind: "table", Name: name}
	}
	t, err := table.New(db.base, name)
	if err != nil {
		return err
	}
	content := table.EncodeRows(header, nil)
	if err := t.Init(content, user); err != nil {
		return err
	}
	db.tables[name] = t
	return nil
}

// ListTables returns every attached table name, sorted.
func (db *Database) ListTables() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.tables))
	for name := range db.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CreateIndex builds a secondary index over table.column using backend.
func (db *Database) CreateIndex(tbl, column string, backend index.BackendKind) error {
	return db.createIndex(tbl, column, backend, false)
}

func (db *Database) createIndex(tbl, column string, backend index.BackendKind, auto bool) error {
	db.mu.RLock()
	t, ok := db.tables[tbl]
	db.mu.RUnlock()
	if !ok {
		return &engineerrors.NotFoundError{Kind: "table", Name: tbl}
	}

	if err := db.indices.CreateIndex(tbl, column, backend, auto, time.Now().Unix()); err != nil {
		return err
	}

	header, rows, err := t.ReadCurrentAsRows()
	if err != nil {
		return err
	}
	col := columnIndexOf(header, column)
	if col < 0 {
		return nil
	}
	for _, r := range rows {
		v, ok := rowValue(header, r, col)
		if !ok {
			continue
		}
		if err := db.indices.IndexValue(tbl, column, v, r.Key); err != nil {
			return err
		}
	}
	if auto {
		db.stats.autoIndexCreated.Inc()
	}
	return nil
}

// ListIndices returns the metadata of every attached secondary index.
func (db *Database) ListIndices() []index.Metadata {
	return db.indices.List()
}

// CompactIndex checkpoints a B-tree-backed index and writes a zstd-compressed
// snapshot of its live entries beside its page file; the page file itself is
// not shrunk. It is a no-op for a hash-backed index.
func (db *Database) CompactIndex(tbl, column string) error {
	return db.indices.CompactIndex(tbl, column)
}

// Stats is the shape returned by Database.Stats.
type Stats struct {
	Tables  int
	Indices int
}

// Stats reports how many tables and secondary indices are attached. The
// facade's prometheus counters and gauges are not part of it; they are
// registered with Config.Registerer when one is set.
func (db *Database) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return Stats{Tables: len(db.tables), Indices: len(db.indices.List())}
}

// Query parses, analyses, and executes sql against the database, recording
// the access pattern and requesting an auto-index when its threshold is
// crossed (spec.md §4.10).
func (db *Database) Query(sql string) (QueryResult, error) {
	start := time.Now()
	q, err := query.Parse(sql)
	if err != nil {
		return QueryResult{}, err
	}
	if q.Kind != query.StatementSelect {
		return QueryResult{}, &engineerrors.ValidationError{Field: "sql", Reason: "Query only accepts SELECT statements"}
	}

	db.mu.RLock()
	t, ok := db.tables[q.Table]
	db.mu.RUnlock()
	if !ok {
		return QueryResult{}, &engineerrors.NotFoundError{Kind: "table", Name: q.Table}
	}

	header, rows, err := t.ReadCurrentAsRows()
	if err != nil {
		return QueryResult{}, err
	}

	aq := query.Analyse(q)
	result := query.Execute(header, rows, db.indices, q.Table, aq)

	db.stats.queriesTotal.Inc()
	db.logger.Debug("query executed",
		zap.String("table", q.Table),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("plan", int(result.Plan)))

	db.trackPattern(q.Table, aq)
	return QueryResult{Header: result.Header, Rows: result.Rows, Plan: result.Plan}, nil
}

// QueryAsOf answers sql against the table's state as of timestamp ts,
// reconstructed by walking the delta chain backward from current.csv,
// rather than against the live table (spec.md's supplemented read-only
// historical view). It does not consult any index: a past version's rows
// generally don't agree with the live index's row-id assignments, so
// QueryAsOf always executes a full scan of the reconstructed rows.
func (db *Database) QueryAsOf(sql string, ts int64) (QueryResult, error) {
	q, err := query.Parse(sql)
	if err != nil {
		return QueryResult{}, err
	}
	if q.Kind != query.StatementSelect {
		return QueryResult{}, &engineerrors.ValidationError{Field: "sql", Reason: "QueryAsOf only accepts SELECT statements"}
	}

	db.mu.RLock()
	t, ok := db.tables[q.Table]
	db.mu.RUnlock()
	if !ok {
		return QueryResult{}, &engineerrors.NotFoundError{Kind: "table", Name: q.Table}
	}

	content, err := t.ReconstructAsOf(ts)
	if err != nil {
		return QueryResult{}, err
	}
	header, rows, err := table.ParseRows(content)
	if err != nil {
		return QueryResult{}, err
	}

	aq := query.Analyse(q)
	aq.Pattern = query.FullScan // no index is trustworthy against a historical row set
	result := query.Execute(header, rows, nil, q.Table, aq)
	return QueryResult{Header: result.Header, Rows: result.Rows, Plan: result.Plan}, nil
}

// ExplainResult reports the plan Query would choose for sql without
// executing it.
type ExplainResult struct {
	Pattern   string
	Plan      string
	UsesIndex bool
	Column    string
}

// Explain classifies and plans sql the same way Query would, without
// reading any rows or recording the access pattern — a collaborator CLI's
// "explain" subcommand calls this (spec.md §6).
func (db *Database) Explain(sql string) (ExplainResult, error) {
	q, err := query.Parse(sql)
	if err != nil {
		return ExplainResult{}, err
	}
	if q.Kind != query.StatementSelect {
		return ExplainResult{}, &engineerrors.ValidationError{Field: "sql", Reason: "Explain only accepts SELECT statements"}
	}
	db.mu.RLock()
	_, ok := db.tables[q.Table]
	db.mu.RUnlock()
	if !ok {
		return ExplainResult{}, &engineerrors.NotFoundError{Kind: "table", Name: q.Table}
	}

	aq := query.Analyse(q)
	plan := planForPattern(db.indices, q.Table, aq)
	return ExplainResult{
		Pattern:   patternName(aq.Pattern),
		Plan:      planName(plan),
		UsesIndex: plan != query.PlanFullScan,
		Column:    aq.Column,
	}, nil
}

// planForPattern mirrors Execute's plan-selection rules without touching
// any row data, so Explain can report the chosen plan cheaply.
func planForPattern(idx *index.IndexManager, tbl string, aq query.AnalysedQuery) query.Plan {
	switch aq.Pattern {
	case query.PointLookup:
		if _, _, ok := idx.Lookup(tbl, aq.Column); ok {
			return query.PlanPointLookupIndex
		}
	case query.RangeScan:
		if _, kind, ok := idx.Lookup(tbl, aq.Column); ok && kind == index.BackendBTree {
			return query.PlanRangeScanIndex
		}
	case query.PrefixScan:
		if _, kind, ok := idx.Lookup(tbl, aq.Column); ok && kind == index.BackendBTree {
			return query.PlanPrefixScanIndex
		}
	}
	return query.PlanFullScan
}

func patternName(p query.QueryPattern) string {
	switch p {
	case query.PointLookup:
		return "point_lookup"
	case query.PrefixScan:
		return "prefix_scan"
	case query.RangeScan:
		return "range_scan"
	default:
		return "full_scan"
	}
}

func planName(p query.Plan) string {
	switch p {
	case query.PlanPointLookupIndex:
		return "point_lookup_index"
	case query.PlanRangeScanIndex:
		return "range_scan_index"
	case query.PlanPrefixScanIndex:
		return "prefix_scan_index"
	default:
		return "full_scan"
	}
}

// trackPattern records an unindexed equality pattern and, once its count
// reaches the configured threshold, requests an auto-index asynchronously
// (spec.md §4.10 step 5: "auto-creation never blocks the query").
func (db *Database) trackPattern(tbl string, aq query.AnalysedQuery) {
	if !db.config.AutoIndex.Enabled || aq.Pattern != query.PointLookup {
		return
	}
	if _, _, exists := db.indices.Lookup(tbl, aq.Column); exists {
		return
	}
	count := db.tracker.record(tbl, aq.Column)
	if count < db.config.AutoIndex.Threshold {
		return
	}
	go func() {
		kind := db.config.AutoIndex.DefaultKind
		if err := db.createIndex(tbl, aq.Column, kind, true); err != nil {
			db.logger.Warn("auto-index creation failed",
				zap.String("table", tbl), zap.String("column", aq.Column), zap.Error(err))
		}
	}()
}

// Execute dispatches an INSERT/UPDATE/DELETE statement, acquiring the
// table's advisory lock, computing the new version's bytes, writing them
// through the table layer, and updating affected indices (spec.md §4.10).
// If the table lock cannot be acquired within its timeout, the mutation is
// parked in the pending-write queue for the table's drainer instead.
func (db *Database) Execute(sql, user string) (ExecResult, error) {
	start := time.Now()
	q, err := query.Parse(sql)
	if err != nil {
		return ExecResult{}, err
	}
	if q.Kind == query.StatementSelect {
		return ExecResult{}, &engineerrors.ValidationError{Field: "sql", Reason: "Execute does not accept SELECT statements"}
	}

	db.mu.RLock()
	t, ok := db.tables[q.Table]
	db.mu.RUnlock()
	if !ok {
		return ExecResult{}, &engineerrors.NotFoundError{Kind: "table", Name: q.Table}
	}

	header, changed, wr, err := t.MutateRows(user, func(header []string, oldRows []merge.Row) ([]merge.Row, []merge.RowChange, error) {
		return applyStatement(header, oldRows, q)
	})
	if err != nil {
		var timeout *engineerrors.LockTimeoutError
		if errors.As(err, &timeout) {
			// The lock itself couldn't be acquired, so applyStatement above never
			// ran: recompute the row changes against a fresh unlocked read to
			// build the pending-queue entry. applyPending folds it into whatever
			// current.csv holds once the table's lock next frees (spec.md §4.7),
			// so reading it unlocked here only shapes the queued delta, not the
			// table's on-disk state.
			queueHeader, oldRows, readErr := t.ReadCurrentAsRows()
			if readErr != nil {
				return ExecResult{}, readErr
			}
			_, queuedChanged, stmtErr := applyStatement(queueHeader, oldRows, q)
			if stmtErr != nil {
				return ExecResult{}, stmtErr
			}
			db.stats.executesTotal.WithLabelValues(q.Table).Inc()
			if len(queuedChanged) == 0 {
				return ExecResult{ExecTimeUs: time.Since(start).Microseconds()}, nil
			}
			return db.enqueuePending(q, queuedChanged, user, start)
		}
		return ExecResult{}, err
	}

	db.stats.executesTotal.WithLabelValues(q.Table).Inc()

	if len(changed) == 0 {
		return ExecResult{ExecTimeUs: time.Since(start).Microseconds()}, nil
	}

	db.updateIndices(q.Table, header, changed)
	db.ensureDrainer(q.Table)

	return ExecResult{
		RowsAffected: int64(len(changed)),
		ExecTimeUs:   time.Since(start).Microseconds(),
		Timestamp:    wr.Timestamp,
		DeltaSize:    wr.DeltaSize,
	}, nil
}

func (db *Database) enqueuePending(q query.ParsedQuery, changed []merge.RowChange, user string, start time.Time) (ExecResult, error) {
	db.stats.lockTimeouts.Inc()

	rows := make([]coordinator.PendingWriteRow, 0, len(changed))
	for _, c := range changed {
		row := c.New
		if c.Kind == merge.Delete {
			row = c.Old
		}
		rows = append(rows, coordinator.PendingWriteRow{Key: row.Key, Values: row.Values})
	}
	w := coordinator.PendingWrite{
		Rows:      rows,
		Timestamp: time.Now().UnixNano(),
		Operation: statementName(q.Kind),
		User:      user,
	}
	if _, err := coordinator.QueueWrite(db.base, q.Table, w); err != nil {
		return ExecResult{}, err
	}
	db.ensureDrainer(q.Table)
	db.reportQueueDepth(q.Table)
	return ExecResult{ExecTimeUs: time.Since(start).Microseconds()}, nil
}

// reportQueueDepth refreshes the queue_depth gauge for tbl. Errors are
// swallowed: a stale gauge reading is preferable to failing a write over a
// metrics-only concern.
func (db *Database) reportQueueDepth(tbl string) {
	n, err := coordinator.QueueLen(db.base, tbl)
	if err != nil {
		return
	}
	db.stats.queueDepth.WithLabelValues(tbl).Set(float64(n))
}

// ensureDrainer starts the table's background drainer on first use. The
// drainer applies queued pending writes once the table lock next frees,
// per spec.md §4.7; its lifetime is bounded by the Database (Close stops
// every drainer it started).
func (db *Database) ensureDrainer(tbl string) {
	db.drainersMu.Lock()
	defer db.drainersMu.Unlock()
	if _, ok := db.drainers[tbl]; ok {
		return
	}
	db.drainers[tbl] = coordinator.StartDrainer(db.base, tbl, func(w coordinator.PendingWrite) error {
		err := db.applyPending(tbl, w)
		db.reportQueueDepth(tbl)
		return err
	})
}

func (db *Database) applyPending(tbl string, w coordinator.PendingWrite) error {
	db.mu.RLock()
	t, ok := db.tables[tbl]
	db.mu.RUnlock()
	if !ok {
		return &engineerrors.NotFoundError{Kind: "table", Name: tbl}
	}

	newContentRows := make([]merge.Row, len(w.Rows))
	for i, r := range w.Rows {
		newContentRows[i] = merge.Row{Key: r.Key, Values: r.Values}
	}

	header, changed, _, err := t.MutateRows(w.User, func(header []string, oldRows []merge.Row) ([]merge.Row, []merge.RowChange, error) {
		var merged []merge.Row
		var changed []merge.RowChange
		switch w.Operation {
		case "delete":
			wanted := make(map[string]struct{}, len(newContentRows))
			for _, r := range newContentRows {
				wanted[r.Key] = struct{}{}
			}
			for _, r := range oldRows {
				if _, drop := wanted[r.Key]; drop {
					changed = append(changed, merge.RowChange{Kind: merge.Delete, Key: r.Key, Old: r})
					continue
				}
				merged = append(merged, r)
			}
		default:
			byKey := make(map[string]merge.Row, len(oldRows))
			for _, r := range oldRows {
				byKey[r.Key] = r
			}
			for _, r := range newContentRows {
				old, existed := byKey[r.Key]
				if existed {
					changed = append(changed, merge.RowChange{Kind: merge.Update, Key: r.Key, Old: old, New: r})
				} else {
					changed = append(changed, merge.RowChange{Kind: merge.Insert, Key: r.Key, New: r})
				}
				byKey[r.Key] = r
			}
			merged = sortedValues(byKey)
		}
		return merged, changed, nil
	})
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	db.updateIndices(tbl, header, changed)
	return nil
}

func (db *Database) updateIndices(tbl string, header []string, changed []merge.RowChange) {
	for _, col := range db.indices.IndexedColumns(tbl) {
		ci := columnIndexOf(header, col)
		if ci < 0 {
			continue
		}
		for _, c := range changed {
			switch c.Kind {
			case merge.Insert:
				if v, ok := rowValue(header, c.New, ci); ok {
					_ = db.indices.IndexValue(tbl, col, v, c.New.Key)
				}
			case merge.Update:
				if v, ok := rowValue(header, c.Old, ci); ok {
					_ = db.indices.UnindexValue(tbl, col, v, c.Old.Key)
				}
				if v, ok := rowValue(header, c.New, ci); ok {
					_ = db.indices.IndexValue(tbl, col, v, c.New.Key)
				}
			case merge.Delete:
				if v, ok := rowValue(header, c.Old, ci); ok {
					_ = db.indices.UnindexValue(tbl, col, v, c.Old.Key)
				}
			}
		}
	}
	for _, c := range changed {
		switch c.Kind {
		case merge.Insert:
			db.indices.Namespace.Insert(c.New.Key, c.New.Key)
			db.indices.Hierarchy.Insert(c.New.Key, c.New.Key)
		case merge.Delete:
			db.indices.Namespace.Delete(c.Old.Key, c.Old.Key)
			db.indices.Hierarchy.Delete(c.Old.Key, c.Old.Key)
		}
	}
}

// Close stops every drainer the database started and closes every attached
// index backend. Table and index handles hold no further in-process
// resources once Close returns.
func (db *Database) Close() error {
	db.closeOnce.Do(func() {
		db.drainersMu.Lock()
		for _, d := range db.drainers {
			d.Stop()
		}
		db.drainersMu.Unlock()
		for _, m := range db.indices.List() {
			if backend, _, ok := db.indices.Lookup(m.Table, m.Column); ok {
				_ = backend.Close()
			}
		}
		db.logger.Info("database closed", zap.String("path", db.base))
	})
	return nil
}

func statementName(kind query.StatementKind) string {
	switch kind {
	case query.StatementInsert:
		return "insert"
	case query.StatementUpdate:
		return "update"
	case query.StatementDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// applyStatement computes the new row set and the individual row changes
// an INSERT/UPDATE/DELETE statement produces against oldRows.
func applyStatement(header []string, oldRows []merge.Row, q query.ParsedQuery) ([]merge.Row, []merge.RowChange, error) {
	switch q.Kind {
	case query.StatementInsert:
		row := assignRow(header, q.InsertColumns, q.InsertValues)
		byKey := make(map[string]merge.Row, len(oldRows)+1)
		for _, r := range oldRows {
			byKey[r.Key] = r
		}
		oldRow, existed := byKey[row.Key]
		byKey[row.Key] = row
		change := merge.RowChange{Kind: merge.Insert, Key: row.Key, New: row}
		if existed {
			change.Kind = merge.Update
			change.Old = oldRow
		}
		return sortedValues(byKey), []merge.RowChange{change}, nil

	case query.StatementUpdate:
		var changed []merge.RowChange
		out := make([]merge.Row, len(oldRows))
		for i, r := range oldRows {
			out[i] = r
			if !query.EvaluatePredicate(header, r, q.Conditions) {
				continue
			}
			updated := applyAssignment(header, r, q.SetColumns, q.SetValues)
			out[i] = updated
			changed = append(changed, merge.RowChange{Kind: merge.Update, Key: r.Key, Old: r, New: updated})
		}
		return out, changed, nil

	case query.StatementDelete:
		var changed []merge.RowChange
		var out []merge.Row
		for _, r := range oldRows {
			if query.EvaluatePredicate(header, r, q.Conditions) {
				changed = append(changed, merge.RowChange{Kind: merge.Delete, Key: r.Key, Old: r})
				continue
			}
			out = append(out, r)
		}
		return out, changed, nil
	}
	return oldRows, nil, &engineerrors.ValidationError{Field: "sql", Reason: "unsupported statement kind"}
}

// assignRow builds a full row from an INSERT's column/value lists, mapped
// onto header order; unmentioned columns default to the empty string.
func assignRow(header []string, columns []string, values []string) merge.Row {
	out := make([]string, len(header))
	for i, col := range columns {
		if i >= len(values) {
			break
		}
		if idx := columnIndexOf(header, col); idx >= 0 {
			out[idx] = values[i]
		}
	}
	if len(out) == 0 {
		return merge.Row{}
	}
	return merge.Row{Key: out[0], Values: out[1:]}
}

// applyAssignment returns a copy of row with an UPDATE's SET columns
// overwritten; the key column itself cannot be reassigned.
func applyAssignment(header []string, row merge.Row, columns, values []string) merge.Row {
	out := merge.Row{Key: row.Key, Values: append([]string(nil), row.Values...)}
	for i, col := range columns {
		if i >= len(values) {
			break
		}
		idx := columnIndexOf(header, col)
		if idx <= 0 || idx-1 >= len(out.Values) {
			continue
		}
		out.Values[idx-1] = values[i]
	}
	return out
}

func columnIndexOf(header []string, column string) int {
	for i, h := range header {
		if h == column {
			return i
		}
	}
	return -1
}

// rowValue returns the value of row's i-th header column (0 is the key).
func rowValue(header []string, row merge.Row, i int) (string, bool) {
	if i == 0 {
		return row.Key, true
	}
	if i-1 >= len(row.Values) {
		return "", false
	}
	return row.Values[i-1], true
}

func sortedValues(byKey map[string]merge.Row) []merge.Row {
	out := make([]merge.Row, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
