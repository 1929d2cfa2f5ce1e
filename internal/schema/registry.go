// Package schema implements the Schema Registry (spec.md §4.3): the
// authoritative table catalog and derived typed schemas, fed by DDL
// from the replication stream and recoverable from the DDL History
// Store. Single-writer, like the teacher's table.TableInfo: only the
// task worker mutates it during DDL apply or snapshot load; other
// threads must go through schemaFor/tableFor, which take the read lock.
package schema

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"

	"github.com/block/spirit-cdc/internal/cdcerrors"
	"github.com/block/spirit-cdc/internal/ddlhistory"
	"github.com/block/spirit-cdc/internal/schema/ddlparser"
	"github.com/block/spirit-cdc/pkg/record"
)

// ignoredStatements are DDL texts that are transaction noise, not
// schema changes — applyDdl treats these as a pure no-op.
var ignoredStatements = map[string]bool{
	"BEGIN": true, "END": true, "COMMIT": true, "ROLLBACK": true,
}

// Filters controls which databases, tables, and columns the registry
// exposes through tableFor/schemaFor. A nil predicate always passes.
type Filters struct {
	Database func(db string) bool
	Table    func(id record.TableId) bool
	Column   func(id record.TableId, column string) bool
}

func (f Filters) allowsTable(id record.TableId) bool {
	if f.Database != nil && !f.Database(id.Schema) {
		return false
	}
	if f.Table != nil && !f.Table(id) {
		return false
	}
	return true
}

func (f Filters) allowsColumn(id record.TableId, col string) bool {
	if f.Column != nil {
		return f.Column(id, col)
	}
	return true
}

// IncludeExcludeFilter builds a Filters.Database/Table predicate from
// comma-split include/exclude regex lists, the way config.TableIncludeList
// and config.TableExcludeList are parsed.
func IncludeExcludeFilter(includeDB, excludeDB, includeTable, excludeTable []string) Filters {
	dbInc := compileAll(includeDB)
	dbExc := compileAll(excludeDB)
	tInc := compileAll(includeTable)
	tExc := compileAll(excludeTable)
	return Filters{
		Database: func(db string) bool {
			return matchesInclude(dbInc, db) && !matchesExclude(dbExc, db)
		},
		Table: func(id record.TableId) bool {
			full := id.Schema + "." + id.Table
			return matchesInclude(tInc, full) && !matchesExclude(tExc, full)
		},
	}
}

func compileAll(patterns []string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

func matchesInclude(patterns []*regexp.Regexp, s string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func matchesExclude(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// JdbcMetadataReader is the connector-supplied bootstrap hook:
// inspect the live database and return the TableDefs it finds.
// Modeled as an interface rather than a direct *sql.DB dependency so
// the registry never imports a specific driver.
type JdbcMetadataReader interface {
	ReadTableDefs() (map[record.TableId]record.TableDef, error)
}

// Registry is the mutable table catalog plus its derived TypedSchema
// cache. Not safe for concurrent mutation; reads take a read lock.
type Registry struct {
	mu sync.RWMutex

	tables  map[record.TableId]record.TableDef
	schemas map[record.TableId]*record.TypedSchema

	history *ddlhistory.Store
	filters Filters
	logger  loggers.Advanced

	changed map[record.TableId]bool // accumulator drained at the end of applyDdl
}

// New returns an empty Registry backed by history.
func New(history *ddlhistory.Store, filters Filters, logger loggers.Advanced) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		tables:  make(map[record.TableId]record.TableDef),
		schemas: make(map[record.TableId]*record.TypedSchema),
		history: history,
		filters: filters,
		logger:  logger,
		changed: make(map[record.TableId]bool),
	}
}

// TableFor returns the current TableDef, or nil if excluded by filters
// or unknown.
func (r *Registry) TableFor(id record.TableId) *record.TableDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.filters.allowsTable(id) {
		return nil
	}
	def, ok := r.tables[id]
	if !ok {
		return nil
	}
	out := def.Clone()
	return &out
}

// SchemaFor returns the current TypedSchema, or nil if excluded or
// unknown. Per the filter-consistency invariant, a table the database
// filter rejects always returns nil here even though the TableDef may
// still exist internally.
func (r *Registry) SchemaFor(id record.TableId) *record.TypedSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.filters.allowsTable(id) {
		return nil
	}
	return r.schemas[id]
}

// LoadHistory resets the catalog to empty and replays the DDL History
// up to and including startingPosition, then rebuilds every TypedSchema.
// Per the schema-recoverability invariant, the result never trusts an
// in-memory snapshot — it is always reconstructed from the log.
func (r *Registry) LoadHistory(startingPosition record.SourcePosition, cmp record.Comparator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tables = make(map[record.TableId]record.TableDef)
	sink := &ddlhistory.Catalog{Tables: r.tables}
	parser := func(ddl, defaultDb string, sink *ddlhistory.Catalog) error {
		res, err := ddlparser.Parse(ddl, defaultDb, sink.Tables)
		if err != nil {
			r.logger.Errorf("ddl history replay: failed to parse %q: %v", ddl, err)
			return nil // best-effort: see applyDdl's ddl.on.error policy
		}
		_ = res
		return nil
	}
	if err := r.history.Recover(startingPosition, sink, parser, cmp); err != nil {
		return err
	}
	r.tables = sink.Tables
	r.rebuildAllSchemasLocked()
	return nil
}

// LoadFromJdbcMetadata snapshots the current catalog, runs reader
// against live metadata, and on success rebuilds TypedSchemas and
// appends a synthetic DROP+CREATE DDL record per changed table at
// position. On reader failure the catalog is rolled back to the
// pre-call snapshot before the error is returned.
func (r *Registry) LoadFromJdbcMetadata(reader JdbcMetadataReader, position record.SourcePosition, defaultDb string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[record.TableId]record.TableDef, len(r.tables))
	for id, def := range r.tables {
		snapshot[id] = def.Clone()
	}

	newTables, err := reader.ReadTableDefs()
	if err != nil {
		r.tables = snapshot // rollback
		return err
	}
	r.tables = newTables
	r.rebuildAllSchemasLocked()

	for id, def := range newTables {
		if existing, ok := snapshot[id]; ok && sameDef(existing, def) {
			continue
		}
		ddl := syntheticDDL(def)
		if err := r.history.Record(record.DdlHistoryRecord{
			Position:        position,
			DefaultDatabase: defaultDb,
			DDL:             ddl,
			Tables:          cloneAll(newTables),
		}); err != nil {
			return err
		}
	}
	return nil
}

func sameDef(a, b record.TableDef) bool {
	if len(a.Columns) != len(b.Columns) || len(a.PrimaryKey) != len(b.PrimaryKey) {
		return false
	}
	for i := range a.Columns {
		if !sameColumn(a.Columns[i], b.Columns[i]) {
			return false
		}
	}
	for i := range a.PrimaryKey {
		if a.PrimaryKey[i] != b.PrimaryKey[i] {
			return false
		}
	}
	return true
}

func sameColumn(a, b record.ColumnDef) bool {
	if a.Name != b.Name || a.TypeCode != b.TypeCode || a.Nullable != b.Nullable ||
		a.AutoIncrement != b.AutoIncrement || a.Generated != b.Generated {
		return false
	}
	if !sameIntPtr(a.Length, b.Length) || !sameIntPtr(a.Scale, b.Scale) {
		return false
	}
	return true
}

func sameIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func syntheticDDL(def record.TableDef) string {
	var cols []string
	for _, c := range def.Columns {
		cols = append(cols, c.Name+" "+c.TypeCode)
	}
	return "DROP TABLE IF EXISTS " + def.ID.Table + "; CREATE TABLE " + def.ID.Table + " (" + strings.Join(cols, ", ") + ")"
}

func cloneAll(m map[record.TableId]record.TableDef) map[record.TableId]record.TableDef {
	out := make(map[record.TableId]record.TableDef, len(m))
	for id, def := range m {
		out[id] = def.Clone()
	}
	return out
}

// ApplyDdl implements spec.md §4.3's applyDdl operation end to end.
// perDbConsumer, if supplied, is invoked once per affected database
// (filtered through Filters.Database) so a downstream notification
// fan-out can be driven per-database rather than per-statement.
func (r *Registry) ApplyDdl(position record.SourcePosition, defaultDb, ddlText string, perDbConsumer func(db, ddl string)) (changed bool, err error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(ddlText), ";"))
	if ignoredStatements[strings.ToUpper(trimmed)] {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.changed = make(map[record.TableId]bool)

	res, parseErr := ddlparser.Parse(ddlText, canonicalDB(defaultDb), r.tables)
	if parseErr != nil {
		// ParseError is non-fatal: logged, and the DDL is still
		// recorded so a later restart replays the same input. See
		// the ddl.on.error open question resolved in DESIGN.md.
		r.logger.Errorf("applyDdl: failed to parse %q: %v", ddlText, parseErr)
		err = cdcerrors.Parse("failed to parse ddl", parseErr)
	} else {
		for _, id := range res.ChangedTables {
			r.changed[id] = true
		}
	}

	if perDbConsumer != nil {
		dbs := res.AffectedDatabases
		if len(dbs) == 0 {
			dbs = []string{canonicalDB(defaultDb)}
		}
		for _, db := range dbs {
			if r.filters.Database != nil && !r.filters.Database(db) {
				continue
			}
			perDbConsumer(db, ddlText)
		}
	}

	if histErr := r.history.Record(record.DdlHistoryRecord{
		Position:        position,
		DefaultDatabase: defaultDb,
		DDL:             ddlText,
		Tables:          cloneAll(r.tables),
	}); histErr != nil {
		return false, histErr // HistoryWriteError is always fatal, overrides any ParseError
	}

	for id := range r.changed {
		if _, exists := r.tables[id]; !exists {
			delete(r.schemas, id)
			continue
		}
		r.rebuildSchemaLocked(id)
	}
	changed = len(r.changed) > 0
	return changed, err
}

// canonicalDB normalizes a database name before comparison, resolving
// the "dbName == null vs normalized-to-empty-string" ambiguity flagged
// in spec.md §9: every caller sees "" for "no database", never nil or
// a non-interned empty string from a different parser.
func canonicalDB(db string) string {
	return strings.TrimSpace(db)
}

func (r *Registry) rebuildAllSchemasLocked() {
	r.schemas = make(map[record.TableId]*record.TypedSchema, len(r.tables))
	ids := make([]record.TableId, 0, len(r.tables))
	for id := range r.tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	for _, id := range ids {
		r.rebuildSchemaLocked(id)
	}
}

// rebuildSchemaLocked derives a TypedSchema from the current TableDef,
// dropping any column the column filter excludes. Field order follows
// the TableDef's column order, matching the teacher's convention of
// schemas mirroring declaration order rather than sorting it.
func (r *Registry) rebuildSchemaLocked(id record.TableId) {
	def, ok := r.tables[id]
	if !ok {
		delete(r.schemas, id)
		return
	}
	fields := make([]record.Field, 0, len(def.Columns))
	for _, col := range def.Columns {
		if !r.filters.allowsColumn(id, col.Name) {
			continue
		}
		fields = append(fields, record.Field{
			Name:     col.Name,
			Type:     col.TypeCode,
			Optional: col.Nullable,
		})
	}
	r.schemas[id] = &record.TypedSchema{Name: id.String(), Fields: fields}
}
