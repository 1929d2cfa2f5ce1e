// Package ddlparser implements the DDL parse function the Schema
// Registry calls: Parse(text, defaultDb, catalog) -> (Result, error).
// It is not pure: it mutates the catalog map it is given in place and
// returns no new catalog; Result reports the affected databases and
// changed tables. It is built the same way the teacher's pkg/utils walks
// ast.AlterTableStmt nodes (AlgorithmInplaceConsideredSafe,
// AlterContainsUnsupportedClause) and the way pkg/lint's
// IndexColumnExistsLinter walks ast.CreateTableStmt/AlterTableStmt
// specs — both built on github.com/pingcap/tidb/pkg/parser.
package ddlparser

import (
	"fmt"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/types"

	"github.com/block/spirit-cdc/pkg/record"
)

// Result is the outcome of parsing one DDL statement against a
// catalog snapshot.
type Result struct {
	// AffectedDatabases lists every database touched by the statement.
	// Empty when the parser could not determine it (e.g. an ignored or
	// unrecognized statement) — the caller falls back to defaultDb.
	AffectedDatabases []string
	// ChangedTables is the set of table ids whose TableDef changed
	// (created, altered) or was removed (dropped) by this statement.
	ChangedTables []record.TableId
	// Dropped marks which of ChangedTables were DROPped rather than
	// created/altered, so the caller knows to evict instead of rebuild.
	Dropped map[record.TableId]bool
}

// Parse applies ddlText (with defaultDb as the implicit database) to
// catalog, mutating it in place, and reports what changed. A statement
// the parser cannot recognize as schema-affecting DDL is a no-op that
// returns a zero Result, not an error — only a genuine parse failure
// returns an error.
func Parse(ddlText, defaultDb string, catalog map[record.TableId]record.TableDef) (Result, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(ddlText, "", "")
	if err != nil {
		return Result{}, err
	}

	var res Result
	res.Dropped = map[record.TableId]bool{}
	affected := map[string]bool{}

	for _, stmt := range stmtNodes {
		switch n := stmt.(type) {
		case *ast.CreateTableStmt:
			id, def := createTableDef(n, defaultDb)
			catalog[id] = def
			res.ChangedTables = append(res.ChangedTables, id)
			affected[id.Schema] = true

		case *ast.AlterTableStmt:
			id := tableID(n.Table, defaultDb)
			def, ok := catalog[id]
			if !ok {
				// ALTER on a table we have no prior CREATE for: start
				// from an empty def and accept whatever the spec adds.
				def = record.TableDef{ID: id}
			}
			applyAlterSpecs(&def, n.Specs)
			for _, spec := range n.Specs {
				if spec.Tp == ast.AlterTableRenameTable && spec.NewTable != nil {
					delete(catalog, id)
					res.ChangedTables = append(res.ChangedTables, id)
					res.Dropped[id] = true
					affected[id.Schema] = true
					id = tableID(spec.NewTable, defaultDb)
					def.ID = id
				}
			}
			catalog[id] = def
			res.ChangedTables = append(res.ChangedTables, id)
			affected[id.Schema] = true
			if n.Table.Schema.O != "" {
				affected[n.Table.Schema.O] = true
			}

		case *ast.DropTableStmt:
			for _, t := range n.Tables {
				id := tableID(t, defaultDb)
				delete(catalog, id)
				res.ChangedTables = append(res.ChangedTables, id)
				res.Dropped[id] = true
				affected[id.Schema] = true
			}

		case *ast.RenameTableStmt:
			for _, pair := range n.TableToTables {
				oldID := tableID(pair.OldTable, defaultDb)
				newID := tableID(pair.NewTable, defaultDb)
				if def, ok := catalog[oldID]; ok {
					delete(catalog, oldID)
					def.ID = newID
					catalog[newID] = def
				}
				res.ChangedTables = append(res.ChangedTables, oldID, newID)
				res.Dropped[oldID] = true
				affected[oldID.Schema] = true
				affected[newID.Schema] = true
			}

		default:
			// Not a table-structural statement (e.g. CREATE DATABASE,
			// CREATE INDEX outside ALTER); nothing to track.
		}
	}

	for db := range affected {
		if db != "" {
			res.AffectedDatabases = append(res.AffectedDatabases, db)
		}
	}
	return res, nil
}

func tableID(t *ast.TableName, defaultDb string) record.TableId {
	schema := t.Schema.O
	if schema == "" {
		schema = defaultDb
	}
	return record.TableId{Schema: schema, Table: t.Name.O}
}

func createTableDef(n *ast.CreateTableStmt, defaultDb string) (record.TableId, record.TableDef) {
	id := tableID(n.Table, defaultDb)
	def := record.TableDef{ID: id}
	for _, col := range n.Cols {
		def.Columns = append(def.Columns, columnDef(col))
	}
	for _, con := range n.Constraints {
		if con.Tp == ast.ConstraintPrimaryKey {
			for _, key := range con.Keys {
				if key.Column != nil {
					def.PrimaryKey = append(def.PrimaryKey, key.Column.Name.O)
				}
			}
		}
	}
	// A column-level PRIMARY KEY option also counts.
	for _, col := range n.Cols {
		for _, opt := range col.Options {
			if opt.Tp == ast.ColumnOptionPrimaryKey {
				def.PrimaryKey = append(def.PrimaryKey, col.Name.Name.O)
			}
		}
	}
	return id, def
}

func columnDef(col *ast.ColumnDef) record.ColumnDef {
	c := record.ColumnDef{
		Name:     col.Name.Name.O,
		TypeCode: formatType(col.Tp),
		Nullable: true,
	}
	if col.Tp != nil {
		if l := col.Tp.GetFlen(); l > 0 {
			c.Length = &l
		}
		if d := col.Tp.GetDecimal(); d > 0 {
			c.Scale = &d
		}
	}
	for _, opt := range col.Options {
		switch opt.Tp {
		case ast.ColumnOptionNotNull, ast.ColumnOptionPrimaryKey:
			c.Nullable = false
		case ast.ColumnOptionAutoIncrement:
			c.AutoIncrement = true
		case ast.ColumnOptionGenerated:
			c.Generated = true
		}
	}
	return c
}

func formatType(tp *types.FieldType) string {
	if tp == nil {
		return ""
	}
	return strings.ToLower(tp.CompactStr())
}

func applyAlterSpecs(def *record.TableDef, specs []*ast.AlterTableSpec) {
	for _, spec := range specs {
		switch spec.Tp { //nolint:exhaustive
		case ast.AlterTableAddColumns:
			for _, col := range spec.NewColumns {
				def.Columns = append(def.Columns, columnDef(col))
			}
		case ast.AlterTableDropColumn:
			name := spec.OldColumnName.Name.O
			for i, c := range def.Columns {
				if c.Name == name {
					def.Columns = append(def.Columns[:i], def.Columns[i+1:]...)
					break
				}
			}
			def.PrimaryKey = removeString(def.PrimaryKey, name)
		case ast.AlterTableModifyColumn, ast.AlterTableChangeColumn:
			if len(spec.NewColumns) == 0 {
				continue
			}
			newCol := columnDef(spec.NewColumns[0])
			oldName := newCol.Name
			if spec.OldColumnName != nil {
				oldName = spec.OldColumnName.Name.O
			}
			replaced := false
			for i, c := range def.Columns {
				if c.Name == oldName {
					def.Columns[i] = newCol
					replaced = true
					break
				}
			}
			if !replaced {
				def.Columns = append(def.Columns, newCol)
			}
		case ast.AlterTableAddConstraint:
			if spec.Constraint != nil && spec.Constraint.Tp == ast.ConstraintPrimaryKey {
				for _, key := range spec.Constraint.Keys {
					if key.Column != nil {
						def.PrimaryKey = append(def.PrimaryKey, key.Column.Name.O)
					}
				}
			}
		case ast.AlterTableRenameTable:
			// handled by Parse's AlterTableStmt case, which owns the
			// catalog map key
		}
	}
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Stringify is a debug helper used by the Schema Registry's logs.
func Stringify(id record.TableId) string {
	return fmt.Sprintf("%s.%s", id.Schema, id.Table)
}
