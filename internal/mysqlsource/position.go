// Package mysqlsource is the reference source connector: it wraps
// go-mysql-org/go-mysql's canal the same way block-spirit's
// pkg/repl.Client does, generalized from "watch one table's changeset
// for an online migration" to "emit every row and DDL event as a
// spec-shaped Record/applyDdl call".
package mysqlsource

import (
	"strconv"

	"github.com/go-mysql-org/go-mysql/mysql"

	"github.com/block/spirit-cdc/pkg/record"
)

const partitionServerKey = "server"

// positionFromSource encodes a mysql.Position as the opaque
// SourcePosition the engine core persists and compares.
func positionFromSource(serverID string, pos mysql.Position) record.SourcePosition {
	return record.SourcePosition{
		Partition: map[string]string{partitionServerKey: serverID},
		Offset: map[string]any{
			"file": pos.Name,
			"pos":  float64(pos.Pos),
		},
	}
}

// positionToMySQL decodes a previously persisted SourcePosition back
// into a mysql.Position. ok is false when the offset map does not
// carry a recognizable binlog file name.
func positionToMySQL(pos record.SourcePosition) (mysql.Position, bool) {
	name, _ := pos.Offset["file"].(string)
	if name == "" {
		return mysql.Position{}, false
	}
	var p uint32
	switch v := pos.Offset["pos"].(type) {
	case float64:
		p = uint32(v)
	case int:
		p = uint32(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return mysql.Position{}, false
		}
		p = uint32(n)
	}
	return mysql.Position{Name: name, Pos: p}, true
}

// Comparator implements record.Comparator for binlog file+pos offsets:
// positions in a later file, or a later position within the same
// file, compare greater. It has the record.Comparator shape that
// ddlhistory.Store.Recover and the Schema Registry's LoadHistory take;
// nothing in this package passes it to them.
func Comparator(a, b map[string]any) int {
	pa, _ := positionToMySQL(record.SourcePosition{Offset: a})
	pb, _ := positionToMySQL(record.SourcePosition{Offset: b})
	if pa.Name != pb.Name {
		if pa.Name < pb.Name {
			return -1
		}
		return 1
	}
	switch {
	case pa.Pos < pb.Pos:
		return -1
	case pa.Pos > pb.Pos:
		return 1
	default:
		return 0
	}
}
