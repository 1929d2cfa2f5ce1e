package record

// DdlHistoryRecord is one append-only entry in the DDL History Store.
// Tables is a full snapshot of every TableDef known immediately after
// this DDL was applied. It is persisted but not read back by recovery:
// Store.Recover always rebuilds the catalog by replaying the DDL text
// from empty state.
type DdlHistoryRecord struct {
	Position        SourcePosition
	DefaultDatabase string
	DDL             string
	Tables          map[TableId]TableDef
}

// Clone deep-copies the record, including the table snapshot.
func (r DdlHistoryRecord) Clone() DdlHistoryRecord {
	out := DdlHistoryRecord{
		Position:        r.Position.Clone(),
		DefaultDatabase: r.DefaultDatabase,
		DDL:             r.DDL,
		Tables:          make(map[TableId]TableDef, len(r.Tables)),
	}
	for id, def := range r.Tables {
		out.Tables[id] = def.Clone()
	}
	return out
}
