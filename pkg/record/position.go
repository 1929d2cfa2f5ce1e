// Package record contains the wire-level data model shared between the
// engine core and any connector or sink: positions, records, table
// definitions and the typed schemas derived from them.
package record

import (
	"fmt"
	"sort"
	"strings"
)

// SourcePosition is an opaque partition/offset pair. Partition identifies
// an independent position cursor (for example, one per upstream server);
// offset names a point in that cursor's log. Both maps are meaningful
// only to the connector that produced them — the core never interprets
// their contents, only compares and persists them.
type SourcePosition struct {
	Partition map[string]string
	Offset    map[string]any
}

// Clone returns a deep copy so callers can mutate the result without
// racing a concurrent reader of the original.
func (p SourcePosition) Clone() SourcePosition {
	out := SourcePosition{
		Partition: make(map[string]string, len(p.Partition)),
		Offset:    make(map[string]any, len(p.Offset)),
	}
	for k, v := range p.Partition {
		out.Partition[k] = v
	}
	for k, v := range p.Offset {
		out.Offset[k] = v
	}
	return out
}

// PartitionKey returns a stable, comparable string for the partition
// component, suitable for use as a map key (e.g. by the offset store).
func (p SourcePosition) PartitionKey() string {
	keys := make([]string, 0, len(p.Partition))
	for k := range p.Partition {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.Partition[k])
	}
	return b.String()
}

// Comparator orders two offsets known to belong to the same partition.
// Returns <0, 0, >0 like bytes.Compare. Supplied by the connector: the
// core never assumes a total order across partitions, only within one.
type Comparator func(a, b map[string]any) int

// String is a debug representation, not a wire format.
func (p SourcePosition) String() string {
	return fmt.Sprintf("{partition:%v offset:%v}", p.Partition, p.Offset)
}
