package ddlhistory

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/spirit-cdc/pkg/record"
)

func pos(n int) record.SourcePosition {
	return record.SourcePosition{
		Partition: map[string]string{"server": "A"},
		Offset:    map[string]any{"pos": float64(n)},
	}
}

func cmp(a, b map[string]any) int {
	av, _ := a["pos"].(float64)
	bv, _ := b["pos"].(float64)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func rec(n int, ddl string) record.DdlHistoryRecord {
	return record.DdlHistoryRecord{
		Position:        pos(n),
		DefaultDatabase: "mydb",
		DDL:             ddl,
		Tables:          map[record.TableId]record.TableDef{},
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	return n
}

func TestRecoverStoppingPositionIsInclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	s := New(path)
	require.NoError(t, s.Start())
	require.NoError(t, s.Record(rec(1, "CREATE TABLE t (a INT)")))
	require.NoError(t, s.Record(rec(2, "ALTER TABLE t ADD COLUMN b INT")))
	require.NoError(t, s.Record(rec(3, "DROP TABLE t")))
	require.NoError(t, s.Stop())

	var replayed []string
	parser := func(ddl, defaultDb string, sink *Catalog) error {
		replayed = append(replayed, ddl)
		return nil
	}

	s2 := New(path)
	require.NoError(t, s2.Start())
	t.Cleanup(func() { _ = s2.Stop() })
	sink := &Catalog{Tables: map[record.TableId]record.TableDef{}}
	require.NoError(t, s2.Recover(pos(2), sink, parser, cmp))

	assert.Equal(t, []string{"CREATE TABLE t (a INT)", "ALTER TABLE t ADD COLUMN b INT"}, replayed)
}

func TestCompactDropsRecordsStrictlyBeforePosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	s := New(path)
	require.NoError(t, s.Start())
	require.NoError(t, s.Record(rec(1, "CREATE TABLE t (a INT)")))
	require.NoError(t, s.Record(rec(2, "ALTER TABLE t ADD COLUMN b INT")))
	require.NoError(t, s.Record(rec(3, "DROP TABLE t")))
	require.Equal(t, 3, countLines(t, path))

	require.NoError(t, s.Compact(pos(3), cmp))
	assert.Equal(t, 1, countLines(t, path))

	// the store stays usable for further appends after compaction.
	require.NoError(t, s.Record(rec(4, "CREATE TABLE u (a INT)")))
	assert.Equal(t, 2, countLines(t, path))
	require.NoError(t, s.Stop())
}

func TestCompactOnMissingFileIsNoop(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "history.jsonl"))
	assert.NoError(t, s.Compact(pos(1), cmp))
}
