package schema

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/spirit-cdc/internal/ddlhistory"
	"github.com/block/spirit-cdc/pkg/record"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	h := ddlhistory.New(filepath.Join(t.TempDir(), "history.jsonl"))
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Stop() })
	return New(h, Filters{}, logrus.StandardLogger())
}

func pos(n int) record.SourcePosition {
	return record.SourcePosition{
		Partition: map[string]string{"server": "1"},
		Offset:    map[string]any{"pos": float64(n)},
	}
}

func TestApplyDdlCreateTableAddsSchema(t *testing.T) {
	r := newTestRegistry(t)
	changed, err := r.ApplyDdl(pos(1), "mydb", "CREATE TABLE orders (id INT PRIMARY KEY, amount INT NOT NULL)", nil)
	require.NoError(t, err)
	assert.True(t, changed)

	id := record.TableId{Schema: "mydb", Table: "orders"}
	def := r.TableFor(id)
	require.NotNil(t, def)
	assert.Len(t, def.Columns, 2)
	assert.Equal(t, []string{"id"}, def.PrimaryKey)

	s := r.SchemaFor(id)
	require.NotNil(t, s)
	assert.Len(t, s.Fields, 2)
}

func TestApplyDdlAlterAddColumnUpdatesSchema(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.ApplyDdl(pos(1), "mydb", "CREATE TABLE orders (id INT PRIMARY KEY)", nil)
	require.NoError(t, err)

	changed, err := r.ApplyDdl(pos(2), "mydb", "ALTER TABLE orders ADD COLUMN status VARCHAR(32)", nil)
	require.NoError(t, err)
	assert.True(t, changed)

	id := record.TableId{Schema: "mydb", Table: "orders"}
	def := r.TableFor(id)
	require.NotNil(t, def)
	assert.Len(t, def.Columns, 2)
	assert.Equal(t, "status", def.Columns[1].Name)
}

func TestApplyDdlDropTableEvictsSchema(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.ApplyDdl(pos(1), "mydb", "CREATE TABLE orders (id INT PRIMARY KEY)", nil)
	require.NoError(t, err)

	id := record.TableId{Schema: "mydb", Table: "orders"}
	require.NotNil(t, r.SchemaFor(id))

	changed, err := r.ApplyDdl(pos(2), "mydb", "DROP TABLE orders", nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Nil(t, r.SchemaFor(id))
	assert.Nil(t, r.TableFor(id))
}

func TestApplyDdlIgnoresTransactionNoise(t *testing.T) {
	r := newTestRegistry(t)
	changed, err := r.ApplyDdl(pos(1), "mydb", "BEGIN", nil)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestApplyDdlNotifiesPerAffectedDatabase(t *testing.T) {
	r := newTestRegistry(t)
	var notified []string
	_, err := r.ApplyDdl(pos(1), "mydb", "CREATE TABLE orders (id INT PRIMARY KEY)", func(db, ddl string) {
		notified = append(notified, db)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"mydb"}, notified)
}

func TestFiltersExcludeTable(t *testing.T) {
	h := ddlhistory.New(filepath.Join(t.TempDir(), "history.jsonl"))
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Stop() })

	filters := IncludeExcludeFilter(nil, nil, nil, []string{`mydb\.secret`})
	r := New(h, filters, logrus.StandardLogger())

	_, err := r.ApplyDdl(pos(1), "mydb", "CREATE TABLE secret (id INT PRIMARY KEY)", nil)
	require.NoError(t, err)

	id := record.TableId{Schema: "mydb", Table: "secret"}
	assert.Nil(t, r.TableFor(id))
	assert.Nil(t, r.SchemaFor(id))
}

func TestLoadHistoryRebuildsCatalogFromLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	h := ddlhistory.New(path)
	require.NoError(t, h.Start())
	r := New(h, Filters{}, logrus.StandardLogger())

	_, err := r.ApplyDdl(pos(1), "mydb", "CREATE TABLE orders (id INT PRIMARY KEY)", nil)
	require.NoError(t, err)
	_, err = r.ApplyDdl(pos(2), "mydb", "ALTER TABLE orders ADD COLUMN status VARCHAR(32)", nil)
	require.NoError(t, err)
	require.NoError(t, h.Stop())

	h2 := ddlhistory.New(path)
	require.NoError(t, h2.Start())
	t.Cleanup(func() { _ = h2.Stop() })
	r2 := New(h2, Filters{}, logrus.StandardLogger())

	cmp := func(a, b map[string]any) int {
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
	// Recover up to and including position 3: both DDLs replay.
	require.NoError(t, r2.LoadHistory(pos(3), cmp))

	id := record.TableId{Schema: "mydb", Table: "orders"}
	def := r2.TableFor(id)
	require.NotNil(t, def)
	assert.Len(t, def.Columns, 2)
}

// TestLoadHistoryStoppingPositionIsInclusive reproduces spec.md §8
// scenario 3 exactly: CREATE at P1, ALTER at P2, DROP at P3; recovering
// up to P2 must replay the record written at P2 itself, landing on the
// post-ALTER (3-column) shape rather than stopping one record short.
func TestLoadHistoryStoppingPositionIsInclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	h := ddlhistory.New(path)
	require.NoError(t, h.Start())
	r := New(h, Filters{}, logrus.StandardLogger())

	_, err := r.ApplyDdl(pos(1), "mydb", "CREATE TABLE t (a INT PRIMARY KEY, b INT)", nil)
	require.NoError(t, err)
	_, err = r.ApplyDdl(pos(2), "mydb", "ALTER TABLE t ADD COLUMN c INT", nil)
	require.NoError(t, err)
	_, err = r.ApplyDdl(pos(3), "mydb", "DROP TABLE t", nil)
	require.NoError(t, err)
	require.NoError(t, h.Stop())

	h2 := ddlhistory.New(path)
	require.NoError(t, h2.Start())
	t.Cleanup(func() { _ = h2.Stop() })
	r2 := New(h2, Filters{}, logrus.StandardLogger())

	cmp := func(a, b map[string]any) int {
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
	require.NoError(t, r2.LoadHistory(pos(2), cmp))

	id := record.TableId{Schema: "mydb", Table: "t"}
	def := r2.TableFor(id)
	require.NotNil(t, def)
	assert.Len(t, def.Columns, 3)
}
