package mysqlsource

import (
	"testing"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/stretchr/testify/assert"

	"github.com/block/spirit-cdc/pkg/record"
)

func TestPositionRoundTrip(t *testing.T) {
	pos := mysql.Position{Name: "binlog.000003", Pos: 4521}
	sp := positionFromSource("1", pos)

	got, ok := positionToMySQL(sp)
	assert.True(t, ok)
	assert.Equal(t, pos, got)
}

func TestPositionToMySQLMissingFileIsNotOK(t *testing.T) {
	_, ok := positionToMySQL(record.SourcePosition{Offset: map[string]any{"pos": float64(1)}})
	assert.False(t, ok)
}

func TestComparatorOrdersByFileThenPos(t *testing.T) {
	a := map[string]any{"file": "binlog.000001", "pos": float64(100)}
	b := map[string]any{"file": "binlog.000001", "pos": float64(200)}
	c := map[string]any{"file": "binlog.000002", "pos": float64(1)}

	assert.Equal(t, -1, Comparator(a, b))
	assert.Equal(t, 1, Comparator(b, a))
	assert.Equal(t, 0, Comparator(a, a))
	assert.Equal(t, -1, Comparator(b, c))
}
