package offsetstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/spirit-cdc/pkg/record"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "offsets.db"))
	m, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestStageFlushLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.db")
	s := New(path)

	pos := record.SourcePosition{
		Partition: map[string]string{"server": "A"},
		Offset:    map[string]any{"file": "binlog.000001", "pos": float64(100)},
	}
	s.Stage(pos)

	res, err := s.Flush(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, Committed, res)

	fresh := New(path)
	loaded, err := fresh.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[pos.PartitionKey()]
	assert.Equal(t, "A", got.Partition["server"])
	assert.EqualValues(t, 100, got.Offset["pos"])
}

func TestFlushWithNoStagedChangesIsNoop(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "offsets.db"))
	res, err := s.Flush(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, Committed, res)
}

func TestAtLeastOnceAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.db")
	s := New(path)

	for i := 1; i <= 100; i++ {
		s.Stage(record.SourcePosition{
			Partition: map[string]string{"server": "A"},
			Offset:    map[string]any{"pos": float64(i)},
		})
	}
	_, err := s.Flush(context.Background(), time.Second)
	require.NoError(t, err)

	fresh := New(path)
	loaded, err := fresh.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	for _, pos := range loaded {
		assert.EqualValues(t, 100, pos.Offset["pos"])
	}
}

func TestMultiplePartitionsFlushAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.db")
	s := New(path)
	s.Stage(record.SourcePosition{Partition: map[string]string{"server": "A"}, Offset: map[string]any{"pos": float64(1)}})
	s.Stage(record.SourcePosition{Partition: map[string]string{"server": "B"}, Offset: map[string]any{"pos": float64(2)}})

	_, err := s.Flush(context.Background(), time.Second)
	require.NoError(t, err)

	loaded, err := New(path).Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}
