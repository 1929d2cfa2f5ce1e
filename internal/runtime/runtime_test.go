package runtime

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/block/spirit-cdc/internal/config"
	"github.com/block/spirit-cdc/internal/connector"
	"github.com/block/spirit-cdc/internal/offsetstore"
	"github.com/block/spirit-cdc/internal/queue"
	"github.com/block/spirit-cdc/pkg/record"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

// fakeTask emits the records in batches, then goes idle forever until
// Stop is called, mirroring a connector whose Poll blocks on I/O.
type fakeTask struct {
	connector.NopCommitter

	mu      sync.Mutex
	batches [][]record.Record
	stopped bool
}

func (f *fakeTask) Start(context.Context, map[string]string, connector.OffsetReader) error {
	return nil
}

func (f *fakeTask) Poll(ctx context.Context) ([]record.Record, error) {
	f.mu.Lock()
	if f.stopped || len(f.batches) == 0 {
		f.mu.Unlock()
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	f.mu.Unlock()
	return b, nil
}

func (f *fakeTask) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse(map[string]string{
		config.KeyName:              "t",
		config.KeyConnectorClass:    "fake",
		config.KeyOffsetStorageFile: t.TempDir() + "/offsets.db",
		config.KeyOffsetFlushInterval: "0",
	})
	require.NoError(t, err)
	return cfg
}

func TestRuntimeDeliversRecordsInOrder(t *testing.T) {
	rec := func(n int) record.Record {
		return record.Record{
			Topic:    "t",
			Position: record.SourcePosition{Partition: map[string]string{"server": "A"}, Offset: map[string]any{"pos": float64(n)}},
		}
	}
	task := &fakeTask{batches: [][]record.Record{{rec(1), rec(2)}, {rec(3)}}}
	q := queue.New(10)
	off := offsetstore.New(t.TempDir() + "/offsets.db")
	cfg := testConfig(t)

	var mu sync.Mutex
	var seen []int
	onRecord := func(r record.Record) {
		mu.Lock()
		defer mu.Unlock()
		n, _ := r.Position.Offset["pos"].(float64)
		seen = append(seen, int(n))
	}

	rt := New(task, q, off, cfg, nil, onRecord)
	require.NoError(t, rt.Start(t.Context(), noopOffsetReader{}, nil))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 10*time.Millisecond)

	rt.Stop()
	assert.True(t, rt.Await(time.Second))
	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, seen)
	mu.Unlock()
}

func TestRuntimeEmitsHeartbeatsWhenIdle(t *testing.T) {
	task := &fakeTask{} // no batches: the task sees no row traffic at all
	q := queue.New(10)
	off := offsetstore.New(t.TempDir() + "/offsets.db")
	cfg, err := config.Parse(map[string]string{
		config.KeyName:                "t",
		config.KeyConnectorClass:      "fake",
		config.KeyOffsetStorageFile:   t.TempDir() + "/offsets.db",
		config.KeyOffsetFlushInterval: "0",
		config.KeyHeartbeatInterval:   "5",
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var heartbeats int
	onRecord := func(r record.Record) {
		mu.Lock()
		defer mu.Unlock()
		if r.Topic == "t.heartbeat" {
			heartbeats++
		}
	}

	rt := New(task, q, off, cfg, nil, onRecord)
	require.NoError(t, rt.Start(t.Context(), noopOffsetReader{}, nil))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return heartbeats >= 2
	}, time.Second, 10*time.Millisecond)

	rt.Stop()
	assert.True(t, rt.Await(time.Second))
}

func TestRuntimeStopIsIdempotent(t *testing.T) {
	task := &fakeTask{}
	q := queue.New(10)
	off := offsetstore.New(t.TempDir() + "/offsets.db")
	cfg := testConfig(t)

	rt := New(task, q, off, cfg, nil, nil)
	require.NoError(t, rt.Start(t.Context(), noopOffsetReader{}, nil))

	rt.Stop()
	rt.Stop()
	rt.Stop()
	assert.True(t, rt.Await(time.Second))
	assert.Equal(t, StateStopped, rt.State())
}

func TestRuntimeTaskStartFailureTransitionsToFailed(t *testing.T) {
	task := &failingStartTask{}
	q := queue.New(10)
	off := offsetstore.New(t.TempDir() + "/offsets.db")
	cfg := testConfig(t)

	rt := New(task, q, off, cfg, nil, nil)
	var gotState State
	var gotErr error
	rt.OnTerminal(func(s State, err error) {
		gotState = s
		gotErr = err
	})
	err := rt.Start(t.Context(), noopOffsetReader{}, nil)
	require.Error(t, err)
	assert.Equal(t, StateFailed, gotState)
	assert.Error(t, gotErr)
}

type failingStartTask struct {
	connector.NopCommitter
}

func (failingStartTask) Start(context.Context, map[string]string, connector.OffsetReader) error {
	return assertErr
}
func (failingStartTask) Poll(context.Context) ([]record.Record, error) { return nil, nil }
func (failingStartTask) Stop() error                                  { return nil }

var assertErr = &staticErr{"start failed"}

type staticErr struct{ msg string }

func (e *staticErr) Error() string { return e.msg }

type noopOffsetReader struct{}

func (noopOffsetReader) OffsetsFor(partitions []map[string]string) (map[string]record.SourcePosition, error) {
	return nil, nil
}
