package engine

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
	"github.com/block/spirit-cdc/internal/schema"
	"github.com/block/spirit-cdc/pkg/record"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

type idleTask struct {
	connector.NopCommitter
}

func (idleTask) Start(context.Context, map[string]string, connector.OffsetReader) error { return nil }
func (idleTask) Poll(ctx context.Context) ([]record.Record, error) {
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
	}
	return nil, nil
}
func (idleTask) Stop() error { return nil }

type idleSource struct{}

func (idleSource) Initialize(map[string]string) ([]map[string]string, error) {
	return []map[string]string{{}}, nil
}
func (idleSource) NewTask(map[string]string) (connector.Task, error) { return idleTask{}, nil }

func baseConfigMap(t *testing.T) map[string]string {
	t.Helper()
	return map[string]string{
		config.KeyName:                "test-engine",
		config.KeyConnectorClass:      "idle",
		config.KeyOffsetStorageFile:   t.TempDir() + "/offsets.db",
		config.KeyHistoryFile:         t.TempDir() + "/history.jsonl",
		config.KeyOffsetFlushInterval: "0",
	}
}

func TestEngineRunStopFiresCompletionOnce(t *testing.T) {
	reg := NewRegistry()
	reg.Register("idle", func(*schema.Registry) connector.Source { return idleSource{} })

	var mu sync.Mutex
	calls := 0
	var lastSuccess bool

	e, err := New(baseConfigMap(t), reg, WithCompletion(func(success bool, msg string, err error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		lastSuccess = success
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.True(t, e.Await(time.Second))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.True(t, lastSuccess)
}

func TestEngineUnknownConnectorClassFailsFast(t *testing.T) {
	reg := NewRegistry()
	var gotErr error
	e, err := New(baseConfigMap(t), reg, WithCompletion(func(success bool, msg string, err error) {
		gotErr = err
	}))
	require.NoError(t, err)

	err = e.Run(t.Context())
	require.Error(t, err)
	assert.Error(t, gotErr)
}

func TestNewRejectsMissingRequiredConfig(t *testing.T) {
	reg := NewRegistry()
	_, err := New(map[string]string{}, reg)
	require.Error(t, err)
}
