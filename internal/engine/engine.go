// Package engine implements the Engine (spec.md §4.6): a single-
// connector embedded host that configures, owns, and supervises one
// Task Runtime, and exposes the consumption/control surface to the
// caller. Modeled on the teacher's migration.Runner.Run — build from
// a config map, run to completion or until stopped, report exactly
// once via a completion callback — generalized from "run one
// migration" to "run one connector task forever".
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"

	"github.com/block/spirit-cdc/internal/cdcerrors"
	"github.com/block/spirit-cdc/internal/config"
	"github.com/block/spirit-cdc/internal/connector"
	"github.com/block/spirit-cdc/internal/ddlhistory"
	"github.com/block/spirit-cdc/internal/offsetstore"
	"github.com/block/spirit-cdc/internal/queue"
	"github.com/block/spirit-cdc/internal/runtime"
	"github.com/block/spirit-cdc/internal/schema"
	"github.com/block/spirit-cdc/pkg/record"
)

// Registry maps a connector.class name to a factory, replacing the
// per-classloader instantiation spec.md §9 says the core must not do
// itself — the host populates this, the core only looks names up. The
// factory receives the Engine's own Schema Registry, since a source
// connector (e.g. mysqlsource) needs it to apply DDL and look up
// TypedSchemas as row events arrive.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func(*schema.Registry) connector.Source
}

// NewRegistry returns an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func(*schema.Registry) connector.Source)}
}

// Register associates a connector.class name with a factory.
func (r *Registry) Register(class string, factory func(*schema.Registry) connector.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[class] = factory
}

func (r *Registry) lookup(class string) (func(*schema.Registry) connector.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[class]
	return f, ok
}

// CompletionCallback is invoked exactly once when the Engine stops:
// on clean shutdown with success=true, or on startup/task failure
// with success=false and a populated err.
type CompletionCallback func(success bool, message string, err error)

// Engine is a single-connector embedded host.
type Engine struct {
	cfg      *config.Config
	registry *Registry
	logger   loggers.Advanced

	offsets *offsetstore.Store
	history *ddlhistory.Store
	reg     *schema.Registry
	q       *queue.Queue
	rt      *runtime.Runtime

	onCompletion CompletionCallback
	onRecord     func(record.Record)

	doneOnce sync.Once
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger overrides the default logrus-backed logger.
func WithLogger(l loggers.Advanced) Option { return func(e *Engine) { e.logger = l } }

// WithRecordNotification registers the callback that receives each
// Record the Task Runtime enqueues from a poll batch (and each heartbeat
// Record). It is called right after the Record is put into the Record
// Queue, not when the Record is taken from it; records enqueued during
// shutdown are not passed to it.
func WithRecordNotification(f func(record.Record)) Option {
	return func(e *Engine) { e.onRecord = f }
}

// WithCompletion registers the callback fired exactly once on Engine
// termination.
func WithCompletion(f CompletionCallback) Option {
	return func(e *Engine) { e.onCompletion = f }
}

// New validates configMap, builds the backing stores, and returns an
// unstarted Engine. registry supplies the connector.class → Source
// mapping; the Engine never reflects on class names itself.
func New(configMap map[string]string, registry *Registry, opts ...Option) (*Engine, error) {
	cfg, err := config.Parse(configMap)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		logger:   logrus.New(),
		offsets:  offsetstore.New(cfg.OffsetStorageFile),
		history:  ddlhistory.New(cfg.HistoryFile),
		q:        queue.New(queue.DefaultTypicalCapacity),
	}
	for _, opt := range opts {
		opt(e)
	}
	for k := range cfg.Raw {
		e.logger.Infof("config: option %s is not an engine option; passing it to the connector", k)
	}

	filters := schema.IncludeExcludeFilter(nil, nil, cfg.TableIncludeList, cfg.TableExcludeList)
	if len(cfg.ColumnExcludeList) > 0 {
		excluded := map[string]bool{}
		for _, c := range cfg.ColumnExcludeList {
			excluded[c] = true
		}
		filters.Column = func(_ record.TableId, col string) bool { return !excluded[col] }
	}
	e.reg = schema.New(e.history, filters, e.logger)
	return e, nil
}

// Registry exposes the Schema Registry so a running source connector
// can feed it DDL as it arrives from the replication stream.
func (e *Engine) Registry() *schema.Registry { return e.reg }

// Queue exposes the Record Queue so a caller can drive its own
// consumption loop alongside the record-notification callback.
func (e *Engine) Queue() *queue.Queue { return e.q }

// Run builds the connector task from the registry, starts the stores
// and Task Runtime, and blocks until the runtime reaches a terminal
// state or ctx is cancelled. The completion callback fires exactly
// once before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	factory, ok := e.registry.lookup(e.cfg.ConnectorClass)
	if !ok {
		err := cdcerrors.Config("unknown connector.class "+e.cfg.ConnectorClass, nil)
		e.complete(false, "startup failed", err)
		return err
	}
	source := factory(e.reg)

	taskConfigs, err := source.Initialize(e.cfg.Raw)
	if err != nil {
		err = cdcerrors.Config("connector initialize failed", err)
		e.complete(false, "startup failed", err)
		return err
	}
	if len(taskConfigs) == 0 {
		taskConfigs = []map[string]string{{}}
	}

	task, err := source.NewTask(taskConfigs[0])
	if err != nil {
		err = cdcerrors.Task("connector NewTask failed", err)
		e.complete(false, "startup failed", err)
		return err
	}

	if err := e.history.Start(); err != nil {
		e.complete(false, "startup failed", err)
		return err
	}
	defer e.history.Stop()

	if e.cfg.SnapshotMode != config.SnapshotNever {
		// The Engine only logs the mode: it calls neither
		// e.reg.LoadFromJdbcMetadata nor e.reg.LoadHistory, and
		// snapshot.mode is not part of the config map the connector
		// receives. The bundled mysqlsource task does not call either
		// method, so the Schema Registry starts empty on every Run.
		e.logger.Infof("snapshot.mode=%s: deferring bootstrap to connector task.Start", e.cfg.SnapshotMode)
	}

	e.rt = runtime.New(task, e.q, e.offsets, e.cfg, e.logger, e.onRecord)
	terminated := make(chan struct{})
	var terminatedOnce sync.Once
	e.rt.OnTerminal(func(state runtime.State, rtErr error) {
		if state == runtime.StateFailed {
			e.complete(false, "task failed", rtErr)
		} else {
			e.complete(true, "stopped", nil)
		}
		terminatedOnce.Do(func() { close(terminated) })
	})

	offsetReader := offsetReaderAdapter{store: e.offsets}
	if err := e.rt.Start(ctx, offsetReader, taskConfigs[0]); err != nil {
		// Start's own failure path already called OnTerminal, but
		// complete is idempotent so this is still correct if it hadn't.
		e.complete(false, "startup failed", err)
		return err
	}

	select {
	case <-ctx.Done():
	case <-terminated:
	}
	e.rt.Stop()
	e.rt.Await(e.cfg.ShutdownTimeout)
	return nil
}

// Stop requests the running Task Runtime to halt. Idempotent.
func (e *Engine) Stop() {
	if e.rt != nil {
		e.rt.Stop()
	}
}

// Await blocks until the underlying Task Runtime reaches a terminal
// state or timeout elapses, returning true in the former case. Before
// Run has started a Task Runtime, it returns false immediately.
func (e *Engine) Await(timeout time.Duration) bool {
	if e.rt == nil {
		return false
	}
	return e.rt.Await(timeout)
}

func (e *Engine) complete(success bool, message string, err error) {
	e.doneOnce.Do(func() {
		if e.onCompletion != nil {
			e.onCompletion(success, message, err)
		}
	})
}

type offsetReaderAdapter struct {
	store *offsetstore.Store
}

func (a offsetReaderAdapter) OffsetsFor(partitions []map[string]string) (map[string]record.SourcePosition, error) {
	all, err := a.store.Load()
	if err != nil {
		return nil, err
	}
	if partitions == nil {
		return all, nil
	}
	out := make(map[string]record.SourcePosition, len(partitions))
	for _, p := range partitions {
		key := record.SourcePosition{Partition: p}.PartitionKey()
		if pos, ok := all[key]; ok {
			out[key] = pos
		}
	}
	return out, nil
}
