// Package connector defines the external interfaces spec.md §6
// requires of a source connector, independent of any particular
// database. internal/mysqlsource is the reference implementation; the
// Task Runtime and Engine depend only on these interfaces, never on a
// concrete connector package, the same way the teacher's migration.Runner
// depends on dbconn.DBConfig rather than a specific driver.
package connector

import (
	"context"

	"github.com/block/spirit-cdc/pkg/record"
)

// OffsetReader lets a task recover its last committed SourcePosition
// per partition at startup.
type OffsetReader interface {
	OffsetsFor(partitions []map[string]string) (map[string]record.SourcePosition, error)
}

// Source is the connector-facing factory: given the engine's full
// config map, it returns one or more task configurations. Most
// connectors return exactly one; the interface allows more for
// parity with multi-task connectors.
type Source interface {
	Initialize(config map[string]string) ([]map[string]string, error)
	// NewTask builds a Task bound to one of the configs Initialize
	// returned. The host supplies no class loader — per spec.md §9,
	// the core never reflects on class names; the factory mapping
	// from connector.class to a Source is owned by the host (see
	// internal/engine.Registry).
	NewTask(taskConfig map[string]string) (Task, error)
}

// Task is the per-worker unit the Task Runtime drives through its
// lifecycle: start, repeated poll, optional commit hook, stop.
type Task interface {
	// Start receives the task's slice of the config map and an
	// OffsetReader scoped to the partitions this task owns.
	Start(ctx context.Context, config map[string]string, offsets OffsetReader) error
	// Poll returns the next batch of Records, blocking up to the
	// connector's own internal interval when idle. An empty, nil-error
	// result means "idle, try again" — not end of stream.
	Poll(ctx context.Context) ([]record.Record, error)
	// CommitRecord is an optional acknowledgement hook called once a
	// record has been safely enqueued. Tasks that have nothing to do
	// here may embed NopCommitter.
	CommitRecord(ctx context.Context, r record.Record) error
	// Stop requests a graceful halt; Poll must return promptly once
	// this has been called, even if the underlying I/O is blocked.
	Stop() error
}

// NopCommitter is embedded by tasks with no commit-side bookkeeping.
type NopCommitter struct{}

func (NopCommitter) CommitRecord(context.Context, record.Record) error { return nil }
