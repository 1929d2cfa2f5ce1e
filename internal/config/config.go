// Package config parses and validates the engine's configuration map.
// Modeled on migration.NewRunner in the teacher repo: required fields
// fail fast, optional fields get sane defaults, and unknown keys are
// logged rather than rejected.
package config

import (
	"strconv"
	"time"

	"github.com/block/spirit-cdc/internal/cdcerrors"
)

// Recognized configuration keys (spec.md §4.6 / §6).
const (
	KeyName                = "name"
	KeyConnectorClass      = "connector.class"
	KeyOffsetStorageFile   = "offset.storage.file.filename"
	KeyOffsetFlushInterval = "offset.flush.interval.ms"
	KeyOffsetCommitTimeout = "offset.commit.timeout.ms"
	KeyOffsetCommitPolicy  = "offset.commit.policy"
	KeyHistoryFile         = "history.file.filename"
	KeySnapshotMode        = "snapshot.mode"
	KeyHeartbeatInterval   = "heartbeat.interval.ms"
	KeyTableIncludeList    = "table.include.list"
	KeyTableExcludeList    = "table.exclude.list"
	KeyColumnExcludeList   = "column.exclude.list"
	KeyShutdownTimeout     = "shutdown.timeout.ms"
	KeyMaxFlushRetries     = "offset.flush.max.retries"
)

// CommitPolicy selects when the Task Runtime commits offsets.
type CommitPolicy string

const (
	CommitPeriodic CommitPolicy = "periodic"
	CommitAlways   CommitPolicy = "always"
)

// SnapshotMode selects how the Schema Registry is primed at startup.
type SnapshotMode string

const (
	SnapshotInitial    SnapshotMode = "initial"
	SnapshotNever      SnapshotMode = "never"
	SnapshotSchemaOnly SnapshotMode = "schema_only"
)

// Config is the validated, defaulted engine configuration.
type Config struct {
	Name                string
	ConnectorClass      string
	OffsetStorageFile   string
	OffsetFlushInterval time.Duration
	OffsetCommitTimeout time.Duration
	OffsetCommitPolicy  CommitPolicy
	HistoryFile         string
	SnapshotMode        SnapshotMode
	HeartbeatInterval   time.Duration
	TableIncludeList    []string
	TableExcludeList    []string
	ColumnExcludeList   []string
	ShutdownTimeout     time.Duration
	MaxFlushRetries     int

	Raw map[string]string // unrecognized keys are preserved here for the connector
}

// Parse validates required keys and applies defaults to optional ones,
// per spec.md §4.6. Missing required options fail with a ConfigError;
// unrecognized keys are kept in Raw rather than rejected.
func Parse(m map[string]string) (*Config, error) {
	name, ok := m[KeyName]
	if !ok || name == "" {
		return nil, cdcerrors.Config("missing required option "+KeyName, nil)
	}
	class, ok := m[KeyConnectorClass]
	if !ok || class == "" {
		return nil, cdcerrors.Config("missing required option "+KeyConnectorClass, nil)
	}

	c := &Config{
		Name:                name,
		ConnectorClass:      class,
		OffsetStorageFile:   m[KeyOffsetStorageFile],
		OffsetFlushInterval: 60 * time.Second,
		OffsetCommitTimeout: 5 * time.Second,
		OffsetCommitPolicy:  CommitPeriodic,
		HistoryFile:         m[KeyHistoryFile],
		SnapshotMode:        SnapshotInitial,
		ShutdownTimeout:     10 * time.Second,
		MaxFlushRetries:     5,
		Raw:                 map[string]string{},
	}
	if c.OffsetStorageFile == "" {
		return nil, cdcerrors.Config("missing required option "+KeyOffsetStorageFile, nil)
	}

	if v, ok := m[KeyOffsetFlushInterval]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, cdcerrors.Config("invalid "+KeyOffsetFlushInterval, err)
		}
		c.OffsetFlushInterval = time.Duration(ms) * time.Millisecond
	}
	if v, ok := m[KeyOffsetCommitTimeout]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, cdcerrors.Config("invalid "+KeyOffsetCommitTimeout, err)
		}
		c.OffsetCommitTimeout = time.Duration(ms) * time.Millisecond
	}
	if v, ok := m[KeyOffsetCommitPolicy]; ok {
		switch CommitPolicy(v) {
		case CommitPeriodic, CommitAlways:
			c.OffsetCommitPolicy = CommitPolicy(v)
		default:
			return nil, cdcerrors.Config("invalid "+KeyOffsetCommitPolicy+": "+v, nil)
		}
	}
	if v, ok := m[KeySnapshotMode]; ok {
		switch SnapshotMode(v) {
		case SnapshotInitial, SnapshotNever, SnapshotSchemaOnly:
			c.SnapshotMode = SnapshotMode(v)
		default:
			return nil, cdcerrors.Config("invalid "+KeySnapshotMode+": "+v, nil)
		}
	}
	if v, ok := m[KeyHeartbeatInterval]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, cdcerrors.Config("invalid "+KeyHeartbeatInterval, err)
		}
		c.HeartbeatInterval = time.Duration(ms) * time.Millisecond
	}
	if v, ok := m[KeyShutdownTimeout]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, cdcerrors.Config("invalid "+KeyShutdownTimeout, err)
		}
		c.ShutdownTimeout = time.Duration(ms) * time.Millisecond
	}
	if v, ok := m[KeyMaxFlushRetries]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, cdcerrors.Config("invalid "+KeyMaxFlushRetries, err)
		}
		c.MaxFlushRetries = n
	}
	c.TableIncludeList = splitList(m[KeyTableIncludeList])
	c.TableExcludeList = splitList(m[KeyTableExcludeList])
	c.ColumnExcludeList = splitList(m[KeyColumnExcludeList])

	known := map[string]bool{
		KeyName: true, KeyConnectorClass: true, KeyOffsetStorageFile: true,
		KeyOffsetFlushInterval: true, KeyOffsetCommitTimeout: true, KeyOffsetCommitPolicy: true,
		KeyHistoryFile: true, KeySnapshotMode: true, KeyHeartbeatInterval: true,
		KeyTableIncludeList: true, KeyTableExcludeList: true, KeyColumnExcludeList: true,
		KeyShutdownTimeout: true, KeyMaxFlushRetries: true,
	}
	for k, v := range m {
		if !known[k] {
			c.Raw[k] = v
		}
	}
	return c, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, trimSpace(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}
