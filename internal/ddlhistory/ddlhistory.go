// Package ddlhistory implements the DDL History Store (spec.md §4.2):
// an append-only log of schema change records, ordered by
// SourcePosition and replayable in write order. Modeled on the
// teacher's RetryableTransaction pattern of "never leave the backing
// resource half written" — here using append + fsync rather than a SQL
// transaction, since there is no database for the history itself.
package ddlhistory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/block/spirit-cdc/internal/cdcerrors"
	"github.com/block/spirit-cdc/pkg/record"
)

// Parser is the pure DDL-parsing function the Schema Registry supplies
// during recovery: it applies ddlText (with defaultDb as the implicit
// database) to sink, mutating it in place per record.
type Parser func(ddlText, defaultDb string, sink *Catalog) error

// Catalog is the table map recover() rebuilds into. It is defined here
// (rather than imported from the schema package) to keep the history
// store's only dependency on the Schema Registry a narrow function
// signature, not the registry's internals.
type Catalog struct {
	Tables map[record.TableId]record.TableDef
}

// Store is a file-backed, append-only DDL history. Internally
// synchronized: Record serializes against Recover, per spec.md §5.
type Store struct {
	path string

	mu      sync.Mutex
	f       *os.File
	started bool
}

// New returns a Store backed by the file at path. Call Start before
// Record or Recover.
func New(path string) *Store {
	return &Store{path: path}
}

// Start acquires the backing file handle.
func (s *Store) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return cdcerrors.HistoryWrite("open ddl history", err)
	}
	s.f = f
	s.started = true
	return nil
}

// Stop releases the backing file handle.
func (s *Store) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	err := s.f.Close()
	s.started = false
	s.f = nil
	return err
}

// wireRecord is the on-disk JSON representation of a DdlHistoryRecord.
// Tables is flattened to a slice because TableId is not a valid JSON
// object key.
type wireRecord struct {
	Partition       map[string]string `json:"partition"`
	Offset          map[string]any    `json:"offset"`
	DefaultDatabase string            `json:"databaseName"`
	DDL             string            `json:"ddl"`
	Tables          []wireTable       `json:"tables"`
}

type wireTable struct {
	ID         record.TableId      `json:"id"`
	Columns    []record.ColumnDef  `json:"columns"`
	PrimaryKey []string            `json:"primaryKey"`
}

func toWire(r record.DdlHistoryRecord) wireRecord {
	w := wireRecord{
		Partition:       r.Position.Partition,
		Offset:          r.Position.Offset,
		DefaultDatabase: r.DefaultDatabase,
		DDL:             r.DDL,
	}
	for id, def := range r.Tables {
		w.Tables = append(w.Tables, wireTable{ID: id, Columns: def.Columns, PrimaryKey: def.PrimaryKey})
	}
	return w
}

func fromWire(w wireRecord) record.DdlHistoryRecord {
	r := record.DdlHistoryRecord{
		Position:        record.SourcePosition{Partition: w.Partition, Offset: w.Offset},
		DefaultDatabase: w.DefaultDatabase,
		DDL:             w.DDL,
		Tables:          make(map[record.TableId]record.TableDef, len(w.Tables)),
	}
	for _, t := range w.Tables {
		r.Tables[t.ID] = record.TableDef{ID: t.ID, Columns: t.Columns, PrimaryKey: t.PrimaryKey}
	}
	return r
}

// Record appends one DDL history entry atomically. A write failure is
// fatal per spec.md §7: continuing would leave the history unable to
// reproduce the catalog on a future restart.
func (s *Store) Record(r record.DdlHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return cdcerrors.HistoryWrite("record called before Start", nil)
	}
	b, err := json.Marshal(toWire(r))
	if err != nil {
		return cdcerrors.HistoryWrite("marshal ddl history record", err)
	}
	b = append(b, '\n')
	if _, err := s.f.Write(b); err != nil {
		return cdcerrors.HistoryWrite("append ddl history record", err)
	}
	if err := s.f.Sync(); err != nil {
		return cdcerrors.HistoryWrite("fsync ddl history", err)
	}
	return nil
}

// Recover replays every record at or before stoppingPosition (per cmp),
// feeding ddlText to parser with the record's defaultDb so sink is
// rebuilt. Records are replayed in the exact order they were appended.
// The record written at exactly stoppingPosition is included: per
// spec.md §8 scenario 3 (CREATE at P1, ALTER at P2, DROP at P3;
// recovering up to P2 yields t with 3 columns), the stopping position
// names the last record to replay, not the first one to exclude. If
// cmp returns an inconsistent (non-total) order across partitions,
// every record in the same partition as stoppingPosition is still
// replayed strictly by its append order, since we never reorder the
// underlying log.
func (s *Store) Recover(stoppingPosition record.SourcePosition, sink *Catalog, parser Parser, cmp record.Comparator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return cdcerrors.HistoryWrite("open ddl history for recovery", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	stoppingKey := stoppingPosition.PartitionKey()
	for scanner.Scan() {
		var w wireRecord
		if err := json.Unmarshal(scanner.Bytes(), &w); err != nil {
			return cdcerrors.HistoryWrite("decode ddl history record", err)
		}
		rec := fromWire(w)
		if rec.Position.PartitionKey() == stoppingKey {
			if cmp != nil && cmp(rec.Position.Offset, stoppingPosition.Offset) > 0 {
				break
			}
		}
		if err := parser(rec.DDL, rec.DefaultDatabase, sink); err != nil {
			return fmt.Errorf("replay ddl %q: %w", rec.DDL, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return cdcerrors.HistoryWrite("scan ddl history", err)
	}
	return nil
}

// Compact drops every history record strictly before beforePosition,
// rewriting the log in place via a tempfile+fsync+rename, the same
// atomicity discipline the Offset Store uses for its own checkpoint
// file. It is a maintenance operation only: nothing in this package
// calls it automatically, since compacting past a position a slow
// consumer might still need to recover from would make that recovery
// impossible. The caller must first confirm no future Recover call
// will target a position before beforePosition.
func (s *Store) Compact(beforePosition record.SourcePosition, cmp record.Comparator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return cdcerrors.HistoryWrite("open ddl history for compact", err)
	}
	defer in.Close()

	tmpPath := s.path + ".compact.tmp"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return cdcerrors.HistoryWrite("create compacted ddl history", err)
	}

	boundaryKey := beforePosition.PartitionKey()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var w wireRecord
		if err := json.Unmarshal(scanner.Bytes(), &w); err != nil {
			out.Close()
			os.Remove(tmpPath)
			return cdcerrors.HistoryWrite("decode ddl history record during compact", err)
		}
		rec := fromWire(w)
		if rec.Position.PartitionKey() == boundaryKey && cmp != nil {
			if cmp(rec.Position.Offset, beforePosition.Offset) < 0 {
				continue // strictly before beforePosition: drop it
			}
		}
		line := append(scanner.Bytes(), '\n')
		if _, err := out.Write(line); err != nil {
			out.Close()
			os.Remove(tmpPath)
			return cdcerrors.HistoryWrite("write compacted ddl history", err)
		}
	}
	if err := scanner.Err(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return cdcerrors.HistoryWrite("scan ddl history during compact", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return cdcerrors.HistoryWrite("fsync compacted ddl history", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return cdcerrors.HistoryWrite("close compacted ddl history", err)
	}

	wasStarted := s.started
	if wasStarted {
		s.f.Close()
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return cdcerrors.HistoryWrite("rename compacted ddl history into place", err)
	}
	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	if wasStarted {
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			s.started = false
			return cdcerrors.HistoryWrite("reopen ddl history after compact", err)
		}
		s.f = f
	}
	return nil
}
