// Package offsetstore implements the Offset Store (spec.md §4.1): a
// key/value persistence of partition->offset pairs with atomic group
// flush. Grounded in the teacher's dbconn package pattern of "stage a
// change, then commit it atomically" — here applied to a file instead
// of a database transaction, using the temp-file-plus-rename strategy
// spec.md recommends.
package offsetstore

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/block/spirit-cdc/internal/cdcerrors"
	"github.com/block/spirit-cdc/pkg/record"
)

// FlushResult is the outcome of a Flush call.
type FlushResult int

const (
	Committed FlushResult = iota
	TimedOut
	Failed
)

// Store is a file-backed offset store. Safe for concurrent use: Stage
// may be called from the consumer thread and Flush from either thread,
// per spec.md §5.
type Store struct {
	path string

	mu       sync.Mutex
	staged   map[string]stagedEntry
	flushErr error
	failures int // count of consecutive flush failures
}

type stagedEntry struct {
	partition map[string]string
	offset    map[string]any
}

// New returns a Store backed by the file at path. The file is not
// created until the first successful Flush.
func New(path string) *Store {
	return &Store{path: path, staged: make(map[string]stagedEntry)}
}

// Load returns every persisted partition->offset pair. A missing or
// empty backing file returns an empty map, not an error.
func (s *Store) Load() (map[string]record.SourcePosition, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]record.SourcePosition{}, nil
	}
	if err != nil {
		return nil, cdcerrors.StoreUnavailable("open offset store", err)
	}
	defer f.Close()

	entries, err := decode(f)
	if err != nil {
		return nil, cdcerrors.StoreUnavailable("decode offset store", err)
	}
	out := make(map[string]record.SourcePosition, len(entries))
	for k, e := range entries {
		out[k] = record.SourcePosition{Partition: e.partition, Offset: e.offset}
	}
	return out, nil
}

// Stage records a pending write in memory; it is not durable until a
// subsequent Flush succeeds.
func (s *Store) Stage(pos record.SourcePosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[pos.PartitionKey()] = stagedEntry{partition: pos.Partition, offset: pos.Offset}
}

// Flush atomically writes every staged entry to disk (merged with
// whatever is already durable) and clears the staged set on success.
// On failure the staged set is left untouched so the caller may retry.
func (s *Store) Flush(ctx context.Context, deadline time.Duration) (FlushResult, error) {
	done := make(chan struct{})
	var res FlushResult
	var err error
	go func() {
		res, err = s.flushNow()
		close(done)
	}()

	select {
	case <-done:
		return res, err
	case <-time.After(deadline):
		return TimedOut, nil
	case <-ctx.Done():
		return TimedOut, ctx.Err()
	}
}

func (s *Store) flushNow() (FlushResult, error) {
	s.mu.Lock()
	if len(s.staged) == 0 {
		s.mu.Unlock()
		return Committed, nil
	}
	// Merge staged entries on top of whatever is currently durable so a
	// partial flush history never loses an untouched partition.
	existing, loadErr := s.Load()
	if loadErr != nil {
		s.mu.Unlock()
		s.recordFailure()
		return Failed, loadErr
	}
	merged := make(map[string]stagedEntry, len(existing)+len(s.staged))
	for k, pos := range existing {
		merged[k] = stagedEntry{partition: pos.Partition, offset: pos.Offset}
	}
	for k, v := range s.staged {
		merged[k] = v
	}
	staged := s.staged
	s.mu.Unlock()

	if err := writeAtomic(s.path, merged); err != nil {
		s.recordFailure()
		return Failed, cdcerrors.StoreUnavailable("flush offset store", err)
	}

	s.mu.Lock()
	// Only clear the entries we actually flushed; new stages that
	// arrived concurrently must survive for the next flush.
	for k, v := range staged {
		if cur, ok := s.staged[k]; ok && sameEntry(cur, v) {
			delete(s.staged, k)
		}
	}
	s.failures = 0
	s.mu.Unlock()
	return Committed, nil
}

func sameEntry(a, b stagedEntry) bool {
	if len(a.offset) != len(b.offset) {
		return false
	}
	for k, v := range a.offset {
		if bv, ok := b.offset[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// recordFailure increments the consecutive-failure counter. The caller
// (Task Runtime) is responsible for comparing this against
// maxFlushRetries and declaring the engine FAILED.
func (s *Store) recordFailure() {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
}

// ConsecutiveFailures reports how many Flush attempts have failed in a
// row since the last success.
func (s *Store) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func writeAtomic(path string, entries map[string]stagedEntry) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".offsets-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if err := encode(tmp, entries); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// encode writes a length-prefixed sequence of (partition-key, offset)
// byte strings, per the bit-exact file format in spec.md §6.
func encode(w io.Writer, entries map[string]stagedEntry) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		kb, err := marshalStringMap(e.partition)
		if err != nil {
			return err
		}
		vb, err := marshalAnyMap(e.offset)
		if err != nil {
			return err
		}
		if err := writeLenPrefixed(w, kb); err != nil {
			return err
		}
		if err := writeLenPrefixed(w, vb); err != nil {
			return err
		}
	}
	return nil
}

type decodedEntry struct {
	partition map[string]string
	offset    map[string]any
}

func decode(r io.Reader) (map[string]decodedEntry, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]decodedEntry{}, nil
		}
		return nil, err
	}
	out := make(map[string]decodedEntry, count)
	for i := uint32(0); i < count; i++ {
		kb, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		vb, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		partition, err := unmarshalStringMap(kb)
		if err != nil {
			return nil, err
		}
		offset, err := unmarshalAnyMap(vb)
		if err != nil {
			return nil, err
		}
		pos := record.SourcePosition{Partition: partition, Offset: offset}
		out[pos.PartitionKey()] = decodedEntry{partition: partition, offset: offset}
	}
	return out, nil
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
