// Package walog implements the append-only, CRC-guarded event log that
// every credit mutation is durably recorded against before any in-memory
// projection is updated. It is the EventLog of the billing core.
package walog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gateway/internal/errs"
)

// EventRecord is the immutable, persisted shape of one log entry.
// SchemaVersion pins the wire contract (§6 of the design doc this repo
// implements).
type EventRecord struct {
	SchemaVersion int             `json:"schema_version"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Stream        string          `json:"stream"`
	Sequence      uint64          `json:"sequence"`
	Checksum      string          `json:"checksum"` // CRC32 hex, 8 lowercase chars
	Payload       json.RawMessage `json:"payload"`
	ID            string          `json:"id"`
}

const SchemaVersion = 1

// Cursor is a (stream, last_sequence) pair consumed by replay.
type Cursor struct {
	Stream       string
	LastSequence uint64
}

// FencingValidator is consulted before every append so a deposed leader
// can never write after fail-over (I4).
type FencingValidator interface {
	Validate(token uint64) bool
}

// Backend is the durable storage strategy behind the log. Three
// implementations ship here: an in-memory backend for tests, a
// single-file segment backend for standalone deployments, and a
// Postgres-backed relational backend (lib/pq) for clustered ones, per
// §4.1's "when backed by a relational store" clause.
type Backend interface {
	// appendLocked atomically assigns the next sequence number
	// for stream and persists rec. rec.Sequence is filled in on return.
	appendLocked(ctx context.Context, stream string, rec *EventRecord) error
	replay(ctx context.Context, stream string, afterSeq uint64, limit int) ([]*EventRecord, error)
	latestSequence(ctx context.Context, stream string) (uint64, error)
	close() error
}

// EventLog is the public API: append, replay, latestSequence.
type EventLog struct {
	backend  Backend
	fencing  FencingValidator
	log      *slog.Logger
	mu       sync.Mutex // single-writer discipline within this process
	closed   bool
	pageSize int
}

type Option func(*EventLog)

func WithFencingValidator(v FencingValidator) Option {
	return func(l *EventLog) { l.fencing = v }
}

func WithPageSize(n int) Option {
	return func(l *EventLog) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *EventLog) { l.log = logger }
}

func New(backend Backend, opts ...Option) *EventLog {
	l := &EventLog{
		backend:  backend,
		log:      slog.Default().With("component", "walog"),
		pageSize: 500,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append assigns the next sequence for stream, computes the payload's
// CRC32, persists the record, and returns the envelope. The fencing
// token, if a validator was configured, must currently be valid or the
// write is refused — this is the enforcement point for I4.
func (l *EventLog) Append(ctx context.Context, fencingToken uint64, stream, eventType string, payload any, correlationID string) (*EventRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errs.Precondition("log_closed", "event log is closed")
	}
	if l.fencing != nil && !l.fencing.Validate(fencingToken) {
		return nil, errs.FatalErr("invalid_fencing_write", "append attempted with stale fencing token", nil)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Invalid("payload_marshal_failed", err.Error())
	}

	checksum := fmt.Sprintf("%08x", crc32.ChecksumIEEE(payloadBytes))

	rec := &EventRecord{
		SchemaVersion: SchemaVersion,
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Stream:        stream,
		Checksum:      checksum,
		Payload:       payloadBytes,
		ID:            uuid.NewString(),
	}

	if err := l.backend.appendLocked(ctx, stream, rec); err != nil {
		return nil, errs.TransientErr("append_io_error", "failed to persist event record", err)
	}

	l.log.Debug("appended event", "stream", stream, "seq", rec.Sequence, "type", eventType)
	return rec, nil
}

// Replay yields records with sequence > cursor.LastSequence in ascending
// order, paginated internally in batches of pageSize. Records whose CRC
// no longer matches their payload are skipped with a warning rather than
// raised as an error — operators may reprocess later.
func (l *EventLog) Replay(ctx context.Context, stream string, cursor *Cursor) ([]*EventRecord, error) {
	after := uint64(0)
	if cursor != nil && cursor.Stream == stream {
		after = cursor.LastSequence
	}

	var out []*EventRecord
	lastSeq := after
	for {
		batch, err := l.backend.replay(ctx, stream, after, l.pageSize)
		if err != nil {
			return nil, errs.TransientErr("replay_io_error", "failed to read event records", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			if !verifyChecksum(rec) {
				l.log.Warn("skipping corrupt record", "stream", stream, "seq", rec.Sequence)
				continue
			}
			if lastSeq != 0 && rec.Sequence != lastSeq+1 && rec.Sequence <= lastSeq {
				// Out-of-order records are fatal, never silently skipped.
				return nil, errs.FatalErr("sequence_gap", fmt.Sprintf("stream %s: out-of-order sequence %d after %d", stream, rec.Sequence, lastSeq), nil)
			}
			out = append(out, rec)
			lastSeq = rec.Sequence
		}
		after = batch[len(batch)-1].Sequence
		if len(batch) < l.pageSize {
			break
		}
	}
	return out, nil
}

func verifyChecksum(rec *EventRecord) bool {
	want := fmt.Sprintf("%08x", crc32.ChecksumIEEE(rec.Payload))
	return want == rec.Checksum
}

// LatestSequence returns 0 when the stream is empty.
func (l *EventLog) LatestSequence(ctx context.Context, stream string) (uint64, error) {
	seq, err := l.backend.latestSequence(ctx, stream)
	if err != nil {
		return 0, errs.TransientErr("latest_sequence_io_error", "failed to read latest sequence", err)
	}
	return seq, nil
}

func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return l.backend.close()
}

// ---------------------------------------------------------------------
// In-memory backend — used by tests and single-process demos.
// ---------------------------------------------------------------------

type MemoryBackend struct {
	mu      sync.Mutex
	records map[string][]*EventRecord
	seq     map[string]uint64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string][]*EventRecord),
		seq:     make(map[string]uint64),
	}
}

func (b *MemoryBackend) appendLocked(_ context.Context, stream string, rec *EventRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[stream]++
	rec.Sequence = b.seq[stream]
	b.records[stream] = append(b.records[stream], rec)
	return nil
}

func (b *MemoryBackend) replay(_ context.Context, stream string, afterSeq uint64, limit int) ([]*EventRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.records[stream]
	idx := sort.Search(len(all), func(i int) bool { return all[i].Sequence > afterSeq })
	end := idx + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]*EventRecord, end-idx)
	copy(out, all[idx:end])
	return out, nil
}

func (b *MemoryBackend) latestSequence(_ context.Context, stream string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[stream], nil
}

func (b *MemoryBackend) close() error { return nil }

// ---------------------------------------------------------------------
// File-segment backend — single-writer mutex plus a persisted counter,
// append-only JSON lines, one segment file per process.
// ---------------------------------------------------------------------

type FileBackend struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	counter map[string]uint64
}

func NewFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal segment: %w", err)
	}
	b := &FileBackend{f: f, w: bufio.NewWriter(f), counter: make(map[string]uint64)}
	if err := b.recoverCounters(); err != nil {
		f.Close()
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) recoverCounters() error {
	if _, err := b.f.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(b.f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec EventRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // tolerate a trailing partial line from a prior crash
		}
		if rec.Sequence > b.counter[rec.Stream] {
			b.counter[rec.Stream] = rec.Sequence
		}
	}
	_, err := b.f.Seek(0, 2)
	return err
}

func (b *FileBackend) appendLocked(_ context.Context, stream string, rec *EventRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counter[stream]++
	rec.Sequence = b.counter[stream]
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := b.w.Write(line); err != nil {
		return err
	}
	if err := b.w.WriteByte('\n'); err != nil {
		return err
	}
	return b.w.Flush()
}

func (b *FileBackend) replay(_ context.Context, stream string, afterSeq uint64, limit int) ([]*EventRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.f.Seek(0, 0); err != nil {
		return nil, err
	}
	var out []*EventRecord
	scanner := bufio.NewScanner(b.f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec EventRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Stream != stream || rec.Sequence <= afterSeq {
			continue
		}
		r := rec
		out = append(out, &r)
		if len(out) >= limit {
			break
		}
	}
	if _, err := b.f.Seek(0, 2); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *FileBackend) latestSequence(_ context.Context, stream string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counter[stream], nil
}

func (b *FileBackend) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.w.Flush()
	return b.f.Close()
}
