// Package wal implements the write-ahead log of spec.md §4.6: an
// append-only, durable log whose entries are the basis for crash recovery
// and optional synchronous/asynchronous replication to a standby.
package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/velozfi/veloz/internal/config"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
)

// Replicator streams appended entries to a standby. Sender (replication.go)
// implements this; Wal only depends on the interface so tests can stub it.
type Replicator interface {
	// Send ships entry to the standby. In synchronous mode it blocks until
	// acknowledged or the ack timeout elapses; in asynchronous mode it
	// enqueues and returns immediately, or returns ErrOverflow.
	Send(entry types.WalEntry) error
}

// Wal is the append-only durable log. All methods are safe for concurrent
// use; Append is expected to be called only from the Engine State's
// dispatcher goroutine, per spec.md §5's "fsync occurs inside the task".
type Wal struct {
	mu sync.Mutex

	cfg  config.WalConfig
	rt   *runtime.Runtime
	path string

	file   *os.File
	writer *bufio.Writer

	seq          uint64
	bytesWritten int64
	lastFsync    time.Time

	replicator Replicator
}

// Open opens (creating if absent) the WAL segment at cfg.Path, recovering
// the last sequence number and tolerating a truncated trailing frame.
func Open(rt *runtime.Runtime, cfg config.WalConfig) (*Wal, error) {
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", cfg.Path, err)
	}

	w := &Wal{
		cfg:  cfg,
		rt:   rt,
		path: cfg.Path,
		file: f,
	}

	if err := w.recover(); err != nil {
		f.Close()
		return nil, err
	}

	w.writer = bufio.NewWriter(f)
	return w, nil
}

// recover scans the segment to find the last valid sequence, truncating any
// partial trailing frame so subsequent appends start from a clean offset.
func (w *Wal) recover() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("wal: recover %s: %w", w.path, err)
	}

	r := bytes.NewReader(data)
	var offset int64
	var lastSeq uint64

	for {
		start := r.Size() - int64(r.Len())
		entry, err := readFrame(r)
		if err == io.EOF {
			break
		}
		if err == ErrTruncated {
			w.rt.Log.Warn().Str("path", w.path).Int64("offset", start).Msg("wal: truncating partial trailing frame")
			break
		}
		if err != nil {
			return err
		}
		if lastSeq != 0 && entry.Sequence != lastSeq+1 {
			return fmt.Errorf("wal: sequence gap on recovery: expected %d, got %d", lastSeq+1, entry.Sequence)
		}
		lastSeq = entry.Sequence
		offset = r.Size() - int64(r.Len())
	}

	if offset != int64(len(data)) {
		if err := w.file.Truncate(offset); err != nil {
			return fmt.Errorf("wal: truncate %s: %w", w.path, err)
		}
		if _, err := w.file.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("wal: seek %s: %w", w.path, err)
		}
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	w.seq = lastSeq
	w.bytesWritten = offset
	return nil
}

// SetReplicator installs the replication sender. Pass nil to disable
// replication.
func (w *Wal) SetReplicator(r Replicator) {
	w.mu.Lock()
	w.replicator = r
	w.mu.Unlock()
}

// LastSequence returns the highest sequence number appended so far.
func (w *Wal) LastSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Append writes a new entry of typ carrying payload (already JSON-encoded by
// the caller), returning its assigned sequence number. It does not return
// until the entry is durable — fsync'd per cfg.FsyncMode and, if
// replication is synchronous, acknowledged by the standby — satisfying the
// ordering guarantee of spec.md §4.6 ("fsync-durable before externally
// observable").
func (w *Wal) Append(typ types.WalEntryType, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	entry := types.WalEntry{
		Sequence:    w.seq,
		Type:        typ,
		Payload:     payload,
		TimestampNs: w.rt.Clock.NowNs(),
	}

	frame := encodeFrame(entry)
	if _, err := w.writer.Write(frame); err != nil {
		w.seq--
		return 0, fmt.Errorf("wal: %s: write: %w", types.ReasonWalDurabilityFailed, err)
	}
	if err := w.writer.Flush(); err != nil {
		w.seq--
		return 0, fmt.Errorf("wal: %s: flush: %w", types.ReasonWalDurabilityFailed, err)
	}

	if err := w.maybeFsync(); err != nil {
		w.seq--
		return 0, err
	}

	w.bytesWritten += int64(len(frame))

	if w.replicator != nil {
		if err := w.replicator.Send(entry); err != nil {
			return 0, err
		}
	}

	if err := w.maybeRotate(); err != nil {
		return entry.Sequence, err
	}

	return entry.Sequence, nil
}

func (w *Wal) maybeFsync() error {
	switch w.cfg.FsyncMode {
	case config.FsyncOff:
		return nil
	case config.FsyncInterval:
		if time.Since(w.lastFsync) < time.Duration(w.cfg.FsyncIntervalMs)*time.Millisecond {
			return nil
		}
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: %s: fsync: %w", types.ReasonWalDurabilityFailed, err)
	}
	w.lastFsync = time.Now()
	return nil
}

func (w *Wal) maybeRotate() error {
	if w.cfg.SegmentBytes <= 0 || w.bytesWritten < w.cfg.SegmentBytes {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%d", w.path, w.rt.Clock.NowNs())
	if err := os.Rename(w.path, rotated); err != nil {
		return fmt.Errorf("wal: rotate: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen after rotate: %w", err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.bytesWritten = 0
	return nil
}

// Replay reads every frame from the start of the segment and invokes into
// for each, in sequence order. Replay is idempotent: applying the same
// entries to the same initial state via into always yields the same final
// state, per spec.md §4.6.
func (w *Wal) Replay(into func(types.WalEntry) error) error {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: replay open: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var lastSeq uint64
	for {
		entry, err := readFrame(r)
		if err == io.EOF || err == ErrTruncated {
			return nil
		}
		if err != nil {
			return err
		}
		if lastSeq != 0 && entry.Sequence != lastSeq+1 {
			return fmt.Errorf("wal: replay sequence gap: expected %d, got %d", lastSeq+1, entry.Sequence)
		}
		lastSeq = entry.Sequence
		if err := into(entry); err != nil {
			return fmt.Errorf("wal: replay handler at sequence %d: %w", entry.Sequence, err)
		}
	}
}

// Checkpoint JSON-encodes snapshot, a full serialization of Engine State,
// and appends it as a Checkpoint entry. Entries before it stay in the
// segment; this package does not compact or remove them.
func (w *Wal) Checkpoint(snapshot any) (uint64, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal checkpoint: %w", err)
	}
	return w.Append(types.WalCheckpoint, payload)
}

// Close flushes and closes the underlying segment file.
func (w *Wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
