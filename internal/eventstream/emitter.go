// Package eventstream implements the Event Emitter of spec.md §4.7: it
// appends a monotonic event_id, serializes the typed payload to JSON, and
// writes one newline-delimited record per line.
package eventstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
)

// Emitter writes the outbound event stream of spec.md §6.2. Event IDs are
// monotonic and dense within a process generation; Emit must only be
// called strictly after the corresponding WAL entry is durable, so the
// caller (internal/engine) is responsible for ordering, not Emitter.
type Emitter struct {
	mu     sync.Mutex
	rt     *runtime.Runtime
	w      *bufio.Writer
	nextID uint64
}

// New builds an Emitter writing framed JSON lines to w. resumeFrom sets the
// first event_id to assign (resumeFrom+1), letting a restarted process
// continue the monotonic sequence from the WAL's last known event_id per
// spec.md §3.
func New(rt *runtime.Runtime, w io.Writer, resumeFrom uint64) *Emitter {
	return &Emitter{
		rt:     rt,
		w:      bufio.NewWriter(w),
		nextID: resumeFrom,
	}
}

// Emit assigns the next event_id, marshals kind+payload+tsNs as one JSON
// object, and writes it followed by a newline. Emit logs and swallows write
// errors rather than propagating them to the caller — at-least-once
// delivery to the transport, per spec.md §4.7, means a local write failure
// here must not unwind the state mutation that already committed.
func (e *Emitter) Emit(kind types.EventKind, tsNs int64, payload map[string]any) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID

	record := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		record[k] = v
	}
	record["event_id"] = id
	record["type"] = kind
	record["ts_ns"] = tsNs

	line, err := json.Marshal(record)
	if err != nil {
		e.rt.Log.Error().Err(err).Str("kind", string(kind)).Msg("eventstream: marshal failed")
		return id
	}
	if _, err := e.w.Write(line); err != nil {
		e.rt.Log.Error().Err(err).Msg("eventstream: write failed")
		return id
	}
	if err := e.w.WriteByte('\n'); err != nil {
		e.rt.Log.Error().Err(err).Msg("eventstream: write failed")
		return id
	}
	if err := e.w.Flush(); err != nil {
		e.rt.Log.Error().Err(err).Msg("eventstream: flush failed")
	}

	return id
}

// LastEventID returns the most recently assigned event_id.
func (e *Emitter) LastEventID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextID
}

// EmitError emits an {message} error event, the one variant with no
// preceding state mutation to wait on.
func (e *Emitter) EmitError(tsNs int64, format string, args ...any) uint64 {
	return e.Emit(types.EventKindError, tsNs, types.ErrorPayload(fmt.Sprintf(format, args...)))
}
