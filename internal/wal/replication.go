package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/velozfi/veloz/internal/config"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
)

// ErrOverflow is returned by Sender.Send in asynchronous mode when the
// pending buffer is full — mutations are rejected, never silently dropped,
// per spec.md §4.6.
var ErrOverflow = errors.New("wal: replication overflow")

// wireFrame is the newline-delimited JSON envelope exchanged between
// Sender and Receiver.
type wireFrame struct {
	Sequence    uint64          `json:"sequence"`
	Type        types.WalEntryType `json:"type"`
	TimestampNs int64           `json:"ts_ns"`
	Payload     json.RawMessage `json:"payload"`
}

// Sender streams appended WAL entries to a standby Receiver over a plain
// TCP connection, in either synchronous (blocking on ack) or asynchronous
// (buffered, bounded) mode, per spec.md §4.6.
type Sender struct {
	mu   sync.Mutex
	rt   *runtime.Runtime
	cfg  config.ReplicationConfig
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	pending chan wireFrame
	done    chan struct{}
}

// NewSender dials peer and returns a ready Sender. For async mode, a
// background goroutine drains the pending buffer into the connection.
func NewSender(rt *runtime.Runtime, cfg config.ReplicationConfig) (*Sender, error) {
	conn, err := net.DialTimeout("tcp", cfg.Peer, time.Duration(cfg.AckTimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("wal: replication dial %s: %w", cfg.Peer, err)
	}

	s := &Sender{
		rt:      rt,
		cfg:     cfg,
		conn:    conn,
		enc:     json.NewEncoder(conn),
		dec:     json.NewDecoder(conn),
		pending: make(chan wireFrame, cfg.MaxPending),
		done:    make(chan struct{}),
	}

	if cfg.Mode == config.ReplicationAsync {
		go s.drain()
	}

	return s, nil
}

// Send implements Replicator.
func (s *Sender) Send(entry types.WalEntry) error {
	frame := wireFrame{
		Sequence:    entry.Sequence,
		Type:        entry.Type,
		TimestampNs: entry.TimestampNs,
		Payload:     json.RawMessage(entry.Payload),
	}

	if s.cfg.Mode == config.ReplicationAsync {
		select {
		case s.pending <- frame:
			return nil
		default:
			return fmt.Errorf("%s: %w", types.ReasonReplicationOverflow, ErrOverflow)
		}
	}

	return s.sendSync(frame)
}

func (s *Sender) sendSync(frame wireFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(time.Duration(s.cfg.AckTimeoutMs) * time.Millisecond)); err != nil {
		return err
	}
	if err := s.enc.Encode(frame); err != nil {
		return fmt.Errorf("%s: send: %w", types.ReasonWalDurabilityFailed, err)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(time.Duration(s.cfg.AckTimeoutMs) * time.Millisecond)); err != nil {
		return err
	}
	var ack ackFrame
	if err := s.dec.Decode(&ack); err != nil {
		return fmt.Errorf("%s: ack timeout for sequence %d: %w", types.ReasonWalDurabilityFailed, frame.Sequence, err)
	}
	if ack.Sequence != frame.Sequence {
		return fmt.Errorf("%s: ack mismatch: sent %d, acked %d", types.ReasonWalDurabilityFailed, frame.Sequence, ack.Sequence)
	}
	return nil
}

func (s *Sender) drain() {
	for {
		select {
		case frame := <-s.pending:
			s.mu.Lock()
			if err := s.enc.Encode(frame); err != nil {
				s.rt.Log.Error().Err(err).Uint64("sequence", frame.Sequence).Msg("wal: async replication send failed")
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

// Close stops the drain goroutine (if any) and closes the connection.
func (s *Sender) Close() error {
	close(s.done)
	return s.conn.Close()
}

type ackFrame struct {
	Sequence uint64 `json:"sequence"`
}

// Receiver is the standby side: it accepts a Sender's connection, applies
// each entry through Apply, and acknowledges it.
type Receiver struct {
	ln    net.Listener
	apply func(types.WalEntry) error
	log   func(string, error)
}

// NewReceiver listens on addr and returns a Receiver that calls apply for
// every entry it accepts, before acknowledging it back to the Sender.
func NewReceiver(addr string, apply func(types.WalEntry) error) (*Receiver, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wal: receiver listen %s: %w", addr, err)
	}
	return &Receiver{ln: ln, apply: apply}, nil
}

// Serve accepts connections and processes frames until the listener is closed.
func (r *Receiver) Serve() error {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return err
		}
		go r.handle(conn)
	}
}

func (r *Receiver) handle(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var frame wireFrame
		if err := dec.Decode(&frame); err != nil {
			return
		}
		entry := types.WalEntry{
			Sequence:    frame.Sequence,
			Type:        frame.Type,
			TimestampNs: frame.TimestampNs,
			Payload:     []byte(frame.Payload),
		}
		if err := r.apply(entry); err != nil && r.log != nil {
			r.log("wal: receiver apply failed", err)
			return
		}
		if err := enc.Encode(ackFrame{Sequence: frame.Sequence}); err != nil {
			return
		}
	}
}

// Close stops accepting new connections.
func (r *Receiver) Close() error {
	return r.ln.Close()
}
