package engine

import (
	"encoding/json"
	"fmt"

	"github.com/velozfi/veloz/internal/types"
)

// Snapshot is the self-describing full serialization of Engine State
// written by a WAL Checkpoint entry, per spec.md §4.6.
type Snapshot struct {
	Sequence    uint64           `json:"sequence"`
	LastEventID uint64           `json:"last_event_id"`
	Orders      []types.Order    `json:"orders"`
	Balances    []types.Balance  `json:"balances"`
	Positions   []types.Position `json:"positions"`
}

// ToSnapshot captures the current state for checkpointing.
func (s *State) ToSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Sequence: s.wal.LastSequence(), LastEventID: s.emit.LastEventID()}
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, *o)
	}
	for _, b := range s.balances {
		snap.Balances = append(snap.Balances, *b)
	}
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	return snap
}

// Checkpoint writes a full Engine State serialization to the WAL.
func (s *State) Checkpoint() (uint64, error) {
	return s.wal.Checkpoint(s.ToSnapshot())
}

// LoadSnapshot restores Engine State from a checkpoint, replacing all
// current orders/balances/positions. Used only at startup, before Replay
// applies the entries written after the checkpoint.
func (s *State) LoadSnapshot(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders = make(map[string]*types.Order, len(snap.Orders))
	for i := range snap.Orders {
		o := snap.Orders[i]
		s.orders[o.ClientOrderID] = &o
	}
	s.balances = make(map[string]*types.Balance, len(snap.Balances))
	for i := range snap.Balances {
		b := snap.Balances[i]
		s.balances[s.balanceKey(b.Account, b.Asset)] = &b
	}
	s.positions = make(map[string]*types.Position, len(snap.Positions))
	for i := range snap.Positions {
		p := snap.Positions[i]
		s.positions[p.Symbol] = &p
	}
}

// Apply replays one decoded WAL entry into Engine State, reproducing the
// exact state mutation the entry recorded at append time without
// re-running risk checks (the decision was already made and durably
// recorded; replay only ever reconstructs, never re-decides). It satisfies
// the wal.Wal.Replay(into) callback signature.
func (s *State) Apply(entry types.WalEntry) error {
	switch entry.Type {
	case types.WalCheckpoint:
		var snap Snapshot
		if err := json.Unmarshal(entry.Payload, &snap); err != nil {
			return fmt.Errorf("engine: replay checkpoint: %w", err)
		}
		s.LoadSnapshot(snap)
		return nil

	case types.WalOrderAccepted:
		var p walOrderAccepted
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return fmt.Errorf("engine: replay order_accepted: %w", err)
		}
		s.mu.Lock()
		now := entry.TimestampNs
		s.orders[p.ClientOrderID] = &types.Order{
			ClientOrderID: p.ClientOrderID,
			Account:       p.Account,
			Symbol:        p.Symbol,
			Side:          p.Side,
			Type:          p.Type,
			OrderQty:      p.OrderQty,
			LimitPrice:    p.LimitPrice,
			ReservedPrice: p.ReservedPrice,
			State:         types.OrderStateAccepted,
			CreatedNs:     now,
			LastUpdateNs:  now,
		}
		s.balanceLocked(p.Account, p.PayingAsset).Reserve(p.Reservation)
		s.mu.Unlock()
		return nil

	case types.WalOrderRejected:
		var p walOrderRejected
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return fmt.Errorf("engine: replay order_rejected: %w", err)
		}
		s.mu.Lock()
		s.orders[p.ClientOrderID] = &types.Order{
			ClientOrderID: p.ClientOrderID,
			Account:       p.Account,
			Symbol:        p.Symbol,
			State:         types.OrderStateRejected,
			Reason:        types.Reason(p.Reason),
			CreatedNs:     entry.TimestampNs,
			LastUpdateNs:  entry.TimestampNs,
		}
		if p.PayAsset != "" {
			s.balanceLocked(p.Account, p.PayAsset).Release(p.ReleaseAmt)
		}
		s.mu.Unlock()
		return nil

	case types.WalOrderCanceled:
		var p walOrderCanceled
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return fmt.Errorf("engine: replay order_canceled: %w", err)
		}
		s.mu.Lock()
		if o, ok := s.orders[p.ClientOrderID]; ok {
			o.State = types.OrderStateCancelled
			o.LastUpdateNs = entry.TimestampNs
		}
		s.balanceLocked(p.Account, p.PayAsset).Release(p.ReleaseAmt)
		s.mu.Unlock()
		return nil

	case types.WalOrderExpired:
		var p walOrderExpired
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return fmt.Errorf("engine: replay order_expired: %w", err)
		}
		s.mu.Lock()
		if o, ok := s.orders[p.ClientOrderID]; ok {
			o.State = types.OrderStateExpired
			o.Reason = types.ReasonExpired
			o.LastUpdateNs = entry.TimestampNs
		}
		s.balanceLocked(p.Account, p.PayAsset).Release(p.ReleaseAmt)
		s.mu.Unlock()
		return nil

	case types.WalFill:
		var p walFill
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return fmt.Errorf("engine: replay fill: %w", err)
		}
		s.mu.Lock()
		o, ok := s.orders[p.ClientOrderID]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("engine: replay fill: %w: %s", ErrUnknownOrder, p.ClientOrderID)
		}
		prevExec, prevAvg := o.ExecutedQty, o.AvgPrice
		o.ExecutedQty = prevExec.Add(p.Qty)
		o.AvgPrice = prevAvg.Mul(prevExec).Add(p.Price.Mul(p.Qty)).Div(o.ExecutedQty)
		if o.ExecutedQty.Equal(o.OrderQty) {
			o.State = types.OrderStateFilled
		} else {
			o.State = types.OrderStatePartiallyFilled
		}
		o.LastUpdateNs = entry.TimestampNs

		meta := s.symbols.get(o.Symbol)
		if o.Side == types.SideBuy {
			quote := s.balanceLocked(p.Account, meta.Quote)
			quote.ConsumeLocked(p.Qty.Mul(p.Price))
			base := s.balanceLocked(p.Account, meta.Base)
			base.Credit(p.Qty.Sub(baseEquivalentFee(p.Fee, p.Price)))
		} else {
			base := s.balanceLocked(p.Account, meta.Base)
			base.ConsumeLocked(p.Qty)
			quote := s.balanceLocked(p.Account, meta.Quote)
			quote.Credit(p.Qty.Mul(p.Price).Sub(p.Fee))
		}

		s.positionLocked(o.Symbol).ApplyFill(o.Side, p.Qty, p.Price)
		s.mu.Unlock()
		return nil

	case types.WalBalanceUpdate:
		// The balance mutation itself replays inline with the owning
		// OrderAccepted/OrderCanceled/OrderExpired/Fill entry above; this
		// entry type exists only for external observability (spec.md §3),
		// so replay is a no-op here.
		return nil

	default:
		return fmt.Errorf("engine: replay: unknown wal entry type %d", entry.Type)
	}
}
