package types

import "github.com/shopspring/decimal"

// Balance tracks one (account, asset) pair. Invariant: Free + Locked equals
// the total asset held; reservations move value Free -> Locked and back,
// fills convert Locked from one asset into Free of another per order side.
type Balance struct {
	Account string
	Asset   string
	Free    decimal.Decimal
	Locked  decimal.Decimal
}

// Total returns Free + Locked.
func (b *Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Reserve moves amt from Free to Locked. Returns false (no mutation) if
// Free is insufficient.
func (b *Balance) Reserve(amt decimal.Decimal) bool {
	if b.Free.LessThan(amt) {
		return false
	}
	b.Free = b.Free.Sub(amt)
	b.Locked = b.Locked.Add(amt)
	return true
}

// Release moves amt from Locked back to Free, clamping at zero so a
// double-release (a bug elsewhere) cannot drive Locked negative.
func (b *Balance) Release(amt decimal.Decimal) {
	if amt.GreaterThan(b.Locked) {
		amt = b.Locked
	}
	b.Locked = b.Locked.Sub(amt)
	b.Free = b.Free.Add(amt)
}

// ConsumeLocked removes amt from Locked permanently (the reservation has
// been spent on a fill, not returned to Free).
func (b *Balance) ConsumeLocked(amt decimal.Decimal) {
	if amt.GreaterThan(b.Locked) {
		amt = b.Locked
	}
	b.Locked = b.Locked.Sub(amt)
}

// Credit adds amt to Free, e.g. the asset bought by a fill.
func (b *Balance) Credit(amt decimal.Decimal) {
	b.Free = b.Free.Add(amt)
}
