package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velozfi/veloz/internal/config"
)

// BreakerState is the tri-state gate of spec.md §4.4.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker watches post-trade metrics (daily loss, consecutive panics) and
// gates pre-trade acceptance. CLOSED admits orders; OPEN rejects everything
// with circuit_breaker_open until cooldown elapses, at which point it moves
// to HALF_OPEN; a single success there closes it again, any rejection
// reopens it.
type Breaker struct {
	mu sync.Mutex

	cfg config.BreakerConfig

	state     BreakerState
	openedAt  time.Time
	reason    string

	dailyLoss  decimal.Decimal
	peakEquity decimal.Decimal
	lastReset  string

	panicTimes []time.Time
}

// NewBreaker returns a breaker in the CLOSED state.
func NewBreaker(cfg config.BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Open reports whether the breaker currently rejects new orders. A breaker
// in OPEN auto-transitions to HALF_OPEN once the cooldown has elapsed,
// which itself still admits orders (the single probe that decides CLOSED
// vs OPEN next).
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireCooldown()
	return b.state == StateOpen
}

func (b *Breaker) maybeExpireCooldown() {
	if b.state == StateOpen && time.Since(b.openedAt) >= time.Duration(b.cfg.CooldownMs)*time.Millisecond {
		b.state = StateHalfOpen
	}
}

// RecordOutcome feeds a post-trade acceptance/rejection result: the single
// success allowed through in HALF_OPEN closes the breaker; any rejection
// while HALF_OPEN reopens it.
func (b *Breaker) RecordOutcome(accepted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if accepted {
			b.close()
		} else {
			b.trip("rejection during half-open probe")
		}
	case StateClosed:
		// nothing to do; loss accounting happens in RecordPnL.
	}
}

// RecordPnL updates the daily-loss tracker against the day's peak equity,
// tripping the breaker when the drawdown exceeds cfg.DailyLossPct.
func (b *Breaker) RecordPnL(equity, pnl decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	if b.lastReset != today {
		b.dailyLoss = decimal.Zero
		b.peakEquity = decimal.Zero
		b.lastReset = today
	}

	if equity.GreaterThan(b.peakEquity) {
		b.peakEquity = equity
	}
	b.dailyLoss = b.dailyLoss.Add(pnl)

	if b.state != StateClosed || b.peakEquity.IsZero() {
		return
	}
	loss := b.dailyLoss.Neg()
	if loss.IsPositive() && loss.Div(b.peakEquity).GreaterThan(b.cfg.DailyLossPct) {
		b.trip("daily loss limit exceeded")
	}
}

// NotePanic records a recovered Event Loop task panic at ts. Three
// consecutive panics within one second is the safety stop of spec.md §7.
func (b *Breaker) NotePanic(ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := ts.Add(-time.Second)
	kept := b.panicTimes[:0]
	for _, t := range b.panicTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.panicTimes = append(kept, ts)

	if len(b.panicTimes) >= 3 {
		b.trip("three panics within one second")
	}
}

func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.reason = reason
}

func (b *Breaker) close() {
	b.state = StateClosed
	b.dailyLoss = decimal.Zero
	b.panicTimes = nil
	b.reason = ""
}

// State reports the current tri-state, applying cooldown expiry first.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireCooldown()
	return b.state
}

// Reason returns the reason the breaker last tripped, if any.
func (b *Breaker) Reason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// ForceClose manually resets the breaker to CLOSED, bypassing cooldown.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.close()
}
