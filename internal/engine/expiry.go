package engine

import (
	"time"

	"github.com/velozfi/veloz/internal/eventloop"
	"github.com/velozfi/veloz/internal/runtime"
)

// LoopExpiryScheduler implements ExpiryScheduler by posting a delayed
// Event Loop task that calls back into Engine State's ExpireOrder at
// deadlineNs, the same delayed-task mechanism the Fill Simulator uses for
// its own latency-scheduled fills.
type LoopExpiryScheduler struct {
	rt    *runtime.Runtime
	loop  *eventloop.Loop
	state *State
}

// NewLoopExpiryScheduler builds an ExpiryScheduler bound to loop and state.
func NewLoopExpiryScheduler(rt *runtime.Runtime, loop *eventloop.Loop, state *State) *LoopExpiryScheduler {
	return &LoopExpiryScheduler{rt: rt, loop: loop, state: state}
}

// ScheduleExpiry implements engine.ExpiryScheduler.
func (l *LoopExpiryScheduler) ScheduleExpiry(clientOrderID string, deadlineNs int64) {
	delay := time.Duration(deadlineNs-l.rt.Clock.NowNs()) * time.Nanosecond
	l.loop.PostDelayed(func() error {
		l.state.ExpireOrder(clientOrderID)
		return nil
	}, delay, eventloop.Normal, "expire", "order:"+clientOrderID)
}
