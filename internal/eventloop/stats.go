package eventloop

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of the loop's counters. Each field is
// read atomically at snapshot time, but two fields read in the same call
// are not a consistent pair under concurrent dispatch — per spec.md §4.1,
// snapshot-consistent per counter, not across counters.
type Stats struct {
	Posted    int64
	Processed int64
	Failed    int64
	Filtered  int64

	PerPriority map[Priority]int64

	QueueWaitSum time.Duration
	QueueWaitMax time.Duration
	ProcessSum   time.Duration
	ProcessMax   time.Duration
}

// String renders the snapshot for logs, mirroring the "stats_to_string"
// operation of spec.md §4.1.
func (s Stats) String() string {
	return fmt.Sprintf(
		"posted=%d processed=%d failed=%d filtered=%d queue_wait_sum=%s queue_wait_max=%s process_sum=%s process_max=%s",
		s.Posted, s.Processed, s.Failed, s.Filtered,
		s.QueueWaitSum, s.QueueWaitMax, s.ProcessSum, s.ProcessMax,
	)
}

// counters holds the live atomic counters backing Stats.
type counters struct {
	posted    int64
	processed int64
	failed    int64
	filtered  int64

	perPriority [4]int64 // indexed by Priority

	queueWaitSum int64 // nanoseconds
	queueWaitMax int64
	processSum   int64
	processMax   int64
}

func (c *counters) recordPosted(p Priority) {
	atomic.AddInt64(&c.posted, 1)
	atomic.AddInt64(&c.perPriority[p], 1)
}

func (c *counters) recordFiltered() {
	atomic.AddInt64(&c.filtered, 1)
}

func (c *counters) recordProcessed(queueWait, processDur time.Duration, failed bool) {
	atomic.AddInt64(&c.processed, 1)
	if failed {
		atomic.AddInt64(&c.failed, 1)
	}
	atomic.AddInt64(&c.queueWaitSum, int64(queueWait))
	atomic.AddInt64(&c.processSum, int64(processDur))
	bumpMax(&c.queueWaitMax, int64(queueWait))
	bumpMax(&c.processMax, int64(processDur))
}

func bumpMax(addr *int64, v int64) {
	for {
		cur := atomic.LoadInt64(addr)
		if v <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(addr, cur, v) {
			return
		}
	}
}

func (c *counters) snapshot() Stats {
	perPriority := make(map[Priority]int64, 4)
	for p := Low; p <= Critical; p++ {
		perPriority[p] = atomic.LoadInt64(&c.perPriority[p])
	}
	return Stats{
		Posted:       atomic.LoadInt64(&c.posted),
		Processed:    atomic.LoadInt64(&c.processed),
		Failed:       atomic.LoadInt64(&c.failed),
		Filtered:     atomic.LoadInt64(&c.filtered),
		PerPriority:  perPriority,
		QueueWaitSum: time.Duration(atomic.LoadInt64(&c.queueWaitSum)),
		QueueWaitMax: time.Duration(atomic.LoadInt64(&c.queueWaitMax)),
		ProcessSum:   time.Duration(atomic.LoadInt64(&c.processSum)),
		ProcessMax:   time.Duration(atomic.LoadInt64(&c.processMax)),
	}
}
