package eventloop

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFor(t *testing.T, l *Loop, d time.Duration) {
	t.Helper()
	go func() {
		if err := l.Run(); err != nil && err != ErrAlreadyRunning {
			t.Errorf("Run: %v", err)
		}
	}()
	time.Sleep(d)
	require.NoError(t, l.Stop())
}

func TestLoop_DispatchesHigherPriorityFirst(t *testing.T) {
	l := New()

	var mu sync.Mutex
	var order []string
	record := func(name string) Task {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Post while the loop is idle so all three land in the ready set
	// before dispatch begins.
	l.Post(record("low"), Low)
	l.Post(record("normal"), Normal)
	l.Post(record("critical"), Critical)

	runFor(t, l, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, []string{"critical", "normal", "low"}, order)
}

func TestLoop_FIFOWithinPriority(t *testing.T) {
	l := New()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}, Normal)
	}

	runFor(t, l, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLoop_PostDelayed_FiresAfterDeadline(t *testing.T) {
	l := New()
	fired := make(chan struct{})

	l.PostDelayed(func() error {
		close(fired)
		return nil
	}, 20*time.Millisecond, Normal)

	go l.Run()
	defer l.Stop()

	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("delayed task never fired")
	}
}

func TestLoop_PostDelayed_NonPositiveDelayRunsImmediately(t *testing.T) {
	l := New()
	fired := make(chan struct{})

	l.PostDelayed(func() error {
		close(fired)
		return nil
	}, 0, Normal)

	go l.Run()
	defer l.Stop()

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("zero-delay task never fired")
	}
}

func TestLoop_AddTagFilter_DropsMatchingTasks(t *testing.T) {
	l := New()
	l.AddTagFilter("symbol:BTCUSDT")

	ran := make(chan struct{}, 1)
	l.Post(func() error { ran <- struct{}{}; return nil }, Normal, "symbol:BTCUSDT")

	runFor(t, l, 50*time.Millisecond)

	select {
	case <-ran:
		t.Fatal("filtered task should not have run")
	default:
	}

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Filtered)
}

func TestLoop_AddTagFilter_WildcardPrefix(t *testing.T) {
	l := New()
	l.AddTagFilter("feed:*")

	ran := make(chan struct{}, 1)
	l.Post(func() error { ran <- struct{}{}; return nil }, Normal, "feed:binance")

	runFor(t, l, 50*time.Millisecond)

	select {
	case <-ran:
		t.Fatal("wildcard-filtered task should not have run")
	default:
	}
}

func TestLoop_OnFailure_CalledOnErrorAndPanic(t *testing.T) {
	l := New()

	var calls int
	var mu sync.Mutex
	l.SetOnFailure(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	l.Post(func() error { return errors.New("boom") }, Normal)
	l.Post(func() error { panic("boom") }, Normal)
	l.Post(func() error { return nil }, Normal)

	runFor(t, l, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)

	stats := l.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(3), stats.Processed)
}

func TestLoop_Stats_PerPriorityCounts(t *testing.T) {
	l := New()
	l.Post(func() error { return nil }, Low)
	l.Post(func() error { return nil }, High)
	l.Post(func() error { return nil }, High)

	runFor(t, l, 50*time.Millisecond)

	stats := l.Stats()
	assert.Equal(t, int64(3), stats.Posted)
	assert.Equal(t, int64(1), stats.PerPriority[Low])
	assert.Equal(t, int64(2), stats.PerPriority[High])
}

func TestLoop_Stop_ErrorsWhenNotRunning(t *testing.T) {
	l := New()
	err := l.Stop()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestLoop_Run_ErrorsWhenAlreadyRunning(t *testing.T) {
	l := New()
	go l.Run()
	time.Sleep(10 * time.Millisecond)
	defer l.Stop()

	err := l.Run()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}
