package feedcache

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingFetcher parks every fetch until released, so tests can observe
// jobs while they are still pending.
type blockingFetcher struct {
	mu      sync.Mutex
	started map[int]bool
	release chan struct{}
	byIndex map[int]chan struct{} // optional per-index gates
	ctxErrs map[int]error
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{
		started: make(map[int]bool),
		release: make(chan struct{}),
		byIndex: make(map[int]chan struct{}),
		ctxErrs: make(map[int]error),
	}
}

func (f *blockingFetcher) fetch(ctx context.Context, index int) error {
	f.mu.Lock()
	f.started[index] = true
	gate := f.byIndex[index]
	f.mu.Unlock()

	if gate == nil {
		gate = f.release
	}
	select {
	case <-gate:
	case <-ctx.Done():
	}
	f.mu.Lock()
	f.ctxErrs[index] = ctx.Err()
	f.mu.Unlock()
	return ctx.Err()
}

func (f *blockingFetcher) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestPrefetcher(fetch CoverFetch, maxInFlight int64) *Prefetcher {
	return NewPrefetcher(PrefetchConfig{
		Fetch:       fetch,
		Logger:      quietLog(),
		MaxInFlight: maxInFlight,
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func sortedInts(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	return out
}

func TestWindowGrowsWithVelocityAndCaps(t *testing.T) {
	p := newTestPrefetcher(func(ctx context.Context, i int) error { return nil }, 1)
	assert.Equal(t, 8, p.windowSize(0))
	assert.Equal(t, 15, p.windowSize(1.75))
	assert.Equal(t, 28, p.windowSize(5))
	assert.Equal(t, 30, p.windowSize(100), "window is capped")
	assert.Equal(t, 15, p.windowSize(-1.75), "direction does not matter")
}

func TestObserveSchedulesWindowBounds(t *testing.T) {
	f := newBlockingFetcher()
	p := newTestPrefetcher(f.fetch, 100)
	defer p.Close()

	// Visible [0,9] at a velocity yielding a window of 15: jobs for
	// [10,24] and nothing beyond.
	p.Observe(0, 9, 1.75)

	want := make([]int, 0, 15)
	for i := 10; i <= 24; i++ {
		want = append(want, i)
	}
	assert.Equal(t, want, sortedInts(p.JobIndices()))
	_, ok := p.JobState(25)
	assert.False(t, ok, "no job past the window")

	// Scrolling to [20,29] extends jobs up to 44 and cancels nothing in
	// [10,19], which sits inside the retention margin.
	p.Observe(20, 29, 1.75)
	idx := sortedInts(p.JobIndices())
	assert.Equal(t, 10, idx[0])
	assert.Equal(t, 44, idx[len(idx)-1])
	for i := 10; i <= 24; i++ {
		state, ok := p.JobState(i)
		require.True(t, ok)
		assert.NotEqual(t, Cancelled, state, "index %d inside margin", i)
	}
}

func TestScrollingFarCancelsStaleJobs(t *testing.T) {
	f := newBlockingFetcher()
	p := newTestPrefetcher(f.fetch, 100)
	defer p.Close()

	p.Observe(0, 9, 1.75) // jobs [10,24]
	waitFor(t, func() bool { return f.startedCount() == 15 }, "jobs not started")

	// Visible [30,39]: retention floor is 20, so [10,19] gets cancelled
	// and evicted from the job table.
	p.Observe(30, 39, 1.75)

	for i := 10; i <= 19; i++ {
		_, ok := p.JobState(i)
		assert.False(t, ok, "index %d evicted", i)
	}
	for i := 20; i <= 24; i++ {
		state, ok := p.JobState(i)
		require.True(t, ok)
		assert.NotEqual(t, Cancelled, state, "index %d survives inside margin", i)
	}

	// Cancelled fetches saw their context cancelled, so no late write can
	// happen on their behalf.
	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i := 10; i <= 19; i++ {
			if !errors.Is(f.ctxErrs[i], context.Canceled) {
				return false
			}
		}
		return true
	}, "cancelled jobs did not observe cancellation")
}

func TestReenteringCancelledRangeRequeuesFreshJob(t *testing.T) {
	f := newBlockingFetcher()
	p := newTestPrefetcher(f.fetch, 100)
	defer p.Close()

	p.Observe(0, 9, 1.75)
	p.Observe(30, 39, 1.75) // cancels and evicts [10,19]

	_, ok := p.JobState(15)
	require.False(t, ok)

	// Scroll back: the previously cancelled item gets a brand new job.
	p.Observe(5, 14, 0)
	waitFor(t, func() bool {
		s, ok := p.JobState(15)
		return ok && s != Cancelled
	}, "re-entered index not re-queued")
}

func TestInFlightCap(t *testing.T) {
	f := newBlockingFetcher()
	p := newTestPrefetcher(f.fetch, 2)
	defer p.Close()

	p.Observe(0, 9, 1.75)
	waitFor(t, func() bool { return f.startedCount() == 2 }, "cap not reached")

	// With the cap at 2, no further fetch starts while both slots block.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, f.startedCount(), "excess jobs queue behind the cap")
	assert.Len(t, p.JobIndices(Queued), 13)

	close(f.release)
	waitFor(t, func() bool { return len(p.JobIndices(Done)) == 15 }, "queued jobs never drained")
}

func TestFetchFailureDegradesToDone(t *testing.T) {
	p := newTestPrefetcher(func(ctx context.Context, i int) error {
		return errors.New("cdn hiccup")
	}, 4)
	defer p.Close()

	p.Observe(0, 1, 0)
	waitFor(t, func() bool { return len(p.JobIndices(Done)) == 8 }, "failed fetches not marked done")
}

func TestItemCountBoundsWindow(t *testing.T) {
	f := newBlockingFetcher()
	p := newTestPrefetcher(f.fetch, 100)
	defer p.Close()

	p.SetItemCount(15)
	p.Observe(0, 9, 1.75)

	idx := sortedInts(p.JobIndices())
	require.NotEmpty(t, idx)
	assert.Equal(t, 14, idx[len(idx)-1], "no job past the last item")
}

func TestJobTableStaysBoundedOverLongScroll(t *testing.T) {
	p := newTestPrefetcher(func(ctx context.Context, i int) error { return nil }, 8)
	defer p.Close()

	// Scroll through twenty screens; completed and stale jobs must not pile
	// up in the table.
	for first := 0; first <= 190; first += 10 {
		p.Observe(first, first+9, 1.75)
	}

	// Last keep range is [180, 224]: everything older is evicted.
	assert.LessOrEqual(t, len(p.JobIndices()), 45)
	_, ok := p.JobState(100)
	assert.False(t, ok)
}

func TestCloseCancelsEverything(t *testing.T) {
	f := newBlockingFetcher()
	p := newTestPrefetcher(f.fetch, 100)

	p.Observe(0, 9, 1.75)
	p.Close()

	for _, i := range p.JobIndices() {
		s, _ := p.JobState(i)
		assert.Equal(t, Cancelled, s)
	}
	p.Observe(0, 9, 1.75)
	assert.Empty(t, p.JobIndices(Queued), "closed scheduler accepts no new work")
}
