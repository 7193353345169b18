package feedcache

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// JobState is the lifecycle state of one prefetch job.
type JobState int

const (
	Queued JobState = iota
	InFlight
	Done
	Cancelled
)

func (s JobState) String() string {
	switch s {
	case Queued:
		return "queued"
	case InFlight:
		return "in-flight"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CoverFetch fetches the cover image for the item at index. The context is
// cancelled when the item slides out of the prefetch window.
type CoverFetch func(ctx context.Context, index int) error

// PrefetchConfig tunes the look-ahead window and concurrency of a
// Prefetcher. Zero values pick the defaults.
type PrefetchConfig struct {
	Fetch  CoverFetch
	Logger logrus.FieldLogger
	// WindowBase and WindowScale shape the velocity-sensitive window:
	// size = WindowBase + velocity*WindowScale, capped at WindowMax.
	WindowBase  int
	WindowScale float64
	WindowMax   int
	// Margin keeps jobs alive for items just outside the window so small
	// scroll jitter does not churn cancellations.
	Margin int
	// MaxInFlight caps concurrently running fetches; excess jobs queue.
	MaxInFlight int64
}

func (c PrefetchConfig) withDefaults() PrefetchConfig {
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.WindowBase <= 0 {
		c.WindowBase = 8
	}
	if c.WindowScale <= 0 {
		c.WindowScale = 4
	}
	if c.WindowMax <= 0 {
		c.WindowMax = 30
	}
	if c.Margin <= 0 {
		c.Margin = 10
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 6
	}
	return c
}

type job struct {
	index  int
	rank   int // distance past the visible range, lower fetches sooner
	state  JobState
	cancel context.CancelFunc
}

// Prefetcher schedules cover-image fetches for items about to scroll into
// view. It is driven by Observe calls carrying the visible range and an
// estimated scroll velocity.
type Prefetcher struct {
	cfg PrefetchConfig
	log logrus.FieldLogger
	sem *semaphore.Weighted

	mu        sync.Mutex
	jobs      map[int]*job
	itemCount int // 0 means unknown
	closed    bool
	wg        sync.WaitGroup
}

// NewPrefetcher creates a prefetch scheduler. cfg.Fetch must be set.
func NewPrefetcher(cfg PrefetchConfig) *Prefetcher {
	cfg = cfg.withDefaults()
	return &Prefetcher{
		cfg:  cfg,
		log:  cfg.Logger,
		sem:  semaphore.NewWeighted(cfg.MaxInFlight),
		jobs: make(map[int]*job),
	}
}

// SetItemCount bounds scheduling to indices below n. Zero removes the bound.
func (p *Prefetcher) SetItemCount(n int) {
	p.mu.Lock()
	p.itemCount = n
	p.mu.Unlock()
}

// windowSize computes the look-ahead size for a scroll velocity measured in
// items per second.
func (p *Prefetcher) windowSize(velocity float64) int {
	if velocity < 0 {
		velocity = -velocity
	}
	size := p.cfg.WindowBase + int(velocity*p.cfg.WindowScale)
	if size > p.cfg.WindowMax {
		size = p.cfg.WindowMax
	}
	return size
}

// Observe updates the scheduler with the currently visible item range and
// scroll velocity. Items entering the look-ahead window get fetch jobs;
// jobs for items outside the window plus the retention margin are
// cancelled. A previously cancelled item re-entering the window gets a
// fresh job.
func (p *Prefetcher) Observe(visibleFirst, visibleLast int, velocity float64) {
	window := p.windowSize(velocity)
	lo := visibleLast + 1
	hi := visibleLast + window
	keepLo := visibleFirst - p.cfg.Margin
	keepHi := hi + p.cfg.Margin

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.itemCount > 0 && hi > p.itemCount-1 {
		hi = p.itemCount - 1
	}

	// Jobs past the retention margin are cancelled and evicted, so the job
	// table stays bounded by the window over a long scroll session. A
	// re-entering index gets a brand new job.
	for idx, j := range p.jobs {
		if idx >= keepLo && idx <= keepHi {
			continue
		}
		if j.state == Queued || j.state == InFlight {
			j.cancel()
			j.state = Cancelled
		}
		delete(p.jobs, idx)
	}

	for idx := lo; idx <= hi; idx++ {
		if j, ok := p.jobs[idx]; ok && j.state != Cancelled {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		j := &job{index: idx, rank: idx - visibleLast, state: Queued, cancel: cancel}
		p.jobs[idx] = j
		p.wg.Add(1)
		go p.run(ctx, j)
	}
}

func (p *Prefetcher) run(ctx context.Context, j *job) {
	defer p.wg.Done()
	defer j.cancel()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.setState(j, Cancelled)
		return
	}
	defer p.sem.Release(1)

	if !p.advance(j, Queued, InFlight) {
		return
	}

	err := p.cfg.Fetch(ctx, j.index)
	if ctx.Err() != nil {
		// Cancelled mid-fetch: no state the item could use was produced.
		p.setState(j, Cancelled)
		return
	}
	if err != nil {
		// Covers are decorative; a miss falls back to on-demand loading.
		p.log.WithError(err).WithField("index", j.index).Debug("cover prefetch failed")
	}
	p.advance(j, InFlight, Done)
}

// advance moves j from one state to the next, refusing to resurrect a job
// Observe already cancelled.
func (p *Prefetcher) advance(j *job, from, to JobState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if j.state != from {
		return false
	}
	j.state = to
	return true
}

func (p *Prefetcher) setState(j *job, s JobState) {
	p.mu.Lock()
	j.state = s
	p.mu.Unlock()
}

// JobState reports the state of the job for index, if one exists.
func (p *Prefetcher) JobState(index int) (JobState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[index]
	if !ok {
		return 0, false
	}
	return j.state, true
}

// JobIndices returns the indices that currently have a job in any of the
// given states. No states means all jobs.
func (p *Prefetcher) JobIndices(states ...JobState) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for idx, j := range p.jobs {
		if len(states) == 0 {
			out = append(out, idx)
			continue
		}
		for _, s := range states {
			if j.state == s {
				out = append(out, idx)
				break
			}
		}
	}
	return out
}

// Close cancels all outstanding jobs and waits for their goroutines.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	p.closed = true
	for _, j := range p.jobs {
		if j.state == Queued || j.state == InFlight {
			j.cancel()
			j.state = Cancelled
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
}
