// Package prefetch schedules image downloads by priority, deduplicates
// concurrent demand through reference counting and resolves the best cached
// variant of an image for a requested width.
//
// All shared state lives in a Manager and is guarded by a single mutex that
// is never held across a fetch, a local cache lookup or a persistence write.
package prefetch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const defaultThrottleInterval = 100 * time.Millisecond

// activeDownload is the bookkeeping kept for a task while it is fetched.
type activeDownload struct {
	Started  time.Time
	Timeout  time.Duration
	Priority Priority
}

// Manager owns the demand ledger, the cache map and the scheduler.
type Manager struct {
	fetcher  Fetcher
	local    LocalResolver
	rewriter Rewriter
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration

	mu       sync.Mutex
	opts     Options
	ledger   ledger
	entries  map[string]Entry
	failures map[string]struct{}
	stats    Stats
	breaker  *breaker
	inFlight map[string]activeDownload
	subs     map[string]map[*Handle]struct{}
	closed   bool

	throttle *throttle
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithOptions replaces the default Options.
func WithOptions(o Options) Option {
	return func(m *Manager) { m.opts = o }
}

// WithLocalResolver enables the local cache short-circuit.
func WithLocalResolver(r LocalResolver) Option {
	return func(m *Manager) { m.local = r }
}

// WithRewriter enables proxy fetches through r.
func WithRewriter(r Rewriter) Option {
	return func(m *Manager) { m.rewriter = r }
}

// WithRecorder persists cache mutations through r.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now for breaker and stats bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithThrottleInterval sets the minimum spacing of scheduling passes while
// downloads are in flight.
func WithThrottleInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// New creates a Manager that downloads through fetcher.
func New(fetcher Fetcher, opts ...Option) *Manager {
	m := &Manager{
		fetcher:  fetcher,
		logger:   slog.Default(),
		now:      time.Now,
		interval: defaultThrottleInterval,
		opts:     DefaultOptions(),
		entries:  make(map[string]Entry),
		failures: make(map[string]struct{}),
		stats:    newStats(),
		breaker:  newBreaker(),
		inFlight: make(map[string]activeDownload),
		subs:     make(map[string]map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.opts.MaxConcurrentDownloads < 1 {
		m.opts.MaxConcurrentDownloads = 1
	}
	if m.opts.RequestTimeout <= 0 {
		m.opts.RequestTimeout = DefaultOptions().RequestTimeout
	}
	m.throttle = newThrottle(m.interval, m.processQueue)
	return m
}

// Enqueue registers demand for url at width in lane p. It is a no-op when a
// loaded variation already covers width.
func (m *Manager) Enqueue(url string, width Width, blurhash string, p Priority) {
	m.enqueue(url, width, blurhash, p, false)
}

func (m *Manager) enqueue(url string, width Width, blurhash string, p Priority, force bool) {
	if url == "" {
		return
	}
	if !p.valid() {
		p = Normal
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !force && m.satisfiedLocked(url, width) {
		m.mu.Unlock()
		m.logger.Debug("prefetch: already cached", "url", url, "width", width)
		return
	}
	refs := m.ledger.add(p, url, width, blurhash)
	m.mu.Unlock()

	m.logger.Debug("prefetch: enqueued", "url", url, "width", width, "priority", p, "refs", refs)
	m.schedule()
}

// Dequeue drops one reference to the pending (url, width) task, searching
// the lanes from high to low.
func (m *Manager) Dequeue(url string, width Width) {
	m.dequeue(url, width, nil)
}

// DequeueLane drops one reference to the pending (url, width) task in lane p.
func (m *Manager) DequeueLane(url string, width Width, p Priority) {
	m.dequeue(url, width, &p)
}

func (m *Manager) dequeue(url string, width Width, p *Priority) {
	if p != nil && !p.valid() {
		normal := Normal
		p = &normal
	}
	key := TaskKey(url, width)
	m.mu.Lock()
	lane, ok := m.ledger.remove(p, key)
	m.mu.Unlock()
	if !ok {
		// Already dispatched or never queued.
		m.logger.Debug("prefetch: dequeue found no pending task", "key", key)
		return
	}
	m.logger.Debug("prefetch: dequeued", "key", key, "priority", lane)
}

func (m *Manager) satisfiedLocked(url string, width Width) bool {
	e, ok := m.entries[url]
	if !ok {
		return false
	}
	for _, v := range e.Variations {
		if v.Status == StatusLoaded && v.Width.Satisfies(width) {
			return true
		}
	}
	return false
}

// UpdateConfig merges p into the shared options. In-flight and future
// decisions observe the change.
func (m *Manager) UpdateConfig(p OptionsPatch) {
	m.mu.Lock()
	m.opts.apply(p)
	m.mu.Unlock()
	m.schedule()
}

// Options returns a copy of the current options.
func (m *Manager) Options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// ClearAll empties the cache map and the stats. Permanent failures and the
// circuit breaker window are left untouched.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	m.entries = make(map[string]Entry)
	m.stats = newStats()
	for url := range m.subs {
		m.notifyLocked(url)
	}
	// Recorder calls stay under the lock so persisted order matches memory.
	if m.recorder != nil {
		m.recorder.RecordClear()
	}
	m.mu.Unlock()

	m.logger.Info("prefetch: cache cleared")
}

// Restore seeds the cache map and stats, typically from persisted rows at
// startup. Existing variations for the same width are replaced.
func (m *Manager) Restore(entries map[string]Entry, stats Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for url, e := range entries {
		for _, v := range e.Variations {
			m.upsertLocked(url, e.Blurhash, v)
		}
		m.notifyLocked(url)
	}
	for url, n := range stats.Fetched {
		m.stats.Fetched[url] += n
	}
	for url, d := range stats.LoadingTimes {
		m.stats.LoadingTimes[url] = append(m.stats.LoadingTimes[url], d...)
	}
}

// Entry returns a copy of the cache entry for url.
func (m *Manager) Entry(url string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[url]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Stats returns a copy of the fetch statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.clone()
}

// Failed reports whether url is permanently failed.
func (m *Manager) Failed(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.failures[url]
	return ok
}

// Failures lists permanently failed URLs in sorted order.
func (m *Manager) Failures() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.failures))
	for url := range m.failures {
		out = append(out, url)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Pending lists queued tasks, high lane first.
func (m *Manager) Pending() []PendingTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.snapshot()
}

// InFlight returns the number of fetches currently running.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// BreakerRescues returns the number of rescues inside the current window.
func (m *Manager) BreakerRescues() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breaker.count()
}

// ResetBreaker empties the rescue window without touching the cooldown.
func (m *Manager) ResetBreaker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaker.reset()
}

// Close stops scheduling and waits for in-flight fetches to finish or for
// ctx to be done.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.throttle.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// upsertLocked replaces the variation for v.Width on url's entry.
func (m *Manager) upsertLocked(url, blurhash string, v Variation) {
	e := m.entries[url]
	if e.Blurhash == "" {
		e.Blurhash = blurhash
	}
	vs := make([]Variation, 0, len(e.Variations)+1)
	for _, old := range e.Variations {
		if old.Width != v.Width {
			vs = append(vs, old)
		}
	}
	e.Variations = append(vs, v)
	m.entries[url] = e
}
