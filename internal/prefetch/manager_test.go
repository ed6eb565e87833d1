package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeFetcher struct {
	mu       sync.Mutex
	calls    []string
	fail     func(source string) bool
	delay    time.Duration
	gate     chan struct{}
	blockers map[string]chan struct{}
	released bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{blockers: make(map[string]chan struct{})}
}

// blockAll makes every fetch wait until releaseAll.
func (f *fakeFetcher) blockAll() {
	f.gate = make(chan struct{})
}

func (f *fakeFetcher) block(source string) {
	f.blockers[source] = make(chan struct{})
}

func (f *fakeFetcher) release(source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.blockers[source]; ok {
		close(ch)
		delete(f.blockers, source)
	}
}

func (f *fakeFetcher) releaseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return
	}
	f.released = true
	if f.gate != nil {
		close(f.gate)
	}
	for source, ch := range f.blockers {
		close(ch)
		delete(f.blockers, source)
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, source, _ string) error {
	f.mu.Lock()
	f.calls = append(f.calls, source)
	wait := f.gate
	if ch, ok := f.blockers[source]; ok {
		wait = ch
	}
	f.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil && f.fail(source) {
		return errors.New("fetch failed: " + source)
	}
	return nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeRewriter struct{}

func (fakeRewriter) Rewrite(url string, width Width) string {
	return "https://proxy.test/" + width.String() + "/" + url
}

func isProxied(source string) bool { return strings.HasPrefix(source, "https://proxy.test/") }

type fakeLocal map[string]string

func (l fakeLocal) LocalPath(key string) (string, bool) {
	p, ok := l[key]
	return p, ok
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeRecorder struct {
	mu         sync.Mutex
	variations []Variation
	fetches    int
	clears     int
}

func (r *fakeRecorder) RecordVariation(_, _ string, v Variation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variations = append(r.variations, v)
}

func (r *fakeRecorder) RecordFetch(string, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
}

func (r *fakeRecorder) RecordClear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
}

func newTestManager(t *testing.T, f Fetcher, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithThrottleInterval(tick),
	}
	m := New(f, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Close(ctx))
	})
	return m
}

func testOptions(maxConcurrent int) Options {
	o := DefaultOptions()
	o.MaxConcurrentDownloads = maxConcurrent
	o.RequestTimeout = time.Minute
	return o
}

func waitStatus(t *testing.T, h *Handle, want Status) Result {
	t.Helper()
	require.Eventually(t, func() bool { return h.Result().Status == want }, waitFor, tick)
	return h.Result()
}

func TestConcurrencyBound(t *testing.T) {
	f := newFakeFetcher()
	f.blockAll()
	m := newTestManager(t, f, WithOptions(testOptions(2)))
	t.Cleanup(f.releaseAll)

	for i := 0; i < 5; i++ {
		m.Enqueue(fmt.Sprintf("https://img.test/%d.jpg", i), 300, "", Normal)
	}

	require.Eventually(t, func() bool { return m.InFlight() == 2 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, m.InFlight())
	assert.Len(t, f.Calls(), 2)
	assert.Len(t, m.Pending(), 3)
}

func TestUpdateConfigRaisesConcurrency(t *testing.T) {
	f := newFakeFetcher()
	f.blockAll()
	m := newTestManager(t, f, WithOptions(testOptions(1)))
	t.Cleanup(f.releaseAll)

	for i := 0; i < 3; i++ {
		m.Enqueue(fmt.Sprintf("https://img.test/%d.jpg", i), 300, "", Normal)
	}
	require.Eventually(t, func() bool { return m.InFlight() == 1 }, waitFor, tick)

	n := 3
	m.UpdateConfig(OptionsPatch{MaxConcurrentDownloads: &n})
	require.Eventually(t, func() bool { return m.InFlight() == 3 }, waitFor, tick)
	assert.Equal(t, 3, m.Options().MaxConcurrentDownloads)
	assert.Empty(t, m.Pending())
}

func TestHighPriorityDispatchedFirst(t *testing.T) {
	const first = "https://img.test/first.jpg"
	f := newFakeFetcher()
	f.block(first)
	m := newTestManager(t, f, WithOptions(testOptions(1)))
	t.Cleanup(f.releaseAll)

	m.Enqueue(first, 300, "", Normal)
	require.Eventually(t, func() bool { return m.InFlight() == 1 }, waitFor, tick)

	m.Enqueue("https://img.test/low.jpg", 300, "", Low)
	m.Enqueue("https://img.test/normal.jpg", 300, "", Normal)
	m.Enqueue("https://img.test/high.jpg", 300, "", High)
	require.Len(t, m.Pending(), 3)

	f.release(first)
	require.Eventually(t, func() bool { return len(f.Calls()) == 4 && m.InFlight() == 0 }, waitFor, tick)
	assert.Equal(t, []string{
		first,
		"https://img.test/high.jpg",
		"https://img.test/normal.jpg",
		"https://img.test/low.jpg",
	}, f.Calls())
}

func TestPendingRefCountsThroughManager(t *testing.T) {
	const first = "https://img.test/first.jpg"
	const url = "https://img.test/a.jpg"
	f := newFakeFetcher()
	f.block(first)
	m := newTestManager(t, f, WithOptions(testOptions(1)))
	t.Cleanup(f.releaseAll)

	m.Enqueue(first, 300, "", Normal)
	require.Eventually(t, func() bool { return m.InFlight() == 1 }, waitFor, tick)

	m.Enqueue(url, 300, "", Normal)
	m.Enqueue(url, 300, "", Normal)
	m.Enqueue(url, 300, "", Low)

	pending := m.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, Normal, pending[0].Priority)
	assert.Equal(t, 2, pending[0].RefCount)
	assert.Equal(t, Low, pending[1].Priority)
	assert.Equal(t, 1, pending[1].RefCount)

	m.DequeueLane(url, 300, Low)
	pending = m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].RefCount)

	m.Dequeue(url, 300)
	m.Dequeue(url, 300)
	m.Dequeue(url, 300)
	assert.Empty(t, m.Pending())
}

func TestProxyFailureRescuedByDirectFetch(t *testing.T) {
	const url = "https://img.test/a.jpg"
	f := newFakeFetcher()
	f.fail = isProxied
	m := newTestManager(t, f, WithRewriter(fakeRewriter{}))

	h := m.Request(url, 300, Normal, "")
	defer h.Release()

	select {
	case <-h.Updates():
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for update")
	}
	res := waitStatus(t, h, StatusLoaded)
	assert.Equal(t, url, res.Source)
	assert.Equal(t, Width(300), res.Width)
	assert.Equal(t, 1, m.BreakerRescues())
	assert.Equal(t, []string{"https://proxy.test/300/" + url, url}, f.Calls())

	e, ok := m.Entry(url)
	require.True(t, ok)
	require.Len(t, e.Variations, 1)
	assert.Equal(t, 2, e.Variations[0].Attempts)
}

func TestProxySuccessUsesProxySource(t *testing.T) {
	const url = "https://img.test/a.jpg"
	f := newFakeFetcher()
	m := newTestManager(t, f, WithRewriter(fakeRewriter{}))

	h := m.Request(url, 640, High, "")
	defer h.Release()

	res := waitStatus(t, h, StatusLoaded)
	assert.Equal(t, "https://proxy.test/640/"+url, res.Source)
	assert.Zero(t, m.BreakerRescues())
}

func TestBreakerDisablesProxyAfterThreeRescues(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)}
	f := newFakeFetcher()
	f.fail = isProxied
	m := newTestManager(t, f, WithRewriter(fakeRewriter{}), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		assert.True(t, m.Options().ImgProxyDisabledUntil.IsZero(), "rescue %d", i)
		h := m.Request(fmt.Sprintf("https://img.test/%d.jpg", i), 300, Normal, "")
		waitStatus(t, h, StatusLoaded)
		h.Release()
	}
	assert.Equal(t, clock.Now().Add(60*time.Minute), m.Options().ImgProxyDisabledUntil)
	assert.Zero(t, m.BreakerRescues())

	before := len(f.Calls())
	h := m.Request("https://img.test/after.jpg", 300, Normal, "")
	defer h.Release()
	waitStatus(t, h, StatusLoaded)
	calls := f.Calls()
	require.Len(t, calls, before+1)
	assert.Equal(t, "https://img.test/after.jpg", calls[before])
}

func TestPermanentFailure(t *testing.T) {
	const url = "https://img.test/broken.jpg"
	f := newFakeFetcher()
	f.fail = func(string) bool { return true }
	m := newTestManager(t, f, WithRewriter(fakeRewriter{}))

	h := m.Request(url, 300, Normal, "")
	defer h.Release()
	waitStatus(t, h, StatusError)

	assert.True(t, m.Failed(url))
	assert.Equal(t, []string{url}, m.Failures())
	e, ok := m.Entry(url)
	require.True(t, ok)
	require.Len(t, e.Variations, 1)
	assert.Equal(t, StatusError, e.Variations[0].Status)
	assert.Equal(t, Width(300), e.Variations[0].Width)
	assert.Equal(t, 2, e.Variations[0].Attempts)
	require.Len(t, f.Calls(), 2)

	// Other widths of the same url are gated too.
	m.Enqueue(url, 1200, "", High)
	require.Eventually(t, func() bool { return m.InFlight() == 0 && len(m.Pending()) == 0 }, waitFor, tick)
	assert.Len(t, f.Calls(), 2)

	h.Retry()
	assert.Empty(t, m.Pending())
	assert.Len(t, f.Calls(), 2)
	assert.True(t, m.Failed(url))
}

func TestLoadingTimeRecorded(t *testing.T) {
	const url = "https://img.test/slow.jpg"
	f := newFakeFetcher()
	f.delay = 30 * time.Millisecond
	m := newTestManager(t, f)

	h := m.Request(url, 300, Normal, "")
	defer h.Release()
	waitStatus(t, h, StatusLoaded)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Fetched[url])
	require.Len(t, stats.LoadingTimes[url], 1)
	assert.GreaterOrEqual(t, stats.LoadingTimes[url][0], 30*time.Millisecond)
	assert.Less(t, stats.LoadingTimes[url][0], waitFor)
}

func TestClearAll(t *testing.T) {
	const good = "https://img.test/good.jpg"
	const bad = "https://img.test/bad.jpg"
	f := newFakeFetcher()
	f.fail = func(source string) bool { return source == bad }
	rec := &fakeRecorder{}
	m := newTestManager(t, f, WithRecorder(rec))

	hg := m.Request(good, 300, Normal, "")
	defer hg.Release()
	hb := m.Request(bad, 300, Normal, "")
	defer hb.Release()
	waitStatus(t, hg, StatusLoaded)
	waitStatus(t, hb, StatusError)

	m.ClearAll()

	_, ok := m.Entry(good)
	assert.False(t, ok)
	stats := m.Stats()
	assert.Empty(t, stats.Fetched)
	assert.Empty(t, stats.LoadingTimes)
	assert.True(t, m.Failed(bad), "permanent failures survive a clear")
	assert.Equal(t, StatusLoading, hg.Result().Status)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.clears)
	assert.Equal(t, 1, rec.fetches)
	assert.Len(t, rec.variations, 2)
}

func TestLocalCacheShortCircuit(t *testing.T) {
	const url = "https://img.test/cached.jpg"
	f := newFakeFetcher()
	local := fakeLocal{TaskKey(url, 300): "/var/cache/images/abc"}
	m := newTestManager(t, f, WithLocalResolver(local), WithRewriter(fakeRewriter{}))

	h := m.Request(url, 300, Normal, "")
	defer h.Release()
	res := waitStatus(t, h, StatusLoaded)

	assert.Equal(t, "/var/cache/images/abc", res.Source)
	assert.Empty(t, f.Calls())
	assert.Empty(t, m.Stats().Fetched)
}

func TestEnqueueSkipsCoveredWidth(t *testing.T) {
	const url = "https://img.test/a.jpg"
	f := newFakeFetcher()
	m := newTestManager(t, f)

	m.Restore(map[string]Entry{
		url: {Variations: []Variation{{Width: 800, Source: "/cache/a-800", Status: StatusLoaded}}},
	}, Stats{Fetched: map[string]int{url: 3}})

	m.Enqueue(url, 300, "", Normal)
	assert.Empty(t, m.Pending())
	assert.Empty(t, f.Calls())
	assert.Equal(t, 3, m.Stats().Fetched[url])

	res := m.Lookup(url, 300)
	assert.Equal(t, StatusLoaded, res.Status)
	assert.Equal(t, "/cache/a-800", res.Source)

	m.Enqueue(url, 1200, "", Normal)
	require.Eventually(t, func() bool { return len(f.Calls()) == 1 && m.InFlight() == 0 }, waitFor, tick)
	e, _ := m.Entry(url)
	assert.Len(t, e.Variations, 2)
}

func TestHandleReleaseIsSymmetric(t *testing.T) {
	const first = "https://img.test/first.jpg"
	const url = "https://img.test/a.jpg"
	f := newFakeFetcher()
	f.block(first)
	m := newTestManager(t, f, WithOptions(testOptions(1)))
	t.Cleanup(f.releaseAll)

	m.Enqueue(first, 300, "", Normal)
	require.Eventually(t, func() bool { return m.InFlight() == 1 }, waitFor, tick)

	h1 := m.Request(url, 300, Normal, "")
	h2 := m.Request(url, 300, Normal, "")
	require.Len(t, m.Pending(), 1)
	assert.Equal(t, 2, m.Pending()[0].RefCount)

	h1.Release()
	h1.Release()
	require.Len(t, m.Pending(), 1)
	assert.Equal(t, 1, m.Pending()[0].RefCount)

	h2.Release()
	assert.Empty(t, m.Pending())
}

func TestHandleSwitch(t *testing.T) {
	const first = "https://img.test/first.jpg"
	f := newFakeFetcher()
	f.block(first)
	m := newTestManager(t, f, WithOptions(testOptions(1)))
	t.Cleanup(f.releaseAll)

	m.Enqueue(first, 300, "", Normal)
	require.Eventually(t, func() bool { return m.InFlight() == 1 }, waitFor, tick)

	h := m.Request("https://img.test/a.jpg", 300, Low, "")
	h = h.Switch("https://img.test/b.jpg")
	defer h.Release()

	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "https://img.test/b.jpg", pending[0].URL)
	assert.Equal(t, Low, pending[0].Priority)
}

func TestRetryBypassesCoveredCheck(t *testing.T) {
	const url = "https://img.test/a.jpg"
	f := newFakeFetcher()
	m := newTestManager(t, f)

	h := m.Request(url, 300, Low, "")
	defer h.Release()
	waitStatus(t, h, StatusLoaded)
	require.Eventually(t, func() bool { return m.InFlight() == 0 }, waitFor, tick)
	require.Len(t, f.Calls(), 1)

	h.Retry()
	require.Eventually(t, func() bool { return len(f.Calls()) == 2 && m.InFlight() == 0 }, waitFor, tick)
	assert.Equal(t, 2, m.Stats().Fetched[url])
}

func TestIdleHandle(t *testing.T) {
	f := newFakeFetcher()
	m := newTestManager(t, f)

	h := m.Request("", 300, Normal, "LEHV6nWB2yk8")
	assert.Equal(t, StatusIdle, h.Result().Status)
	assert.Equal(t, "LEHV6nWB2yk8", h.Result().Blurhash)
	h.Retry()
	h.Release()
	assert.Empty(t, f.Calls())
	assert.Empty(t, m.Pending())
}

func TestBlurhashCarriedToEntry(t *testing.T) {
	const url = "https://img.test/a.jpg"
	f := newFakeFetcher()
	m := newTestManager(t, f)

	h := m.Request(url, 300, Normal, "LEHV6nWB2yk8")
	defer h.Release()
	res := waitStatus(t, h, StatusLoaded)
	assert.Equal(t, "LEHV6nWB2yk8", res.Blurhash)

	e, ok := m.Entry(url)
	require.True(t, ok)
	assert.Equal(t, "LEHV6nWB2yk8", e.Blurhash)
}

func TestPanickingFetcherIsAFailure(t *testing.T) {
	const url = "https://img.test/a.jpg"
	m := newTestManager(t, FetcherFunc(func(context.Context, string, string) error {
		panic("boom")
	}))

	h := m.Request(url, 300, Normal, "")
	defer h.Release()
	waitStatus(t, h, StatusError)
	assert.True(t, m.Failed(url))
}

func TestRequestTimeoutBoundsAttempt(t *testing.T) {
	const url = "https://img.test/hang.jpg"
	f := newFakeFetcher()
	f.blockAll()
	t.Cleanup(f.releaseAll)
	opts := testOptions(1)
	opts.RequestTimeout = 20 * time.Millisecond
	m := newTestManager(t, f, WithOptions(opts))

	h := m.Request(url, 300, Normal, "")
	defer h.Release()
	waitStatus(t, h, StatusError)
}

func TestInvalidPriorityIsTreatedAsNormal(t *testing.T) {
	f := newFakeFetcher()
	f.blockAll()
	m := newTestManager(t, f, WithOptions(testOptions(1)))
	t.Cleanup(f.releaseAll)

	m.Enqueue("https://img.test/busy.jpg", 100, "", Normal)
	require.Eventually(t, func() bool { return m.InFlight() == 1 }, waitFor, tick)

	h := m.Request("https://img.test/a.jpg", 100, Priority(7), "")
	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, Normal, pending[0].Priority)

	h.Release()
	assert.Empty(t, m.Pending())

	m.Enqueue("https://img.test/b.jpg", 100, "", Normal)
	m.DequeueLane("https://img.test/b.jpg", 100, Priority(-1))
	assert.Empty(t, m.Pending())
	assert.Equal(t, 1, m.InFlight())
}

func TestNewDefaultsMissingRequestTimeout(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, _, _ string) error {
		select {
		case <-time.After(20 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	m := newTestManager(t, f, WithOptions(Options{MaxConcurrentDownloads: 2}))
	assert.Equal(t, DefaultOptions().RequestTimeout, m.Options().RequestTimeout)

	h := m.Request("https://img.test/a.jpg", 100, Normal, "")
	defer h.Release()
	waitStatus(t, h, StatusLoaded)
	assert.False(t, m.Failed("https://img.test/a.jpg"))
}

// orderRecorder keeps the sequence of variation and clear calls.
type orderRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *orderRecorder) RecordVariation(url, _ string, _ Variation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "variation "+url)
}

func (r *orderRecorder) RecordFetch(string, time.Duration) {}

func (r *orderRecorder) RecordClear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "clear")
}

// afterClear returns the events recorded after the last clear.
func (r *orderRecorder) afterClear() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i] == "clear" {
			return append([]string(nil), r.events[i+1:]...)
		}
	}
	return append([]string(nil), r.events...)
}

func TestClearAllRecordsInStepWithMemory(t *testing.T) {
	for i := 0; i < 50; i++ {
		rec := &orderRecorder{}
		m := newTestManager(t, newFakeFetcher(), WithOptions(testOptions(4)), WithRecorder(rec))
		url := fmt.Sprintf("https://img.test/%d.jpg", i)

		m.Enqueue(url, 300, "", Normal)
		m.ClearAll()
		require.Eventually(t, func() bool { return m.InFlight() == 0 && len(m.Pending()) == 0 }, waitFor, tick)

		_, inMemory := m.Entry(url)
		assert.Equal(t, inMemory, len(rec.afterClear()) > 0,
			"a variation survives the clear in memory exactly when it was recorded after it")
	}
}
