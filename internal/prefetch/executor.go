package prefetch

import (
	"context"
	"fmt"
	"time"
)

// execute runs one task to completion. Every outcome is recorded as state;
// nothing is returned to the scheduler.
func (m *Manager) execute(t Task) {
	start := m.now()
	key := t.Key()

	if m.local != nil {
		if path, ok := m.local.LocalPath(key); ok {
			m.logger.Debug("prefetch: served from local cache", "key", key, "path", path)
			m.succeed(t, path, 0, start, false)
			return
		}
	}

	if m.Failed(t.URL) {
		m.logger.Debug("prefetch: skipping permanently failed url", "url", t.URL, "width", t.Width)
		return
	}

	attempts := 0
	proxyFailed := false
	if m.rewriter != nil && proxyAllowed(m.Options(), m.now()) {
		source := m.rewriter.Rewrite(t.URL, t.Width)
		attempts++
		err := m.fetch(source, key)
		if err == nil {
			m.succeed(t, source, attempts, start, true)
			return
		}
		proxyFailed = true
		m.logger.Warn("prefetch: proxy fetch failed, falling back to direct",
			"url", t.URL, "width", t.Width, "error", err)
	}

	attempts++
	if err := m.fetch(t.URL, key); err != nil {
		m.logger.Error("prefetch: fetch failed, marking url as permanently failed",
			"url", t.URL, "width", t.Width, "attempts", attempts, "error", err)
		m.fail(t, attempts)
		return
	}
	if proxyFailed {
		m.rescue()
	}
	m.succeed(t, t.URL, attempts, start, true)
}

// fetch runs one fetch attempt bounded by the current RequestTimeout. A
// panicking fetcher is reported as a failed attempt.
func (m *Manager) fetch(source, key string) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.Options().RequestTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetcher panic: %v", r)
		}
	}()
	return m.fetcher.Fetch(ctx, source, key)
}

func (m *Manager) succeed(t Task, source string, attempts int, start time.Time, fetched bool) {
	now := m.now()
	v := Variation{
		Width:     t.Width,
		Source:    source,
		Status:    StatusLoaded,
		Timestamp: now,
		Attempts:  attempts,
	}
	elapsed := now.Sub(start)

	m.mu.Lock()
	m.upsertLocked(t.URL, t.Blurhash, v)
	if fetched {
		m.stats.Fetched[t.URL]++
		m.stats.LoadingTimes[t.URL] = append(m.stats.LoadingTimes[t.URL], elapsed)
	}
	m.notifyLocked(t.URL)
	if m.recorder != nil {
		m.recorder.RecordVariation(t.URL, m.entries[t.URL].Blurhash, v)
		if fetched {
			m.recorder.RecordFetch(t.URL, elapsed)
		}
	}
	m.mu.Unlock()

	m.logger.Debug("prefetch: loaded", "url", t.URL, "width", t.Width, "source", source, "elapsed", elapsed)
}

func (m *Manager) fail(t Task, attempts int) {
	v := Variation{
		Width:     t.Width,
		Status:    StatusError,
		Timestamp: m.now(),
		Attempts:  attempts,
	}

	m.mu.Lock()
	m.failures[t.URL] = struct{}{}
	m.upsertLocked(t.URL, t.Blurhash, v)
	m.notifyLocked(t.URL)
	if m.recorder != nil {
		m.recorder.RecordVariation(t.URL, m.entries[t.URL].Blurhash, v)
	}
	m.mu.Unlock()
}

// rescue feeds the circuit breaker after a direct fetch succeeded where the
// proxy failed.
func (m *Manager) rescue() {
	now := m.now()
	m.mu.Lock()
	until, tripped := m.breaker.rescue(now)
	if tripped {
		m.opts.ImgProxyDisabledUntil = until
	}
	m.mu.Unlock()

	if tripped {
		m.logger.Warn("prefetch: proxy disabled after repeated failures", "until", until)
	}
}
