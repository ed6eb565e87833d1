package prefetch

import "time"

const (
	rescueWindow    = 5 * time.Minute
	rescueThreshold = 3
	proxyCooldown   = 60 * time.Minute
)

// breaker counts direct fetches that rescued a failed proxy attempt. When
// rescueThreshold rescues land inside rescueWindow the proxy is put into
// cooldown. It counts rescues only, not the failure rate, and re-arms on its
// own once the cooldown passes.
type breaker struct {
	window    time.Duration
	threshold int
	cooldown  time.Duration
	rescues   []time.Time
}

func newBreaker() *breaker {
	return &breaker{
		window:    rescueWindow,
		threshold: rescueThreshold,
		cooldown:  proxyCooldown,
	}
}

// rescue records a rescue at now. When the threshold is reached it returns
// the time the proxy should stay disabled until and clears the window.
func (b *breaker) rescue(now time.Time) (time.Time, bool) {
	cutoff := now.Add(-b.window)
	kept := b.rescues[:0]
	for _, ts := range b.rescues {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.rescues = append(kept, now)

	if len(b.rescues) < b.threshold {
		return time.Time{}, false
	}
	b.rescues = nil
	return now.Add(b.cooldown), true
}

func (b *breaker) reset() { b.rescues = nil }

func (b *breaker) count() int { return len(b.rescues) }

// proxyAllowed reports whether the proxy may be used at now.
func proxyAllowed(o Options, now time.Time) bool {
	return o.ImgProxyEnabled && !now.Before(o.ImgProxyDisabledUntil)
}
