package prefetch

import (
	"context"
	"strconv"
	"time"
)

// Width is a requested image width in pixels. The zero value, Original,
// asks for the unresized image and satisfies every numeric request.
type Width int

const Original Width = 0

func (w Width) String() string {
	if w == Original {
		return "original"
	}
	return strconv.Itoa(int(w))
}

// Satisfies reports whether an image fetched at width w can serve a request
// for width req.
func (w Width) Satisfies(req Width) bool {
	if w == Original {
		return true
	}
	return req != Original && w >= req
}

// ParseWidth accepts a decimal pixel count or "original". Empty and "0" are
// treated as original.
func ParseWidth(s string) (Width, error) {
	if s == "" || s == "original" {
		return Original, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return Original, strconv.ErrSyntax
	}
	return Width(n), nil
}

// Priority selects the lane a task waits in.
type Priority int

const (
	High Priority = iota
	Normal
	Low
)

// numLanes is the number of priority lanes.
const numLanes = 3

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a lane name to its Priority; empty means Normal.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "high":
		return High, true
	case "", "normal":
		return Normal, true
	case "low":
		return Low, true
	default:
		return Normal, false
	}
}

func (p Priority) valid() bool { return p >= High && p <= Low }

// Status is the lifecycle state of a variation or of a consumer result.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusLoaded  Status = "loaded"
	StatusError   Status = "error"
)

// TaskKey identifies a (url, width) pair.
func TaskKey(url string, width Width) string {
	return url + "|" + width.String()
}

// Task is a pending request to fetch one (url, width) pair.
type Task struct {
	URL      string
	Width    Width
	Blurhash string
	RefCount int
}

// Key returns the task's identity key.
func (t Task) Key() string { return TaskKey(t.URL, t.Width) }

// PendingTask is a snapshot of a ledger entry.
type PendingTask struct {
	Task
	Priority Priority
}

// Variation is the outcome of fetching one width of one URL.
type Variation struct {
	Width     Width
	Source    string
	Status    Status
	Timestamp time.Time
	Attempts  int
}

// Entry holds every variation fetched for a URL.
type Entry struct {
	Blurhash   string
	Variations []Variation
}

func (e Entry) clone() Entry {
	out := Entry{Blurhash: e.Blurhash}
	out.Variations = append([]Variation(nil), e.Variations...)
	return out
}

// Options are the shared, mutable knobs read at every decision point.
type Options struct {
	MaxConcurrentDownloads int
	RequestTimeout         time.Duration
	ImgProxyEnabled        bool
	// ImgProxyDisabledUntil is set by the circuit breaker. Zero means the
	// proxy is not in cooldown.
	ImgProxyDisabledUntil time.Time
	// MaxRetries and RetryBackoff are carried for configuration parity. The
	// executor performs a single proxy to direct fallback and no other retries.
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultOptions returns the options a Manager starts with.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentDownloads: 4,
		RequestTimeout:         30 * time.Second,
		ImgProxyEnabled:        true,
		MaxRetries:             1,
		RetryBackoff:           time.Second,
	}
}

// OptionsPatch is a partial update for UpdateConfig. Nil fields are left as is.
type OptionsPatch struct {
	MaxConcurrentDownloads *int           `json:"max_concurrent_downloads,omitempty"`
	RequestTimeout         *time.Duration `json:"request_timeout,omitempty"`
	ImgProxyEnabled        *bool          `json:"img_proxy_enabled,omitempty"`
	ImgProxyDisabledUntil  *time.Time     `json:"img_proxy_disabled_until,omitempty"`
	MaxRetries             *int           `json:"max_retries,omitempty"`
	RetryBackoff           *time.Duration `json:"retry_backoff,omitempty"`
}

func (o *Options) apply(p OptionsPatch) {
	if p.MaxConcurrentDownloads != nil && *p.MaxConcurrentDownloads > 0 {
		o.MaxConcurrentDownloads = *p.MaxConcurrentDownloads
	}
	if p.RequestTimeout != nil && *p.RequestTimeout > 0 {
		o.RequestTimeout = *p.RequestTimeout
	}
	if p.ImgProxyEnabled != nil {
		o.ImgProxyEnabled = *p.ImgProxyEnabled
	}
	if p.ImgProxyDisabledUntil != nil {
		o.ImgProxyDisabledUntil = *p.ImgProxyDisabledUntil
	}
	if p.MaxRetries != nil && *p.MaxRetries >= 0 {
		o.MaxRetries = *p.MaxRetries
	}
	if p.RetryBackoff != nil && *p.RetryBackoff >= 0 {
		o.RetryBackoff = *p.RetryBackoff
	}
}

// Stats is an observational snapshot of fetch activity.
type Stats struct {
	Fetched      map[string]int             `json:"fetched"`
	LoadingTimes map[string][]time.Duration `json:"loading_times"`
}

func newStats() Stats {
	return Stats{
		Fetched:      make(map[string]int),
		LoadingTimes: make(map[string][]time.Duration),
	}
}

func (s Stats) clone() Stats {
	out := newStats()
	for k, v := range s.Fetched {
		out.Fetched[k] = v
	}
	for k, v := range s.LoadingTimes {
		out.LoadingTimes[k] = append([]time.Duration(nil), v...)
	}
	return out
}

// Fetcher fetches and decodes source, storing the result under cacheKey.
// Only success or failure is observed.
type Fetcher interface {
	Fetch(ctx context.Context, source, cacheKey string) error
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, source, cacheKey string) error

func (f FetcherFunc) Fetch(ctx context.Context, source, cacheKey string) error {
	return f(ctx, source, cacheKey)
}

// LocalResolver returns the local file holding cacheKey, if any.
type LocalResolver interface {
	LocalPath(cacheKey string) (string, bool)
}

// Rewriter turns an origin URL into a proxy URL for the given width.
type Rewriter interface {
	Rewrite(url string, width Width) string
}

// Recorder receives cache mutations that should outlive the process.
// Calls are made with the Manager's lock held, in mutation order.
// Implementations must not block or call back into the Manager.
type Recorder interface {
	RecordVariation(url, blurhash string, v Variation)
	RecordFetch(url string, elapsed time.Duration)
	RecordClear()
}
