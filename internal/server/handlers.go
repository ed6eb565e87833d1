package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmgilman/go/errors"

	"image-prefetcher/internal/prefetch"
)

type prefetchRequest struct {
	URL      string         `json:"url"`
	Width    prefetch.Width `json:"width"`
	Priority string         `json:"priority"`
	Blurhash string         `json:"blurhash"`
}

func decodePrefetch(r *http.Request) (prefetchRequest, prefetch.Priority, error) {
	var body prefetchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return body, 0, errors.Wrap(err, errors.CodeInvalidInput, "invalid request body")
	}
	if _, err := parseImageURL(body.URL); err != nil {
		return body, 0, err
	}
	if body.Width < 0 {
		return body, 0, errors.Newf(errors.CodeInvalidInput, "invalid width %d", body.Width)
	}
	p, ok := prefetch.ParsePriority(body.Priority)
	if !ok {
		return body, 0, errors.Newf(errors.CodeInvalidInput, "unknown priority %q", body.Priority)
	}
	return body, p, nil
}

// HandleLookup reports the current result for an image without adding
// demand.
func (s *Server) HandleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if _, err := parseImageURL(q.Get("url")); err != nil {
		s.writeError(w, err)
		return
	}
	width, err := prefetch.ParseWidth(q.Get("width"))
	if err != nil {
		http.Error(w, "Invalid width", 400)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Lookup(q.Get("url"), width))
}

func (s *Server) HandlePrefetch(w http.ResponseWriter, r *http.Request) {
	body, p, err := decodePrefetch(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.manager.Enqueue(body.URL, body.Width, body.Blurhash, p)
	w.WriteHeader(http.StatusAccepted)
}

// HandleRelease withdraws demand. Without a priority the first lane holding
// the task, from high to low, is decremented.
func (s *Server) HandleRelease(w http.ResponseWriter, r *http.Request) {
	body, p, err := decodePrefetch(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if body.Priority == "" {
		s.manager.Dequeue(body.URL, body.Width)
	} else {
		s.manager.DequeueLane(body.URL, body.Width, p)
	}
	w.WriteHeader(http.StatusOK)
}

type pendingView struct {
	URL      string         `json:"url"`
	Width    prefetch.Width `json:"width"`
	Priority string         `json:"priority"`
	RefCount int            `json:"ref_count"`
}

func (s *Server) HandleQueue(w http.ResponseWriter, r *http.Request) {
	pending := []pendingView{}
	for _, t := range s.manager.Pending() {
		pending = append(pending, pendingView{
			URL:      t.URL,
			Width:    t.Width,
			Priority: t.Priority.String(),
			RefCount: t.RefCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"in_flight": s.manager.InFlight(),
		"pending":   pending,
	})
}

type optionsView struct {
	MaxConcurrentDownloads int        `json:"max_concurrent_downloads"`
	RequestTimeoutMs       int64      `json:"request_timeout_ms"`
	ImgProxyEnabled        bool       `json:"img_proxy_enabled"`
	ImgProxyDisabledUntil  *time.Time `json:"img_proxy_disabled_until,omitempty"`
}

func viewOptions(o prefetch.Options) optionsView {
	v := optionsView{
		MaxConcurrentDownloads: o.MaxConcurrentDownloads,
		RequestTimeoutMs:       o.RequestTimeout.Milliseconds(),
		ImgProxyEnabled:        o.ImgProxyEnabled,
	}
	if !o.ImgProxyDisabledUntil.IsZero() {
		until := o.ImgProxyDisabledUntil
		v.ImgProxyDisabledUntil = &until
	}
	return v
}

type statsView struct {
	Fetched        map[string]int     `json:"fetched"`
	LoadingTimesMs map[string][]int64 `json:"loading_times_ms"`
	Failures       []string           `json:"failures"`
	BreakerRescues int                `json:"breaker_rescues"`
	Options        optionsView        `json:"options"`
	CacheFiles     int                `json:"cache_files"`
	CacheSize      string             `json:"cache_size"`
	PendingWrites  int                `json:"pending_writes"`
}

func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.manager.Stats()
	view := statsView{
		Fetched:        stats.Fetched,
		LoadingTimesMs: make(map[string][]int64, len(stats.LoadingTimes)),
		Failures:       s.manager.Failures(),
		BreakerRescues: s.manager.BreakerRescues(),
		Options:        viewOptions(s.manager.Options()),
	}
	for url, times := range stats.LoadingTimes {
		ms := make([]int64, len(times))
		for i, d := range times {
			ms[i] = d.Milliseconds()
		}
		view.LoadingTimesMs[url] = ms
	}
	if s.cache != nil {
		size, err := s.cache.Size()
		if err != nil {
			s.writeError(w, err)
			return
		}
		view.CacheFiles = s.cache.Len()
		view.CacheSize = humanize.Bytes(uint64(size))
	}
	if s.store != nil {
		view.PendingWrites = s.store.Writer().Pending()
	}
	writeJSON(w, http.StatusOK, view)
}

type configRequest struct {
	MaxConcurrentDownloads *int  `json:"max_concurrent_downloads"`
	RequestTimeoutMs       *int  `json:"request_timeout_ms"`
	ImgProxyEnabled        *bool `json:"img_proxy_enabled"`
	// ResetBreaker ends any proxy cooldown and empties the rescue window.
	ResetBreaker bool `json:"reset_breaker"`
}

func (s *Server) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var body configRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if body.MaxConcurrentDownloads != nil && *body.MaxConcurrentDownloads <= 0 {
		http.Error(w, "max_concurrent_downloads must be positive", 400)
		return
	}
	if body.RequestTimeoutMs != nil && *body.RequestTimeoutMs <= 0 {
		http.Error(w, "request_timeout_ms must be positive", 400)
		return
	}

	patch := prefetch.OptionsPatch{
		MaxConcurrentDownloads: body.MaxConcurrentDownloads,
		ImgProxyEnabled:        body.ImgProxyEnabled,
	}
	if body.RequestTimeoutMs != nil {
		d := time.Duration(*body.RequestTimeoutMs) * time.Millisecond
		patch.RequestTimeout = &d
	}
	if body.ResetBreaker {
		s.manager.ResetBreaker()
		patch.ImgProxyDisabledUntil = &time.Time{}
	}
	s.manager.UpdateConfig(patch)
	s.logger.Info("server: options updated", "options", viewOptions(s.manager.Options()))
	writeJSON(w, http.StatusOK, viewOptions(s.manager.Options()))
}

// HandleClear drops every cached image along with its files and persisted
// rows.
func (s *Server) HandleClear(w http.ResponseWriter, r *http.Request) {
	s.manager.ClearAll()
	if s.cache != nil {
		if err := s.cache.Clear(); err != nil {
			s.writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}
