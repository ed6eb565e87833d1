package prefetch

import "math"

// Result is what a consumer renders for a requested (url, width).
type Result struct {
	Source   string `json:"source,omitempty"`
	Status   Status `json:"status"`
	Width    Width  `json:"width"`
	Blurhash string `json:"blurhash,omitempty"`
}

// Handle is one consumer's demand for an image. It must be released exactly
// once when the consumer goes away, otherwise the ledger keeps the reference.
type Handle struct {
	m        *Manager
	url      string
	width    Width
	priority Priority
	blurhash string
	updates  chan struct{}

	// guarded by m.mu
	last     Result
	released bool
}

// Request registers demand for url at width and subscribes to its result.
// An empty url yields an idle handle that never changes.
func (m *Manager) Request(url string, width Width, p Priority, blurhash string) *Handle {
	if !p.valid() {
		p = Normal
	}
	h := &Handle{
		m:        m,
		url:      url,
		width:    width,
		priority: p,
		blurhash: blurhash,
		updates:  make(chan struct{}, 1),
	}
	if url == "" {
		h.last = Result{Status: StatusIdle, Blurhash: blurhash}
		return h
	}

	m.mu.Lock()
	subs := m.subs[url]
	if subs == nil {
		subs = make(map[*Handle]struct{})
		m.subs[url] = subs
	}
	subs[h] = struct{}{}
	h.last = m.resultLocked(url, width, blurhash)
	m.mu.Unlock()

	m.Enqueue(url, width, blurhash, p)
	return h
}

// Lookup computes the current result for url at width without registering
// demand.
func (m *Manager) Lookup(url string, width Width) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resultLocked(url, width, "")
}

// URL returns the requested image URL.
func (h *Handle) URL() string { return h.url }

// Width returns the requested width.
func (h *Handle) Width() Width { return h.width }

// Result returns the latest result for the handle.
func (h *Handle) Result() Result {
	if h.url == "" {
		return h.last
	}
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if h.released {
		return h.last
	}
	h.last = h.m.resultLocked(h.url, h.width, h.blurhash)
	return h.last
}

// Updates receives a value whenever the handle's result changes. Sends are
// coalesced; read Result after each receive.
func (h *Handle) Updates() <-chan struct{} { return h.updates }

// Retry asks for the image again at high priority, even when a covering
// variation is cached. It does nothing for permanently failed URLs.
func (h *Handle) Retry() {
	if h.url == "" {
		return
	}
	h.m.mu.Lock()
	_, failed := h.m.failures[h.url]
	released := h.released
	h.m.mu.Unlock()
	if released {
		return
	}
	if failed {
		h.m.logger.Info("prefetch: retry ignored for permanently failed url", "url", h.url)
		return
	}
	h.m.enqueue(h.url, h.width, h.blurhash, High, true)
}

// Release withdraws the handle's demand and stops notifications. Calling it
// more than once is harmless.
func (h *Handle) Release() {
	if h.url == "" {
		return
	}
	h.m.mu.Lock()
	if h.released {
		h.m.mu.Unlock()
		return
	}
	h.released = true
	if subs := h.m.subs[h.url]; subs != nil {
		delete(subs, h)
		if len(subs) == 0 {
			delete(h.m.subs, h.url)
		}
	}
	h.m.mu.Unlock()

	h.m.DequeueLane(h.url, h.width, h.priority)
}

// Switch releases h and requests url with the same width and priority.
func (h *Handle) Switch(url string) *Handle {
	h.Release()
	return h.m.Request(url, h.width, h.priority, "")
}

// notifyLocked recomputes the result of every handle subscribed to url and
// signals the ones whose result changed.
func (m *Manager) notifyLocked(url string) {
	for h := range m.subs[url] {
		r := m.resultLocked(url, h.width, h.blurhash)
		if r == h.last {
			continue
		}
		h.last = r
		select {
		case h.updates <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) resultLocked(url string, width Width, blurhash string) Result {
	if url == "" {
		return Result{Status: StatusIdle, Blurhash: blurhash}
	}
	e, ok := m.entries[url]
	res := Result{Status: StatusLoading, Blurhash: blurhash}
	if ok && e.Blurhash != "" {
		res.Blurhash = e.Blurhash
	}
	if v, found := bestVariation(e.Variations, width); found {
		res.Source = v.Source
		res.Width = v.Width
		res.Status = StatusLoaded
	}
	_, failed := m.failures[url]
	if failed || hasError(e.Variations) {
		res.Status = StatusError
	}
	return res
}

func hasError(vs []Variation) bool {
	for _, v := range vs {
		if v.Status == StatusError {
			return true
		}
	}
	return false
}

// bestVariation picks the narrowest loaded variation that covers req, or
// failing that the loaded variation whose width is closest to req.
func bestVariation(vs []Variation, req Width) (Variation, bool) {
	var best *Variation
	for i := range vs {
		v := &vs[i]
		if v.Status != StatusLoaded || !v.Width.Satisfies(req) {
			continue
		}
		if best == nil || narrower(v.Width, best.Width) {
			best = v
		}
	}
	if best != nil {
		return *best, true
	}

	bestDist := math.MaxInt
	for i := range vs {
		v := &vs[i]
		if v.Status != StatusLoaded {
			continue
		}
		if d := distance(v.Width, req); d < bestDist {
			best, bestDist = v, d
		}
	}
	if best == nil {
		return Variation{}, false
	}
	return *best, true
}

// narrower orders covering widths: numeric widths ascending, Original last.
func narrower(a, b Width) bool {
	if a == Original {
		return false
	}
	return b == Original || a < b
}

// distance treats Original as infinitely wide.
func distance(w, req Width) int {
	switch {
	case w == Original && req == Original:
		return 0
	case w == Original || req == Original:
		if w == Original {
			return math.MaxInt - int(req)
		}
		return math.MaxInt - int(w)
	}
	d := int(w - req)
	if d < 0 {
		d = -d
	}
	return d
}
