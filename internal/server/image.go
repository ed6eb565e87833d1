package server

import (
	"net/http"
	"time"

	"image-prefetcher/internal/prefetch"
)

// HandleImage serves an image the way a rendering consumer would: it holds a
// high priority handle until the image is loaded or has failed, then serves
// the cached file or redirects to the variation's source. If the fetch takes
// longer than the configured wait the client is sent to the origin.
func (s *Server) HandleImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawURL := q.Get("url")
	if _, err := parseImageURL(rawURL); err != nil {
		s.writeError(w, err)
		return
	}
	width, err := prefetch.ParseWidth(q.Get("width"))
	if err != nil {
		http.Error(w, "Invalid width", 400)
		return
	}

	h := s.manager.Request(rawURL, width, prefetch.High, q.Get("blurhash"))
	defer h.Release()

	timer := time.NewTimer(s.imageWait)
	defer timer.Stop()

	res := h.Result()
	for res.Status == prefetch.StatusLoading {
		select {
		case <-h.Updates():
			res = h.Result()
		case <-timer.C:
			s.logger.Debug("server: image not ready, redirecting to origin", "url", rawURL, "width", width)
			http.Redirect(w, r, rawURL, http.StatusFound)
			return
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	if res.Status == prefetch.StatusError {
		http.Error(w, "Failed to load image", http.StatusBadGateway)
		return
	}
	if s.cache != nil {
		if path, ok := s.cache.LocalPath(prefetch.TaskKey(rawURL, res.Width)); ok {
			w.Header().Set("Cache-Control", "public, max-age=86400")
			http.ServeFile(w, r, path)
			return
		}
	}
	http.Redirect(w, r, res.Source, http.StatusFound)
}
