// Package server exposes the prefetch manager over HTTP: a JSON API for
// producers and operators, and an image endpoint for consumers.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jmgilman/go/errors"

	"image-prefetcher/internal/cache"
	"image-prefetcher/internal/persist"
	"image-prefetcher/internal/prefetch"
)

const (
	defaultImageWait = 30 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// Options wires a Server to its collaborators. Store may be nil.
type Options struct {
	Addr    string
	Manager *prefetch.Manager
	Cache   *cache.Dir
	Store   *persist.Store
	Headers map[string]string
	Logger  *slog.Logger
	// ImageWait bounds how long /img waits for a fetch before redirecting
	// to the origin.
	ImageWait time.Duration
}

type Server struct {
	addr      string
	manager   *prefetch.Manager
	cache     *cache.Dir
	store     *persist.Store
	client    *http.Client
	headers   map[string]string
	logger    *slog.Logger
	imageWait time.Duration
}

func New(o Options) *Server {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ImageWait <= 0 {
		o.ImageWait = defaultImageWait
	}
	return &Server{
		addr:    o.Addr,
		manager: o.Manager,
		cache:   o.Cache,
		store:   o.Store,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers:   o.Headers,
		logger:    o.Logger,
		imageWait: o.ImageWait,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/images", s.HandleLookup)
	mux.HandleFunc("POST /api/prefetch", s.HandlePrefetch)
	mux.HandleFunc("DELETE /api/prefetch", s.HandleRelease)
	mux.HandleFunc("POST /api/playlists", s.HandleImportPlaylist)
	mux.HandleFunc("GET /api/queue", s.HandleQueue)
	mux.HandleFunc("GET /api/stats", s.HandleStats)
	mux.HandleFunc("PATCH /api/config", s.HandleUpdateConfig)
	mux.HandleFunc("DELETE /api/cache", s.HandleClear)

	mux.HandleFunc("GET /img", s.HandleImage)

	return mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, errors.CodeUnavailable, "server stopped")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "server shutdown failed")
	}
	s.logger.Info("server: stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err's code to an HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.CodeInvalidInput:
		status = http.StatusBadRequest
	case errors.CodeNotFound:
		status = http.StatusNotFound
	case errors.CodeUnauthorized, errors.CodeForbidden:
		status = http.StatusBadGateway
	case errors.CodeRateLimit:
		status = http.StatusTooManyRequests
	case errors.CodeConflict:
		status = http.StatusConflict
	case errors.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case errors.CodeTimeout:
		status = http.StatusGatewayTimeout
	case errors.CodeNetwork:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("server: request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

// parseImageURL accepts absolute http(s) URLs only.
func parseImageURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New(errors.CodeInvalidInput, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "invalid url")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Newf(errors.CodeInvalidInput, "unsupported url %q", raw)
	}
	return u, nil
}
