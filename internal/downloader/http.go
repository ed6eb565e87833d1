package downloader

import (
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmgilman/go/errors"
	_ "golang.org/x/image/webp"

	"image-prefetcher/internal/cache"
)

// HTTPFetcher downloads images with plain GET requests into a cache.Dir.
type HTTPFetcher struct {
	Client  *http.Client
	Headers map[string]string
	Cache   *cache.Dir
	Logger  *slog.Logger
}

// NewHTTPFetcher creates a fetcher storing into dir. Per-request deadlines
// come from the caller's context.
func NewHTTPFetcher(dir *cache.Dir, headers map[string]string, logger *slog.Logger) *HTTPFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		Client:  &http.Client{},
		Headers: headers,
		Cache:   dir,
		Logger:  logger,
	}
}

// Fetch downloads source, checks that it decodes as an image and stores it
// under cacheKey.
func (f *HTTPFetcher) Fetch(ctx context.Context, source, cacheKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInvalidInput, "invalid source url %q", source)
	}
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.Client.Do(req)
	if err != nil {
		return requestError(ctx, err, source)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, source)
	}

	tmp, err := f.Cache.TempFile(cacheKey)
	if err != nil {
		return err
	}
	n, err := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return requestError(ctx, err, source)
	}
	if closeErr != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(closeErr, errors.CodeInternal, "failed to write cache file")
	}

	cfg, format, err := verifyImage(tmp.Name())
	if err != nil {
		os.Remove(tmp.Name())
		return errors.WithContext(err, "source", source)
	}
	if err := f.Cache.Commit(cacheKey, tmp.Name()); err != nil {
		return err
	}

	f.Logger.Debug("downloader: stored image",
		"source", source,
		"format", format,
		"width", cfg.Width,
		"height", cfg.Height,
		"size", humanize.Bytes(uint64(n)),
		"elapsed", time.Since(start))
	return nil
}

// verifyImage decodes the header of the file at path.
func verifyImage(path string) (image.Config, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return image.Config{}, "", errors.Wrap(err, errors.CodeInternal, "failed to open downloaded file")
	}
	defer file.Close()
	cfg, format, err := image.DecodeConfig(file)
	if err != nil {
		return image.Config{}, "", errors.Wrap(err, errors.CodeInvalidInput, "downloaded file is not a decodable image")
	}
	return cfg, format, nil
}

func requestError(ctx context.Context, err error, source string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.WithContext(errors.Wrap(err, errors.CodeTimeout, "request timed out"), "source", source)
	}
	return errors.WithContext(errors.Wrap(err, errors.CodeNetwork, "request failed"), "source", source)
}

func statusError(code int, source string) error {
	ec := errors.CodeNetwork
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		ec = errors.CodeNotFound
	case code == http.StatusUnauthorized:
		ec = errors.CodeUnauthorized
	case code == http.StatusForbidden:
		ec = errors.CodeForbidden
	case code == http.StatusTooManyRequests:
		ec = errors.CodeRateLimit
	}
	return errors.WithContext(errors.Newf(ec, "bad status code: %d", code), "source", source)
}
