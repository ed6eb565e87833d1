package server

import (
	"context"
	"encoding/json"
	"net/http"

	gm3u8 "github.com/grafov/m3u8"
	"github.com/jmgilman/go/errors"

	playlist "image-prefetcher/internal/m3u8"
	"image-prefetcher/internal/prefetch"
)

// maxVariantHops limits how many master playlists are followed.
const maxVariantHops = 3

type playlistRequest struct {
	URL      string         `json:"url"`
	Width    prefetch.Width `json:"width"`
	Priority string         `json:"priority"`
}

// HandleImportPlaylist fetches an image playlist and queues every image in
// it, at low priority unless told otherwise.
func (s *Server) HandleImportPlaylist(w http.ResponseWriter, r *http.Request) {
	var body playlistRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if body.Priority == "" {
		body.Priority = prefetch.Low.String()
	}
	p, ok := prefetch.ParsePriority(body.Priority)
	if !ok || body.Width < 0 {
		http.Error(w, "Invalid priority or width", 400)
		return
	}

	resolved, images, err := s.loadPlaylist(r.Context(), body.URL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, img := range images {
		s.manager.Enqueue(img, body.Width, "", p)
	}
	s.logger.Info("server: playlist imported", "url", resolved, "images", len(images), "priority", p)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"playlist": resolved,
		"queued":   len(images),
	})
}

// loadPlaylist returns the image URLs of the media playlist at rawURL,
// following master playlists to their highest bandwidth variant.
func (s *Server) loadPlaylist(ctx context.Context, rawURL string) (string, []string, error) {
	for hop := 0; hop <= maxVariantHops; hop++ {
		base, err := parseImageURL(rawURL)
		if err != nil {
			return "", nil, err
		}
		pl, typ, err := s.fetchPlaylist(ctx, rawURL)
		if err != nil {
			return "", nil, err
		}
		switch typ {
		case playlist.Variant:
			return rawURL, playlist.ImageURLs(pl.(*gm3u8.MediaPlaylist), base), nil
		case playlist.Master:
			next, err := playlist.BestVariant(pl.(*gm3u8.MasterPlaylist), base)
			if err != nil {
				return "", nil, err
			}
			rawURL = next
		}
	}
	return "", nil, errors.Newf(errors.CodeInvalidInput, "too many nested master playlists at %s", rawURL)
}

func (s *Server) fetchPlaylist(ctx context.Context, rawURL string) (gm3u8.Playlist, playlist.PlaylistType, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, playlist.Unknown, errors.Wrap(err, errors.CodeInvalidInput, "invalid playlist url")
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, playlist.Unknown, errors.Wrap(err, errors.CodeNetwork, "failed to fetch playlist")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := errors.CodeNetwork
		if resp.StatusCode == http.StatusNotFound {
			code = errors.CodeNotFound
		}
		return nil, playlist.Unknown, errors.Newf(code, "bad status code: %d", resp.StatusCode)
	}
	return playlist.Parse(resp.Body)
}

