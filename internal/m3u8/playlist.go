// Package m3u8 reads image playlists (trickplay and thumbnail tracks) so
// every image they list can be prefetched.
package m3u8

import (
	"io"
	"net/url"

	"github.com/grafov/m3u8"
	"github.com/jmgilman/go/errors"
)

type PlaylistType int

const (
	Master PlaylistType = iota
	Variant
	Unknown
)

// Parse checks the content and returns the type and parsed object
func Parse(content io.Reader) (m3u8.Playlist, PlaylistType, error) {
	p, listType, err := m3u8.DecodeFrom(content, false)
	if err != nil {
		return nil, Unknown, errors.Wrap(err, errors.CodeInvalidInput, "invalid playlist")
	}

	switch listType {
	case m3u8.MASTER:
		return p, Master, nil
	case m3u8.MEDIA:
		return p, Variant, nil
	default:
		return nil, Unknown, errors.New(errors.CodeInvalidInput, "unknown playlist type")
	}
}

// ResolveURL resolves a relative reference against a base URL
func ResolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil || base == nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

// ImageURLs returns the absolute URL of every segment in p, in playlist
// order. Segments sharing one sprite sheet through byte ranges are listed
// once.
func ImageURLs(p *m3u8.MediaPlaylist, base *url.URL) []string {
	seen := make(map[string]bool)
	urls := []string{}
	for _, seg := range p.Segments {
		// The segment slice has spare nil capacity at the tail.
		if seg == nil || seg.URI == "" {
			continue
		}
		u := ResolveURL(base, seg.URI)
		if seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

// BestVariant returns the absolute URL of the highest bandwidth variant.
func BestVariant(p *m3u8.MasterPlaylist, base *url.URL) (string, error) {
	var best *m3u8.Variant
	for _, v := range p.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return "", errors.New(errors.CodeInvalidInput, "master playlist has no variants")
	}
	return ResolveURL(base, best.URI), nil
}
