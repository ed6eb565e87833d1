// Package imgproxy builds resize URLs for an imgproxy-compatible service.
package imgproxy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/jmgilman/go/errors"

	"image-prefetcher/internal/prefetch"
)

// DefaultOversample is the factor applied to requested widths so the
// proxied image stays sharp on high density screens.
const DefaultOversample = 2.0

// Rewriter signs and formats proxy URLs. It implements prefetch.Rewriter.
type Rewriter struct {
	BaseURL    string
	Key        []byte
	Salt       []byte
	Oversample float64
}

// New creates a Rewriter. key and salt are hex encoded; leaving both empty
// produces unsigned ("insecure") URLs.
func New(baseURL, key, salt string, oversample float64) (*Rewriter, error) {
	if baseURL == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "imgproxy base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "invalid imgproxy base url")
	}
	k, err := hex.DecodeString(key)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "imgproxy key is not hex")
	}
	s, err := hex.DecodeString(salt)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "imgproxy salt is not hex")
	}
	if (len(k) == 0) != (len(s) == 0) {
		return nil, errors.New(errors.CodeInvalidConfig, "imgproxy key and salt must be set together")
	}
	if oversample <= 0 {
		oversample = DefaultOversample
	}
	return &Rewriter{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Key:        k,
		Salt:       s,
		Oversample: oversample,
	}, nil
}

// Rewrite returns the proxy URL serving source at width. Original skips the
// resize step.
func (r *Rewriter) Rewrite(source string, width prefetch.Width) string {
	path := "/plain/" + url.PathEscape(source)
	if width != prefetch.Original {
		w := int(math.Ceil(float64(width) * r.Oversample))
		path = fmt.Sprintf("/rs:fit:%d:0", w) + path
	}
	return r.BaseURL + "/" + r.sign(path) + path
}

func (r *Rewriter) sign(path string) string {
	if len(r.Key) == 0 {
		return "insecure"
	}
	mac := hmac.New(sha256.New, r.Key)
	mac.Write(r.Salt)
	mac.Write([]byte(path))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
