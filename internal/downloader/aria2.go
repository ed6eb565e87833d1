package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jmgilman/go/errors"

	"image-prefetcher/internal/cache"
)

type Aria2Client struct {
	RPCUrl string
	Secret string
	Client *http.Client
}

func NewAria2Client(rpcURL, secret string) *Aria2Client {
	return &Aria2Client{
		RPCUrl: rpcURL,
		Secret: secret,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type JsonRpcRequest struct {
	JsonRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	ID      string        `json:"id"`
	Params  []interface{} `json:"params"`
}

type JsonRpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *JsonRpcError   `json:"error,omitempty"`
}

type JsonRpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call invokes an aria2 RPC method and decodes the result into out when it
// is non-nil.
func (c *Aria2Client) Call(ctx context.Context, method string, out interface{}, params ...interface{}) error {
	// If secret is set, it must be the first parameter as "token:secret"
	finalParams := make([]interface{}, 0, len(params)+1)
	if c.Secret != "" {
		finalParams = append(finalParams, "token:"+c.Secret)
	}
	finalParams = append(finalParams, params...)

	data, err := json.Marshal(JsonRpcRequest{
		JsonRPC: "2.0",
		Method:  method,
		ID:      "image-prefetcher",
		Params:  finalParams,
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to encode rpc request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCUrl, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid aria2 rpc url")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.CodeNetwork, "aria2 rpc request failed")
	}
	defer resp.Body.Close()

	var rpcResp JsonRpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return errors.Wrap(err, errors.CodeNetwork, "invalid aria2 rpc response")
	}
	if rpcResp.Error != nil {
		return errors.Newf(errors.CodeExecutionFailed, "rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return errors.Wrapf(err, errors.CodeNetwork, "invalid result for %s", method)
	}
	return nil
}

// AddUri queues uri for download into dir/filename and returns its GID.
func (c *Aria2Client) AddUri(ctx context.Context, uri, dir, filename string, headers map[string]string) (string, error) {
	opts := map[string]interface{}{
		"dir":             dir,
		"out":             filename,
		"allow-overwrite": "true",
	}

	headerList := []string{}
	for k, v := range headers {
		headerList = append(headerList, fmt.Sprintf("%s: %s", k, v))
	}
	if len(headerList) > 0 {
		opts["header"] = headerList
	}

	// aria2.addUri expects [uris] as first arg (after secret)
	var gid string
	if err := c.Call(ctx, "aria2.addUri", &gid, []string{uri}, opts); err != nil {
		return "", err
	}
	return gid, nil
}

type Aria2Status struct {
	Gid          string `json:"gid"`
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// TellStatus reports the state of one download.
func (c *Aria2Client) TellStatus(ctx context.Context, gid string) (Aria2Status, error) {
	var st Aria2Status
	err := c.Call(ctx, "aria2.tellStatus", &st, gid, []string{"gid", "status", "errorCode", "errorMessage"})
	return st, err
}

func (c *Aria2Client) ForceRemove(ctx context.Context, gid string) error {
	return c.Call(ctx, "aria2.forceRemove", nil, gid)
}

// RemoveDownloadResult removes a completed/error/removed download from the memory
func (c *Aria2Client) RemoveDownloadResult(ctx context.Context, gid string) error {
	return c.Call(ctx, "aria2.removeDownloadResult", nil, gid)
}

// Aria2Fetcher hands downloads to an aria2 daemon writing straight into the
// cache directory, and polls until the download settles.
type Aria2Fetcher struct {
	Client       *Aria2Client
	Headers      map[string]string
	Cache        *cache.Dir
	PollInterval time.Duration
	Logger       *slog.Logger
}

func NewAria2Fetcher(client *Aria2Client, dir *cache.Dir, headers map[string]string, logger *slog.Logger) *Aria2Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aria2Fetcher{
		Client:       client,
		Headers:      headers,
		Cache:        dir,
		PollInterval: 250 * time.Millisecond,
		Logger:       logger,
	}
}

func (f *Aria2Fetcher) Fetch(ctx context.Context, source, cacheKey string) (err error) {
	gid, err := f.Client.AddUri(ctx, source, f.Cache.Root(), cache.FileName(cacheKey), f.Headers)
	if err != nil {
		return errors.WithContext(err, "source", source)
	}
	// aria2 writes straight into the cache slot; never leave a partial or
	// undecodable file there for the index to pick up.
	defer func() {
		if err != nil {
			f.discard(cacheKey)
		}
	}()

	ticker := time.NewTicker(f.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// The caller's deadline is gone; clean up on a fresh one.
			cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			f.Client.ForceRemove(cleanup, gid)
			f.Client.RemoveDownloadResult(cleanup, gid)
			cancel()
			return requestError(ctx, ctx.Err(), source)
		case <-ticker.C:
		}

		st, err := f.Client.TellStatus(ctx, gid)
		if err != nil {
			f.Logger.Debug("downloader: aria2 status poll failed", "gid", gid, "error", err)
			continue
		}
		switch st.Status {
		case "complete":
			// Ignore errors - the GID might not exist in results
			f.Client.RemoveDownloadResult(ctx, gid)
			if _, _, err := verifyImage(f.Cache.Path(cacheKey)); err != nil {
				return errors.WithContext(err, "source", source)
			}
			f.Cache.Mark(cacheKey)
			return nil
		case "error", "removed":
			f.Client.RemoveDownloadResult(ctx, gid)
			return errors.WithContext(
				errors.Newf(errors.CodeNetwork, "aria2 download %s: %s", st.Status, st.ErrorMessage),
				"source", source)
		}
	}
}

func (f *Aria2Fetcher) discard(cacheKey string) {
	if err := f.Cache.Remove(cacheKey); err != nil {
		f.Logger.Warn("downloader: failed to remove partial file", "key", cacheKey, "error", err)
	}
	control := f.Cache.Path(cacheKey) + ".aria2"
	if err := os.Remove(control); err != nil && !os.IsNotExist(err) {
		f.Logger.Warn("downloader: failed to remove aria2 control file", "path", control, "error", err)
	}
}
