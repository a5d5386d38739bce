package remoteclient

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

// ProbeResult is the metadata a DownloadTask needs before it can size its
// ChunkMap and choose single- vs multi-threaded mode.
type ProbeResult struct {
	Size         int64
	AcceptRanges bool
	ETag         string
	LastModified string
	Status       int
}

// ProbeURL issues a Range: bytes=0-0 GET against an already-resolved
// download URL — the same no-HEAD probing idiom the teacher's
// engine.ProbeURL uses, since many CDN edges mishandle HEAD on signed
// links. rawURL is expected to already be resolved (see DESIGN.md's
// Locate-download URL signing decision); this call never derives one.
func (c *Client) ProbeURL(ctx context.Context, rawURL string) (*ProbeResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL, c.userAgent)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusPartialContent {
		return &ProbeResult{Status: resp.StatusCode}, ClassifyStatus(resp.StatusCode)
	}

	acceptRanges := resp.Header.Get("Accept-Ranges") == "bytes"
	size := resp.ContentLength

	if resp.StatusCode == http.StatusPartialContent {
		acceptRanges = true
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if parts := strings.Split(cr, "/"); len(parts) == 2 {
				if total, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
					size = total
				}
			}
		}
	}

	return &ProbeResult{
		Size:         size,
		AcceptRanges: acceptRanges,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Status:       resp.StatusCode,
	}, nil
}

// RangedGet issues Range: bytes=start-end against rawURL and returns the
// response body for the caller to stream into its output file. The
// caller owns closing resp.Body.
func (c *Client) RangedGet(ctx context.Context, rawURL string, start, end int64) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL, c.userAgent)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes="+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10))

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, ClassifyStatus(resp.StatusCode)
	}

	return resp, nil
}
