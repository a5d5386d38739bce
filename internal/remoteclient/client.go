// Package remoteclient is the stateful HTTP client for Baidu Netdisk: the
// warm-up sequence, file probing, chunked upload, and the share-link
// transfer pipeline. It is grounded on the teacher's engine/http.go
// newRequest/ProbeURL pair, generalized from "caller supplies raw
// header/cookie strings" to "the client owns a cookiejar fed by a
// credential.Provider", since this client talks to one fixed host family
// instead of arbitrary download links.
package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"netdisk-core/internal/credential"
)

const (
	// MobileUserAgent mimics the Android client, required by Locate/upload
	// endpoints per the protocol notes mined from the original client.
	MobileUserAgent = "netdisk;11.31.6;android-vivo;android-android;14;JSBridge4.4.0"
	// WebUserAgent is used for the PCS/browser-facing endpoints.
	WebUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

	defaultBaseURL = "https://pan.baidu.com"
	defaultPCSURL  = "https://pcs.baidu.com"
)

// FlexInt64 tolerates a JSON field encoded as either a string or a
// number, since the Baidu API is inconsistent about fs_id's wire type
// across endpoints.
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("remoteclient: fs_id not numeric: %q: %w", s, err)
	}
	*f = FlexInt64(v)
	return nil
}

func (f FlexInt64) Int64() int64 { return int64(f) }

// Client is the stateful handle for one logged-in account. It is safe
// for concurrent use by many DownloadTask/UploadTask/TransferTask
// workers.
type Client struct {
	http      *http.Client
	jar       http.CookieJar
	cred      credential.Provider
	appID     string
	bdstoken  string
	userAgent string

	baseURL string
	pcsURL  string
}

// New builds a Client around a credential.Provider. httpClient may be
// nil, in which case a default with a 60s timeout is used — long enough
// for a single chunk transfer, short enough to not wedge a worker
// forever on a dead connection.
func New(cred credential.Provider, httpClient *http.Client, appID string) (*Client, error) {
	jar, err := credential.NewCookieJar()
	if err != nil {
		return nil, fmt.Errorf("remoteclient: new cookie jar: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	httpClient.Jar = jar
	if appID == "" {
		appID = "250528"
	}
	return &Client{
		http: httpClient, jar: jar, cred: cred, appID: appID,
		baseURL: defaultBaseURL, pcsURL: defaultPCSURL,
	}, nil
}

// BDSToken returns the token captured during the last successful WarmUp.
func (c *Client) BDSToken() string {
	return c.bdstoken
}

// SetBaseURL overrides both the web (pan) host and the PCS host a Client
// talks to. Exported for
// tests (pointing at an httptest.Server) and for alternate regional
// front-ends; production callers normally leave New's default in place.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
	c.pcsURL = baseURL
}

func (c *Client) refererHome() string {
	return c.baseURL + "/disk/home"
}

func (c *Client) newRequest(ctx context.Context, method, rawURL, ua string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("remoteclient: build request: %w", err)
	}
	if ua == "" {
		ua = c.userAgent
	}
	if ua == "" {
		ua = WebUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("Connection", "keep-alive")
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ClassifiedError{Kind: KindTransport, Message: translateNetErr(err), Err: err}
	}
	return resp, nil
}

func translateNetErr(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such host"):
		return "server not found, check network connectivity"
	case strings.Contains(msg, "connection refused"):
		return "connection refused by server"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "connection timed out"
	case strings.Contains(msg, "certificate"):
		return "TLS certificate error"
	default:
		return "network request failed"
	}
}

// decodeJSON reads and unmarshals a JSON body, classifying malformed
// bodies as KindProtocol rather than a bare json error.
func decodeJSON(body io.Reader, v interface{}) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return &ClassifiedError{Kind: KindProtocol, Message: "malformed JSON response", Err: err}
	}
	return nil
}

// errnoEnvelope is the common {"errno": N, "error_msg": "..."} shape
// almost every Baidu API response wraps its payload in.
type errnoEnvelope struct {
	Errno    int    `json:"errno"`
	ErrorMsg string `json:"error_msg"`
}

func buildURL(base, path string, query url.Values) string {
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func readAll(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func strBody(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

func strBodyBytes(b []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(b))
}

func decodeJSONString(s string, v interface{}) error {
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return &ClassifiedError{Kind: KindProtocol, Message: "malformed JSON response", Err: err}
	}
	return nil
}
