package remoteclient

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// loginStatusResponse mirrors /api/loginStatus's JSON shape, only the
// field this client actually reads.
type loginStatusResponse struct {
	LoginInfo struct {
		BDSToken string `json:"bdstoken"`
	} `json:"login_info"`
}

// templateVariableResponse mirrors /api/gettemplatevariable's shape.
type templateVariableResponse struct {
	Result struct {
		BDSToken string `json:"bdstoken"`
	} `json:"result"`
}



// WarmUp runs the four-step session priming sequence the web UI performs
// on login: /disk/home, /api/loginStatus (primary bdstoken source),
// /api/gettemplatevariable (fallback bdstoken source), then
// /pcloud/user/getinfo to settle the remaining session cookies. Each step
// is retried up to 3 times with 1s/3s/5s backoff, reinjecting the primary
// credential before each retry in case the cookie jar lost it along the
// way.
func (c *Client) WarmUp(ctx context.Context) error {
	backoffs := []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}

	step := func(name string, run func() error) error {
		var lastErr error
		for attempt := 0; attempt <= len(backoffs); attempt++ {
			if attempt > 0 {
				_ = c.cred.ReinjectPrimary(c.jar)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoffs[attempt-1]):
				}
			}
			if err := run(); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
		return fmt.Errorf("remoteclient: warm-up step %q: %w", name, lastErr)
	}

	_ = c.cred.ReinjectPrimary(c.jar)

	if err := step("disk/home", func() error {
		req, err := c.newRequest(ctx, http.MethodGet, c.refererHome(), "")
		if err != nil {
			return err
		}
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return ClassifyStatus(resp.StatusCode)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := step("loginStatus", func() error {
		u := buildURL(c.baseURL, "/api/loginStatus", map[string][]string{
			"clienttype": {"0"}, "app_id": {c.appID}, "web": {"1"},
		})
		req, err := c.newRequest(ctx, http.MethodGet, u, "")
		if err != nil {
			return err
		}
		req.Header.Set("Referer", c.refererHome())
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return ClassifyStatus(resp.StatusCode)
		}
		var body loginStatusResponse
		if err := decodeJSON(resp.Body, &body); err != nil {
			// A parse failure here is not fatal: gettemplatevariable is
			// the fallback source for bdstoken.
			return nil
		}
		if body.LoginInfo.BDSToken != "" {
			c.bdstoken = body.LoginInfo.BDSToken
		}
		return nil
	}); err != nil {
		return err
	}

	if c.bdstoken == "" {
		if err := step("gettemplatevariable", func() error {
			u := buildURL(c.baseURL, "/api/gettemplatevariable", map[string][]string{
				"clienttype": {"0"}, "app_id": {c.appID}, "web": {"1"}, "fields": {`["bdstoken"]`},
			})
			req, err := c.newRequest(ctx, http.MethodGet, u, "")
			if err != nil {
				return err
			}
			req.Header.Set("Referer", c.refererHome())
			resp, err := c.do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return ClassifyStatus(resp.StatusCode)
			}
			var body templateVariableResponse
			if err := decodeJSON(resp.Body, &body); err != nil {
				return err
			}
			c.bdstoken = body.Result.BDSToken
			return nil
		}); err != nil {
			return err
		}
	}

	if c.bdstoken == "" {
		return &ClassifiedError{Kind: KindAuth, Message: "warm-up completed without obtaining bdstoken"}
	}

	cred := c.cred.Snapshot()
	if err := step("getinfo", func() error {
		u := buildURL(c.baseURL, "/pcloud/user/getinfo", map[string][]string{
			"method": {"userinfo"}, "clienttype": {"0"}, "app_id": {c.appID}, "web": {"1"}, "query_uk": {cred.UID},
		})
		req, err := c.newRequest(ctx, http.MethodGet, u, "")
		if err != nil {
			return err
		}
		req.Header.Set("Referer", c.refererHome())
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return ClassifyStatus(resp.StatusCode)
		}
		return nil
	}); err != nil {
		return err
	}

	return nil
}
