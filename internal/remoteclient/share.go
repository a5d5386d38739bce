package remoteclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ShareLink is a parsed share URL: a short key (with the "1" prefix
// already applied for /share/init?surl= links, matching /s/ links as-is)
// plus an optional inline password.
type ShareLink struct {
	ShortKey string
	RawURL   string
	Password string
}

var (
	reShareSlash = regexp.MustCompile(`/s/([a-zA-Z0-9_-]+)`)
	reShareSurl  = regexp.MustCompile(`[?&]surl=([a-zA-Z0-9_-]+)`)
	rePwd        = regexp.MustCompile(`[?&]pwd=([a-zA-Z0-9]{4})`)

	reShareID  = regexp.MustCompile(`"shareid"\s*:\s*(\d+)`)
	reUK       = regexp.MustCompile(`"uk"\s*:\s*(\d+)`)
	reShareUK  = regexp.MustCompile(`"share_uk"\s*:\s*"?(\d+)"?`)
	reBDSToken = regexp.MustCompile(`"bdstoken"\s*:\s*"([^"]+)"`)
)

// ErrShareStructureUnclear is returned when no shareid can be scraped
// from a share page, whether or not a password was supplied. The one
// exception is a page that asks for a password when none was supplied:
// that yields ErrNeedPassword instead.
var ErrShareStructureUnclear = &ClassifiedError{Kind: KindProtocol, Message: "share page structure not recognized"}

// ErrNeedPassword indicates the share requires an extraction code.
var ErrNeedPassword = &ClassifiedError{Kind: KindAuth, Message: "share requires a password"}

// ShareURL returns the canonical landing-page URL for a parsed share
// link, the Referer every subsequent verify/list/transfer call needs.
func (c *Client) ShareURL(link ShareLink) string {
	return c.baseURL + "/s/" + link.ShortKey
}

// ParseShareLink extracts the short key and optional password from a
// pan.baidu.com share URL, accepting both the /s/{key} and
// /share/init?surl={key} forms.
func ParseShareLink(raw string) (ShareLink, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "baidu.com") {
		return ShareLink{}, &ClassifiedError{Kind: KindProtocol, Message: "not a Baidu Netdisk share link"}
	}

	var key string
	if m := reShareSlash.FindStringSubmatch(raw); m != nil {
		key = m[1]
	} else if m := reShareSurl.FindStringSubmatch(raw); m != nil {
		key = "1" + m[1]
	} else {
		return ShareLink{}, &ClassifiedError{Kind: KindProtocol, Message: "could not extract share key from link"}
	}

	var pwd string
	if m := rePwd.FindStringSubmatch(raw); m != nil {
		pwd = m[1]
	}

	return ShareLink{ShortKey: key, RawURL: raw, Password: pwd}, nil
}

// SharePageInfo is the metadata scraped out of a share landing page's
// embedded JS state, needed to drive verification, listing, and
// transfer.
type SharePageInfo struct {
	ShareID  string
	UK       string
	ShareUK  string
	BDSToken string
}

// ProbeSharePage fetches the share landing page and scrapes shareid/uk/
// share_uk/bdstoken out of it. If the page signals a password is
// required and none was supplied, it returns ErrNeedPassword; if
// scraping fails for any other reason, ErrShareStructureUnclear.
func (c *Client) ProbeSharePage(ctx context.Context, link ShareLink, first bool) (SharePageInfo, error) {
	shareURL := c.baseURL + "/s/" + link.ShortKey
	referer := c.refererHome()
	if !first && len(link.ShortKey) > 1 {
		referer = c.baseURL + "/share/init?surl=" + link.ShortKey[1:]
	}

	req, err := c.newRequest(ctx, http.MethodGet, shareURL, WebUserAgent)
	if err != nil {
		return SharePageInfo{}, err
	}
	req.Header.Set("Referer", referer)
	resp, err := c.do(req)
	if err != nil {
		return SharePageInfo{}, err
	}
	defer resp.Body.Close()

	body, err := readAll(resp.Body)
	if err != nil {
		return SharePageInfo{}, &ClassifiedError{Kind: KindTransport, Message: "reading share page body", Err: err}
	}

	if strings.Contains(body, "platform-non-found") {
		return SharePageInfo{}, &ClassifiedError{Kind: KindNotFound, Message: "share has expired"}
	}
	if strings.Contains(body, "error-404") {
		return SharePageInfo{}, &ClassifiedError{Kind: KindNotFound, Message: "share does not exist"}
	}

	needPassword := strings.Contains(body, "请输入提取码") ||
		strings.Contains(body, "accesscode") ||
		strings.Contains(body, "verify-form")

	info := SharePageInfo{
		ShareID:  firstMatch(reShareID, body),
		UK:       firstMatch(reUK, body),
		ShareUK:  firstMatch(reShareUK, body),
		BDSToken: firstMatch(reBDSToken, body),
	}
	if info.ShareUK == "" {
		info.ShareUK = info.UK
	}

	if info.ShareID == "" {
		if needPassword && link.Password == "" {
			return SharePageInfo{}, ErrNeedPassword
		}
		return SharePageInfo{}, ErrShareStructureUnclear
	}
	if needPassword && link.Password == "" {
		return SharePageInfo{}, ErrNeedPassword
	}

	return info, nil
}

func firstMatch(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

// VerifySharePassword submits the extraction code and, on success,
// installs the returned randsk as a cookie so subsequent list/transfer
// calls authenticate transparently.
func (c *Client) VerifySharePassword(ctx context.Context, info SharePageInfo, password, referer string) error {
	reqURL := buildURL(c.baseURL, "/share/verify", url.Values{
		"shareid":    {info.ShareID},
		"uk":         {info.ShareUK},
		"t":          {strconv.FormatInt(time.Now().UnixMilli(), 10)},
		"clienttype": {"1"},
	})
	form := url.Values{
		"pwd":       {password},
		"vcode":     {""},
		"vcode_str": {""},
		"bdstoken":  {info.BDSToken},
	}
	req, err := c.newRequest(ctx, http.MethodPost, reqURL, WebUserAgent)
	if err != nil {
		return err
	}
	req.Header.Set("Referer", referer)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Body = strBody(form.Encode())

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		errnoEnvelope
		Randsk string `json:"randsk"`
	}
	if err := decodeJSON(resp.Body, &body); err != nil {
		return err
	}

	switch body.Errno {
	case 0:
		u, _ := url.Parse(c.baseURL)
		c.jar.SetCookies(u, []*http.Cookie{{Name: "randsk", Value: body.Randsk, Domain: ".baidu.com", Path: "/"}})
		return nil
	case -9:
		return &ClassifiedError{Kind: KindAuth, Message: "incorrect extraction code"}
	default:
		return &ClassifiedError{Kind: KindProtocol, Message: fmt.Sprintf("password verification failed (errno=%d)", body.Errno)}
	}
}

// SharedFileInfo is one entry in a share's file listing.
type SharedFileInfo struct {
	FsID  int64
	IsDir bool
	Path  string
	Size  int64
	Name  string
}

// ListShareFiles enumerates the files contained in a share.
func (c *Client) ListShareFiles(ctx context.Context, link ShareLink, info SharePageInfo) ([]SharedFileInfo, error) {
	shortURL := link.ShortKey
	if strings.HasPrefix(shortURL, "1") && len(shortURL) > 1 {
		shortURL = shortURL[1:]
	}
	reqURL := buildURL(c.baseURL, "/share/list", url.Values{
		"shorturl": {shortURL},
		"bdstoken": {info.BDSToken},
		"root":     {"1"},
		"web":      {"5"},
		"app_id":   {c.appID},
		"channel":  {"chunlei"},
	})
	req, err := c.newRequest(ctx, http.MethodGet, reqURL, WebUserAgent)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Referer", c.baseURL+"/s/"+link.ShortKey)
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		errnoEnvelope
		ErrMsg string `json:"errmsg"`
		List   []struct {
			FsID           FlexInt64 `json:"fs_id"`
			IsDir          FlexInt64 `json:"isdir"`
			Path           string    `json:"path"`
			Size           FlexInt64 `json:"size"`
			ServerFilename string    `json:"server_filename"`
		} `json:"list"`
	}
	if err := decodeJSON(resp.Body, &body); err != nil {
		return nil, err
	}
	if body.Errno != 0 {
		return nil, classifyListErrno(body.Errno, body.ErrMsg)
	}

	files := make([]SharedFileInfo, 0, len(body.List))
	for _, item := range body.List {
		files = append(files, SharedFileInfo{
			FsID:  item.FsID.Int64(),
			IsDir: item.IsDir.Int64() == 1,
			Path:  item.Path,
			Size:  item.Size.Int64(),
			Name:  item.ServerFilename,
		})
	}
	return files, nil
}

func classifyListErrno(errno int, msg string) error {
	if msg == "" {
		switch errno {
		case 132:
			msg = "account requires additional security verification"
		case -7:
			msg = "share was deleted or cancelled"
		case -9:
			msg = "file does not exist"
		case -12:
			msg = "incorrect extraction code"
		case -19, -62:
			msg = "verification code required"
		case 8001:
			msg = "rate-limited, retry later"
		default:
			msg = fmt.Sprintf("unknown errno %d", errno)
		}
	}
	switch errno {
	case -7, -9:
		return &ClassifiedError{Kind: KindNotFound, Message: msg}
	case -12:
		return &ClassifiedError{Kind: KindAuth, Message: msg}
	case 132, -19, -62, 8001:
		return &ClassifiedError{Kind: KindTransport, Message: msg}
	default:
		return &ClassifiedError{Kind: KindProtocol, Message: msg}
	}
}

// TransferResult is the outcome of transferring share files into the
// user's own Netdisk space.
type TransferResult struct {
	Success            bool
	TransferredPaths   []string
	TransferredFsIDs   []int64
	Err                error
}

// TransferShareFiles copies the given fs_ids from a share into
// targetPath in the caller's own space, classifying the Baidu-specific
// partial-failure envelope (errno=12) into FileExists / quota-exceeded /
// generic outcomes.
func (c *Client) TransferShareFiles(ctx context.Context, info SharePageInfo, fsIDs []int64, targetPath, referer string) (TransferResult, error) {
	reqURL := buildURL(c.baseURL, "/share/transfer", url.Values{
		"shareid":    {info.ShareID},
		"from":       {info.ShareUK},
		"bdstoken":   {info.BDSToken},
		"app_id":     {c.appID},
		"channel":    {"chunlei"},
		"clienttype": {"0"},
		"web":        {"1"},
	})

	ids := make([]string, len(fsIDs))
	for i, id := range fsIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	form := url.Values{
		"fsidlist": {"[" + strings.Join(ids, ",") + "]"},
		"path":     {targetPath},
	}

	req, err := c.newRequest(ctx, http.MethodPost, reqURL, WebUserAgent)
	if err != nil {
		return TransferResult{}, err
	}
	req.Header.Set("Referer", referer)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Body = strBody(form.Encode())

	resp, err := c.do(req)
	if err != nil {
		return TransferResult{}, err
	}
	defer resp.Body.Close()

	raw, err := readAll(resp.Body)
	if err != nil {
		return TransferResult{}, &ClassifiedError{Kind: KindTransport, Err: err}
	}

	var body struct {
		errnoEnvelope
		Extra struct {
			List []struct {
				To     string    `json:"to"`
				ToFsID FlexInt64 `json:"to_fs_id"`
			} `json:"list"`
		} `json:"extra"`
		Info []struct {
			Errno int    `json:"errno"`
			Path  string `json:"path"`
		} `json:"info"`
		TargetFileNums      FlexInt64 `json:"target_file_nums"`
		TargetFileNumsLimit FlexInt64 `json:"target_file_nums_limit"`
	}
	if err := decodeJSONString(raw, &body); err != nil {
		return TransferResult{}, err
	}

	switch body.Errno {
	case 0:
		res := TransferResult{Success: true}
		for _, item := range body.Extra.List {
			res.TransferredPaths = append(res.TransferredPaths, item.To)
			res.TransferredFsIDs = append(res.TransferredFsIDs, item.ToFsID.Int64())
		}
		return res, nil

	case 12:
		if len(body.Info) > 0 && body.Info[0].Errno == -30 {
			filename := path.Base(body.Info[0].Path)
			return TransferResult{}, &ClassifiedError{Kind: KindConflict, Message: fmt.Sprintf("a file named %q already exists", filename)}
		}
		if body.TargetFileNums.Int64() > body.TargetFileNumsLimit.Int64() && body.TargetFileNumsLimit != 0 {
			return TransferResult{}, &ClassifiedError{Kind: KindQuotaOrLimit, Message: fmt.Sprintf("transfer count %d exceeds limit %d", body.TargetFileNums, body.TargetFileNumsLimit)}
		}
		return TransferResult{}, &ClassifiedError{Kind: KindProtocol, Message: "transfer partially failed: " + raw}

	case 4:
		return TransferResult{}, &ClassifiedError{Kind: KindConflict, Message: "duplicate file"}

	default:
		return TransferResult{}, &ClassifiedError{Kind: KindProtocol, Message: "transfer failed: " + raw}
	}
}
