package remoteclient

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
)

// PrecreateResult is the outcome of /api/precreate.
type PrecreateResult struct {
	UploadID   string
	ReturnType int
	// BlockListConfirmed is the server's acknowledgement of which blocks
	// it already holds (ReturnType==2, rapid-dedup path) — indices into
	// the submitted block list that can be skipped.
	BlockListConfirmed []int
}

// Precreate registers an upload intent and returns an upload ID to tag
// every subsequent chunk with. blockList is the ordered list of block
// MD5 hashes, already computed by the caller.
func (c *Client) Precreate(ctx context.Context, remotePath string, size int64, blockList []string) (PrecreateResult, error) {
	form := url.Values{
		"path":       {remotePath},
		"size":       {fmt.Sprintf("%d", size)},
		"isdir":      {"0"},
		"autoinit":   {"1"},
		"rtype":      {"1"},
		"block_list": {encodeJSONStrings(blockList)},
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/api/precreate", MobileUserAgent)
	if err != nil {
		return PrecreateResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Body = strBody(form.Encode())

	resp, err := c.do(req)
	if err != nil {
		return PrecreateResult{}, err
	}
	defer resp.Body.Close()

	var body struct {
		errnoEnvelope
		UploadID   string `json:"uploadid"`
		ReturnType int    `json:"return_type"`
		Block      struct {
			BlockList []int `json:"block_list"`
		} `json:"block_list"`
	}
	if err := decodeJSON(resp.Body, &body); err != nil {
		return PrecreateResult{}, err
	}
	if body.Errno != 0 {
		return PrecreateResult{}, classifyUploadErrno(body.Errno, body.ErrorMsg)
	}

	return PrecreateResult{
		UploadID:           body.UploadID,
		ReturnType:         body.ReturnType,
		BlockListConfirmed: body.Block.BlockList,
	}, nil
}

// UploadChunkResult is the outcome of one superfile2 chunk upload.
type UploadChunkResult struct {
	MD5 string
}

// UploadChunk uploads a single chunk's bytes as a multipart form to the
// given PCS server (one of the hosts returned by LocateUpload).
func (c *Client) UploadChunk(ctx context.Context, server, remotePath, uploadID string, partSeq int, data []byte) (UploadChunkResult, error) {
	if server == "" {
		server = "d.pcs.baidu.com"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "file")
	if err != nil {
		return UploadChunkResult{}, fmt.Errorf("remoteclient: build multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return UploadChunkResult{}, fmt.Errorf("remoteclient: write multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return UploadChunkResult{}, fmt.Errorf("remoteclient: close multipart: %w", err)
	}

	reqURL := buildURL("https://"+server, "/rest/2.0/pcs/superfile2", url.Values{
		"method":   {"upload"},
		"app_id":   {c.appID},
		"type":     {"tmpfile"},
		"path":     {remotePath},
		"uploadid": {uploadID},
		"partseq":  {fmt.Sprintf("%d", partSeq)},
	})

	req, err := c.newRequest(ctx, http.MethodPost, reqURL, MobileUserAgent)
	if err != nil {
		return UploadChunkResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	body := buf.Bytes()
	req.Body = strBodyBytes(body)
	req.ContentLength = int64(len(body))

	resp, err := c.do(req)
	if err != nil {
		return UploadChunkResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return UploadChunkResult{}, &ClassifiedError{Kind: KindRangeForbidden, Message: "upload server rejected chunk (403)"}
	}
	if resp.StatusCode >= 400 {
		return UploadChunkResult{}, ClassifyStatus(resp.StatusCode)
	}

	var result struct {
		MD5 string `json:"md5"`
	}
	if err := decodeJSON(resp.Body, &result); err != nil {
		return UploadChunkResult{}, err
	}
	return UploadChunkResult{MD5: result.MD5}, nil
}

// CreateResult is the outcome of /api/create, the step that commits an
// uploaded block set into a visible file.
type CreateResult struct {
	FsID int64
	Path string
}

// Create finalizes an upload after every chunk has been sent, given the
// same ordered block-MD5 list used at Precreate time.
func (c *Client) Create(ctx context.Context, remotePath string, size int64, uploadID string, blockList []string) (CreateResult, error) {
	form := url.Values{
		"path":       {remotePath},
		"size":       {fmt.Sprintf("%d", size)},
		"isdir":      {"0"},
		"uploadid":   {uploadID},
		"rtype":      {"1"},
		"block_list": {encodeJSONStrings(blockList)},
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/api/create", MobileUserAgent)
	if err != nil {
		return CreateResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Body = strBody(form.Encode())

	resp, err := c.do(req)
	if err != nil {
		return CreateResult{}, err
	}
	defer resp.Body.Close()

	var body struct {
		errnoEnvelope
		FsID FlexInt64 `json:"fs_id"`
		Path string    `json:"path"`
	}
	if err := decodeJSON(resp.Body, &body); err != nil {
		return CreateResult{}, err
	}
	if body.Errno != 0 {
		return CreateResult{}, classifyUploadErrno(body.Errno, body.ErrorMsg)
	}

	return CreateResult{FsID: body.FsID.Int64(), Path: body.Path}, nil
}

// LocateUpload asks Baidu which PCS hosts should receive chunk uploads
// for this session. The returned list is short-lived; callers should
// re-query it periodically rather than caching it indefinitely.
func (c *Client) LocateUpload(ctx context.Context) ([]string, error) {
	reqURL := buildURL(c.pcsURL, "/rest/2.0/pcs/file", url.Values{
		"method":         {"locateupload"},
		"upload_version": {"2.0"},
		"app_id":         {c.appID},
	})
	req, err := c.newRequest(ctx, http.MethodGet, reqURL, MobileUserAgent)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		ErrorCode int    `json:"error_code"`
		ErrorMsg  string `json:"error_msg"`
		Host      string `json:"host"`
		Backup    struct {
			Host []string `json:"host"`
		} `json:"backup"`
	}
	if err := decodeJSON(resp.Body, &body); err != nil {
		return nil, err
	}
	if body.ErrorCode != 0 {
		return nil, &ClassifiedError{Kind: KindProtocol, Message: fmt.Sprintf("locateupload failed: %s", body.ErrorMsg)}
	}

	servers := []string{}
	if body.Host != "" {
		servers = append(servers, body.Host)
	}
	servers = append(servers, body.Backup.Host...)
	if len(servers) == 0 {
		servers = []string{"d.pcs.baidu.com", "c.pcs.baidu.com"}
	}
	return servers, nil
}

func classifyUploadErrno(errno int, msg string) error {
	switch errno {
	case 31023, 31061:
		return &ClassifiedError{Kind: KindConflict, Message: "remote path already exists"}
	case 31045:
		return &ClassifiedError{Kind: KindAuth, Message: "upload session expired"}
	case 31034:
		return &ClassifiedError{Kind: KindTransport, Message: "hit upload rate limit"}
	case 133:
		return &ClassifiedError{Kind: KindQuotaOrLimit, Message: "insufficient quota"}
	default:
		if msg == "" {
			msg = fmt.Sprintf("upload API error %d", errno)
		}
		return &ClassifiedError{Kind: KindProtocol, Message: msg}
	}
}

func encodeJSONStrings(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, s := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(s)
		buf.WriteByte('"')
	}
	buf.WriteByte(']')
	return buf.String()
}
