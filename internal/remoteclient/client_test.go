package remoteclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netdisk-core/internal/credential"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	cred := credential.NewStatic(credential.Credential{UID: "42", PrimaryToken: "tok"})
	c, err := New(cred, nil, "")
	require.NoError(t, err)
	c.baseURL = serverURL
	c.pcsURL = serverURL
	return c
}

func TestParseShareLinkSlashForm(t *testing.T) {
	link, err := ParseShareLink("https://pan.baidu.com/s/1abcDEFg?pwd=a1b2")
	require.NoError(t, err)
	assert.Equal(t, "1abcDEFg", link.ShortKey)
	assert.Equal(t, "a1b2", link.Password)
}

func TestParseShareLinkSurlForm(t *testing.T) {
	link, err := ParseShareLink("https://pan.baidu.com/share/init?surl=abcDEFg")
	require.NoError(t, err)
	assert.Equal(t, "1abcDEFg", link.ShortKey)
	assert.Empty(t, link.Password)
}

func TestParseShareLinkRejectsNonBaidu(t *testing.T) {
	_, err := ParseShareLink("https://example.com/s/xyz")
	assert.Error(t, err)
}

func TestClassifyStatusMapsCodes(t *testing.T) {
	assert.Equal(t, KindAuth, ClassifyStatus(401).Kind)
	assert.Equal(t, KindRangeForbidden, ClassifyStatus(403).Kind)
	assert.Equal(t, KindNotFound, ClassifyStatus(404).Kind)
	assert.Equal(t, KindTransport, ClassifyStatus(500).Kind)
}

func TestFlexInt64AcceptsStringAndNumber(t *testing.T) {
	var a, b FlexInt64
	require.NoError(t, a.UnmarshalJSON([]byte(`"12345"`)))
	require.NoError(t, b.UnmarshalJSON([]byte(`12345`)))
	assert.Equal(t, int64(12345), a.Int64())
	assert.Equal(t, int64(12345), b.Int64())
}

func TestVerifySharePasswordSuccessInstallsCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errno":0,"randsk":"sk-value"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	err := c.VerifySharePassword(context.Background(), SharePageInfo{ShareID: "1", ShareUK: "2", BDSToken: "tok"}, "a1b2", srv.URL)
	require.NoError(t, err)

	u, _ := url.Parse(srv.URL)
	cookies := c.jar.Cookies(u)
	found := false
	for _, ck := range cookies {
		if ck.Name == "randsk" {
			found = true
		}
	}
	assert.True(t, found, "randsk cookie should be installed")
}

func TestVerifySharePasswordWrongCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errno":-9}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	err := c.VerifySharePassword(context.Background(), SharePageInfo{ShareID: "1", ShareUK: "2"}, "wrong", srv.URL)
	require.Error(t, err)
	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindAuth, ce.Kind)
}

func TestTransferShareFilesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errno":0,"extra":{"list":[{"to":"/dest/a.txt","to_fs_id":"99"}]}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	res, err := c.TransferShareFiles(context.Background(), SharePageInfo{ShareID: "1", ShareUK: "2", BDSToken: "t"}, []int64{1, 2}, "/dest", srv.URL)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"/dest/a.txt"}, res.TransferredPaths)
	assert.Equal(t, []int64{99}, res.TransferredFsIDs)
}

func TestTransferShareFilesNameClash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errno":12,"info":[{"errno":-30,"path":"/dest/dup.txt"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.TransferShareFiles(context.Background(), SharePageInfo{ShareID: "1", ShareUK: "2", BDSToken: "t"}, []int64{1}, "/dest", srv.URL)
	require.Error(t, err)
	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindConflict, ce.Kind)
	assert.Contains(t, ce.Message, "dup.txt")
}

func TestTransferShareFilesQuotaExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errno":12,"target_file_nums":500,"target_file_nums_limit":200}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.TransferShareFiles(context.Background(), SharePageInfo{ShareID: "1", ShareUK: "2", BDSToken: "t"}, []int64{1}, "/dest", srv.URL)
	require.Error(t, err)
	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindQuotaOrLimit, ce.Kind)
}

func TestTransferShareFilesDuplicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errno":4}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.TransferShareFiles(context.Background(), SharePageInfo{ShareID: "1", ShareUK: "2", BDSToken: "t"}, []int64{1}, "/dest", srv.URL)
	require.Error(t, err)
	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindConflict, ce.Kind)
}
