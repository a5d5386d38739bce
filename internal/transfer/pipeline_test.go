package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netdisk-core/internal/config"
	"netdisk-core/internal/credential"
	"netdisk-core/internal/engine"
	"netdisk-core/internal/remoteclient"
	"netdisk-core/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, shareServerURL string) (*Pipeline, *storage.Storage) {
	t.Helper()
	cred := credential.NewStatic(credential.Credential{UID: "42", PrimaryToken: "tok"})
	client, err := remoteclient.New(cred, nil, "")
	require.NoError(t, err)
	client.SetBaseURL(shareServerURL)

	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eng := engine.New(testLogger(), store, client, nil, config.Default(), t.TempDir())
	return New(testLogger(), client, store, nil, eng, nil), store
}

// shareHandler serves a minimal but complete share pipeline: a landing
// page with no password requirement, a one-file listing, and a
// successful transfer.
func shareHandler(t *testing.T, password string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/s/1abc", func(w http.ResponseWriter, r *http.Request) {
		body := `{"shareid":"555","uk":"777","bdstoken":"tok-1"}`
		if password != "" {
			body = `请输入提取码` + body
		}
		fmt.Fprint(w, body)
	})
	mux.HandleFunc("/share/verify", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errno":0,"randsk":"sk"}`)
	})
	mux.HandleFunc("/share/list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errno":0,"list":[{"fs_id":"9","isdir":"0","path":"/a.txt","size":"10","server_filename":"a.txt"}]}`)
	})
	mux.HandleFunc("/share/transfer", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errno":0,"extra":{"list":[{"to":"/My Files/a.txt","to_fs_id":"99"}]}}`)
	})
	return mux
}

func TestStartTransferWithoutAutoDownloadReachesTransferred(t *testing.T) {
	srv := httptest.NewServer(shareHandler(t, ""))
	defer srv.Close()

	p, store := newTestPipeline(t, srv.URL)

	id, err := p.StartTransfer(context.Background(), "https://pan.baidu.com/s/1abc", "", "/My Files", false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		task, err := store.GetTransferTask(id)
		return err == nil && task.Status == StatusTransferred
	}, 2*time.Second, 10*time.Millisecond)

	task, err := store.GetTransferTask(id)
	require.NoError(t, err)
	assert.Contains(t, task.TransferredJSON, "/My Files/a.txt")
}

func TestStartTransferNeedsPasswordDoesNotCreateTask(t *testing.T) {
	srv := httptest.NewServer(shareHandler(t, "required"))
	defer srv.Close()

	p, store := newTestPipeline(t, srv.URL)

	_, err := p.StartTransfer(context.Background(), "https://pan.baidu.com/s/1abc", "", "/My Files", false)
	require.Error(t, err)
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, NeedPassword, perr.Kind)

	all, lerr := store.GetAllTransferTasks()
	require.NoError(t, lerr)
	assert.Empty(t, all, "a task row must not exist when the probe gate fails")
}

func TestStartTransferRejectsMalformedLink(t *testing.T) {
	p, _ := newTestPipeline(t, "https://unused.example")
	_, err := p.StartTransfer(context.Background(), "https://example.com/not-a-share", "", "/My Files", false)
	require.Error(t, err)
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ParseError, perr.Kind)
}

// fakeResolver implements DownloadResolver against a second httptest
// server standing in for the Netdisk CDN, so auto-download can run the
// real Engine.StartDownload path end to end.
type fakeResolver struct {
	downloadURL string
	saveDir     string
}

func (f *fakeResolver) ResolveFile(ctx context.Context, path string, fsID int64) (string, string, int64, error) {
	return f.downloadURL, f.saveDir + "/a.txt", 10, nil
}

func (f *fakeResolver) ResolveFolder(ctx context.Context, path string, fsID int64) (string, []engine.FolderEntry, error) {
	return f.saveDir, nil, fmt.Errorf("fakeResolver: no folder in this fixture")
}

func TestStartTransferWithAutoDownloadEnqueuesChild(t *testing.T) {
	srv := httptest.NewServer(shareHandler(t, ""))
	defer srv.Close()

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Range", "bytes 0-0/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("x"))
	}))
	defer cdn.Close()

	cred := credential.NewStatic(credential.Credential{UID: "42", PrimaryToken: "tok"})
	client, err := remoteclient.New(cred, nil, "")
	require.NoError(t, err)
	client.SetBaseURL(srv.URL)

	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eng := engine.New(testLogger(), store, client, nil, config.Default(), t.TempDir())
	resolver := &fakeResolver{downloadURL: cdn.URL + "/a.txt", saveDir: t.TempDir()}
	p := New(testLogger(), client, store, nil, eng, resolver)

	id, err := p.StartTransfer(context.Background(), "https://pan.baidu.com/s/1abc", "", "/My Files", true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := store.GetTransferTask(id)
		return err == nil && (task.Status == StatusDownloading || task.Status == StatusCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	task, err := store.GetTransferTask(id)
	require.NoError(t, err)
	assert.NotEmpty(t, task.ChildTasksJSON)
}
