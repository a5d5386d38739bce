package remoteclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeURLParsesContentRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Range", "bytes 0-0/123456")
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	probe, err := c.ProbeURL(context.Background(), srv.URL+"/file.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(123456), probe.Size)
	assert.True(t, probe.AcceptRanges)
	assert.Equal(t, `"abc"`, probe.ETag)
}

func TestProbeURLClassifiesForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.ProbeURL(context.Background(), srv.URL+"/file.bin")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRangeForbidden)
}

func TestRangedGetReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=10-19", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.RangedGet(context.Background(), srv.URL+"/file.bin", 10, 19)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
}

func TestRangedGetClassifiesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.RangedGet(context.Background(), srv.URL+"/file.bin", 0, 9)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}
