package integrity

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockMD5ListSplitsIntoChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))

	list, err := BlockMD5List(path, 4)
	require.NoError(t, err)
	require.Len(t, list, 3)

	sum := md5.Sum(data[0:4])
	require.Equal(t, hex.EncodeToString(sum[:]), list[0])
}

func TestBlockMD5ListSingleChunkForSmallFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	list, err := BlockMD5List(path, 4*1024*1024)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestContentMD5AndFirst256KBSmallFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.bin")
	content := []byte("hello world")
	require.NoError(t, os.WriteFile(path, content, 0644))

	full, first, err := ContentMD5AndFirst256KB(path)
	require.NoError(t, err)
	sum := md5.Sum(content)
	expected := hex.EncodeToString(sum[:])
	require.Equal(t, expected, full)
	require.Equal(t, expected, first, "file smaller than 256KB: first-block hash equals whole-file hash")
}

func TestContentMD5AndFirst256KBLargeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "large.bin")
	data := make([]byte, 300*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))

	full, first, err := ContentMD5AndFirst256KB(path)
	require.NoError(t, err)

	fullSum := md5.Sum(data)
	firstSum := md5.Sum(data[:256*1024])
	require.Equal(t, hex.EncodeToString(fullSum[:]), full)
	require.Equal(t, hex.EncodeToString(firstSum[:]), first)
	require.NotEqual(t, full, first)
}
