package integrity

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
)

// BlockMD5List streams path in chunkSize-sized blocks and returns the MD5
// of each, in order — the list Precreate/create submit as block_list, and
// the same chunking the rapid-upload probe's first-256KB check rides on.
// Hashing is sequential by construction (one os.File, one reader loop):
// per §4.6 this is deliberate, not an oversight — parallel hashing of a
// single file on rotational media only adds seeks.
func BlockMD5List(path string, chunkSize int64) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = info.Size()
		if chunkSize <= 0 {
			chunkSize = 1
		}
	}

	var list []string
	buf := make([]byte, chunkSize)
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			sum := md5.Sum(buf[:n])
			list = append(list, hex.EncodeToString(sum[:]))
		}
		if readErr == io.EOF {
			break
		}
		if readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}
	return list, nil
}

// ContentMD5AndFirst256KB computes the whole-file MD5 and the MD5 of just
// its first 256KiB, the pair the rapid-upload probe submits before
// Precreate.
func ContentMD5AndFirst256KB(path string) (contentMD5 string, first256MD5 string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	const first256KB = 256 * 1024
	full := md5.New()
	first := md5.New()

	buf := make([]byte, 64*1024)
	var read int64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			full.Write(buf[:n])
			if read < first256KB {
				remain := first256KB - read
				if int64(n) <= remain {
					first.Write(buf[:n])
				} else {
					first.Write(buf[:remain])
				}
			}
			read += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", "", readErr
		}
	}

	return hex.EncodeToString(full.Sum(nil)), hex.EncodeToString(first.Sum(nil)), nil
}
