package engine

import (
	"encoding/json"
	"fmt"

	"netdisk-core/internal/chunkmap"
)

// chunkSnapshot is what a DownloadTask/UploadTask's MetaJSON column holds
// between runs: the chunk layout plus the validators needed to decide
// whether a resume is safe. This generalizes the teacher's StateManager/
// storage.ResumeState pair onto chunkmap.Chunk directly, since the WAL
// (not a periodic whole-state snapshot) is now the source of truth for
// which chunks actually completed — MetaJSON only needs to carry the
// layout and validators, with completion reconciled from wal.Replay.
type chunkSnapshot struct {
	ETag         string           `json:"etag"`
	LastModified string           `json:"lm"`
	TotalSize    int64            `json:"total_size"`
	Chunks       []chunkmap.Chunk `json:"chunks"`
}

func encodeSnapshot(etag, lastModified string, totalSize int64, chunks []chunkmap.Chunk) (string, error) {
	snap := chunkSnapshot{ETag: etag, LastModified: lastModified, TotalSize: totalSize, Chunks: chunks}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("engine: marshal chunk snapshot: %w", err)
	}
	return string(data), nil
}

func decodeSnapshot(metaJSON string) (*chunkSnapshot, error) {
	if metaJSON == "" {
		return nil, nil
	}
	var snap chunkSnapshot
	if err := json.Unmarshal([]byte(metaJSON), &snap); err != nil {
		return nil, fmt.Errorf("engine: unmarshal chunk snapshot: %w", err)
	}
	return &snap, nil
}

// validatesAgainst reports whether remote's current ETag/Last-Modified
// still match the snapshot's — a mismatch means the remote file changed
// since the snapshot was taken and the resume must restart from scratch,
// per §4.5's resume-validation rule.
func (s *chunkSnapshot) validatesAgainst(etag, lastModified string) bool {
	if s == nil {
		return true
	}
	if s.ETag != "" && etag != "" && s.ETag != etag {
		return false
	}
	if s.LastModified != "" && lastModified != "" && s.LastModified != lastModified {
		return false
	}
	return true
}
