package engine

import (
	"context"
	"fmt"
	"time"

	"netdisk-core/internal/eventsink"
	"netdisk-core/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// FolderEntry is one file inside a folder download, already resolved to a
// downloadable link by the caller (a directory listing + per-file Locate).
type FolderEntry struct {
	RemotePath  string
	FsID        int64
	DownloadURL string
	SavePath    string
	Size        int64
}

// StartFolderDownload creates a FolderTask and one child DownloadTask per
// entry, all sharing the FolderTask's ID as GroupID, then starts a
// background watcher that rolls the children's progress up into the
// FolderTask row. Grounded on the teacher's manager.go group-progress
// aggregation, generalized from a single push notification per child to
// a poll loop, since child DownloadTasks have no way to address their
// parent directly.
func (e *Engine) StartFolderDownload(remotePath, saveRoot string, entries []FolderEntry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("engine: folder download with no entries")
	}

	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)
	var totalBytes int64
	for _, entry := range entries {
		totalBytes += entry.Size
	}

	folder := storage.FolderTask{
		ID:         id,
		RemotePath: remotePath,
		SaveRoot:   saveRoot,
		Status:     StatusPending,
		TotalBytes: totalBytes,
		ChildCount: len(entries),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.storage.SaveFolderTask(folder); err != nil {
		return "", fmt.Errorf("engine: save new folder task: %w", err)
	}

	// Each StartDownload call is its own SaveTask round-trip; admitting
	// children concurrently keeps a large folder's enqueue latency from
	// scaling linearly with its file count.
	var g errgroup.Group
	g.SetLimit(8)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			if _, err := e.StartDownload(entry.RemotePath, entry.DownloadURL, entry.FsID, entry.SavePath, id); err != nil {
				e.logger.Error("folder: start child download", "folder_id", id, "path", entry.RemotePath, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.sink.TaskCreated(id, "folder")
	e.runInBackground(id, func(ctx context.Context) {
		e.watchFolder(ctx, id)
	})
	return id, nil
}

// watchFolder polls its children's aggregate status until the folder
// reaches a terminal state (or ctx is cancelled by PauseFolder/Shutdown).
func (e *Engine) watchFolder(ctx context.Context, id string) {
	ticker := time.NewTicker(progressTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.refreshFolderProgress(id) {
				return
			}
		}
	}
}

// refreshFolderProgress recomputes one FolderTask's rollup from its
// children and reports whether the folder has reached a terminal state.
func (e *Engine) refreshFolderProgress(id string) bool {
	folder, err := e.storage.GetFolderTask(id)
	if err != nil {
		e.logger.Error("folder: load task", "id", id, "error", err)
		return true
	}

	children, err := e.storage.GetTasksByGroup(id)
	if err != nil {
		e.logger.Error("folder: list children", "id", id, "error", err)
		return false
	}

	var doneBytes int64
	completed, failed, active := 0, 0, 0
	for _, c := range children {
		doneBytes += c.Downloaded
		switch c.Status {
		case StatusCompleted:
			completed++
		case StatusError, StatusNeedsAuth, StatusCancelled:
			failed++
		default:
			active++
		}
	}

	folder.DoneBytes = doneBytes
	if folder.TotalBytes > 0 {
		folder.Progress = float64(doneBytes) / float64(folder.TotalBytes)
	}

	terminal := active == 0
	switch {
	case terminal && failed == 0:
		folder.Status = StatusCompleted
	case terminal && completed == 0:
		folder.Status = StatusError
	case terminal:
		folder.Status = StatusError // partial: some children failed, rest completed
	default:
		folder.Status = StatusDownloading
	}

	if err := e.storage.SaveFolderTask(folder); err != nil {
		e.logger.Error("folder: save rollup", "id", id, "error", err)
	}
	e.sink.GroupUpdated(eventsink.GroupUpdate{
		GroupID: id, Status: folder.Status, BytesDone: doneBytes, TotalBytes: folder.TotalBytes,
	})

	if terminal {
		e.sink.TaskTerminated(eventsink.TaskTermination{TaskID: id, Status: folder.Status})
	}
	return terminal
}

// PauseFolder cancels the watcher and pauses every still-active child.
func (e *Engine) PauseFolder(id string) error {
	e.CancelActive(id)
	children, err := e.storage.GetTasksByGroup(id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.Status == StatusDownloading || c.Status == StatusPending {
			if err := e.PauseDownload(c.ID); err != nil {
				e.logger.Error("folder: pause child", "folder_id", id, "child_id", c.ID, "error", err)
			}
		}
	}
	folder, err := e.storage.GetFolderTask(id)
	if err != nil {
		return err
	}
	folder.Status = StatusPaused
	if err := e.storage.SaveFolderTask(folder); err != nil {
		return err
	}
	e.sink.GroupUpdated(eventsink.GroupUpdate{GroupID: id, Status: StatusPaused, BytesDone: folder.DoneBytes, TotalBytes: folder.TotalBytes})
	return nil
}

// ResumeFolder resumes every paused/errored child and restarts the watcher.
func (e *Engine) ResumeFolder(id string) error {
	children, err := e.storage.GetTasksByGroup(id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.Status == StatusPaused || c.Status == StatusError {
			if err := e.ResumeDownload(c.ID, ""); err != nil {
				e.logger.Error("folder: resume child", "folder_id", id, "child_id", c.ID, "error", err)
			}
		}
	}
	folder, err := e.storage.GetFolderTask(id)
	if err != nil {
		return err
	}
	folder.Status = StatusDownloading
	if err := e.storage.SaveFolderTask(folder); err != nil {
		return err
	}
	e.runInBackground(id, func(ctx context.Context) {
		e.watchFolder(ctx, id)
	})
	return nil
}

// DeleteFolder cancels the watcher, deletes every child, and removes the
// FolderTask row.
func (e *Engine) DeleteFolder(id string, deleteFiles bool) error {
	e.CancelActive(id)
	children, err := e.storage.GetTasksByGroup(id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := e.DeleteDownload(c.ID, deleteFiles); err != nil {
			e.logger.Error("folder: delete child", "folder_id", id, "child_id", c.ID, "error", err)
		}
	}
	return e.storage.DeleteFolderTask(id)
}
