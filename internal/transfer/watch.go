package transfer

import (
	"context"
	"time"

	"netdisk-core/internal/engine"
	"netdisk-core/internal/eventsink"
	"netdisk-core/internal/storage"
)

// childOutcome is the rolled-up state of every child DownloadTask/
// FolderTask a TransferTask's auto-download step enqueued.
type childOutcome int

const (
	childOutcomeRunning childOutcome = iota
	childOutcomeAllCompleted
	childOutcomeAllCancelled
	childOutcomeFailed
)

// watchChildren polls every 2 seconds per §4.8 step 7, rolling the
// children's statuses up into the TransferTask until they all complete,
// all get cancelled, one has failed with none still running, or 24 hours
// pass with children still outstanding (treated as a timeout failure).
func (p *Pipeline) watchChildren(ctx context.Context, task *storage.TransferTask, children []ChildTask) {
	deadline := time.Now().Add(watchTimeout)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			statuses, bytesDone, totalBytes, err := p.childStatuses(children)
			if err != nil {
				p.logger.Error("transfer: poll children", "id", task.ID, "error", err)
				continue
			}
			p.sink.GroupUpdated(eventsink.GroupUpdate{
				GroupID: task.ID, Status: task.Status, BytesDone: bytesDone, TotalBytes: totalBytes,
			})

			switch aggregateChildStatus(statuses) {
			case childOutcomeAllCompleted:
				task.Status = StatusCompleted
				p.saveTransfer(task)
				p.sink.TaskTerminated(eventsink.TaskTermination{TaskID: task.ID, Status: StatusCompleted})
				return
			case childOutcomeAllCancelled:
				// Every child was cancelled before finishing; the copy into
				// the user's own space still happened, so the task settles
				// back to Transferred rather than a download failure.
				task.Status = StatusTransferred
				p.saveTransfer(task)
				p.sink.TaskStatusChanged(task.ID, StatusTransferred)
				return
			case childOutcomeFailed:
				p.failDownloadStage(task, "one or more downloaded files failed")
				return
			case childOutcomeRunning:
				if now.After(deadline) {
					p.failDownloadStage(task, "timeout")
					return
				}
			}
		}
	}
}

// childStatuses loads the current status and progress of every enqueued
// child, keyed by its kind since DownloadTask and FolderTask are
// different tables.
func (p *Pipeline) childStatuses(children []ChildTask) ([]string, int64, int64, error) {
	statuses := make([]string, 0, len(children))
	var bytesDone, totalBytes int64

	for _, c := range children {
		switch c.Kind {
		case "folder":
			t, err := p.storage.GetFolderTask(c.ID)
			if err != nil {
				return nil, 0, 0, err
			}
			statuses = append(statuses, t.Status)
			bytesDone += t.DoneBytes
			totalBytes += t.TotalBytes
		default:
			t, err := p.storage.GetTask(c.ID)
			if err != nil {
				return nil, 0, 0, err
			}
			statuses = append(statuses, t.Status)
			bytesDone += t.Downloaded
			totalBytes += t.TotalSize
		}
	}
	return statuses, bytesDone, totalBytes, nil
}

// aggregateChildStatus applies §4.8 step 7's exact rollup rules: any
// child still active keeps the group Downloading; once nothing is
// active, unanimous Completed/Cancelled settle the group, and a failed
// straggler among otherwise-terminal children fails the group.
func aggregateChildStatus(statuses []string) childOutcome {
	running := map[string]bool{
		engine.StatusPending:     true,
		engine.StatusDownloading: true,
		engine.StatusVerifying:   true,
	}
	failedStatus := map[string]bool{
		engine.StatusError:     true,
		engine.StatusNeedsAuth: true,
	}

	allCompleted, allCancelled := true, true
	anyRunning, anyFailed := false, false

	for _, s := range statuses {
		if running[s] {
			anyRunning = true
		}
		if failedStatus[s] {
			anyFailed = true
		}
		if s != engine.StatusCompleted {
			allCompleted = false
		}
		if s != engine.StatusCancelled {
			allCancelled = false
		}
	}

	switch {
	case anyRunning:
		return childOutcomeRunning
	case allCompleted:
		return childOutcomeAllCompleted
	case allCancelled:
		return childOutcomeAllCancelled
	case anyFailed:
		return childOutcomeFailed
	default:
		// No child is running or failed, yet the children are neither all
		// Completed nor all Cancelled (all Paused, or a mix such as
		// Completed plus Cancelled or Paused): stay in Downloading without
		// finalizing.
		return childOutcomeRunning
	}
}
